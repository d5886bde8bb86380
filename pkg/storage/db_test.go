package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDSN(t *testing.T) {
	dialect, driver, dsn := resolveDSN("postgres://lrs:secret@db:5432/lrs?sslmode=disable")
	assert.Equal(t, DialectPostgres, dialect)
	assert.Equal(t, "postgres", driver)
	assert.Equal(t, "postgres://lrs:secret@db:5432/lrs?sslmode=disable", dsn)

	dialect, driver, dsn = resolveDSN("postgresql://db/lrs")
	assert.Equal(t, DialectPostgres, dialect)
	assert.Equal(t, "postgres", driver)
	assert.Equal(t, "postgresql://db/lrs", dsn)

	dialect, driver, dsn = resolveDSN("sqlite:///var/lib/openlrs/lrs.db")
	assert.Equal(t, DialectSQLite, dialect)
	assert.Equal(t, "sqlite", driver)
	assert.True(t, strings.HasPrefix(dsn, "/var/lib/openlrs/lrs.db?"))
	assert.Contains(t, dsn, "journal_mode(WAL)")

	dialect, _, dsn = resolveDSN("lrs.db")
	assert.Equal(t, DialectSQLite, dialect)
	assert.Contains(t, dsn, "busy_timeout(5000)")
}

func TestSQLitePragmasRespectsExisting(t *testing.T) {
	dsn := sqlitePragmas("lrs.db?_pragma=busy_timeout(100)")
	assert.Equal(t, "lrs.db?_pragma=busy_timeout(100)", dsn)

	dsn = sqlitePragmas("lrs.db?cache=shared")
	assert.Equal(t, "lrs.db?cache=shared&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", dsn)
}

func TestStoredInstantRoundTrip(t *testing.T) {
	in := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.FixedZone("CET", 3600))
	formatted := formatStored(in)

	require.Len(t, formatted, len(storedLayout))
	assert.Equal(t, "2026-03-14T08:26:53.589793238Z", formatted)

	out, err := parseStored(formatted)
	require.NoError(t, err)
	assert.True(t, in.Equal(out))
}

func TestStoredInstantOrderIsLexicographic(t *testing.T) {
	a := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	b := a.Add(time.Nanosecond)
	c := a.Add(time.Hour)

	assert.Less(t, formatStored(a), formatStored(b))
	assert.Less(t, formatStored(b), formatStored(c))
}

func TestParseStoredRejectsLooseForms(t *testing.T) {
	_, err := parseStored("2026-03-14T08:26:53Z")
	assert.Error(t, err, "missing fractional digits")

	_, err = parseStored("2026-03-14T08:26:53.589793238+01:00")
	assert.Error(t, err, "zoned instants are not stored")
}
