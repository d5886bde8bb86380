package storage

import (
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// newMockStore wires a Store around a sqlmock connection. The sqlmock
// driver keeps ? placeholders untouched through Rebind, so expectations
// match the queries as written.
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	opts := Options{}
	opts.fill()
	return &Store{
		db:      sqlx.NewDb(db, "sqlmock"),
		dialect: DialectSQLite,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:   NewClock(),
		opts:    opts,
	}, mock
}
