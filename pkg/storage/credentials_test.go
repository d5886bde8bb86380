package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

func TestCreateCredential(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO credentials").
		WithArgs("key-1", "$2a$10$hash", "reporting client", false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.CreateCredential(context.Background(), "key-1", "$2a$10$hash", "reporting client")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCredentialKeyReuse(t *testing.T) {
	s, mock := newMockStore(t)

	// ON CONFLICT DO NOTHING reports zero affected rows on a dup.
	mock.ExpectExec("INSERT INTO credentials").
		WithArgs("key-1", "$2a$10$hash", "", false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.CreateCredential(context.Background(), "key-1", "$2a$10$hash", "")
	require.Error(t, err)
	assert.Equal(t, lrserr.KindConflict, lrserr.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupCredential(t *testing.T) {
	s, mock := newMockStore(t)

	created := time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "api_key", "secret_hash", "label", "disabled", "created"}).
		AddRow(int64(3), "key-1", "$2a$10$hash", "reporting client", false, formatStored(created))
	mock.ExpectQuery("SELECT id, api_key, secret_hash, label, disabled, created FROM credentials").
		WithArgs("key-1").
		WillReturnRows(rows)

	c, err := s.LookupCredential(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.ID)
	assert.Equal(t, "key-1", c.APIKey)
	assert.Equal(t, "$2a$10$hash", c.SecretHash)
	assert.Equal(t, "reporting client", c.Label)
	assert.False(t, c.Disabled)
	assert.True(t, c.Created.Equal(created))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupCredentialUnknownKey(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, api_key, secret_hash, label, disabled, created FROM credentials").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "api_key", "secret_hash", "label", "disabled", "created"}))

	_, err := s.LookupCredential(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, lrserr.KindNotFound, lrserr.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetCredentialDisabled(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE credentials SET disabled").
		WithArgs(true, "key-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SetCredentialDisabled(context.Background(), "key-1", true))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetCredentialDisabledUnknownKey(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE credentials SET disabled").
		WithArgs(true, "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SetCredentialDisabled(context.Background(), "ghost", true)
	require.Error(t, err)
	assert.Equal(t, lrserr.KindNotFound, lrserr.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}
