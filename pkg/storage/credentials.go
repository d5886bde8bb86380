package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

// Credential is one API key record. SecretHash is a bcrypt digest; the
// plaintext secret exists only at creation time.
type Credential struct {
	ID         int64
	APIKey     string
	SecretHash string
	Label      string
	Disabled   bool
	Created    time.Time
}

// CreateCredential registers a new API key. Keys are unique; reusing one
// is a conflict.
func (s *Store) CreateCredential(ctx context.Context, apiKey, secretHash, label string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	q := s.rebind(`
INSERT INTO credentials (api_key, secret_hash, label, disabled, created)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (api_key) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, q, apiKey, secretHash, label, false, formatStored(time.Now().UTC()))
	if err != nil {
		return dbErr(err, "creating credential")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbErr(err, "creating credential")
	}
	if n == 0 {
		return lrserr.Conflictf(lrserr.CodeIDReuse, "api key %s already exists", apiKey)
	}
	return nil
}

// LookupCredential fetches a credential by API key.
func (s *Store) LookupCredential(ctx context.Context, apiKey string) (*Credential, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var c Credential
	var created string
	q := s.rebind(`SELECT id, api_key, secret_hash, label, disabled, created FROM credentials WHERE api_key = ?`)
	err := s.db.QueryRowxContext(ctx, q, apiKey).
		Scan(&c.ID, &c.APIKey, &c.SecretHash, &c.Label, &c.Disabled, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lrserr.NotFoundf("api key %s not found", apiKey)
	}
	if err != nil {
		return nil, dbErr(err, "fetching credential")
	}
	if c.Created, err = parseStored(created); err != nil {
		return nil, lrserr.Wrap(lrserr.KindInternal, lrserr.CodeStorage, err, "decoding credential instant")
	}
	return &c, nil
}

// SetCredentialDisabled flips the disabled flag. Disabled keys fail
// authentication without being deleted, so they can be re-enabled.
func (s *Store) SetCredentialDisabled(ctx context.Context, apiKey string, disabled bool) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	q := s.rebind(`UPDATE credentials SET disabled = ? WHERE api_key = ?`)
	res, err := s.db.ExecContext(ctx, q, disabled, apiKey)
	if err != nil {
		return dbErr(err, "updating credential")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbErr(err, "updating credential")
	}
	if n == 0 {
		return lrserr.NotFoundf("api key %s not found", apiKey)
	}
	return nil
}
