// Package auth resolves HTTP Basic credentials to principals and derives
// the authority agent stamped on every ingested statement.
//
// Credential records live in storage with bcrypt secret hashes. A small
// in-process cache keyed by a SHA-256 of key:secret skips the bcrypt work
// on repeat requests; entries age out by TTL and are dropped when a
// credential is mutated through this process.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
	"github.com/traceworks-io/openlrs/pkg/storage"
	"github.com/traceworks-io/openlrs/pkg/xapi"
)

// ScopeAll grants every xAPI resource. Finer-grained scopes are carried
// but not yet distinguished.
const ScopeAll = "all"

// Principal is an authenticated API client.
type Principal struct {
	// Key is the API key the client presented.
	Key string
	// Authority is stamped on statements this principal ingests.
	Authority *xapi.Actor
	Scopes    []string
}

// CredentialSource looks up API key records. *storage.Store satisfies it.
type CredentialSource interface {
	LookupCredential(ctx context.Context, apiKey string) (*storage.Credential, error)
}

// Config tunes the authenticator.
type Config struct {
	// BaseURL becomes the authority account homePage.
	BaseURL string
	// CacheSize bounds the credential cache (default 1024 entries).
	CacheSize int
	// CacheTTL ages out cache entries (default 5 minutes).
	CacheTTL time.Duration
}

// Authenticator validates Basic credentials against stored records.
type Authenticator struct {
	creds CredentialSource
	cache *credCache
	base  string
	log   *slog.Logger
}

// NewAuthenticator wires the credential source into an Authenticator.
func NewAuthenticator(creds CredentialSource, cfg Config, log *slog.Logger) *Authenticator {
	size := cfg.CacheSize
	if size <= 0 {
		size = 1024
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Authenticator{
		creds: creds,
		cache: newCredCache(size, ttl),
		base:  cfg.BaseURL,
		log:   log,
	}
}

// Authenticate resolves a key/secret pair to a Principal. Unknown keys and
// wrong secrets are indistinguishable to the caller; disabled keys are
// reported as such since the client held valid credentials once.
func (a *Authenticator) Authenticate(ctx context.Context, key, secret string) (*Principal, error) {
	ck := cacheKey(key, secret)
	if p, ok := a.cache.get(ck); ok {
		return p, nil
	}

	rec, err := a.creds.LookupCredential(ctx, key)
	if err != nil {
		if lrserr.IsKind(err, lrserr.KindNotFound) {
			return nil, badCredentials()
		}
		return nil, err
	}
	if rec.Disabled {
		a.log.WarnContext(ctx, "disabled credential presented", "key", key)
		return nil, lrserr.New(lrserr.KindForbidden, lrserr.CodeDisabled, "credential %s is disabled", key)
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.SecretHash), []byte(secret)) != nil {
		return nil, badCredentials()
	}

	p := &Principal{Key: key, Authority: Authority(a.base, key), Scopes: []string{ScopeAll}}
	a.cache.put(ck, key, p)
	return p, nil
}

// Invalidate drops every cached entry for an API key. Call on disable or
// secret rotation so the cache cannot outlive the record.
func (a *Authenticator) Invalidate(key string) {
	a.cache.invalidate(key)
}

// Authority builds the agent identifying statements ingested with the
// given key: an account scoped to this server.
func Authority(baseURL, key string) *xapi.Actor {
	return &xapi.Actor{
		ObjectType: "Agent",
		Account:    &xapi.Account{HomePage: baseURL, Name: key},
	}
}

// HashSecret bcrypt-hashes a plaintext secret for storage.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", lrserr.Wrap(lrserr.KindInternal, lrserr.CodeStorage, err, "hashing secret")
	}
	return string(h), nil
}

func badCredentials() error {
	return lrserr.New(lrserr.KindUnauthorized, lrserr.CodeBadCredentials, "unknown key or wrong secret")
}

func cacheKey(key, secret string) string {
	sum := sha256.Sum256([]byte(key + ":" + secret))
	return hex.EncodeToString(sum[:])
}
