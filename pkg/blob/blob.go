// Package blob stores attachment binaries content-addressed by their
// SHA-2 digest. Keys are the lowercase hex digests statements declare in
// their attachment metadata, so equal content always lands on one object
// regardless of which statement carried it.
package blob

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

// Store is the contract every attachment backend satisfies. Put verifies
// that the bytes read from r hash to digest before publishing; a blob is
// therefore never visible under a key it does not match.
type Store interface {
	Put(ctx context.Context, digest string, r io.Reader) error
	Get(ctx context.Context, digest string) ([]byte, error)
	Exists(ctx context.Context, digest string) (bool, error)
	Delete(ctx context.Context, digest string) error
}

// NewHasher returns the SHA-2 variant matching the digest's hex length:
// 64 chars selects SHA-256, 96 SHA-384, 128 SHA-512.
func NewHasher(digest string) (hash.Hash, error) {
	switch len(digest) {
	case sha256.Size * 2:
		return sha256.New(), nil
	case sha512.Size384 * 2:
		return sha512.New384(), nil
	case sha512.Size * 2:
		return sha512.New(), nil
	default:
		return nil, lrserr.Validation(lrserr.CodeBadParam, "sha2 digest has unsupported length %d", len(digest))
	}
}

// CheckDigest rejects keys that are not lowercase hex of a SHA-2 length.
// Every backend validates before touching storage so malformed keys can
// never escape the fan-out layout or become path components.
func CheckDigest(digest string) error {
	if _, err := NewHasher(digest); err != nil {
		return err
	}
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadParam, err, "sha2 digest is not hex")
	}
	if hex.EncodeToString(raw) != digest {
		return lrserr.Validation(lrserr.CodeBadParam, "sha2 digest must be lowercase hex")
	}
	return nil
}

// verify drains r through the digest's hasher and returns the bytes read,
// failing when the content does not hash to the declared key.
func verify(digest string, r io.Reader) ([]byte, error) {
	h, err := NewHasher(digest)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.TeeReader(r, h))
	if err != nil {
		return nil, lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "reading blob content")
	}
	if hex.EncodeToString(h.Sum(nil)) != digest {
		return nil, lrserr.Validation(lrserr.CodeAttachmentDigest, "content does not hash to %s", digest)
	}
	return data, nil
}
