// Package canonical produces deterministic canonical bytes and 64-bit
// fingerprints for JSON-shaped values.
//
// Canonicalization follows RFC 8785 (JSON Canonicalization Scheme): object
// members sorted by code point, ECMA-262 number formatting, no insignificant
// whitespace. Fingerprints are xxhash64 digests of the canonical bytes and
// are the identity used for statement, actor, verb, activity, and attachment
// deduplication.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/gowebpki/jcs"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

// Fingerprint is a 64-bit canonical content identity. It is persisted as a
// signed BIGINT column; Int64/FromInt64 reinterpret the bits without loss.
type Fingerprint uint64

// Int64 reinterprets the fingerprint as a signed value for storage.
func (f Fingerprint) Int64() int64 { return int64(f) }

// FromInt64 restores a fingerprint from its stored representation.
func FromInt64(v int64) Fingerprint { return Fingerprint(uint64(v)) }

// String renders the fingerprint as fixed-width lowercase hex.
func (f Fingerprint) String() string { return fmt.Sprintf("%016x", uint64(f)) }

// JCS serializes v to its RFC 8785 canonical form. v must be a
// JSON-marshalable value; typically a map[string]any projection.
func JCS(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, lrserr.Wrap(lrserr.KindEncoding, lrserr.CodeEncoding, err, "marshaling canonical value")
	}
	out, err := jcs.Transform(bytes.TrimRight(buf.Bytes(), "\n"))
	if err != nil {
		return nil, lrserr.Wrap(lrserr.KindEncoding, lrserr.CodeEncoding, err, "canonicalizing value")
	}
	return out, nil
}

// JCSBytes canonicalizes raw JSON text without an intermediate decode.
func JCSBytes(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, lrserr.Wrap(lrserr.KindEncoding, lrserr.CodeEncoding, err, "canonicalizing raw JSON")
	}
	return out, nil
}

// Sum fingerprints a JSON-shaped value: canonical bytes, then xxhash64.
func Sum(v any) (Fingerprint, error) {
	b, err := JCS(v)
	if err != nil {
		return 0, err
	}
	return Fingerprint(xxhash.Sum64(b)), nil
}

// SumBytes fingerprints raw bytes directly. Used for response ETags where
// the body is already serialized (and possibly not JSON at all).
func SumBytes(b []byte) Fingerprint {
	return Fingerprint(xxhash.Sum64(b))
}

// NormalizeIRI folds the case-insensitive parts of an IRI: scheme and host
// are lowercased and default ports dropped. Path, query, and fragment are
// preserved byte for byte. Unparseable input is returned unchanged; IRI
// validity is the caller's concern.
func NormalizeIRI(iri string) string {
	u, err := url.Parse(iri)
	if err != nil || u.Scheme == "" {
		return iri
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Host != "" {
		host := strings.ToLower(u.Hostname())
		port := u.Port()
		switch {
		case port == "":
			u.Host = host
		case u.Scheme == "http" && port == "80", u.Scheme == "https" && port == "443":
			u.Host = host
		default:
			u.Host = host + ":" + port
		}
	}
	return u.String()
}

// NormalizeMailto lowercases a mailto IRI in full. Mail local parts are
// case-sensitive in the letter of RFC 5321, but inverse functional
// identifiers treat differently-cased spellings of one mailbox as one
// identity, so the whole IRI folds.
func NormalizeMailto(m string) string {
	return strings.ToLower(m)
}
