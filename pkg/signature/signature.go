// Package signature verifies JWS statement signatures carried as
// attachments with the signature usage type.
//
// A signature commits to the enclosing statement as submitted, with the
// attachments array elided from both sides of the comparison. Signers
// therefore never need to predict server-assigned fields, and attaching
// the signature itself does not invalidate it.
package signature

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
	"github.com/traceworks-io/openlrs/pkg/xapi"
)

// allowedAlgs are the only JWS algorithms accepted: asymmetric RSA
// variants. HMAC would let anyone holding the (public) verification
// material mint signatures, and "none" is an attack, not an algorithm.
var allowedAlgs = []string{"RS256", "RS384", "RS512"}

// Verifier checks signature attachments against their enclosing
// statements.
type Verifier struct {
	log    *slog.Logger
	parser *jwt.Parser
}

// NewVerifier returns a Verifier logging through log.
func NewVerifier(log *slog.Logger) *Verifier {
	if log == nil {
		log = slog.Default()
	}
	return &Verifier{
		log: log,
		parser: jwt.NewParser(
			jwt.WithValidMethods(allowedAlgs),
			jwt.WithoutClaimsValidation(),
		),
	}
}

// Verify checks one compact JWS against the statement that carries it.
// The payload must be a Statement whose attachment-less fingerprint equals
// the enclosing statement's. When the protected header carries an x5c
// chain the leaf certificate's key verifies the signature; without x5c the
// check is structural only and a warning is logged, since key distribution
// is deployment policy.
func (v *Verifier) Verify(raw []byte, enclosing *xapi.Statement) error {
	compact := strings.TrimSpace(string(raw))
	parts := strings.Split(compact, ".")
	if len(parts) != 3 {
		return lrserr.Validation(lrserr.CodeBadSignature, "signature is not a compact JWS (want 3 segments, got %d)", len(parts))
	}

	token, _, err := v.parser.ParseUnverified(compact, jwt.MapClaims{})
	if err != nil {
		return lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadSignature, err, "undecodable JWS")
	}
	alg, _ := token.Header["alg"].(string)
	if !algAllowed(alg) {
		return lrserr.Validation(lrserr.CodeBadSignature, "JWS alg %q not accepted (want RS256, RS384 or RS512)", alg)
	}

	if chain, ok := token.Header["x5c"]; ok {
		key, err := leafPublicKey(chain)
		if err != nil {
			return err
		}
		if _, err := v.parser.Parse(compact, func(*jwt.Token) (any, error) { return key, nil }); err != nil {
			return lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadSignature, err, "JWS signature verification failed")
		}
	} else {
		if _, err := base64.RawURLEncoding.DecodeString(parts[2]); err != nil || parts[2] == "" {
			return lrserr.Validation(lrserr.CodeBadSignature, "JWS signature segment is not base64url")
		}
		v.log.Warn("signature attachment carries no x5c; accepted without cryptographic verification",
			"statement_id", enclosing.ID)
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadSignature, err, "undecodable JWS payload")
	}
	signed, err := xapi.ParseStatement(payload)
	if err != nil {
		return lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadSignature, err, "JWS payload is not a statement")
	}

	want, err := enclosing.FingerprintWithoutAttachments()
	if err != nil {
		return err
	}
	got, err := signed.FingerprintWithoutAttachments()
	if err != nil {
		return err
	}
	if want != got {
		return lrserr.Validation(lrserr.CodeBadSignature, "statement does not match signature")
	}
	return nil
}

func algAllowed(alg string) bool {
	for _, a := range allowedAlgs {
		if alg == a {
			return true
		}
	}
	return false
}

// leafPublicKey extracts the RSA public key from the first certificate of
// an x5c header value. Per RFC 7515 the entries are standard (not url)
// base64 DER.
func leafPublicKey(chain any) (*rsa.PublicKey, error) {
	entries, ok := chain.([]any)
	if !ok || len(entries) == 0 {
		return nil, lrserr.Validation(lrserr.CodeBadSignature, "x5c is not a certificate list")
	}
	leaf, ok := entries[0].(string)
	if !ok {
		return nil, lrserr.Validation(lrserr.CodeBadSignature, "x5c leaf is not a string")
	}
	der, err := base64.StdEncoding.DecodeString(leaf)
	if err != nil {
		return nil, lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadSignature, err, "x5c leaf is not base64 DER")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadSignature, err, "x5c leaf is not a certificate")
	}
	key, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, lrserr.Validation(lrserr.CodeBadSignature, "x5c leaf key is %T, want RSA", cert.PublicKey)
	}
	return key, nil
}
