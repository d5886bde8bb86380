package signature

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
	"github.com/traceworks-io/openlrs/pkg/xapi"
)

const signedStatement = `{
	"actor": {"mbox": "mailto:signer@example.com"},
	"verb": {"id": "https://example.com/verbs/attested"},
	"object": {"id": "https://example.com/activities/cert"}
}`

func testVerifier() *Verifier {
	return NewVerifier(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func mustStatement(t *testing.T, raw string) *xapi.Statement {
	t.Helper()
	st, err := xapi.ParseStatement([]byte(raw))
	require.NoError(t, err)
	return st
}

// signJWS produces a compact JWS whose payload is the statement JSON.
func signJWS(t *testing.T, method jwt.SigningMethod, key any, payload string, x5c []string) []byte {
	t.Helper()
	var claims jwt.MapClaims
	require.NoError(t, json.Unmarshal([]byte(payload), &claims))
	token := jwt.NewWithClaims(method, claims)
	if x5c != nil {
		token.Header["x5c"] = x5c
	}
	compact, err := token.SignedString(key)
	require.NoError(t, err)
	return []byte(compact)
}

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func selfSigned(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(der)
}

func TestVerifyWithoutX5CAcceptsMatchingPayload(t *testing.T) {
	st := mustStatement(t, signedStatement)
	jws := signJWS(t, jwt.SigningMethodRS256, testKey(t), signedStatement, nil)

	assert.NoError(t, testVerifier().Verify(jws, st))
}

func TestVerifyRejectsMismatchedStatement(t *testing.T) {
	st := mustStatement(t, signedStatement)
	other := strings.Replace(signedStatement, "attested", "tampered", 1)
	jws := signJWS(t, jwt.SigningMethodRS256, testKey(t), other, nil)

	err := testVerifier().Verify(jws, st)
	var lerr *lrserr.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, lrserr.KindValidation, lerr.Kind)
	assert.Equal(t, lrserr.CodeBadSignature, lerr.Code)
	assert.Contains(t, lerr.Detail, "does not match")
}

func TestVerifyIgnoresAttachmentsOnBothSides(t *testing.T) {
	// The enclosing statement names its attachments; the signed payload
	// was produced before they were attached. Both fingerprints elide
	// the attachments array, so they still agree.
	enclosing := mustStatement(t, `{
		"actor": {"mbox": "mailto:signer@example.com"},
		"verb": {"id": "https://example.com/verbs/attested"},
		"object": {"id": "https://example.com/activities/cert"},
		"attachments": [{
			"usageType": "http://adlnet.gov/expapi/attachments/signature",
			"display": {"en": "Signature"},
			"contentType": "application/octet-stream",
			"length": 1234,
			"sha2": "495395e777cd98da653df9615d09c0fd6bb2f8d4788394cd53c56a3bfdcd848a"
		}]
	}`)
	jws := signJWS(t, jwt.SigningMethodRS256, testKey(t), signedStatement, nil)

	assert.NoError(t, testVerifier().Verify(jws, enclosing))
}

func TestVerifyRejectsForbiddenAlgs(t *testing.T) {
	st := mustStatement(t, signedStatement)

	var claims jwt.MapClaims
	require.NoError(t, json.Unmarshal([]byte(signedStatement), &claims))

	hs, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, compact := range map[string]string{"HS256": hs, "none": none} {
		err := testVerifier().Verify([]byte(compact), st)
		var lerr *lrserr.Error
		require.ErrorAs(t, err, &lerr, name)
		assert.Equal(t, lrserr.CodeBadSignature, lerr.Code, name)
	}
}

func TestVerifyRejectsNonJWS(t *testing.T) {
	st := mustStatement(t, signedStatement)
	for name, raw := range map[string]string{
		"two segments": "abc.def",
		"empty":        "",
		"json":         `{"not": "a jws"}`,
	} {
		err := testVerifier().Verify([]byte(raw), st)
		var lerr *lrserr.Error
		require.ErrorAs(t, err, &lerr, name)
		assert.Equal(t, lrserr.KindValidation, lerr.Kind, name)
	}
}

func TestVerifyWithX5C(t *testing.T) {
	st := mustStatement(t, signedStatement)
	key := testKey(t)
	cert := selfSigned(t, key)

	jws := signJWS(t, jwt.SigningMethodRS256, key, signedStatement, []string{cert})
	assert.NoError(t, testVerifier().Verify(jws, st))

	// A certificate that does not match the signing key fails.
	wrong := signJWS(t, jwt.SigningMethodRS256, testKey(t), signedStatement, []string{cert})
	err := testVerifier().Verify(wrong, st)
	var lerr *lrserr.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, lrserr.CodeBadSignature, lerr.Code)
	assert.Contains(t, lerr.Detail, "verification failed")
}

func TestVerifyRejectsGarbageX5C(t *testing.T) {
	st := mustStatement(t, signedStatement)
	jws := signJWS(t, jwt.SigningMethodRS256, testKey(t), signedStatement, []string{"not-a-cert"})

	err := testVerifier().Verify(jws, st)
	var lerr *lrserr.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, lrserr.CodeBadSignature, lerr.Code)
}

func TestVerifyRejectsNonStatementPayload(t *testing.T) {
	st := mustStatement(t, signedStatement)
	jws := signJWS(t, jwt.SigningMethodRS256, testKey(t), `{"hello": "world"}`, nil)

	err := testVerifier().Verify(jws, st)
	var lerr *lrserr.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, lrserr.CodeBadSignature, lerr.Code)
}
