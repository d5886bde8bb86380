package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceworks-io/openlrs/pkg/auth"
	"github.com/traceworks-io/openlrs/pkg/guard"
	"github.com/traceworks-io/openlrs/pkg/lrserr"
	"github.com/traceworks-io/openlrs/pkg/multipart"
	"github.com/traceworks-io/openlrs/pkg/ratelimit"
	"github.com/traceworks-io/openlrs/pkg/signature"
	"github.com/traceworks-io/openlrs/pkg/storage"
	"github.com/traceworks-io/openlrs/pkg/xapi"
)

var testThrough = time.Date(2026, 2, 3, 4, 5, 6, 7_000_000, time.UTC)

// fakeStore satisfies Store with per-method hooks. Unset hooks answer
// with empty results so middleware tests need no storage choreography.
type fakeStore struct {
	pingFn     func(ctx context.Context) error
	ingestFn   func(ctx context.Context, stmts []*xapi.Statement, opts storage.IngestOptions) (*storage.IngestResult, error)
	findFn     func(ctx context.Context, id string, voided bool) (*storage.StatementRow, error)
	refsFn     func(ctx context.Context, seqs []int64) ([]storage.AttachmentRef, error)
	queryFn    func(ctx context.Context, f storage.Filter) (*storage.QueryPage, error)
	continueFn func(ctx context.Context, token string) (*storage.QueryPage, error)
	renderFn   func(ctx context.Context, rows []storage.StatementRow, format xapi.Format, prefs []string) ([]json.RawMessage, error)
	personFn   func(ctx context.Context, agent *xapi.Actor) (*xapi.Person, error)
	activityFn func(ctx context.Context, iri string) (*xapi.Activity, error)
	getDocFn   func(ctx context.Context, key storage.DocumentKey) (*storage.Document, error)
	putDocFn   func(ctx context.Context, key storage.DocumentKey, contentType string, content []byte, pre guard.Precondition) (*storage.Document, error)
	mergeDocFn func(ctx context.Context, key storage.DocumentKey, contentType string, content []byte, pre guard.Precondition) (*storage.Document, error)
	delDocFn   func(ctx context.Context, key storage.DocumentKey, pre guard.Precondition) error
	listDocsFn func(ctx context.Context, scope storage.DocumentKey, since *time.Time) ([]string, error)
	delDocsFn  func(ctx context.Context, scope storage.DocumentKey) error
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) ConsistentThrough() time.Time { return testThrough }

func (f *fakeStore) Ingest(ctx context.Context, stmts []*xapi.Statement, opts storage.IngestOptions) (*storage.IngestResult, error) {
	if f.ingestFn != nil {
		return f.ingestFn(ctx, stmts, opts)
	}
	ids := make([]string, len(stmts))
	for i, st := range stmts {
		ids[i] = st.ID
	}
	return &storage.IngestResult{IDs: ids}, nil
}

func (f *fakeStore) FindStatement(ctx context.Context, id string, voided bool) (*storage.StatementRow, error) {
	if f.findFn != nil {
		return f.findFn(ctx, id, voided)
	}
	return nil, lrserr.NotFoundf("statement %s", id)
}

func (f *fakeStore) AttachmentRefs(ctx context.Context, seqs []int64) ([]storage.AttachmentRef, error) {
	if f.refsFn != nil {
		return f.refsFn(ctx, seqs)
	}
	return nil, nil
}

func (f *fakeStore) QueryStatements(ctx context.Context, q storage.Filter) (*storage.QueryPage, error) {
	if f.queryFn != nil {
		return f.queryFn(ctx, q)
	}
	return &storage.QueryPage{Format: q.Format, Attachments: q.Attachments}, nil
}

func (f *fakeStore) ContinueQuery(ctx context.Context, token string) (*storage.QueryPage, error) {
	if f.continueFn != nil {
		return f.continueFn(ctx, token)
	}
	return &storage.QueryPage{}, nil
}

func (f *fakeStore) RenderStatements(ctx context.Context, rows []storage.StatementRow, format xapi.Format, prefs []string) ([]json.RawMessage, error) {
	if f.renderFn != nil {
		return f.renderFn(ctx, rows, format, prefs)
	}
	out := make([]json.RawMessage, len(rows))
	for i, row := range rows {
		out[i] = row.Exact
	}
	return out, nil
}

func (f *fakeStore) FindPerson(ctx context.Context, agent *xapi.Actor) (*xapi.Person, error) {
	if f.personFn != nil {
		return f.personFn(ctx, agent)
	}
	return &xapi.Person{ObjectType: "Person"}, nil
}

func (f *fakeStore) FindActivity(ctx context.Context, iri string) (*xapi.Activity, error) {
	if f.activityFn != nil {
		return f.activityFn(ctx, iri)
	}
	return &xapi.Activity{ObjectType: "Activity", ID: iri}, nil
}

func (f *fakeStore) GetDocument(ctx context.Context, key storage.DocumentKey) (*storage.Document, error) {
	if f.getDocFn != nil {
		return f.getDocFn(ctx, key)
	}
	return nil, lrserr.NotFoundf("document %s", key.ID)
}

func (f *fakeStore) PutDocument(ctx context.Context, key storage.DocumentKey, contentType string, content []byte, pre guard.Precondition) (*storage.Document, error) {
	if f.putDocFn != nil {
		return f.putDocFn(ctx, key, contentType, content, pre)
	}
	return &storage.Document{ID: key.ID, ContentType: contentType, Content: content, ETag: guard.ETagFor(content)}, nil
}

func (f *fakeStore) MergeDocument(ctx context.Context, key storage.DocumentKey, contentType string, content []byte, pre guard.Precondition) (*storage.Document, error) {
	if f.mergeDocFn != nil {
		return f.mergeDocFn(ctx, key, contentType, content, pre)
	}
	return &storage.Document{ID: key.ID, ContentType: contentType, Content: content, ETag: guard.ETagFor(content)}, nil
}

func (f *fakeStore) DeleteDocument(ctx context.Context, key storage.DocumentKey, pre guard.Precondition) error {
	if f.delDocFn != nil {
		return f.delDocFn(ctx, key, pre)
	}
	return nil
}

func (f *fakeStore) ListDocumentIDs(ctx context.Context, scope storage.DocumentKey, since *time.Time) ([]string, error) {
	if f.listDocsFn != nil {
		return f.listDocsFn(ctx, scope, since)
	}
	return nil, nil
}

func (f *fakeStore) DeleteDocuments(ctx context.Context, scope storage.DocumentKey) error {
	if f.delDocsFn != nil {
		return f.delDocsFn(ctx, scope)
	}
	return nil
}

// fakeBlobs is an in-memory blob store.
type fakeBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{data: map[string][]byte{}}
}

func (b *fakeBlobs) Put(_ context.Context, digest string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[digest] = data
	return nil
}

func (b *fakeBlobs) Get(_ context.Context, digest string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.data[digest]
	if !ok {
		return nil, lrserr.NotFoundf("blob %s", digest)
	}
	return data, nil
}

func (b *fakeBlobs) Exists(_ context.Context, digest string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.data[digest]
	return ok, nil
}

func (b *fakeBlobs) Delete(_ context.Context, digest string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, digest)
	return nil
}

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAuthority() *xapi.Actor {
	return &xapi.Actor{Account: &xapi.Account{HomePage: "https://lrs.test", Name: "root"}}
}

func newTestServer(t *testing.T, store *fakeStore) (*Server, *fakeBlobs) {
	t.Helper()
	blobs := newFakeBlobs()
	s := &Server{
		Config: Config{
			BasePath:     "/xapi",
			MaxBodyBytes: 1 << 20,
			RetryAfter:   2,
			Version:      "test",
		},
		Log:             quietLog(),
		Store:           store,
		Blobs:           blobs,
		Intake:          &multipart.Intake{SpoolDir: t.TempDir(), MaxPartBytes: 1 << 20, Log: quietLog()},
		Verifier:        signature.NewVerifier(quietLog()),
		LegacyAuthority: testAuthority(),
	}
	return s, blobs
}

// doReq runs one request through the full middleware chain. The version
// header is preset; pass hdr overrides to change or clear it.
func doReq(h http.Handler, method, target string, body []byte, hdr map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set(guard.VersionHeader, "2.0.0")
	for k, v := range hdr {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestVersionGuard(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})
	h := s.Handler()

	rec := doReq(h, http.MethodGet, "/xapi/statements", nil, map[string]string{guard.VersionHeader: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "2.0.0", rec.Header().Get(guard.VersionHeader), "failures still advertise the served version")

	rec = doReq(h, http.MethodGet, "/xapi/statements", nil, map[string]string{guard.VersionHeader: "1.0.3"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(h, http.MethodGet, "/xapi/statements", nil, map[string]string{guard.VersionHeader: "2.0.1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2.0.0", rec.Header().Get(guard.VersionHeader))
}

func TestProblemDocumentShape(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})
	rec := doReq(s.Handler(), http.MethodGet, "/xapi/statements?bogus=1", nil, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, problemTypeBase+lrserr.CodeBadParam, p.Type)
	assert.Equal(t, "Bad Request", p.Title)
	assert.Equal(t, http.StatusBadRequest, p.Status)
	assert.Contains(t, p.Detail, "bogus")
	assert.Equal(t, "/xapi/statements", p.Instance)
	assert.NotEmpty(t, p.RequestID)
	assert.Equal(t, p.RequestID, rec.Header().Get(RequestIDHeader))
}

func TestInternalDetailNeverLeaks(t *testing.T) {
	store := &fakeStore{
		queryFn: func(context.Context, storage.Filter) (*storage.QueryPage, error) {
			return nil, lrserr.New(lrserr.KindInternal, lrserr.CodeStorage, "pq: connection refused on 10.0.0.5")
		},
	}
	s, _ := newTestServer(t, store)
	rec := doReq(s.Handler(), http.MethodGet, "/xapi/statements", nil, nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	p := decodeProblem(t, rec)
	assert.NotContains(t, p.Detail, "10.0.0.5")
	assert.NotContains(t, rec.Body.String(), "pq:")
}

func TestRequestIDReused(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})
	rec := doReq(s.Handler(), http.MethodGet, "/healthz", nil, map[string]string{RequestIDHeader: "trace-me-7"})
	assert.Equal(t, "trace-me-7", rec.Header().Get(RequestIDHeader))

	rec = doReq(s.Handler(), http.MethodGet, "/healthz", nil, nil)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestBasicAuthRequired(t *testing.T) {
	store := &fakeStore{}
	s, _ := newTestServer(t, store)
	principal := &auth.Principal{Key: "key-9", Authority: auth.Authority("https://lrs.test", "key-9"), Scopes: []string{auth.ScopeAll}}
	s.Auth = authFunc(func(_ context.Context, key, secret string) (*auth.Principal, error) {
		if key == "key-9" && secret == "s3cret" {
			return principal, nil
		}
		return nil, lrserr.New(lrserr.KindUnauthorized, lrserr.CodeBadCredentials, "credentials were not accepted")
	})
	h := s.Handler()

	rec := doReq(h, http.MethodGet, "/xapi/statements", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Basic realm="openlrs"`, rec.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/xapi/statements", nil)
	req.Header.Set(guard.VersionHeader, "2.0.0")
	req.SetBasicAuth("key-9", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/xapi/statements", nil)
	req.Header.Set(guard.VersionHeader, "2.0.0")
	req.SetBasicAuth("key-9", "s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// authFunc adapts a function to the Authenticator interface.
type authFunc func(ctx context.Context, key, secret string) (*auth.Principal, error)

func (f authFunc) Authenticate(ctx context.Context, key, secret string) (*auth.Principal, error) {
	return f(ctx, key, secret)
}

func TestLegacyModeStampsConfiguredAuthority(t *testing.T) {
	var got *xapi.Actor
	store := &fakeStore{
		ingestFn: func(_ context.Context, stmts []*xapi.Statement, opts storage.IngestOptions) (*storage.IngestResult, error) {
			got = opts.Authority
			return &storage.IngestResult{IDs: []string{"11111111-2222-3333-4444-555555555555"}}, nil
		},
	}
	s, _ := newTestServer(t, store)

	body := []byte(`{
		"actor": {"mbox": "mailto:learner@example.com"},
		"verb": {"id": "https://example.com/verbs/experienced"},
		"object": {"id": "https://example.com/activities/intro"}
	}`)
	rec := doReq(s.Handler(), http.MethodPost, "/xapi/statements", body, map[string]string{"Content-Type": "application/json"})

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "root", got.Account.Name)
}

func TestRateLimitRejects(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})
	s.Limiter = ratelimit.NewMemory(0.001, 1)
	h := s.Handler()

	rec := doReq(h, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(h, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	p := decodeProblem(t, rec)
	assert.Equal(t, problemTypeBase+lrserr.CodeTooMany, p.Type)
}

func TestRateLimitBucketsPerKey(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})
	s.Limiter = ratelimit.NewMemory(0.001, 1)
	h := s.Handler()

	for i, key := range []string{"alpha", "beta", "gamma"} {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set(guard.VersionHeader, "2.0.0")
		req.SetBasicAuth(key, "x")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "key %d gets its own bucket", i)
	}
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})
	s.Config.CORSOrigins = []string{"https://app.example.com"}
	h := s.Handler()

	rec := doReq(h, http.MethodOptions, "/xapi/statements", nil, map[string]string{"Origin": "https://app.example.com"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), consistentThroughHeader)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), guard.VersionHeader)

	rec = doReq(h, http.MethodGet, "/xapi/about", nil, map[string]string{"Origin": "https://evil.example.com"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})
	rec := doReq(s.Handler(), http.MethodPatch, "/xapi/statements", nil, nil)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Header().Get("Allow"), "PUT")
	assert.Contains(t, rec.Header().Get("Allow"), "GET")
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})
	rec := doReq(s.Handler(), http.MethodGet, "/healthz", nil, map[string]string{guard.VersionHeader: ""})

	require.Equal(t, http.StatusOK, rec.Code, "health needs no version header")
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "2026-02-03T04:05:06.007Z", body["consistent_through"])
}

func TestHealthUnavailable(t *testing.T) {
	store := &fakeStore{pingFn: func(context.Context) error {
		return lrserr.New(lrserr.KindUnavailable, lrserr.CodeStorage, "pool exhausted")
	}}
	s, _ := newTestServer(t, store)
	rec := doReq(s.Handler(), http.MethodGet, "/healthz", nil, nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}
