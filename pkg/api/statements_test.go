package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	mp "mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
	"github.com/traceworks-io/openlrs/pkg/storage"
	"github.com/traceworks-io/openlrs/pkg/xapi"
)

const putID = "6d6dfa2e-a77a-4b63-8df1-0a6b9ac1ec49"

var jsonCT = map[string]string{"Content-Type": "application/json"}

const minimalStatement = `{
	"actor": {"mbox": "mailto:learner@example.com"},
	"verb": {"id": "https://example.com/verbs/experienced"},
	"object": {"id": "https://example.com/activities/intro"}
}`

func TestPutStatement(t *testing.T) {
	var got []*xapi.Statement
	store := &fakeStore{
		ingestFn: func(_ context.Context, stmts []*xapi.Statement, _ storage.IngestOptions) (*storage.IngestResult, error) {
			got = stmts
			return &storage.IngestResult{IDs: []string{stmts[0].ID}}, nil
		},
	}
	s, _ := newTestServer(t, store)

	rec := doReq(s.Handler(), http.MethodPut, "/xapi/statements?statementId="+putID, []byte(minimalStatement), jsonCT)

	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Empty(t, rec.Body.String())
	require.Len(t, got, 1)
	assert.Equal(t, putID, got[0].ID, "body without id inherits statementId")
}

func TestPutStatementIDMismatch(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})
	body := `{
		"id": "11111111-2222-3333-4444-555555555555",
		"actor": {"mbox": "mailto:learner@example.com"},
		"verb": {"id": "https://example.com/verbs/experienced"},
		"object": {"id": "https://example.com/activities/intro"}
	}`
	rec := doReq(s.Handler(), http.MethodPut, "/xapi/statements?statementId="+putID, []byte(body), jsonCT)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, problemTypeBase+lrserr.CodeIDMismatch, p.Type)
}

func TestPutStatementRequiresID(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})
	rec := doReq(s.Handler(), http.MethodPut, "/xapi/statements", []byte(minimalStatement), jsonCT)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeProblem(t, rec).Detail, "statementId")
}

func TestPutStatementRejectsBatch(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})
	body := "[" + minimalStatement + "," + minimalStatement + "]"
	rec := doReq(s.Handler(), http.MethodPut, "/xapi/statements?statementId="+putID, []byte(body), jsonCT)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostStatements(t *testing.T) {
	store := &fakeStore{
		ingestFn: func(_ context.Context, stmts []*xapi.Statement, _ storage.IngestOptions) (*storage.IngestResult, error) {
			return &storage.IngestResult{IDs: []string{"a-1", "a-2"}}, nil
		},
	}
	s, _ := newTestServer(t, store)
	body := "[" + minimalStatement + "," + minimalStatement + "]"
	rec := doReq(s.Handler(), http.MethodPost, "/xapi/statements", []byte(body), jsonCT)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ids []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ids))
	assert.Equal(t, []string{"a-1", "a-2"}, ids)
}

func TestPostStatementsRejectsMalformed(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})

	rec := doReq(s.Handler(), http.MethodPost, "/xapi/statements", []byte(`{"verb": {"id": "x"}}`), jsonCT)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "actor and object are required")

	rec = doReq(s.Handler(), http.MethodPost, "/xapi/statements", []byte(`not json`), jsonCT)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostStatementsBodyCap(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})
	s.Config.MaxBodyBytes = 64

	big := append([]byte(`{"pad": "`), bytes.Repeat([]byte("x"), 256)...)
	big = append(big, []byte(`"}`)...)
	rec := doReq(s.Handler(), http.MethodPost, "/xapi/statements", big, jsonCT)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, problemTypeBase+lrserr.CodeTooLarge, p.Type)
}

func TestGetSingleStatement(t *testing.T) {
	exact := []byte(`{"id":"` + putID + `","actor":{"mbox":"mailto:learner@example.com"}}`)
	store := &fakeStore{
		findFn: func(_ context.Context, id string, voided bool) (*storage.StatementRow, error) {
			require.Equal(t, putID, id)
			require.False(t, voided)
			return &storage.StatementRow{Seq: 7, ID: id, Stored: testThrough, Exact: exact}, nil
		},
	}
	s, _ := newTestServer(t, store)
	rec := doReq(s.Handler(), http.MethodGet, "/xapi/statements?statementId="+putID, nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, string(exact), rec.Body.String())
	assert.Equal(t, "2026-02-03T04:05:06.007Z", rec.Header().Get(consistentThroughHeader))
}

func TestGetSingleStatementUppercaseUUID(t *testing.T) {
	store := &fakeStore{
		findFn: func(_ context.Context, id string, _ bool) (*storage.StatementRow, error) {
			require.Equal(t, putID, id, "lookup uses the canonical spelling")
			return &storage.StatementRow{Seq: 1, ID: id, Exact: []byte(`{}`)}, nil
		},
	}
	s, _ := newTestServer(t, store)
	rec := doReq(s.Handler(), http.MethodGet, "/xapi/statements?statementId=6D6DFA2E-A77A-4B63-8DF1-0A6B9AC1EC49", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetVoidedStatement(t *testing.T) {
	store := &fakeStore{
		findFn: func(_ context.Context, id string, voided bool) (*storage.StatementRow, error) {
			require.True(t, voided)
			return &storage.StatementRow{Seq: 2, ID: id, Voided: true, Exact: []byte(`{}`)}, nil
		},
	}
	s, _ := newTestServer(t, store)
	rec := doReq(s.Handler(), http.MethodGet, "/xapi/statements?voidedStatementId="+putID, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetSingleStatementParamRules(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})
	h := s.Handler()

	rec := doReq(h, http.MethodGet, "/xapi/statements?statementId="+putID+"&voidedStatementId="+putID, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "the two id parameters exclude each other")

	rec = doReq(h, http.MethodGet, "/xapi/statements?statementId="+putID+"&verb=https%3A%2F%2Fexample.com%2Fv", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "filters cannot combine with an id lookup")

	rec = doReq(h, http.MethodGet, "/xapi/statements?statementId=not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSingleStatementNotFound(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})
	rec := doReq(s.Handler(), http.MethodGet, "/xapi/statements?statementId="+putID, nil, nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, http.StatusNotFound, p.Status)
}

func TestQueryStatementsFilter(t *testing.T) {
	var got storage.Filter
	store := &fakeStore{
		queryFn: func(_ context.Context, f storage.Filter) (*storage.QueryPage, error) {
			got = f
			return &storage.QueryPage{Format: f.Format, Attachments: f.Attachments}, nil
		},
	}
	s, _ := newTestServer(t, store)

	agent := `{"mbox":"mailto:learner@example.com"}`
	target := "/xapi/statements?agent=" + url.QueryEscape(agent) +
		"&verb=https%3A%2F%2Fexample.com%2Fverbs%2Fpassed" +
		"&activity=https%3A%2F%2Fexample.com%2Fcourse" +
		"&registration=" + putID +
		"&since=2026-01-01T00:00:00Z&until=2026-02-01T00:00:00Z" +
		"&related_activities=true&related_agents=true" +
		"&ascending=true&limit=25&format=canonical"
	rec := doReq(s.Handler(), http.MethodGet, target, nil, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, got.Agent)
	assert.Equal(t, "mailto:learner@example.com", *got.Agent.Mbox)
	assert.Equal(t, "https://example.com/verbs/passed", got.Verb)
	assert.Equal(t, "https://example.com/course", got.Activity)
	assert.Equal(t, putID, got.Registration)
	require.NotNil(t, got.Since)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), got.Since.UTC())
	require.NotNil(t, got.Until)
	assert.True(t, got.RelatedActivities)
	assert.True(t, got.RelatedAgents)
	assert.True(t, got.Ascending)
	assert.Equal(t, 25, got.Limit)
	assert.Equal(t, xapi.FormatCanonical, got.Format)

	var result struct {
		Statements []json.RawMessage `json:"statements"`
		More       string            `json:"more"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotNil(t, result.Statements, "empty pages still carry an array")
	assert.Empty(t, result.More)
}

func TestQueryStatementsRejectsBadParams(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})
	h := s.Handler()

	for _, target := range []string{
		"/xapi/statements?ascending=yes",
		"/xapi/statements?limit=-2",
		"/xapi/statements?since=yesterday",
		"/xapi/statements?format=fancy",
		"/xapi/statements?registration=99",
		"/xapi/statements?agent=%7B%22objectType%22%3A%22Group%22%2C%22member%22%3A%5B%5D%7D",
	} {
		rec := doReq(h, http.MethodGet, target, nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestQueryStatementsMoreLink(t *testing.T) {
	store := &fakeStore{
		queryFn: func(_ context.Context, f storage.Filter) (*storage.QueryPage, error) {
			return &storage.QueryPage{
				Rows: []storage.StatementRow{{Seq: 1, Exact: []byte(`{"id":"s1"}`)}},
				More: "tok-abc",
			}, nil
		},
	}
	s, _ := newTestServer(t, store)
	rec := doReq(s.Handler(), http.MethodGet, "/xapi/statements", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var result struct {
		Statements []json.RawMessage `json:"statements"`
		More       string            `json:"more"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Statements, 1)
	assert.Equal(t, "/xapi/statements/more?cursor=tok-abc", result.More)
}

func TestMoreContinuation(t *testing.T) {
	store := &fakeStore{
		continueFn: func(_ context.Context, token string) (*storage.QueryPage, error) {
			require.Equal(t, "tok-abc", token)
			return &storage.QueryPage{Rows: []storage.StatementRow{{Seq: 2, Exact: []byte(`{"id":"s2"}`)}}}, nil
		},
	}
	s, _ := newTestServer(t, store)
	rec := doReq(s.Handler(), http.MethodGet, "/xapi/statements/more?cursor=tok-abc", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"s2"`)
	assert.Equal(t, "2026-02-03T04:05:06.007Z", rec.Header().Get(consistentThroughHeader))
}

func TestMoreRequiresCursor(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})
	rec := doReq(s.Handler(), http.MethodGet, "/xapi/statements/more", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMoreBadCursor(t *testing.T) {
	store := &fakeStore{
		continueFn: func(_ context.Context, token string) (*storage.QueryPage, error) {
			return nil, lrserr.Validation(lrserr.CodeBadCursor, "cursor is not valid")
		},
	}
	s, _ := newTestServer(t, store)
	rec := doReq(s.Handler(), http.MethodGet, "/xapi/statements/more?cursor=garbage", nil, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, problemTypeBase+lrserr.CodeBadCursor, decodeProblem(t, rec).Type)
}

// sha256("hello world")
const partSHA = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

const attachedStatement = `{
	"actor": {"mbox": "mailto:learner@example.com"},
	"verb": {"id": "https://example.com/verbs/attached"},
	"object": {"id": "https://example.com/activities/report"},
	"attachments": [{
		"usageType": "https://example.com/attachments/evidence",
		"display": {"en": "evidence"},
		"contentType": "text/plain",
		"length": 11,
		"sha2": "` + partSHA + `"
	}]
}`

func multipartBody(t *testing.T, doc string, content []byte, sha string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := mp.NewWriter(&buf)

	part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json"}})
	require.NoError(t, err)
	_, err = part.Write([]byte(doc))
	require.NoError(t, err)

	part, err = mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain"},
		"Content-Transfer-Encoding": {"binary"},
		"X-Experience-API-Hash":     {sha},
	})
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	return buf.Bytes(), "multipart/mixed; boundary=" + mw.Boundary()
}

func TestPostMultipartStoresAttachment(t *testing.T) {
	store := &fakeStore{
		ingestFn: func(_ context.Context, stmts []*xapi.Statement, _ storage.IngestOptions) (*storage.IngestResult, error) {
			return &storage.IngestResult{IDs: []string{putID}}, nil
		},
	}
	s, blobs := newTestServer(t, store)

	body, contentType := multipartBody(t, attachedStatement, []byte("hello world"), partSHA)
	rec := doReq(s.Handler(), http.MethodPost, "/xapi/statements", body, map[string]string{"Content-Type": contentType})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stored, err := blobs.Get(context.Background(), partSHA)
	require.NoError(t, err, "binary is durable before the response")
	assert.Equal(t, "hello world", string(stored))
}

func TestPostMultipartDigestMismatch(t *testing.T) {
	s, blobs := newTestServer(t, &fakeStore{})

	body, contentType := multipartBody(t, attachedStatement, []byte("tampered!!!"), partSHA)
	rec := doReq(s.Handler(), http.MethodPost, "/xapi/statements", body, map[string]string{"Content-Type": contentType})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, blobs.data, "nothing persists when binding fails")
}

func TestGetStatementWithAttachments(t *testing.T) {
	exact := []byte(`{"id":"` + putID + `"}`)
	store := &fakeStore{
		findFn: func(_ context.Context, id string, _ bool) (*storage.StatementRow, error) {
			return &storage.StatementRow{Seq: 7, ID: id, Exact: exact}, nil
		},
		refsFn: func(_ context.Context, seqs []int64) ([]storage.AttachmentRef, error) {
			require.Equal(t, []int64{7}, seqs)
			return []storage.AttachmentRef{{SHA2: partSHA, ContentType: "text/plain"}}, nil
		},
	}
	s, blobs := newTestServer(t, store)
	require.NoError(t, blobs.Put(context.Background(), partSHA, bytes.NewReader([]byte("hello world"))))

	rec := doReq(s.Handler(), http.MethodGet, "/xapi/statements?statementId="+putID+"&attachments=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("ETag"))

	mediaType, params, err := mime.ParseMediaType(rec.Header().Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/mixed", mediaType)

	mr := mp.NewReader(rec.Body, params["boundary"])
	first, err := mr.NextPart()
	require.NoError(t, err)
	doc, err := io.ReadAll(first)
	require.NoError(t, err)
	assert.JSONEq(t, string(exact), string(doc))

	second, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, partSHA, second.Header.Get("X-Experience-API-Hash"))
	content, err := io.ReadAll(second)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))

	_, err = mr.NextPart()
	assert.Equal(t, io.EOF, err)
}

func TestHeadStatementsMatchesGet(t *testing.T) {
	store := &fakeStore{
		queryFn: func(_ context.Context, f storage.Filter) (*storage.QueryPage, error) {
			return &storage.QueryPage{Rows: []storage.StatementRow{{Seq: 1, Exact: []byte(`{}`)}}}, nil
		},
	}
	s, _ := newTestServer(t, store)

	req := httptest.NewRequest(http.MethodHead, "/xapi/statements", nil)
	req.Header.Set("X-Experience-API-Version", "2.0.0")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2026-02-03T04:05:06.007Z", rec.Header().Get(consistentThroughHeader))
	assert.NotEmpty(t, rec.Header().Get("Content-Length"))
}
