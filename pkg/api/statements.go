package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/traceworks-io/openlrs/pkg/auth"
	"github.com/traceworks-io/openlrs/pkg/guard"
	"github.com/traceworks-io/openlrs/pkg/lrserr"
	"github.com/traceworks-io/openlrs/pkg/multipart"
	"github.com/traceworks-io/openlrs/pkg/observability"
	"github.com/traceworks-io/openlrs/pkg/storage"
	"github.com/traceworks-io/openlrs/pkg/xapi"
)

// singleOnlyParams cannot combine with statementId or voidedStatementId.
var singleOnlyParams = []string{
	"agent", "verb", "activity", "registration",
	"related_activities", "related_agents",
	"since", "until", "limit", "ascending",
}

func (s *Server) handleStatements(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		s.putStatement(w, r)
	case http.MethodPost:
		s.postStatements(w, r)
	case http.MethodGet, http.MethodHead:
		s.getStatements(w, r)
	default:
		s.methodNotAllowed(w, r, "GET", "HEAD", "PUT", "POST")
	}
}

// putStatement stores exactly one statement under a caller-chosen id.
func (s *Server) putStatement(w http.ResponseWriter, r *http.Request) {
	if err := checkParams(r, "statementId"); err != nil {
		s.writeError(w, r, err)
		return
	}
	idParam, err := requiredString(r, "statementId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := xapi.NormalizeUUID(idParam)
	if err != nil {
		s.writeError(w, r, lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadParam, err, "statementId is not a UUID"))
		return
	}

	body, stmts, err := s.readStatements(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer body.Close()

	if len(stmts) != 1 {
		s.writeError(w, r, lrserr.Validation(lrserr.CodeBadStatement, "PUT carries exactly one statement, got %d", len(stmts)))
		return
	}
	st := stmts[0]
	switch {
	case st.ID == "":
		st.ID = id
	case st.ID != id:
		s.writeError(w, r, lrserr.Validation(lrserr.CodeIDMismatch, "statement id %s does not match statementId %s", st.ID, id))
		return
	}

	if _, err := s.ingest(r, body, stmts); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// postStatements stores a statement or batch and answers with the ids
// in submission order.
func (s *Server) postStatements(w http.ResponseWriter, r *http.Request) {
	if err := checkParams(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	body, stmts, err := s.readStatements(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer body.Close()

	res, err := s.ingest(r, body, stmts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, res.IDs)
}

func (s *Server) getStatements(w http.ResponseWriter, r *http.Request) {
	if err := checkParams(r, append([]string{
		"statementId", "voidedStatementId", "format", "attachments",
	}, singleOnlyParams...)...); err != nil {
		s.writeError(w, r, err)
		return
	}
	format, err := xapi.ParseFormat(queryString(r, "format"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	withAttachments, err := queryBool(r, "attachments")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if sid, vid := queryString(r, "statementId"), queryString(r, "voidedStatementId"); sid != "" || vid != "" {
		s.getSingleStatement(w, r, sid, vid, format, withAttachments)
		return
	}
	s.queryStatements(w, r, format, withAttachments)
}

// getSingleStatement serves statementId and voidedStatementId lookups.
// The two id parameters are mutually exclusive and admit no filters;
// each sees only its own flavor, so a voided statement reads as absent
// through statementId and vice versa.
func (s *Server) getSingleStatement(w http.ResponseWriter, r *http.Request, sid, vid string, format xapi.Format, withAttachments bool) {
	ctx := r.Context()
	if sid != "" && vid != "" {
		s.writeError(w, r, lrserr.Validation(lrserr.CodeBadParam, "statementId and voidedStatementId are mutually exclusive"))
		return
	}
	for _, name := range singleOnlyParams {
		if queryString(r, name) != "" {
			s.writeError(w, r, lrserr.Validation(lrserr.CodeBadParam, "parameter %q cannot combine with a single-statement lookup", name))
			return
		}
	}

	id, voided := sid, false
	if vid != "" {
		id, voided = vid, true
	}
	norm, err := xapi.NormalizeUUID(id)
	if err != nil {
		s.writeError(w, r, lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadParam, err, "statement id is not a UUID"))
		return
	}

	row, err := s.Store.FindStatement(ctx, norm, voided)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	prefs, _ := guard.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	docs, err := s.Store.RenderStatements(ctx, []storage.StatementRow{*row}, format, prefs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.setConsistentThrough(w)
	if withAttachments {
		refs, err := s.Store.AttachmentRefs(ctx, []int64{row.Seq})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeMixed(w, r, http.StatusOK, docs[0], toRefs(refs))
		return
	}
	s.writeJSONBytes(w, http.StatusOK, docs[0])
}

func (s *Server) queryStatements(w http.ResponseWriter, r *http.Request, format xapi.Format, withAttachments bool) {
	agent, err := queryActor(r, "agent")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	registration, err := queryUUID(r, "registration")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	since, err := queryTime(r, "since")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	until, err := queryTime(r, "until")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	relatedActivities, err := queryBool(r, "related_activities")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	relatedAgents, err := queryBool(r, "related_agents")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ascending, err := queryBool(r, "ascending")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryLimit(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	if s.Obs != nil {
		var span trace.Span
		ctx, span = s.Obs.StartSpan(ctx, "statements.query",
			trace.WithAttributes(observability.QueryOperation(string(format), limit)...))
		defer span.End()
		r = r.WithContext(ctx)
	}

	page, err := s.Store.QueryStatements(ctx, storage.Filter{
		Agent:             agent,
		Verb:              queryString(r, "verb"),
		Activity:          queryString(r, "activity"),
		Registration:      registration,
		Since:             since,
		Until:             until,
		RelatedAgents:     relatedAgents,
		RelatedActivities: relatedActivities,
		Ascending:         ascending,
		Limit:             limit,
		Format:            format,
		Attachments:       withAttachments,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePage(w, r, page)
}

// handleMore resumes a paged query from its opaque cursor.
func (s *Server) handleMore(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
	default:
		s.methodNotAllowed(w, r, "GET", "HEAD")
		return
	}
	if err := checkParams(r, "cursor"); err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := requiredString(r, "cursor")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := s.Store.ContinueQuery(r.Context(), token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePage(w, r, page)
}

// statementResultDoc is the query response body. Statements carry the
// rendered documents unre-encoded; More is always present, empty on the
// last page.
type statementResultDoc struct {
	Statements []json.RawMessage `json:"statements"`
	More       string            `json:"more"`
}

// writePage renders one query page, with attachments as multipart when
// the query asked for them.
func (s *Server) writePage(w http.ResponseWriter, r *http.Request, page *storage.QueryPage) {
	ctx := r.Context()
	prefs, _ := guard.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	docs, err := s.Store.RenderStatements(ctx, page.Rows, page.Format, prefs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []json.RawMessage{}
	}
	body, err := json.Marshal(statementResultDoc{Statements: docs, More: s.moreURL(page.More)})
	if err != nil {
		s.writeError(w, r, lrserr.Wrap(lrserr.KindEncoding, lrserr.CodeEncoding, err, "encoding statement result"))
		return
	}

	s.setConsistentThrough(w)
	if page.Attachments {
		seqs := make([]int64, 0, len(page.Rows))
		for _, row := range page.Rows {
			seqs = append(seqs, row.Seq)
		}
		refs, err := s.Store.AttachmentRefs(ctx, seqs)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeMixed(w, r, http.StatusOK, body, toRefs(refs))
		return
	}
	s.writeJSONBytes(w, http.StatusOK, body)
}

// moreURL turns a cursor token into the relative IRL clients follow.
func (s *Server) moreURL(token string) string {
	if token == "" {
		return ""
	}
	return strings.TrimSuffix(s.Config.BasePath, "/") + "/statements/more?cursor=" + url.QueryEscape(token)
}

// readStatements parses a statements request end to end: body intake,
// boundary schema, typed parsing, and attachment binding. On error the
// spool is already cleaned; on success the caller owns body.Close.
func (s *Server) readStatements(w http.ResponseWriter, r *http.Request) (*multipart.Body, []*xapi.Statement, error) {
	body, err := s.Intake.ReadBody(r.Header.Get("Content-Type"), http.MaxBytesReader(w, r.Body, s.Config.MaxBodyBytes))
	if err != nil {
		return nil, nil, err
	}
	if err := xapi.Precheck(body.JSON); err != nil {
		_ = body.Close()
		return nil, nil, err
	}
	stmts, err := xapi.ParseStatements(body.JSON)
	if err != nil {
		_ = body.Close()
		return nil, nil, err
	}
	if err := body.Bind(stmts, s.Verifier); err != nil {
		_ = body.Close()
		return nil, nil, err
	}
	return body, stmts, nil
}

// ingest persists attachment binaries, then commits the batch. Blob
// writes go first: a success response must imply durable attachments,
// and orphaned content-addressed blobs from a failed commit are
// harmless.
func (s *Server) ingest(r *http.Request, body *multipart.Body, stmts []*xapi.Statement) (*storage.IngestResult, error) {
	ctx := r.Context()
	parts := body.Parts()
	attrs := observability.IngestOperation(len(stmts), len(parts))
	if s.Obs != nil {
		var span trace.Span
		ctx, span = s.Obs.StartSpan(ctx, "statements.ingest", trace.WithAttributes(attrs...))
		defer span.End()
	}

	if err := body.Persist(ctx, s.Blobs); err != nil {
		observability.SetSpanStatus(ctx, err)
		return nil, err
	}
	if len(parts) > 0 {
		observability.AddSpanEvent(ctx, "attachments.persisted",
			observability.AttrAttachmentCount.Int(len(parts)))
	}

	var authority *xapi.Actor
	if p, ok := auth.PrincipalFrom(ctx); ok {
		authority = p.Authority
	}
	res, err := s.Store.Ingest(ctx, stmts, storage.IngestOptions{Authority: authority})
	if err != nil {
		observability.SetSpanStatus(ctx, err)
		return nil, err
	}

	if s.Obs != nil {
		s.Obs.RecordStatements(ctx, int64(len(stmts)), attrs...)
		var partBytes int64
		for _, p := range parts {
			partBytes += p.Size
		}
		if partBytes > 0 {
			s.Obs.RecordAttachmentBytes(ctx, partBytes)
		}
	}
	return res, nil
}

// writeMixed emits a multipart response. Assembly failures surface as
// problem documents; copy failures mean the client went away and are
// only logged.
func (s *Server) writeMixed(w http.ResponseWriter, r *http.Request, status int, doc []byte, refs []multipart.Ref) {
	err := multipart.WriteMixed(r.Context(), w, status, doc, refs, s.Blobs)
	if err == nil {
		return
	}
	var lrsErr *lrserr.Error
	if errors.As(err, &lrsErr) {
		s.writeError(w, r, err)
		return
	}
	s.Log.WarnContext(r.Context(), "multipart write aborted",
		"error", err, "request_id", RequestIDFrom(r.Context()))
}

func toRefs(refs []storage.AttachmentRef) []multipart.Ref {
	out := make([]multipart.Ref, 0, len(refs))
	for _, ref := range refs {
		out = append(out, multipart.Ref{SHA2: ref.SHA2, ContentType: ref.ContentType})
	}
	return out
}
