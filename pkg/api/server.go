package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/traceworks-io/openlrs/pkg/auth"
	"github.com/traceworks-io/openlrs/pkg/blob"
	"github.com/traceworks-io/openlrs/pkg/guard"
	"github.com/traceworks-io/openlrs/pkg/multipart"
	"github.com/traceworks-io/openlrs/pkg/observability"
	"github.com/traceworks-io/openlrs/pkg/ratelimit"
	"github.com/traceworks-io/openlrs/pkg/signature"
	"github.com/traceworks-io/openlrs/pkg/storage"
	"github.com/traceworks-io/openlrs/pkg/xapi"
)

// consistentThroughHeader reports the ingest watermark on statement
// reads: every statement stored at or before this instant is visible.
const consistentThroughHeader = "X-Experience-API-Consistent-Through"

// consistentLayout is the emission format for watermark and header
// instants: UTC, millisecond precision.
const consistentLayout = "2006-01-02T15:04:05.000Z"

// Config carries the HTTP-edge settings.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string
	// BasePath prefixes every xAPI resource route, e.g. "/xapi".
	BasePath string
	// MaxBodyBytes caps request bodies before any parsing.
	MaxBodyBytes int64
	// CORSOrigins lists allowed cross-origin callers; empty disables CORS.
	CORSOrigins []string
	// RetryAfter is the seconds hint sent with 429 and 503 responses.
	RetryAfter int
	// Version is the build version the about resource reports.
	Version string
}

// Store is the slice of the storage layer the handlers consume.
// *storage.Store implements it; tests substitute fakes.
type Store interface {
	Ping(ctx context.Context) error
	ConsistentThrough() time.Time

	Ingest(ctx context.Context, stmts []*xapi.Statement, opts storage.IngestOptions) (*storage.IngestResult, error)
	FindStatement(ctx context.Context, id string, voided bool) (*storage.StatementRow, error)
	AttachmentRefs(ctx context.Context, seqs []int64) ([]storage.AttachmentRef, error)
	QueryStatements(ctx context.Context, f storage.Filter) (*storage.QueryPage, error)
	ContinueQuery(ctx context.Context, token string) (*storage.QueryPage, error)
	RenderStatements(ctx context.Context, rows []storage.StatementRow, format xapi.Format, prefs []string) ([]json.RawMessage, error)

	FindPerson(ctx context.Context, agent *xapi.Actor) (*xapi.Person, error)
	FindActivity(ctx context.Context, iri string) (*xapi.Activity, error)

	GetDocument(ctx context.Context, key storage.DocumentKey) (*storage.Document, error)
	PutDocument(ctx context.Context, key storage.DocumentKey, contentType string, content []byte, pre guard.Precondition) (*storage.Document, error)
	MergeDocument(ctx context.Context, key storage.DocumentKey, contentType string, content []byte, pre guard.Precondition) (*storage.Document, error)
	DeleteDocument(ctx context.Context, key storage.DocumentKey, pre guard.Precondition) error
	ListDocumentIDs(ctx context.Context, scope storage.DocumentKey, since *time.Time) ([]string, error)
	DeleteDocuments(ctx context.Context, scope storage.DocumentKey) error
}

var _ Store = (*storage.Store)(nil)

// Authenticator validates Basic credentials. *auth.Authenticator
// implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, key, secret string) (*auth.Principal, error)
}

var _ Authenticator = (*auth.Authenticator)(nil)

// Server wires the resource handlers to their dependencies. Fields are
// filled by the caller; Auth may be nil to run open with
// LegacyAuthority stamped on ingested statements, Limiter may be nil to
// disable rate limiting, Obs may be nil to skip instrumentation.
type Server struct {
	Config   Config
	Log      *slog.Logger
	Store    Store
	Blobs    blob.Store
	Intake   *multipart.Intake
	Verifier *signature.Verifier

	Auth            Authenticator
	LegacyAuthority *xapi.Actor
	Limiter         ratelimit.Limiter
	Obs             *observability.Provider
	Sweeper         *multipart.Sweeper
}

// Handler assembles the full route table and middleware chain.
func (s *Server) Handler() http.Handler {
	if s.Log == nil {
		s.Log = slog.Default()
	}
	base := strings.TrimSuffix(s.Config.BasePath, "/")

	mux := http.NewServeMux()
	mux.HandleFunc(base+"/about", s.handleAbout)
	mux.HandleFunc(base+"/statements", s.protect(s.handleStatements))
	mux.HandleFunc(base+"/statements/more", s.protect(s.handleMore))
	mux.HandleFunc(base+"/agents", s.protect(s.handleAgents))
	mux.HandleFunc(base+"/agents/profile", s.protect(s.handleAgentProfile))
	mux.HandleFunc(base+"/activities", s.protect(s.handleActivities))
	mux.HandleFunc(base+"/activities/state", s.protect(s.handleState))
	mux.HandleFunc(base+"/activities/profile", s.protect(s.handleActivityProfile))
	mux.HandleFunc("/healthz", s.handleHealth)

	var h http.Handler = mux
	h = s.cors(h)
	h = s.limitRequests(h)
	h = s.logRequests(h)
	h = withRequestID(h)
	return h
}

// Run serves until ctx is canceled, then drains in-flight requests. The
// spool sweeper shares the lifetime when one is configured.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.Log.Info("listening", "addr", s.Config.Addr, "base_path", s.Config.BasePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if s.Sweeper != nil {
		g.Go(func() error { return s.Sweeper.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// setConsistentThrough stamps the ingest watermark header.
func (s *Server) setConsistentThrough(w http.ResponseWriter) {
	w.Header().Set(consistentThroughHeader, s.Store.ConsistentThrough().UTC().Format(consistentLayout))
}
