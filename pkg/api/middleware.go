package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/traceworks-io/openlrs/pkg/auth"
	"github.com/traceworks-io/openlrs/pkg/guard"
	"github.com/traceworks-io/openlrs/pkg/lrserr"
	"github.com/traceworks-io/openlrs/pkg/observability"
	"github.com/traceworks-io/openlrs/pkg/xapi"
)

// statusRecorder captures the status and body size a handler produced.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

// logRequests emits one structured line per request and feeds the RED
// instruments.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		s.Log.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Int64("bytes", rec.bytes),
			slog.Duration("elapsed", elapsed),
			slog.String("request_id", RequestIDFrom(r.Context())),
		)

		if s.Obs != nil {
			attrs := observability.ResourceOperation(s.resourceName(r.URL.Path), r.Method)
			s.Obs.RecordRequest(r.Context(), attrs...)
			s.Obs.RecordDuration(r.Context(), elapsed, attrs...)
			if rec.status >= http.StatusInternalServerError {
				s.Obs.RecordError(r.Context(), lrserr.New(lrserr.KindInternal, "http/5xx", "status %d", rec.status), attrs...)
			}
		}
	})
}

// resourceName reduces a request path to its resource label: the path
// under the base prefix, or the raw path for unprefixed routes.
func (s *Server) resourceName(path string) string {
	base := strings.TrimSuffix(s.Config.BasePath, "/")
	if base != "" && strings.HasPrefix(path, base+"/") {
		return strings.TrimPrefix(path, base+"/")
	}
	return strings.TrimPrefix(path, "/")
}

// limitRequests rejects callers that spend their budget. Buckets key on
// the presented API key when there is one, else the remote IP; keys are
// not verified here, a wrong key still spends only its own budget.
func (s *Server) limitRequests(next http.Handler) http.Handler {
	if s.Limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Limiter.Allow(r.Context(), clientKey(r)) {
			s.writeError(w, r, lrserr.New(lrserr.KindTooMany, lrserr.CodeTooMany, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if key, _, ok := r.BasicAuth(); ok && key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = strings.Trim(r.RemoteAddr, "[]")
	}
	return "ip:" + host
}

// cors answers cross-origin browsers. Only configured origins are
// admitted; an empty allowlist disables the middleware entirely.
func (s *Server) cors(next http.Handler) http.Handler {
	if len(s.Config.CORSOrigins) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(s.Config.CORSOrigins, origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Content-Length, If-Match, If-None-Match, "+guard.VersionHeader+", "+RequestIDHeader)
			h.Set("Access-Control-Expose-Headers", "ETag, Last-Modified, Content-Length, "+guard.VersionHeader+", "+consistentThroughHeader+", "+RequestIDHeader+", Retry-After")
			h.Set("Access-Control-Max-Age", "86400")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// protect wraps an xAPI resource handler with the version guard and
// authentication. The protocol version header is stamped on every
// response, failures included.
func (s *Server) protect(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(guard.VersionHeader, xapi.Version)
		if err := guard.RequireVersion(r.Header.Get(guard.VersionHeader)); err != nil {
			s.writeError(w, r, err)
			return
		}
		ctx, err := s.authenticate(r)
		if err != nil {
			if lrserr.IsKind(err, lrserr.KindUnauthorized) {
				w.Header().Set("WWW-Authenticate", `Basic realm="openlrs"`)
			}
			s.writeError(w, r, err)
			return
		}
		h(w, r.WithContext(ctx))
	}
}

// authenticate resolves the request principal. Without an authenticator
// the server runs open, stamping the configured fallback authority.
func (s *Server) authenticate(r *http.Request) (context.Context, error) {
	ctx := r.Context()
	if s.Auth == nil {
		p := &auth.Principal{Authority: s.LegacyAuthority, Scopes: []string{auth.ScopeAll}}
		return auth.WithPrincipal(ctx, p), nil
	}
	key, secret, ok := r.BasicAuth()
	if !ok {
		return nil, lrserr.New(lrserr.KindUnauthorized, lrserr.CodeNoCredentials, "Basic credentials are required")
	}
	p, err := s.Auth.Authenticate(ctx, key, secret)
	if err != nil {
		return nil, err
	}
	return auth.WithPrincipal(ctx, p), nil
}
