package api

import (
	"net/http"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

// handleHealth answers liveness probes. It lives outside the xAPI base
// path, unversioned and unauthenticated, and goes unhealthy when the
// store does.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
	default:
		s.methodNotAllowed(w, r, "GET", "HEAD")
		return
	}
	if err := s.Store.Ping(r.Context()); err != nil {
		s.writeError(w, r, lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "storage unreachable"))
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]string{
		"status":             "ok",
		"consistent_through": s.Store.ConsistentThrough().UTC().Format(consistentLayout),
	})
}
