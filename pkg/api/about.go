package api

import (
	"encoding/json"
	"net/http"

	"github.com/traceworks-io/openlrs/pkg/guard"
	"github.com/traceworks-io/openlrs/pkg/xapi"
)

// buildExtension keys the build report inside the about document.
const buildExtension = "https://traceworks.io/openlrs/extensions/build"

// handleAbout reports the protocol versions this LRS speaks. The
// resource is reachable without credentials or a version header so
// clients can discover both.
func (s *Server) handleAbout(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
	default:
		s.methodNotAllowed(w, r, "GET", "HEAD")
		return
	}
	w.Header().Set(guard.VersionHeader, xapi.Version)

	about := xapi.About{Version: []string{xapi.Version}}
	if s.Config.Version != "" {
		build, err := json.Marshal(map[string]string{"version": s.Config.Version})
		if err == nil {
			about.Extensions = xapi.Extensions{buildExtension: build}
		}
	}
	s.writeJSON(w, r, http.StatusOK, about)
}
