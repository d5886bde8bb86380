package api

import "net/http"

// handleActivities serves full Activity descriptions. The resource
// never 404s: an IRI the LRS has not seen still has an id, so the
// response degrades to the bare Activity.
func (s *Server) handleActivities(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
	default:
		s.methodNotAllowed(w, r, "GET", "HEAD")
		return
	}
	if err := checkParams(r, "activityId"); err != nil {
		s.writeError(w, r, err)
		return
	}
	iri, err := requiredString(r, "activityId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	activity, err := s.Store.FindActivity(r.Context(), iri)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, activity)
}
