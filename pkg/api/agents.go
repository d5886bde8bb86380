package api

import (
	"encoding/json"
	"net/http"

	"github.com/traceworks-io/openlrs/pkg/guard"
	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

// handleAgents serves the Person view: every name and IFI the persona
// union has consolidated onto the queried agent's person.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
	default:
		s.methodNotAllowed(w, r, "GET", "HEAD")
		return
	}
	if err := checkParams(r, "agent"); err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, err := requiredActor(r, "agent")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	person, err := s.Store.FindPerson(r.Context(), agent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	doc, err := json.Marshal(person)
	if err != nil {
		s.writeError(w, r, lrserr.Wrap(lrserr.KindEncoding, lrserr.CodeEncoding, err, "encoding person"))
		return
	}

	w.Header().Set("ETag", guard.ETagFor(doc))
	s.setConsistentThrough(w)
	s.writeJSONBytes(w, http.StatusOK, doc)
}
