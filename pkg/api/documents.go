package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/traceworks-io/openlrs/pkg/guard"
	"github.com/traceworks-io/openlrs/pkg/lrserr"
	"github.com/traceworks-io/openlrs/pkg/storage"
)

// docRequest is one resolved document operation: the storage key plus
// the route facts the shared handler needs for its responses.
type docRequest struct {
	key     storage.DocumentKey
	single  bool
	idParam string
	// multiDelete allows DELETE without the id parameter, clearing the
	// whole scope. Only the state resource grants it.
	multiDelete bool
}

var documentMethods = []string{"GET", "HEAD", "PUT", "POST", "DELETE"}

func allowsDocumentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPost, http.MethodDelete:
		return true
	}
	return false
}

// handleState is the activity state resource: per-activity, per-agent
// scratch space, optionally scoped by registration.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if !allowsDocumentMethod(r.Method) {
		s.methodNotAllowed(w, r, documentMethods...)
		return
	}
	key, single, err := stateKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveDocument(w, r, docRequest{key: key, single: single, idParam: "stateId", multiDelete: true})
}

// handleAgentProfile is the agent profile resource.
func (s *Server) handleAgentProfile(w http.ResponseWriter, r *http.Request) {
	if !allowsDocumentMethod(r.Method) {
		s.methodNotAllowed(w, r, documentMethods...)
		return
	}
	key, single, err := agentProfileKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveDocument(w, r, docRequest{key: key, single: single, idParam: "profileId"})
}

// handleActivityProfile is the activity profile resource.
func (s *Server) handleActivityProfile(w http.ResponseWriter, r *http.Request) {
	if !allowsDocumentMethod(r.Method) {
		s.methodNotAllowed(w, r, documentMethods...)
		return
	}
	key, single, err := activityProfileKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveDocument(w, r, docRequest{key: key, single: single, idParam: "profileId"})
}

func stateKey(r *http.Request) (storage.DocumentKey, bool, error) {
	if err := checkParams(r, "activityId", "agent", "registration", "stateId", "since"); err != nil {
		return storage.DocumentKey{}, false, err
	}
	activity, err := requiredString(r, "activityId")
	if err != nil {
		return storage.DocumentKey{}, false, err
	}
	agent, err := requiredActor(r, "agent")
	if err != nil {
		return storage.DocumentKey{}, false, err
	}
	registration, err := queryUUID(r, "registration")
	if err != nil {
		return storage.DocumentKey{}, false, err
	}
	id := queryString(r, "stateId")
	key := storage.DocumentKey{
		Kind:         storage.DocState,
		Activity:     activity,
		Agent:        agent,
		Registration: registration,
		ID:           id,
	}
	return key, id != "", nil
}

func agentProfileKey(r *http.Request) (storage.DocumentKey, bool, error) {
	if err := checkParams(r, "agent", "profileId", "since"); err != nil {
		return storage.DocumentKey{}, false, err
	}
	agent, err := requiredActor(r, "agent")
	if err != nil {
		return storage.DocumentKey{}, false, err
	}
	id := queryString(r, "profileId")
	key := storage.DocumentKey{
		Kind:  storage.DocAgentProfile,
		Agent: agent,
		ID:    id,
	}
	return key, id != "", nil
}

func activityProfileKey(r *http.Request) (storage.DocumentKey, bool, error) {
	if err := checkParams(r, "activityId", "profileId", "since"); err != nil {
		return storage.DocumentKey{}, false, err
	}
	activity, err := requiredString(r, "activityId")
	if err != nil {
		return storage.DocumentKey{}, false, err
	}
	id := queryString(r, "profileId")
	key := storage.DocumentKey{
		Kind:     storage.DocActivityProfile,
		Activity: activity,
		ID:       id,
	}
	return key, id != "", nil
}

// serveDocument runs one document operation. Concurrency rules live in
// the storage layer: unguarded overwrites conflict, failed guards are
// 412, deleting the absent is 404.
func (s *Server) serveDocument(w http.ResponseWriter, r *http.Request, req docRequest) {
	ctx := r.Context()
	pre := guard.ParsePrecondition(r.Header.Get("If-Match"), r.Header.Get("If-None-Match"))

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		if !req.single {
			since, err := queryTime(r, "since")
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			ids, err := s.Store.ListDocumentIDs(ctx, req.key, since)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			if ids == nil {
				ids = []string{}
			}
			s.writeJSON(w, r, http.StatusOK, ids)
			return
		}
		if queryString(r, "since") != "" {
			s.writeError(w, r, lrserr.Validation(lrserr.CodeBadParam, "since cannot combine with %s", req.idParam))
			return
		}
		doc, err := s.Store.GetDocument(ctx, req.key)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		h := w.Header()
		h.Set("Content-Type", orOctetStream(doc.ContentType))
		h.Set("Content-Length", strconv.Itoa(len(doc.Content)))
		h.Set("ETag", doc.ETag)
		h.Set("Last-Modified", doc.Updated.UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(doc.Content)

	case http.MethodPut, http.MethodPost:
		if !req.single {
			s.writeError(w, r, lrserr.Validation(lrserr.CodeBadParam, "parameter %q is required", req.idParam))
			return
		}
		content, err := s.readDocument(w, r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		write := s.Store.PutDocument
		if r.Method == http.MethodPost {
			write = s.Store.MergeDocument
		}
		doc, err := write(ctx, req.key, orOctetStream(r.Header.Get("Content-Type")), content, pre)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("ETag", doc.ETag)
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		if req.single {
			if err := s.Store.DeleteDocument(ctx, req.key, pre); err != nil {
				s.writeError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if !req.multiDelete {
			s.writeError(w, r, lrserr.Validation(lrserr.CodeBadParam, "parameter %q is required", req.idParam))
			return
		}
		if err := s.Store.DeleteDocuments(ctx, req.key); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) readDocument(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.Config.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, err
		}
		return nil, lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadDocument, err, "reading document body")
	}
	return data, nil
}

func orOctetStream(contentType string) string {
	if contentType == "" {
		return "application/octet-stream"
	}
	return contentType
}
