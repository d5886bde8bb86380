package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"mime"
	"strings"
	"time"

	"github.com/traceworks-io/openlrs/pkg/canonical"
	"github.com/traceworks-io/openlrs/pkg/guard"
	"github.com/traceworks-io/openlrs/pkg/lrserr"
	"github.com/traceworks-io/openlrs/pkg/xapi"
)

// DocumentKind discriminates the three document resources.
type DocumentKind int16

const (
	DocState DocumentKind = iota
	DocAgentProfile
	DocActivityProfile
)

// DocumentKey addresses one document. Dimensions that do not apply to a
// kind stay zero; they are stored as sentinels ('' and 0) so the
// composite unique key treats absent dimensions as equal instead of the
// NULL-never-equals trap.
type DocumentKey struct {
	Kind         DocumentKind
	Activity     string
	Agent        *xapi.Actor
	Registration string
	ID           string
}

func (k DocumentKey) dims() (activityIRI string, agentFP int64, registration string, err error) {
	if k.Activity != "" {
		activityIRI = canonical.NormalizeIRI(k.Activity)
	}
	if k.Agent != nil {
		fp, ferr := k.Agent.Fingerprint()
		if ferr != nil {
			return "", 0, "", lrserr.Wrap(lrserr.KindInternal, lrserr.CodeEncoding, ferr, "fingerprinting document agent")
		}
		agentFP = fp.Int64()
	}
	return activityIRI, agentFP, k.Registration, nil
}

// Document is a stored document plus its concurrency tag.
type Document struct {
	ID          string
	ContentType string
	Content     []byte
	ETag        string
	Updated     time.Time
}

// GetDocument fetches one document; absent documents are NotFound.
func (s *Store) GetDocument(ctx context.Context, key DocumentKey) (*Document, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	activityIRI, agentFP, registration, err := key.dims()
	if err != nil {
		return nil, err
	}
	q := s.rebind(`
SELECT content_type, content, etag, updated FROM documents
WHERE kind = ? AND activity_iri = ? AND agent_fp = ? AND registration = ? AND doc_id = ?`)

	doc := &Document{ID: key.ID}
	var updated string
	err = s.db.QueryRowxContext(ctx, q, int16(key.Kind), activityIRI, agentFP, registration, key.ID).
		Scan(&doc.ContentType, &doc.Content, &doc.ETag, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lrserr.NotFoundf("document %s not found", key.ID)
	}
	if err != nil {
		return nil, dbErr(err, "fetching document")
	}
	if doc.Updated, err = parseStored(updated); err != nil {
		return nil, lrserr.Wrap(lrserr.KindInternal, lrserr.CodeStorage, err, "decoding document instant")
	}
	return doc, nil
}

const upsertDocumentSQL = `
INSERT INTO documents (kind, activity_iri, agent_fp, registration, doc_id, content_type, content, etag, updated)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (kind, activity_iri, agent_fp, registration, doc_id) DO UPDATE SET
	content_type = EXCLUDED.content_type,
	content      = EXCLUDED.content,
	etag         = EXCLUDED.etag,
	updated      = EXCLUDED.updated`

// PutDocument replaces a document wholesale. Preconditions are evaluated
// inside the transaction; replacing an existing document without any
// precondition is refused so concurrent writers cannot silently clobber
// each other.
func (s *Store) PutDocument(ctx context.Context, key DocumentKey, contentType string, content []byte, pre guard.Precondition) (*Document, error) {
	return s.writeDocument(ctx, key, contentType, content, pre, false)
}

// MergeDocument implements document POST: top-level JSON merge onto the
// existing document, or a plain insert when none exists. Both sides must
// be JSON objects to merge.
func (s *Store) MergeDocument(ctx context.Context, key DocumentKey, contentType string, content []byte, pre guard.Precondition) (*Document, error) {
	return s.writeDocument(ctx, key, contentType, content, pre, true)
}

func (s *Store) writeDocument(ctx context.Context, key DocumentKey, contentType string, content []byte, pre guard.Precondition, merge bool) (*Document, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	activityIRI, agentFP, registration, err := key.dims()
	if err != nil {
		return nil, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var existingType, existingETag string
	var existingContent []byte
	exists := true
	q := tx.Rebind(`
SELECT content_type, content, etag FROM documents
WHERE kind = ? AND activity_iri = ? AND agent_fp = ? AND registration = ? AND doc_id = ?`)
	err = tx.QueryRowxContext(ctx, q, int16(key.Kind), activityIRI, agentFP, registration, key.ID).
		Scan(&existingType, &existingContent, &existingETag)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return nil, dbErr(err, "reading document")
	}

	if err := guard.Check(pre, existingETag, exists); err != nil {
		return nil, err
	}
	if !merge && exists && !pre.Provided() {
		return nil, lrserr.Conflictf(lrserr.CodeDocOverwrite,
			"document %s exists; supply If-Match or If-None-Match", key.ID)
	}

	if merge && exists {
		content, err = mergeJSONObjects(existingType, existingContent, contentType, content)
		if err != nil {
			return nil, err
		}
	}

	doc := &Document{
		ID:          key.ID,
		ContentType: contentType,
		Content:     content,
		ETag:        guard.ETagFor(content),
		Updated:     time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(upsertDocumentSQL),
		int16(key.Kind), activityIRI, agentFP, registration, key.ID,
		doc.ContentType, doc.Content, doc.ETag, formatStored(doc.Updated))
	if err != nil {
		return nil, dbErr(err, "writing document")
	}
	if err := tx.Commit(); err != nil {
		return nil, dbErr(err, "committing document")
	}
	return doc, nil
}

// DeleteDocument removes one document; absent documents are NotFound.
func (s *Store) DeleteDocument(ctx context.Context, key DocumentKey, pre guard.Precondition) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	activityIRI, agentFP, registration, err := key.dims()
	if err != nil {
		return err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var etag string
	q := tx.Rebind(`
SELECT etag FROM documents
WHERE kind = ? AND activity_iri = ? AND agent_fp = ? AND registration = ? AND doc_id = ?`)
	err = tx.QueryRowxContext(ctx, q, int16(key.Kind), activityIRI, agentFP, registration, key.ID).Scan(&etag)
	if errors.Is(err, sql.ErrNoRows) {
		return lrserr.NotFoundf("document %s not found", key.ID)
	}
	if err != nil {
		return dbErr(err, "reading document")
	}
	if err := guard.Check(pre, etag, true); err != nil {
		return err
	}

	del := tx.Rebind(`
DELETE FROM documents
WHERE kind = ? AND activity_iri = ? AND agent_fp = ? AND registration = ? AND doc_id = ?`)
	if _, err := tx.ExecContext(ctx, del, int16(key.Kind), activityIRI, agentFP, registration, key.ID); err != nil {
		return dbErr(err, "deleting document")
	}
	if err := tx.Commit(); err != nil {
		return dbErr(err, "committing document delete")
	}
	return nil
}

// ListDocumentIDs returns the ids in a document scope (the key with ID
// ignored), optionally only those updated after since.
func (s *Store) ListDocumentIDs(ctx context.Context, scope DocumentKey, since *time.Time) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	activityIRI, agentFP, registration, err := scope.dims()
	if err != nil {
		return nil, err
	}
	q := `
SELECT doc_id FROM documents
WHERE kind = ? AND activity_iri = ? AND agent_fp = ? AND registration = ?`
	args := []any{int16(scope.Kind), activityIRI, agentFP, registration}
	if since != nil {
		q += ` AND updated > ?`
		args = append(args, formatStored(*since))
	}
	q += ` ORDER BY doc_id`

	rows, err := s.db.QueryxContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, dbErr(err, "listing documents")
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dbErr(err, "scanning document id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err, "listing documents")
	}
	return ids, nil
}

// DeleteDocuments clears a whole scope. Deleting an empty scope is fine;
// the state resource's multi-delete reports success either way.
func (s *Store) DeleteDocuments(ctx context.Context, scope DocumentKey) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	activityIRI, agentFP, registration, err := scope.dims()
	if err != nil {
		return err
	}
	q := s.rebind(`
DELETE FROM documents
WHERE kind = ? AND activity_iri = ? AND agent_fp = ? AND registration = ?`)
	if _, err := s.db.ExecContext(ctx, q, int16(scope.Kind), activityIRI, agentFP, registration); err != nil {
		return dbErr(err, "deleting documents")
	}
	return nil
}

// mergeJSONObjects overlays the incoming top-level keys onto the stored
// ones. Anything other than two JSON objects refuses to merge.
func mergeJSONObjects(existingType string, existing []byte, incomingType string, incoming []byte) ([]byte, error) {
	if !isJSONMedia(existingType) || !isJSONMedia(incomingType) {
		return nil, lrserr.Validation(lrserr.CodeBadDocument,
			"merge requires application/json on both sides, have %q and %q", existingType, incomingType)
	}
	var base, overlay map[string]json.RawMessage
	if err := json.Unmarshal(existing, &base); err != nil {
		return nil, lrserr.Validation(lrserr.CodeBadDocument, "stored document is not a JSON object")
	}
	if err := json.Unmarshal(incoming, &overlay); err != nil {
		return nil, lrserr.Validation(lrserr.CodeBadDocument, "document is not a JSON object")
	}
	for k, v := range overlay {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return nil, lrserr.Wrap(lrserr.KindEncoding, lrserr.CodeEncoding, err, "encoding merged document")
	}
	return merged, nil
}

func isJSONMedia(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
