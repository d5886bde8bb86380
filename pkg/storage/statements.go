package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/traceworks-io/openlrs/pkg/canonical"
	"github.com/traceworks-io/openlrs/pkg/lrserr"
	"github.com/traceworks-io/openlrs/pkg/xapi"
)

// Context actor roles and context activity buckets, as persisted in the
// link tables. Values are part of the schema; do not reorder.
const (
	roleInstructor = 0
	roleTeam       = 1
	roleCtxAgent   = 2
	roleCtxGroup   = 3

	bucketParent   = 0
	bucketGrouping = 1
	bucketCategory = 2
	bucketOther    = 3
)

// IngestOptions carries per-request ingest state.
type IngestOptions struct {
	// Authority is stamped on every statement in the batch, replacing
	// whatever the client supplied.
	Authority *xapi.Actor
}

// IngestResult reports the statement ids of the accepted batch in
// submission order. Resubmitted statements report their original id.
type IngestResult struct {
	IDs []string
}

// Ingest stores a batch of validated statements atomically: either every
// statement lands or none does. Statements are fingerprinted exactly as
// submitted, before ids, stored instants, authority, and version are
// assigned, so equivalent resubmissions are recognized across restarts
// and load balancers.
func (s *Store) Ingest(ctx context.Context, stmts []*xapi.Statement, opts IngestOptions) (*IngestResult, error) {
	if opts.Authority == nil {
		return nil, lrserr.New(lrserr.KindInternal, lrserr.CodeStorage, "ingest requires an authority")
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res := &IngestResult{IDs: make([]string, 0, len(stmts))}
	var high time.Time
	for _, st := range stmts {
		id, stored, err := s.ingestOne(ctx, tx, st, opts.Authority)
		if err != nil {
			return nil, err
		}
		res.IDs = append(res.IDs, id)
		if stored.After(high) {
			high = stored
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, dbErr(err, "committing statement batch")
	}
	if !high.IsZero() {
		s.clock.Commit(high)
	}
	return res, nil
}

func (s *Store) ingestOne(ctx context.Context, tx *sqlx.Tx, st *xapi.Statement, authority *xapi.Actor) (string, time.Time, error) {
	cv, err := st.CanonicalValue(true)
	if err != nil {
		return "", time.Time{}, err
	}
	canon, err := canonical.JCS(cv)
	if err != nil {
		return "", time.Time{}, lrserr.Wrap(lrserr.KindInternal, lrserr.CodeEncoding, err, "canonicalizing statement")
	}
	fp := canonical.SumBytes(canon)

	// A client-supplied id may be resubmitted only with equivalent
	// content; anything else is an id conflict.
	if st.ID != "" {
		var existing string
		err := tx.QueryRowxContext(ctx, tx.Rebind(
			`SELECT canon FROM statements WHERE id = ? AND is_sub = ?`), st.ID, false).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return "", time.Time{}, dbErr(err, "checking statement id")
		case existing == string(canon):
			return st.ID, time.Time{}, nil
		default:
			return "", time.Time{}, lrserr.Conflictf(lrserr.CodeIDReuse,
				"statement id %s already names different content", st.ID)
		}
	}

	// Content dedupe: an equivalent statement is acknowledged with its
	// original id. A fingerprint hit whose canonical bytes differ is a
	// hash collision and is refused rather than silently merged.
	var existingID sql.NullString
	var existingCanon string
	err = tx.QueryRowxContext(ctx, tx.Rebind(
		`SELECT id, canon FROM statements WHERE fingerprint = ? AND is_sub = ?`), fp.Int64(), false).
		Scan(&existingID, &existingCanon)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return "", time.Time{}, dbErr(err, "checking statement fingerprint")
	case existingCanon == string(canon):
		return existingID.String, time.Time{}, nil
	default:
		return "", time.Time{}, lrserr.Conflictf(lrserr.CodeDuplicateContent,
			"statement fingerprint %s collides with stored statement %s", fp, existingID.String)
	}

	// Assignment happens after both checks so the fingerprint always
	// covers the statement as submitted.
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	stored := s.clock.NextStored()
	st.Stored = &xapi.Timestamp{Time: stored}
	if st.Timestamp == nil {
		st.Timestamp = st.Stored
	}
	st.Authority = authority
	if st.Version == "" {
		st.Version = xapi.Version
	}

	if target := st.VoidTarget(); target != "" {
		if err := s.applyVoid(ctx, tx, target); err != nil {
			return "", time.Time{}, err
		}
	}

	if _, err := s.insertStatement(ctx, tx, st, fp, canon, false); err != nil {
		return "", time.Time{}, err
	}
	return st.ID, stored, nil
}

// applyVoid flags the target of a voiding statement. The target must
// already be stored: deferred voiding is not supported. Voiding
// statements themselves are immune, and re-voiding a voided target is a
// no-op.
func (s *Store) applyVoid(ctx context.Context, tx *sqlx.Tx, target string) error {
	var seq int64
	var isVoiding, voided bool
	err := tx.QueryRowxContext(ctx, tx.Rebind(
		`SELECT seq, is_voiding, voided FROM statements WHERE id = ? AND is_sub = ?`), target, false).
		Scan(&seq, &isVoiding, &voided)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return lrserr.Conflictf(lrserr.CodeVoidUnknown, "voiding target %s is not stored here", target)
	case err != nil:
		return dbErr(err, "locating voiding target")
	case isVoiding:
		return lrserr.Validation(lrserr.CodeVoidVoiding,
			"statement %s is a voiding statement and cannot be voided", target)
	case voided:
		return nil
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE statements SET voided = ? WHERE seq = ?`), true, seq); err != nil {
		return dbErr(err, "voiding statement")
	}
	return nil
}

const insertStatementSQL = `
INSERT INTO statements
	(id, fingerprint, canon, actor_id, verb_id, object_kind, registration,
	 authority_id, version, ts, stored, is_voiding, is_sub, exact, result, context)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING seq`

// insertStatement writes one statement row plus its projection links.
// Sub-statements reuse it with isSub set; their rows are fenced off from
// id and fingerprint lookups but participate in broadened filters.
func (s *Store) insertStatement(ctx context.Context, tx *sqlx.Tx, st *xapi.Statement, fp canonical.Fingerprint, canon []byte, isSub bool) (int64, error) {
	actorID, err := s.resolveActor(ctx, tx, &st.Actor)
	if err != nil {
		return 0, err
	}
	verbID, err := s.upsertVerb(ctx, tx, &st.Verb)
	if err != nil {
		return 0, err
	}
	var authorityID sql.NullInt64
	if st.Authority != nil {
		aid, err := s.resolveActor(ctx, tx, st.Authority)
		if err != nil {
			return 0, err
		}
		authorityID = sql.NullInt64{Int64: aid, Valid: true}
	}

	var id sql.NullString
	if st.ID != "" {
		id = sql.NullString{String: st.ID, Valid: true}
	}
	var registration sql.NullString
	if r := st.Registration(); r != "" {
		registration = sql.NullString{String: r, Valid: true}
	}

	exact, err := json.Marshal(st)
	if err != nil {
		return 0, lrserr.Wrap(lrserr.KindEncoding, lrserr.CodeEncoding, err, "encoding statement")
	}
	resultCol, err := nullJSON(st.Result)
	if err != nil {
		return 0, err
	}
	contextCol, err := nullJSON(st.Context)
	if err != nil {
		return 0, err
	}

	var seq int64
	err = tx.QueryRowxContext(ctx, tx.Rebind(insertStatementSQL),
		id, fp.Int64(), string(canon), actorID, verbID, int16(st.Object.Kind), registration,
		authorityID, st.Version, formatStored(st.Timestamp.Time), formatStored(st.Stored.Time),
		st.Verb.IsVoiding(), isSub, string(exact), resultCol, contextCol).Scan(&seq)
	if err != nil {
		return 0, dbErr(err, "inserting statement")
	}

	if err := s.linkObject(ctx, tx, seq, st); err != nil {
		return 0, err
	}
	if st.Context != nil {
		if err := s.linkContext(ctx, tx, seq, st.Context); err != nil {
			return 0, err
		}
	}
	return seq, s.insertAttachments(ctx, tx, seq, st.Attachments)
}

func (s *Store) linkObject(ctx context.Context, tx *sqlx.Tx, seq int64, st *xapi.Statement) error {
	o := &st.Object
	switch o.Kind {
	case xapi.ObjectActivity:
		actID, err := s.upsertActivity(ctx, tx, o.Activity)
		if err != nil {
			return err
		}
		return s.link(ctx, tx,
			`INSERT INTO statement_object_activities (statement_seq, activity_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			seq, actID)
	case xapi.ObjectAgent, xapi.ObjectGroup:
		aid, err := s.resolveActor(ctx, tx, o.Actor)
		if err != nil {
			return err
		}
		return s.link(ctx, tx,
			`INSERT INTO statement_object_actors (statement_seq, actor_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			seq, aid)
	case xapi.ObjectStatementRef:
		return s.link(ctx, tx,
			`INSERT INTO statement_object_refs (statement_seq, ref_id) VALUES (?, ?)`,
			seq, o.Ref.ID)
	case xapi.ObjectSubStatement:
		subSeq, err := s.insertSub(ctx, tx, o.Sub, st)
		if err != nil {
			return err
		}
		return s.link(ctx, tx,
			`INSERT INTO statement_object_subs (statement_seq, sub_seq) VALUES (?, ?)`,
			seq, subSeq)
	}
	return nil
}

// insertSub stores the nested statement as its own fenced row so that
// broadened agent and activity filters can reach into it with plain
// joins instead of JSON scans.
func (s *Store) insertSub(ctx context.Context, tx *sqlx.Tx, sub *xapi.SubStatement, parent *xapi.Statement) (int64, error) {
	obj := xapi.Object{Kind: xapi.ObjectSubStatement, Sub: sub}
	cv, err := obj.CanonicalValue()
	if err != nil {
		return 0, err
	}
	canon, err := canonical.JCS(cv)
	if err != nil {
		return 0, lrserr.Wrap(lrserr.KindInternal, lrserr.CodeEncoding, err, "canonicalizing sub-statement")
	}

	st := &xapi.Statement{
		Actor:       sub.Actor,
		Verb:        sub.Verb,
		Object:      sub.Object,
		Result:      sub.Result,
		Context:     sub.Context,
		Timestamp:   sub.Timestamp,
		Stored:      parent.Stored,
		Version:     parent.Version,
		Attachments: sub.Attachments,
	}
	if st.Timestamp == nil {
		st.Timestamp = parent.Stored
	}
	return s.insertStatement(ctx, tx, st, canonical.SumBytes(canon), canon, true)
}

func (s *Store) linkContext(ctx context.Context, tx *sqlx.Tx, seq int64, c *xapi.Context) error {
	linkActor := func(a *xapi.Actor, role int16) error {
		aid, err := s.resolveActor(ctx, tx, a)
		if err != nil {
			return err
		}
		return s.link(ctx, tx,
			`INSERT INTO statement_context_actors (statement_seq, actor_id, role) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
			seq, aid, role)
	}
	if c.Instructor != nil {
		if err := linkActor(c.Instructor, roleInstructor); err != nil {
			return err
		}
	}
	if c.Team != nil {
		if err := linkActor(c.Team, roleTeam); err != nil {
			return err
		}
	}
	for i := range c.ContextAgents {
		if err := linkActor(&c.ContextAgents[i].Agent, roleCtxAgent); err != nil {
			return err
		}
	}
	for i := range c.ContextGroups {
		if err := linkActor(&c.ContextGroups[i].Group, roleCtxGroup); err != nil {
			return err
		}
	}

	if c.ContextActivities == nil {
		return nil
	}
	linkBucket := func(acts xapi.ActivityList, bucket int16) error {
		for i := range acts {
			actID, err := s.upsertActivity(ctx, tx, &acts[i])
			if err != nil {
				return err
			}
			err = s.link(ctx, tx,
				`INSERT INTO statement_context_activities (statement_seq, activity_id, bucket) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
				seq, actID, bucket)
			if err != nil {
				return err
			}
		}
		return nil
	}
	if err := linkBucket(c.ContextActivities.Parent, bucketParent); err != nil {
		return err
	}
	if err := linkBucket(c.ContextActivities.Grouping, bucketGrouping); err != nil {
		return err
	}
	if err := linkBucket(c.ContextActivities.Category, bucketCategory); err != nil {
		return err
	}
	return linkBucket(c.ContextActivities.Other, bucketOther)
}

const insertAttachmentSQL = `
INSERT INTO statement_attachments
	(statement_seq, ord, sha2, usage_type, content_type, length, file_url, canonical)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

func (s *Store) insertAttachments(ctx context.Context, tx *sqlx.Tx, seq int64, atts []xapi.Attachment) error {
	for i := range atts {
		a := &atts[i]
		var fileURL sql.NullString
		if a.FileURL != "" {
			fileURL = sql.NullString{String: a.FileURL, Valid: true}
		}
		blob, err := canonical.JCS(a.CanonicalValue())
		if err != nil {
			return lrserr.Wrap(lrserr.KindInternal, lrserr.CodeEncoding, err, "canonicalizing attachment")
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(insertAttachmentSQL),
			seq, int16(i), strings.ToLower(a.SHA2), a.UsageType, a.ContentType, a.Length, fileURL, string(blob))
		if err != nil {
			return dbErr(err, "inserting attachment row")
		}
	}
	return nil
}

func (s *Store) link(ctx context.Context, tx *sqlx.Tx, q string, args ...any) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind(q), args...); err != nil {
		return dbErr(err, "linking statement")
	}
	return nil
}

func nullJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, lrserr.Wrap(lrserr.KindEncoding, lrserr.CodeEncoding, err, "encoding statement fragment")
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// StatementRow is one stored statement plus the metadata the API layer
// needs to render and paginate.
type StatementRow struct {
	Seq    int64
	ID     string
	Stored time.Time
	Voided bool
	Exact  []byte
}

// FindStatement fetches a single statement by id. The voided flag picks
// the visible flavor: statementId lookups see only live statements,
// voidedStatementId lookups only voided ones; the wrong flavor reads as
// absent.
func (s *Store) FindStatement(ctx context.Context, id string, voided bool) (*StatementRow, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var row StatementRow
	var storedStr string
	q := s.rebind(`SELECT seq, id, stored, voided, exact FROM statements WHERE id = ? AND is_sub = ?`)
	err := s.db.QueryRowxContext(ctx, q, id, false).Scan(&row.Seq, &row.ID, &storedStr, &row.Voided, &row.Exact)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lrserr.NotFoundf("statement %s not found", id)
	}
	if err != nil {
		return nil, dbErr(err, "fetching statement")
	}
	if row.Voided != voided {
		return nil, lrserr.NotFoundf("statement %s not found", id)
	}
	if row.Stored, err = parseStored(storedStr); err != nil {
		return nil, lrserr.Wrap(lrserr.KindInternal, lrserr.CodeStorage, err, "decoding stored instant")
	}
	return &row, nil
}

// AttachmentRef names one stored attachment binary.
type AttachmentRef struct {
	SHA2        string
	ContentType string
	FileURL     string
}

// AttachmentRefs lists the distinct attachment binaries referenced by
// the given statements, nested sub-statements included. Each sha2
// appears once; callers resolve the bytes through the blob store and may
// skip fileUrl-only entries that were never uploaded.
func (s *Store) AttachmentRefs(ctx context.Context, seqs []int64) ([]AttachmentRef, error) {
	if len(seqs) == 0 {
		return nil, nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	query, args, err := sqlx.In(`
SELECT sa.sha2, sa.content_type, COALESCE(sa.file_url, '')
FROM statement_attachments sa
WHERE sa.statement_seq IN (?)
   OR sa.statement_seq IN (SELECT sub_seq FROM statement_object_subs WHERE statement_seq IN (?))
ORDER BY sa.sha2, sa.ord`, seqs, seqs)
	if err != nil {
		return nil, lrserr.Wrap(lrserr.KindInternal, lrserr.CodeStorage, err, "expanding attachment query")
	}
	rows, err := s.db.QueryxContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, dbErr(err, "fetching attachment refs")
	}
	defer rows.Close()

	var out []AttachmentRef
	seen := map[string]bool{}
	for rows.Next() {
		var ref AttachmentRef
		if err := rows.Scan(&ref.SHA2, &ref.ContentType, &ref.FileURL); err != nil {
			return nil, dbErr(err, "scanning attachment ref")
		}
		if seen[ref.SHA2] {
			continue
		}
		seen[ref.SHA2] = true
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err, "fetching attachment refs")
	}
	return out, nil
}
