package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
	"github.com/traceworks-io/openlrs/pkg/xapi"
)

// Filter is the server-side statement filter set. The zero value matches
// every live statement, newest first.
type Filter struct {
	Agent             *xapi.Actor `json:"agent,omitempty"`
	Verb              string      `json:"verb,omitempty"`
	Activity          string      `json:"activity,omitempty"`
	Registration      string      `json:"registration,omitempty"`
	Since             *time.Time  `json:"since,omitempty"`
	Until             *time.Time  `json:"until,omitempty"`
	RelatedAgents     bool        `json:"relatedAgents,omitempty"`
	RelatedActivities bool        `json:"relatedActivities,omitempty"`
	Ascending         bool        `json:"ascending,omitempty"`
	Limit             int         `json:"limit,omitempty"`
	Format            xapi.Format `json:"format,omitempty"`
	Attachments       bool        `json:"attachments,omitempty"`
}

// cursor reproduces a query from nothing but the token: the full filter
// plus the exclusive (stored, seq) pivot of the last row already sent.
// Tokens survive restarts and need no server-side session state.
type cursor struct {
	Filter Filter `json:"f"`
	Stored string `json:"s"`
	Seq    int64  `json:"q"`
}

func encodeCursor(c cursor) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", lrserr.Wrap(lrserr.KindInternal, lrserr.CodeEncoding, err, "encoding cursor")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeCursor(token string) (cursor, error) {
	var c cursor
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return c, lrserr.Validation(lrserr.CodeBadCursor, "cursor is not valid")
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, lrserr.Validation(lrserr.CodeBadCursor, "cursor is not valid")
	}
	if c.Stored != "" {
		if _, err := parseStored(c.Stored); err != nil {
			return c, lrserr.Validation(lrserr.CodeBadCursor, "cursor is not valid")
		}
	}
	return c, nil
}

// QueryPage is one page of matching statements. More is the opaque token
// for the next page, empty when this page is the last.
type QueryPage struct {
	Rows        []StatementRow
	More        string
	Format      xapi.Format
	Attachments bool
}

// QueryStatements runs a filtered query and returns the first page.
func (s *Store) QueryStatements(ctx context.Context, f Filter) (*QueryPage, error) {
	return s.runPage(ctx, f, nil)
}

// ContinueQuery resumes a paged query from an opaque more-token.
func (s *Store) ContinueQuery(ctx context.Context, token string) (*QueryPage, error) {
	c, err := decodeCursor(token)
	if err != nil {
		return nil, err
	}
	return s.runPage(ctx, c.Filter, &c)
}

func (s *Store) clampLimit(n int) int {
	if n <= 0 {
		n = s.opts.DefaultPageSize
	}
	if n > s.opts.MaxPageSize {
		n = s.opts.MaxPageSize
	}
	return n
}

func (s *Store) runPage(ctx context.Context, f Filter, pivot *cursor) (*QueryPage, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	limit := s.clampLimit(f.Limit)

	conds := []string{"is_sub = ?", "voided = ?"}
	args := []any{false, false}

	if f.Agent != nil {
		// Unknown identities resolve to -1, which no row can reference,
		// so the filter degrades to an empty page instead of an error.
		aid, err := s.actorIDByIdentity(ctx, f.Agent)
		if err != nil {
			return nil, err
		}
		cond, condArgs := agentCondition(aid, f.RelatedAgents)
		conds = append(conds, cond)
		args = append(args, condArgs...)
	}
	if f.Verb != "" {
		vid, err := s.verbIDByIRI(ctx, f.Verb)
		if err != nil {
			return nil, err
		}
		conds = append(conds, "verb_id = ?")
		args = append(args, vid)
	}
	if f.Activity != "" {
		actID, err := s.activityIDByIRI(ctx, f.Activity)
		if err != nil {
			return nil, err
		}
		cond, condArgs := activityCondition(actID, f.RelatedActivities)
		conds = append(conds, cond)
		args = append(args, condArgs...)
	}
	if f.Registration != "" {
		conds = append(conds, "registration = ?")
		args = append(args, f.Registration)
	}
	if f.Since != nil {
		conds = append(conds, "stored > ?")
		args = append(args, formatStored(*f.Since))
	}
	if f.Until != nil {
		conds = append(conds, "stored <= ?")
		args = append(args, formatStored(*f.Until))
	}
	if pivot != nil {
		if f.Ascending {
			conds = append(conds, "(stored > ? OR (stored = ? AND seq > ?))")
		} else {
			conds = append(conds, "(stored < ? OR (stored = ? AND seq < ?))")
		}
		args = append(args, pivot.Stored, pivot.Stored, pivot.Seq)
	}

	order := "ORDER BY stored DESC, seq DESC"
	if f.Ascending {
		order = "ORDER BY stored ASC, seq ASC"
	}

	// One extra row decides whether a further page exists.
	query := "SELECT seq, id, stored, voided, exact FROM statements WHERE " +
		strings.Join(conds, " AND ") + " " + order + " LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryxContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, dbErr(err, "querying statements")
	}
	defer rows.Close()

	page := &QueryPage{Format: f.Format, Attachments: f.Attachments}
	for rows.Next() {
		var row StatementRow
		var storedStr string
		if err := rows.Scan(&row.Seq, &row.ID, &storedStr, &row.Voided, &row.Exact); err != nil {
			return nil, dbErr(err, "scanning statement row")
		}
		if row.Stored, err = parseStored(storedStr); err != nil {
			return nil, lrserr.Wrap(lrserr.KindInternal, lrserr.CodeStorage, err, "decoding stored instant")
		}
		page.Rows = append(page.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err, "querying statements")
	}

	if len(page.Rows) > limit {
		page.Rows = page.Rows[:limit]
		last := page.Rows[limit-1]
		token, err := encodeCursor(cursor{
			Filter: f,
			Stored: formatStored(last.Stored),
			Seq:    last.Seq,
		})
		if err != nil {
			return nil, err
		}
		page.More = token
	}
	return page, nil
}

// agentCondition matches statements whose actor or object is the given
// actor row. Broadened, it also reaches authority, context actors, and
// one level of sub-statement: its actor, object, and context actors.
func agentCondition(actorID int64, related bool) (string, []any) {
	var b strings.Builder
	b.WriteString(`(actor_id = ?
 OR EXISTS (SELECT 1 FROM statement_object_actors oa WHERE oa.statement_seq = statements.seq AND oa.actor_id = ?)`)
	args := []any{actorID, actorID}
	if related {
		b.WriteString(`
 OR authority_id = ?
 OR EXISTS (SELECT 1 FROM statement_context_actors ca WHERE ca.statement_seq = statements.seq AND ca.actor_id = ?)
 OR EXISTS (SELECT 1 FROM statement_object_subs ss JOIN statements sub ON sub.seq = ss.sub_seq WHERE ss.statement_seq = statements.seq AND sub.actor_id = ?)
 OR EXISTS (SELECT 1 FROM statement_object_subs ss JOIN statement_object_actors soa ON soa.statement_seq = ss.sub_seq WHERE ss.statement_seq = statements.seq AND soa.actor_id = ?)
 OR EXISTS (SELECT 1 FROM statement_object_subs ss JOIN statement_context_actors sca ON sca.statement_seq = ss.sub_seq WHERE ss.statement_seq = statements.seq AND sca.actor_id = ?)`)
		args = append(args, actorID, actorID, actorID, actorID, actorID)
	}
	b.WriteString(")")
	return b.String(), args
}

// activityCondition matches statements whose object is the given
// activity row. Broadened, it also reaches context activities and one
// level of sub-statement: its object and context activities.
func activityCondition(activityID int64, related bool) (string, []any) {
	var b strings.Builder
	b.WriteString(`(EXISTS (SELECT 1 FROM statement_object_activities oa WHERE oa.statement_seq = statements.seq AND oa.activity_id = ?)`)
	args := []any{activityID}
	if related {
		b.WriteString(`
 OR EXISTS (SELECT 1 FROM statement_context_activities ca WHERE ca.statement_seq = statements.seq AND ca.activity_id = ?)
 OR EXISTS (SELECT 1 FROM statement_object_subs ss JOIN statement_object_activities soa ON soa.statement_seq = ss.sub_seq WHERE ss.statement_seq = statements.seq AND soa.activity_id = ?)
 OR EXISTS (SELECT 1 FROM statement_object_subs ss JOIN statement_context_activities sca ON sca.statement_seq = ss.sub_seq WHERE ss.statement_seq = statements.seq AND sca.activity_id = ?)`)
		args = append(args, activityID, activityID, activityID)
	}
	b.WriteString(")")
	return b.String(), args
}
