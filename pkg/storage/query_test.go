package storage

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
	"github.com/traceworks-io/openlrs/pkg/xapi"
)

func TestCursorRoundTrip(t *testing.T) {
	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := cursor{
		Filter: Filter{
			Agent:         &xapi.Actor{Mbox: strptr("mailto:ena@example.com")},
			Verb:          "https://example.com/verbs/experienced",
			Since:         &since,
			RelatedAgents: true,
			Limit:         25,
			Format:        xapi.FormatIDs,
			Attachments:   true,
		},
		Stored: "2026-01-02T03:04:05.000000600Z",
		Seq:    42,
	}

	token, err := encodeCursor(c)
	require.NoError(t, err)
	assert.NotContains(t, token, "=", "url-safe without padding")

	got, err := decodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, token := range []string{
		"%%not-base64%%",
		"bm90LWpzb24", // base64("not-json")
		"eyJzIjoibm90LWFuLWluc3RhbnQifQ", // {"s":"not-an-instant"}
	} {
		_, err := decodeCursor(token)
		var lerr *lrserr.Error
		require.ErrorAs(t, err, &lerr, token)
		assert.Equal(t, lrserr.KindValidation, lerr.Kind)
		assert.Equal(t, lrserr.CodeBadCursor, lerr.Code)
	}
}

func TestQueryStatementsVerbAndSince(t *testing.T) {
	s, mock := newMockStore(t)
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id FROM verbs WHERE iri").
		WithArgs("https://example.com/verbs/experienced").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(4)))
	mock.ExpectQuery(regexp.QuoteMeta("verb_id = ? AND stored > ?")).
		WithArgs(false, false, int64(4), formatStored(since), 51).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "id", "stored", "voided", "exact"}).
			AddRow(int64(9), "0e73c0ac-3b99-45e4-a5ae-6d9f4b1fdc2f", "2026-01-02T03:04:05.000000000Z", false, `{}`))

	page, err := s.QueryStatements(context.Background(), Filter{
		Verb:  "https://example.com/verbs/experienced",
		Since: &since,
	})
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	assert.Empty(t, page.More)
	assert.Equal(t, int64(9), page.Rows[0].Seq)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryPaginationEmitsCursor(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("ORDER BY stored DESC, seq DESC").
		WithArgs(false, false, 2).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "id", "stored", "voided", "exact"}).
			AddRow(int64(9), "0e73c0ac-3b99-45e4-a5ae-6d9f4b1fdc2f", "2026-01-02T03:04:06.000000000Z", false, `{}`).
			AddRow(int64(8), "34a5cfb0-4b27-4b3e-9df5-8c2c0b4f4ab5", "2026-01-02T03:04:05.000000000Z", false, `{}`))

	page, err := s.QueryStatements(context.Background(), Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, page.Rows, 1, "overfetch row is trimmed")
	require.NotEmpty(t, page.More)

	c, err := decodeCursor(page.More)
	require.NoError(t, err)
	assert.Equal(t, int64(9), c.Seq)
	assert.Equal(t, "2026-01-02T03:04:06.000000000Z", c.Stored)
	assert.Equal(t, 1, c.Filter.Limit, "cursor replays the original filter")
}

func TestContinueQueryAppliesPivot(t *testing.T) {
	s, mock := newMockStore(t)

	token, err := encodeCursor(cursor{
		Filter: Filter{Limit: 1},
		Stored: "2026-01-02T03:04:06.000000000Z",
		Seq:    9,
	})
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("(stored < ? OR (stored = ? AND seq < ?))")).
		WithArgs(false, false, "2026-01-02T03:04:06.000000000Z", "2026-01-02T03:04:06.000000000Z", int64(9), 2).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "id", "stored", "voided", "exact"}))

	page, err := s.ContinueQuery(context.Background(), token)
	require.NoError(t, err)
	assert.Empty(t, page.Rows)
	assert.Empty(t, page.More)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryAscendingFlipsOrderAndPivot(t *testing.T) {
	s, mock := newMockStore(t)

	token, err := encodeCursor(cursor{
		Filter: Filter{Ascending: true},
		Stored: "2026-01-02T03:04:06.000000000Z",
		Seq:    9,
	})
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("(stored > ? OR (stored = ? AND seq > ?)) ORDER BY stored ASC, seq ASC")).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "id", "stored", "voided", "exact"}))

	_, err = s.ContinueQuery(context.Background(), token)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryUnknownFilterIdsUseSentinel(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id FROM actors WHERE fingerprint").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT id FROM verbs WHERE iri").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM statements WHERE").
		WithArgs(false, false, int64(-1), int64(-1), int64(-1), 51).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "id", "stored", "voided", "exact"}))

	page, err := s.QueryStatements(context.Background(), Filter{
		Agent: &xapi.Actor{Mbox: strptr("mailto:ghost@example.com")},
		Verb:  "https://example.com/verbs/never-seen",
	})
	require.NoError(t, err)
	assert.Empty(t, page.Rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAgentConditionBroadening(t *testing.T) {
	cond, args := agentCondition(7, false)
	assert.Len(t, args, 2)
	assert.Contains(t, cond, "actor_id = ?")
	assert.Contains(t, cond, "statement_object_actors")
	assert.NotContains(t, cond, "authority_id")

	cond, args = agentCondition(7, true)
	assert.Len(t, args, 7)
	assert.Contains(t, cond, "authority_id = ?")
	assert.Contains(t, cond, "statement_context_actors")
	assert.Contains(t, cond, "statement_object_subs")
	assert.Equal(t, strings.Count(cond, "("), strings.Count(cond, ")"))
}

func TestActivityConditionBroadening(t *testing.T) {
	cond, args := activityCondition(3, false)
	assert.Len(t, args, 1)
	assert.Contains(t, cond, "statement_object_activities")
	assert.NotContains(t, cond, "statement_context_activities")

	cond, args = activityCondition(3, true)
	assert.Len(t, args, 4)
	assert.Contains(t, cond, "statement_context_activities")
	assert.Contains(t, cond, "statement_object_subs")
	assert.Equal(t, strings.Count(cond, "("), strings.Count(cond, ")"))
}
