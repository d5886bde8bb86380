package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/traceworks-io/openlrs/pkg/canonical"
	"github.com/traceworks-io/openlrs/pkg/lrserr"
	"github.com/traceworks-io/openlrs/pkg/xapi"
)

// Verb rows are keyed by normalized IRI so case variants of the same
// verb converge. The display map is the union of every submission,
// newest entry per language tag winning.
func (s *Store) upsertVerb(ctx context.Context, tx *sqlx.Tx, v *xapi.Verb) (int64, error) {
	iri := canonical.NormalizeIRI(v.ID)

	var existing sql.NullString
	err := tx.QueryRowxContext(ctx, tx.Rebind(`SELECT display FROM verbs WHERE iri = ?`), iri).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, dbErr(err, "reading verb display")
	}

	merged, err := mergeLanguageMaps(existing, v.Display)
	if err != nil {
		return 0, err
	}

	var id int64
	upsert := tx.Rebind(`
INSERT INTO verbs (iri, display) VALUES (?, ?)
ON CONFLICT (iri) DO UPDATE SET display = EXCLUDED.display
RETURNING id`)
	if err := tx.QueryRowxContext(ctx, upsert, iri, merged).Scan(&id); err != nil {
		return 0, dbErr(err, "upserting verb")
	}
	return id, nil
}

// verbIDByIRI resolves a filter verb, -1 when never seen.
func (s *Store) verbIDByIRI(ctx context.Context, iri string) (int64, error) {
	var id int64
	q := s.rebind(`SELECT id FROM verbs WHERE iri = ?`)
	err := s.db.QueryRowxContext(ctx, q, canonical.NormalizeIRI(iri)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	if err != nil {
		return 0, dbErr(err, "resolving filter verb")
	}
	return id, nil
}

// verbDisplays bulk-fetches the merged display maps for the given IRIs,
// keyed by the submitted spelling so canonical formatting can look them
// up without renormalizing.
func (s *Store) verbDisplays(ctx context.Context, iris []string) (map[string]xapi.LanguageMap, error) {
	out := make(map[string]xapi.LanguageMap, len(iris))
	q := s.rebind(`SELECT display FROM verbs WHERE iri = ?`)
	for _, iri := range iris {
		var display sql.NullString
		err := s.db.QueryRowxContext(ctx, q, canonical.NormalizeIRI(iri)).Scan(&display)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !display.Valid) {
			continue
		}
		if err != nil {
			return nil, dbErr(err, "fetching verb display")
		}
		var lm xapi.LanguageMap
		if err := json.Unmarshal([]byte(display.String), &lm); err != nil {
			return nil, lrserr.Wrap(lrserr.KindInternal, lrserr.CodeEncoding, err, "decoding verb display")
		}
		if len(lm) > 0 {
			out[iri] = lm
		}
	}
	return out, nil
}

// mergeLanguageMaps overlays incoming onto the stored TEXT column and
// re-encodes. A nil result keeps the column NULL.
func mergeLanguageMaps(existing sql.NullString, incoming xapi.LanguageMap) (sql.NullString, error) {
	var base xapi.LanguageMap
	if existing.Valid && existing.String != "" {
		if err := json.Unmarshal([]byte(existing.String), &base); err != nil {
			return sql.NullString{}, lrserr.Wrap(lrserr.KindInternal, lrserr.CodeEncoding, err, "decoding stored language map")
		}
	}
	merged := base.Merge(incoming)
	if len(merged) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return sql.NullString{}, lrserr.Wrap(lrserr.KindInternal, lrserr.CodeEncoding, err, "encoding language map")
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
