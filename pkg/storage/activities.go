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

// Activity rows share the verb-table shape: normalized IRI key, merged
// definition. Merging is field-wise so a statement that only names an
// activity never erases a definition someone else supplied.
func (s *Store) upsertActivity(ctx context.Context, tx *sqlx.Tx, a *xapi.Activity) (int64, error) {
	iri := canonical.NormalizeIRI(a.ID)

	var existing sql.NullString
	err := tx.QueryRowxContext(ctx, tx.Rebind(`SELECT definition FROM activities WHERE iri = ?`), iri).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, dbErr(err, "reading activity definition")
	}

	var base *xapi.ActivityDefinition
	if existing.Valid && existing.String != "" {
		base = &xapi.ActivityDefinition{}
		if err := json.Unmarshal([]byte(existing.String), base); err != nil {
			return 0, lrserr.Wrap(lrserr.KindInternal, lrserr.CodeEncoding, err, "decoding stored definition")
		}
	}
	merged := mergeDefinitions(base, a.Definition)

	var column sql.NullString
	if merged != nil {
		b, err := json.Marshal(merged)
		if err != nil {
			return 0, lrserr.Wrap(lrserr.KindInternal, lrserr.CodeEncoding, err, "encoding definition")
		}
		column = sql.NullString{String: string(b), Valid: true}
	}

	var id int64
	upsert := tx.Rebind(`
INSERT INTO activities (iri, definition) VALUES (?, ?)
ON CONFLICT (iri) DO UPDATE SET definition = EXCLUDED.definition
RETURNING id`)
	if err := tx.QueryRowxContext(ctx, upsert, iri, column).Scan(&id); err != nil {
		return 0, dbErr(err, "upserting activity")
	}
	return id, nil
}

// activityIDByIRI resolves a filter activity, -1 when never seen.
func (s *Store) activityIDByIRI(ctx context.Context, iri string) (int64, error) {
	var id int64
	q := s.rebind(`SELECT id FROM activities WHERE iri = ?`)
	err := s.db.QueryRowxContext(ctx, q, canonical.NormalizeIRI(iri)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	if err != nil {
		return 0, dbErr(err, "resolving filter activity")
	}
	return id, nil
}

// FindActivity returns the canonical activity for an IRI: the
// normalized id plus the merged definition accumulated across every
// statement that described it. Unknown IRIs come back as a bare
// activity, per the resource contract.
func (s *Store) FindActivity(ctx context.Context, iri string) (*xapi.Activity, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	norm := canonical.NormalizeIRI(iri)
	act := &xapi.Activity{ObjectType: "Activity", ID: norm}

	var definition sql.NullString
	q := s.rebind(`SELECT definition FROM activities WHERE iri = ?`)
	err := s.db.QueryRowxContext(ctx, q, norm).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return act, nil
	}
	if err != nil {
		return nil, dbErr(err, "fetching activity")
	}
	if definition.Valid && definition.String != "" {
		def := &xapi.ActivityDefinition{}
		if err := json.Unmarshal([]byte(definition.String), def); err != nil {
			return nil, lrserr.Wrap(lrserr.KindInternal, lrserr.CodeEncoding, err, "decoding definition")
		}
		act.Definition = def
	}
	return act, nil
}

// activityDefinitions bulk-fetches merged definitions keyed by the
// submitted spelling, for canonical formatting.
func (s *Store) activityDefinitions(ctx context.Context, iris []string) (map[string]*xapi.ActivityDefinition, error) {
	out := make(map[string]*xapi.ActivityDefinition, len(iris))
	q := s.rebind(`SELECT definition FROM activities WHERE iri = ?`)
	for _, iri := range iris {
		var definition sql.NullString
		err := s.db.QueryRowxContext(ctx, q, canonical.NormalizeIRI(iri)).Scan(&definition)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !definition.Valid) {
			continue
		}
		if err != nil {
			return nil, dbErr(err, "fetching activity definition")
		}
		def := &xapi.ActivityDefinition{}
		if err := json.Unmarshal([]byte(definition.String), def); err != nil {
			return nil, lrserr.Wrap(lrserr.KindInternal, lrserr.CodeEncoding, err, "decoding definition")
		}
		out[iri] = def
	}
	return out, nil
}

// mergeDefinitions overlays incoming onto base. Language maps union
// per tag, scalars and component lists replace wholesale when the
// incoming side says anything, extensions union per key.
func mergeDefinitions(base, incoming *xapi.ActivityDefinition) *xapi.ActivityDefinition {
	if incoming == nil {
		return base
	}
	if base == nil {
		return incoming
	}
	out := *base
	out.Name = base.Name.Merge(incoming.Name)
	out.Description = base.Description.Merge(incoming.Description)
	if incoming.Type != "" {
		out.Type = incoming.Type
	}
	if incoming.MoreInfo != "" {
		out.MoreInfo = incoming.MoreInfo
	}
	if incoming.InteractionType != "" {
		out.InteractionType = incoming.InteractionType
	}
	if len(incoming.CorrectResponsesPattern) > 0 {
		out.CorrectResponsesPattern = incoming.CorrectResponsesPattern
	}
	if len(incoming.Choices) > 0 {
		out.Choices = incoming.Choices
	}
	if len(incoming.Scale) > 0 {
		out.Scale = incoming.Scale
	}
	if len(incoming.Source) > 0 {
		out.Source = incoming.Source
	}
	if len(incoming.Target) > 0 {
		out.Target = incoming.Target
	}
	if len(incoming.Steps) > 0 {
		out.Steps = incoming.Steps
	}
	if len(incoming.Extensions) > 0 {
		ext := make(xapi.Extensions, len(base.Extensions)+len(incoming.Extensions))
		for k, v := range base.Extensions {
			ext[k] = v
		}
		for k, v := range incoming.Extensions {
			ext[k] = v
		}
		out.Extensions = ext
	}
	return &out
}
