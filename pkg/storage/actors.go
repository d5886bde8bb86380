package storage

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/jmoiron/sqlx"

	"github.com/traceworks-io/openlrs/pkg/canonical"
	"github.com/traceworks-io/openlrs/pkg/lrserr"
	"github.com/traceworks-io/openlrs/pkg/xapi"
)

// Actor rows are deduplicated by identity fingerprint: the IFI for
// agents and identified groups, the member set for anonymous groups.
// Names are presentation data and ride along, latest submission wins.
const upsertActorSQL = `
INSERT INTO actors (fingerprint, name, is_group, canonical) VALUES (?, ?, ?, ?)
ON CONFLICT (fingerprint) DO UPDATE SET
	name      = COALESCE(EXCLUDED.name, actors.name),
	canonical = EXCLUDED.canonical
RETURNING id`

// resolveActor finds or creates the row for an actor, linking its IFI
// and, for groups, its resolved members.
func (s *Store) resolveActor(ctx context.Context, tx *sqlx.Tx, a *xapi.Actor) (int64, error) {
	fp, err := a.Fingerprint()
	if err != nil {
		return 0, lrserr.Wrap(lrserr.KindInternal, lrserr.CodeEncoding, err, "fingerprinting actor")
	}
	blob, err := canonical.JCS(a.CanonicalValue())
	if err != nil {
		return 0, lrserr.Wrap(lrserr.KindInternal, lrserr.CodeEncoding, err, "canonicalizing actor")
	}

	var name sql.NullString
	if a.Name != nil && *a.Name != "" {
		name = sql.NullString{String: *a.Name, Valid: true}
	}
	var id int64
	err = tx.QueryRowxContext(ctx, tx.Rebind(upsertActorSQL),
		fp.Int64(), name, a.IsGroup(), string(blob)).Scan(&id)
	if err != nil {
		return 0, dbErr(err, "upserting actor")
	}

	if ifi, ok := a.IFI(); ok {
		ifiID, err := s.ifiID(ctx, tx, ifi)
		if err != nil {
			return 0, err
		}
		link := tx.Rebind(`INSERT INTO actor_ifis (actor_id, ifi_id) VALUES (?, ?) ON CONFLICT DO NOTHING`)
		if _, err := tx.ExecContext(ctx, link, id, ifiID); err != nil {
			return 0, dbErr(err, "linking actor ifi")
		}
	}

	for i := range a.Member {
		memberID, err := s.resolveActor(ctx, tx, &a.Member[i])
		if err != nil {
			return 0, err
		}
		link := tx.Rebind(`INSERT INTO actor_members (group_id, member_id, ord) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`)
		if _, err := tx.ExecContext(ctx, link, id, memberID, int16(i)); err != nil {
			return 0, dbErr(err, "linking group member")
		}
	}
	return id, nil
}

// actorIDByIdentity resolves a filter actor to its row id without
// writing anything. Unknown identities return -1, a sentinel that can
// never match, so filters on never-seen actors yield empty pages
// instead of errors.
func (s *Store) actorIDByIdentity(ctx context.Context, a *xapi.Actor) (int64, error) {
	fp, err := a.Fingerprint()
	if err != nil {
		return 0, lrserr.Wrap(lrserr.KindInternal, lrserr.CodeEncoding, err, "fingerprinting actor")
	}
	var id int64
	q := s.rebind(`SELECT id FROM actors WHERE fingerprint = ?`)
	serr := s.db.QueryRowxContext(ctx, q, fp.Int64()).Scan(&id)
	if errors.Is(serr, sql.ErrNoRows) {
		return -1, nil
	}
	if serr != nil {
		return 0, dbErr(serr, "resolving filter actor")
	}
	return id, nil
}

// FindPerson unions every persona reachable from the queried agent.
//
// Two agent rows belong to the same person when they share at least one
// IFI, transitively: the walk alternates between IFIs and the agents
// linked to them until it closes. Group rows are identity boundaries
// and never join the union. Output ordering is deterministic: the
// queried agent's own values lead, everything discovered follows in
// ascending order.
func (s *Store) FindPerson(ctx context.Context, agent *xapi.Actor) (*xapi.Person, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	seed, ok := agent.IFI()
	if !ok {
		return nil, lrserr.Validation(lrserr.CodeBadParam, "agent has no inverse functional identifier")
	}

	seenIFI := map[xapi.IFI]bool{seed: true}
	seenActor := map[int64]bool{}
	names := map[string]bool{}
	values := map[xapi.IFIKind]map[string]bool{
		xapi.IFIMbox:     {},
		xapi.IFIMboxSHA1: {},
		xapi.IFIOpenID:   {},
		xapi.IFIAccount:  {},
	}
	values[seed.Kind][seed.Value] = true

	actorsByIFI := s.rebind(`
SELECT a.id, a.name, a.is_group
FROM actors a
JOIN actor_ifis ai ON ai.actor_id = a.id
JOIN ifis i ON i.id = ai.ifi_id
WHERE i.kind = ? AND i.value = ?`)
	ifisByActor := s.rebind(`
SELECT i.kind, i.value
FROM ifis i
JOIN actor_ifis ai ON ai.ifi_id = i.id
WHERE ai.actor_id = ?`)

	frontier := []xapi.IFI{seed}
	for len(frontier) > 0 {
		var next []xapi.IFI
		for _, ifi := range frontier {
			rows, err := s.db.QueryxContext(ctx, actorsByIFI, int16(ifi.Kind), ifi.Value)
			if err != nil {
				return nil, dbErr(err, "walking persona ifis")
			}
			type actorRow struct {
				id      int64
				name    sql.NullString
				isGroup bool
			}
			var hits []actorRow
			for rows.Next() {
				var r actorRow
				if err := rows.Scan(&r.id, &r.name, &r.isGroup); err != nil {
					rows.Close()
					return nil, dbErr(err, "scanning persona actor")
				}
				hits = append(hits, r)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return nil, dbErr(err, "walking persona ifis")
			}
			rows.Close()

			for _, hit := range hits {
				if seenActor[hit.id] || hit.isGroup {
					seenActor[hit.id] = true
					continue
				}
				seenActor[hit.id] = true
				if hit.name.Valid && hit.name.String != "" {
					names[hit.name.String] = true
				}
				irows, err := s.db.QueryxContext(ctx, ifisByActor, hit.id)
				if err != nil {
					return nil, dbErr(err, "expanding persona actor")
				}
				for irows.Next() {
					var kind int16
					var value string
					if err := irows.Scan(&kind, &value); err != nil {
						irows.Close()
						return nil, dbErr(err, "scanning persona ifi")
					}
					found := xapi.IFI{Kind: xapi.IFIKind(kind), Value: value}
					if !seenIFI[found] {
						seenIFI[found] = true
						values[found.Kind][found.Value] = true
						next = append(next, found)
					}
				}
				if err := irows.Err(); err != nil {
					irows.Close()
					return nil, dbErr(err, "expanding persona actor")
				}
				irows.Close()
			}
		}
		frontier = next
	}

	person := &xapi.Person{ObjectType: "Person"}
	var seedName string
	if agent.Name != nil {
		seedName = *agent.Name
	}
	person.Name = orderedValues(seedName, names)
	person.Mbox = orderedValues(seedValue(seed, xapi.IFIMbox), values[xapi.IFIMbox])
	person.MboxSHA1 = orderedValues(seedValue(seed, xapi.IFIMboxSHA1), values[xapi.IFIMboxSHA1])
	person.OpenID = orderedValues(seedValue(seed, xapi.IFIOpenID), values[xapi.IFIOpenID])
	for _, v := range orderedValues(seedValue(seed, xapi.IFIAccount), values[xapi.IFIAccount]) {
		homePage, accName, ok := (xapi.IFI{Kind: xapi.IFIAccount, Value: v}).AccountParts()
		if !ok {
			continue
		}
		person.Account = append(person.Account, xapi.Account{HomePage: homePage, Name: accName})
	}
	return person, nil
}

func seedValue(seed xapi.IFI, kind xapi.IFIKind) string {
	if seed.Kind == kind {
		return seed.Value
	}
	return ""
}

// orderedValues puts first (when present in set or non-empty) ahead of
// the rest, which sort ascending.
func orderedValues(first string, set map[string]bool) []string {
	rest := make([]string, 0, len(set))
	for v := range set {
		if v != first {
			rest = append(rest, v)
		}
	}
	sort.Strings(rest)
	var out []string
	if first != "" {
		out = append(out, first)
	}
	return append(out, rest...)
}
