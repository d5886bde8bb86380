package storage

import (
	"context"
	"encoding/json"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
	"github.com/traceworks-io/openlrs/pkg/xapi"
)

// RenderStatements turns stored rows into response-ready JSON in the
// requested format. Exact replays the stored bytes untouched; ids strips
// everything non-identifying; canonical substitutes the merged verb
// displays and activity definitions and narrows language maps to the
// caller's preferences.
func (s *Store) RenderStatements(ctx context.Context, rows []StatementRow, format xapi.Format, prefs []string) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(rows))
	if format == xapi.FormatExact {
		for _, row := range rows {
			out = append(out, json.RawMessage(row.Exact))
		}
		return out, nil
	}

	stmts := make([]*xapi.Statement, 0, len(rows))
	for _, row := range rows {
		var st xapi.Statement
		if err := json.Unmarshal(row.Exact, &st); err != nil {
			return nil, lrserr.Wrap(lrserr.KindInternal, lrserr.CodeEncoding, err, "decoding stored statement %s", row.ID)
		}
		stmts = append(stmts, &st)
	}

	switch format {
	case xapi.FormatIDs:
		for _, st := range stmts {
			b, err := json.Marshal(st.ReduceToIDs())
			if err != nil {
				return nil, lrserr.Wrap(lrserr.KindEncoding, lrserr.CodeEncoding, err, "encoding statement")
			}
			out = append(out, b)
		}
	case xapi.FormatCanonical:
		data, err := s.canonicalData(ctx, stmts)
		if err != nil {
			return nil, err
		}
		for _, st := range stmts {
			b, err := json.Marshal(st.ApplyCanonical(data, prefs))
			if err != nil {
				return nil, lrserr.Wrap(lrserr.KindEncoding, lrserr.CodeEncoding, err, "encoding statement")
			}
			out = append(out, b)
		}
	default:
		return nil, lrserr.Validation(lrserr.CodeBadParam, "unknown format %q", format)
	}
	return out, nil
}

// canonicalData gathers the merged display maps and definitions for
// every verb and activity the page mentions, keyed by the spelling used
// in the statements themselves.
func (s *Store) canonicalData(ctx context.Context, stmts []*xapi.Statement) (xapi.CanonicalData, error) {
	verbSet := map[string]bool{}
	actSet := map[string]bool{}
	for _, st := range stmts {
		for _, iri := range st.VerbIRIs() {
			verbSet[iri] = true
		}
		for _, iri := range st.ActivityIRIs() {
			actSet[iri] = true
		}
	}
	verbs := make([]string, 0, len(verbSet))
	for iri := range verbSet {
		verbs = append(verbs, iri)
	}
	acts := make([]string, 0, len(actSet))
	for iri := range actSet {
		acts = append(acts, iri)
	}

	displays, err := s.verbDisplays(ctx, verbs)
	if err != nil {
		return xapi.CanonicalData{}, err
	}
	defs, err := s.activityDefinitions(ctx, acts)
	if err != nil {
		return xapi.CanonicalData{}, err
	}
	return xapi.CanonicalData{VerbDisplays: displays, Definitions: defs}, nil
}
