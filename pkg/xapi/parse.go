package xapi

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

// strictDecode decodes exactly one JSON value, rejecting unknown object
// members and trailing garbage. Custom unmarshalers re-enter it so
// strictness holds through the whole tree.
func strictDecode(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

func trimSpace(raw []byte) []byte {
	return bytes.TrimLeft(raw, " \t\r\n")
}

// asValidation passes taxonomy errors through untouched and classifies
// everything else as a statement validation failure.
func asValidation(err error, format string, args ...any) error {
	if lrserr.IsKind(err, lrserr.KindValidation) {
		return err
	}
	return lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadStatement, err, format, args...)
}

// ParseStatement parses and validates a single statement document.
// UUID-valued fields come out canonicalized (lowercase, hyphenated).
func ParseStatement(raw []byte) (*Statement, error) {
	var s Statement
	if err := strictDecode(raw, &s); err != nil {
		return nil, asValidation(err, "statement: malformed document")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// ParseStatements parses a statement body that is either a single JSON
// object or an array of them. Duplicate ids inside one batch are rejected.
func ParseStatements(raw []byte) ([]*Statement, error) {
	head := trimSpace(raw)
	if len(head) == 0 {
		return nil, lrserr.Validation(lrserr.CodeBadStatement, "empty statement body")
	}
	switch head[0] {
	case '{':
		s, err := ParseStatement(raw)
		if err != nil {
			return nil, err
		}
		return []*Statement{s}, nil
	case '[':
		var items []json.RawMessage
		if err := strictDecode(raw, &items); err != nil {
			return nil, asValidation(err, "statement batch: malformed array")
		}
		out := make([]*Statement, 0, len(items))
		seen := make(map[string]struct{}, len(items))
		for i, item := range items {
			s, err := ParseStatement(item)
			if err != nil {
				return nil, asValidation(err, "statement %d: invalid", i)
			}
			if s.ID != "" {
				if _, dup := seen[s.ID]; dup {
					return nil, lrserr.Validation(lrserr.CodeBadStatement, "statement %d: id %s repeats within the batch", i, s.ID)
				}
				seen[s.ID] = struct{}{}
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, lrserr.Validation(lrserr.CodeBadStatement, "statement body must be a JSON object or array")
	}
}

// ParseActor parses an Agent or identified Group document, as supplied
// in agent-valued request parameters. Anonymous groups are rejected:
// without an inverse functional identifier there is nobody to look up.
func ParseActor(raw []byte) (*Actor, error) {
	var a Actor
	if err := strictDecode(raw, &a); err != nil {
		return nil, asValidation(err, "agent: malformed document")
	}
	if err := validateActor(&a, "agent", true); err != nil {
		return nil, err
	}
	if a.ifiCount() == 0 {
		return nil, lrserr.Validation(lrserr.CodeBadStatement, "agent: an anonymous Group cannot be used as a parameter")
	}
	return &a, nil
}

// NormalizeUUID canonicalizes any accepted UUID spelling to lowercase
// hyphenated form.
func NormalizeUUID(s string) (string, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
