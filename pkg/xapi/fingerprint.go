package xapi

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/traceworks-io/openlrs/pkg/canonical"
	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

// This file builds the canonical projections behind every fingerprint:
// display-only material (verb display, activity definitions, attachment
// display/description, actor names) is dropped, IRIs and mailto values are
// case-folded, and server-assigned statement fields (stored, authority,
// version) are excluded. A client-supplied id participates; a generated
// one does not, because fingerprints are taken before assignment.

// Fingerprint returns the statement's canonical 64-bit identity as
// submitted.
func (s *Statement) Fingerprint() (canonical.Fingerprint, error) {
	cv, err := s.CanonicalValue(true)
	if err != nil {
		return 0, err
	}
	return canonical.Sum(cv)
}

// FingerprintWithoutAttachments is the identity a statement signature
// commits to: the enclosing statement with attachments elided.
func (s *Statement) FingerprintWithoutAttachments() (canonical.Fingerprint, error) {
	cv, err := s.CanonicalValue(false)
	if err != nil {
		return 0, err
	}
	return canonical.Sum(cv)
}

// CanonicalValue projects the statement to its canonical JSON-shaped form.
// Actor names stay: they are statement content, unlike verb display and
// activity definitions. Only the actor table's identity projection drops
// them.
func (s *Statement) CanonicalValue(withAttachments bool) (map[string]any, error) {
	m := map[string]any{
		"actor": s.Actor.contentValue(),
		"verb":  s.Verb.CanonicalValue(),
	}
	if s.ID != "" {
		m["id"] = strings.ToLower(s.ID)
	}
	obj, err := s.Object.CanonicalValue()
	if err != nil {
		return nil, err
	}
	m["object"] = obj
	if s.Result != nil {
		rv, err := s.Result.canonicalValue()
		if err != nil {
			return nil, err
		}
		m["result"] = rv
	}
	if s.Context != nil {
		cv, err := s.Context.canonicalValue()
		if err != nil {
			return nil, err
		}
		m["context"] = cv
	}
	if s.Timestamp != nil {
		m["timestamp"] = s.Timestamp.String()
	}
	if withAttachments && len(s.Attachments) > 0 {
		m["attachments"] = attachmentsCanonical(s.Attachments)
	}
	return m, nil
}

// Fingerprint returns the actor's identity hash.
func (a *Actor) Fingerprint() (canonical.Fingerprint, error) {
	return canonical.Sum(a.CanonicalValue())
}

// CanonicalValue projects an actor to its identity form: objectType plus
// the normalized IFI, or, for an anonymous group, the sorted member
// projections. Names never participate.
func (a *Actor) CanonicalValue() map[string]any {
	objectType := "Agent"
	if a.IsGroup() {
		objectType = "Group"
	}
	m := map[string]any{"objectType": objectType}
	if ifi, ok := a.IFI(); ok {
		addIFIValue(m, ifi)
		return m
	}
	// Anonymous group: identity is the member set, order-independent.
	members := make([]map[string]any, 0, len(a.Member))
	for i := range a.Member {
		members = append(members, a.Member[i].CanonicalValue())
	}
	sort.Slice(members, func(i, j int) bool {
		return canonicalLess(members[i], members[j])
	})
	m["member"] = members
	return m
}

// contentValue is the statement-content projection of an actor: the
// identity form plus the display name, since changing a name changes the
// statement even though it never changes who the actor is.
func (a *Actor) contentValue() map[string]any {
	objectType := "Agent"
	if a.IsGroup() {
		objectType = "Group"
	}
	m := map[string]any{"objectType": objectType}
	if a.Name != nil {
		m["name"] = *a.Name
	}
	if ifi, ok := a.IFI(); ok {
		addIFIValue(m, ifi)
		if !a.IsGroup() || len(a.Member) == 0 {
			return m
		}
	}
	members := make([]map[string]any, 0, len(a.Member))
	for i := range a.Member {
		members = append(members, a.Member[i].contentValue())
	}
	sort.Slice(members, func(i, j int) bool {
		return canonicalLess(members[i], members[j])
	})
	if len(members) > 0 {
		m["member"] = members
	}
	return m
}

func addIFIValue(m map[string]any, ifi IFI) {
	switch ifi.Kind {
	case IFIMbox:
		m["mbox"] = ifi.Value
	case IFIMboxSHA1:
		m["mbox_sha1sum"] = ifi.Value
	case IFIOpenID:
		m["openid"] = ifi.Value
	case IFIAccount:
		homePage, name, _ := ifi.AccountParts()
		m["account"] = map[string]any{"homePage": homePage, "name": name}
	}
}

func canonicalLess(a, b map[string]any) bool {
	ab, errA := canonical.JCS(a)
	bb, errB := canonical.JCS(b)
	if errA != nil || errB != nil {
		return errA == nil
	}
	return bytes.Compare(ab, bb) < 0
}

// CanonicalValue projects a verb to its identity form: the normalized IRI.
func (v *Verb) CanonicalValue() map[string]any {
	return map[string]any{"id": canonical.NormalizeIRI(v.ID)}
}

// Fingerprint returns the verb's identity hash.
func (v *Verb) Fingerprint() (canonical.Fingerprint, error) {
	return canonical.Sum(v.CanonicalValue())
}

// CanonicalValue projects an activity to its identity form; the definition
// is descriptive and excluded.
func (a *Activity) CanonicalValue() map[string]any {
	return map[string]any{"objectType": "Activity", "id": canonical.NormalizeIRI(a.ID)}
}

// Fingerprint returns the activity's identity hash.
func (a *Activity) Fingerprint() (canonical.Fingerprint, error) {
	return canonical.Sum(a.CanonicalValue())
}

// CanonicalValue projects an attachment descriptor minus its display
// strings.
func (a *Attachment) CanonicalValue() map[string]any {
	m := map[string]any{
		"usageType":   canonical.NormalizeIRI(a.UsageType),
		"contentType": a.ContentType,
		"length":      a.Length,
		"sha2":        strings.ToLower(a.SHA2),
	}
	if a.FileURL != "" {
		m["fileUrl"] = canonical.NormalizeIRI(a.FileURL)
	}
	return m
}

func attachmentsCanonical(atts []Attachment) []map[string]any {
	out := make([]map[string]any, 0, len(atts))
	for i := range atts {
		out = append(out, atts[i].CanonicalValue())
	}
	return out
}

// CanonicalValue projects the polymorphic object.
func (o *Object) CanonicalValue() (any, error) {
	switch o.Kind {
	case ObjectActivity:
		return o.Activity.CanonicalValue(), nil
	case ObjectAgent, ObjectGroup:
		return o.Actor.contentValue(), nil
	case ObjectStatementRef:
		return map[string]any{"objectType": "StatementRef", "id": strings.ToLower(o.Ref.ID)}, nil
	case ObjectSubStatement:
		return o.Sub.canonicalValue()
	}
	return nil, lrserr.New(lrserr.KindEncoding, lrserr.CodeEncoding, "object: empty")
}

func (sub *SubStatement) canonicalValue() (map[string]any, error) {
	m := map[string]any{
		"objectType": "SubStatement",
		"actor":      sub.Actor.contentValue(),
		"verb":       sub.Verb.CanonicalValue(),
	}
	obj, err := sub.Object.CanonicalValue()
	if err != nil {
		return nil, err
	}
	m["object"] = obj
	if sub.Result != nil {
		rv, err := sub.Result.canonicalValue()
		if err != nil {
			return nil, err
		}
		m["result"] = rv
	}
	if sub.Context != nil {
		cv, err := sub.Context.canonicalValue()
		if err != nil {
			return nil, err
		}
		m["context"] = cv
	}
	if sub.Timestamp != nil {
		m["timestamp"] = sub.Timestamp.String()
	}
	if len(sub.Attachments) > 0 {
		m["attachments"] = attachmentsCanonical(sub.Attachments)
	}
	return m, nil
}

func (r *Result) canonicalValue() (map[string]any, error) {
	m := map[string]any{}
	if r.Score != nil {
		sc := map[string]any{}
		if r.Score.Scaled != nil {
			sc["scaled"] = *r.Score.Scaled
		}
		if r.Score.Raw != nil {
			sc["raw"] = *r.Score.Raw
		}
		if r.Score.Min != nil {
			sc["min"] = *r.Score.Min
		}
		if r.Score.Max != nil {
			sc["max"] = *r.Score.Max
		}
		m["score"] = sc
	}
	if r.Success != nil {
		m["success"] = *r.Success
	}
	if r.Completion != nil {
		m["completion"] = *r.Completion
	}
	if r.Response != nil {
		m["response"] = *r.Response
	}
	if r.Duration != nil {
		m["duration"] = *r.Duration
	}
	ext, err := r.Extensions.canonicalValue()
	if err != nil {
		return nil, err
	}
	if ext != nil {
		m["extensions"] = ext
	}
	return m, nil
}

func (c *Context) canonicalValue() (map[string]any, error) {
	m := map[string]any{}
	if c.Registration != nil {
		m["registration"] = strings.ToLower(*c.Registration)
	}
	if c.Instructor != nil {
		m["instructor"] = c.Instructor.contentValue()
	}
	if c.Team != nil {
		m["team"] = c.Team.contentValue()
	}
	if c.ContextActivities != nil {
		ca := map[string]any{}
		buckets := []struct {
			name string
			list ActivityList
		}{
			{"parent", c.ContextActivities.Parent},
			{"grouping", c.ContextActivities.Grouping},
			{"category", c.ContextActivities.Category},
			{"other", c.ContextActivities.Other},
		}
		for _, b := range buckets {
			if len(b.list) == 0 {
				continue
			}
			arr := make([]map[string]any, 0, len(b.list))
			for i := range b.list {
				arr = append(arr, b.list[i].CanonicalValue())
			}
			ca[b.name] = arr
		}
		if len(ca) > 0 {
			m["contextActivities"] = ca
		}
	}
	if len(c.ContextAgents) > 0 {
		arr := make([]map[string]any, 0, len(c.ContextAgents))
		for i := range c.ContextAgents {
			ca := c.ContextAgents[i]
			e := map[string]any{"objectType": "contextAgent", "agent": ca.Agent.contentValue()}
			if len(ca.RelevantTypes) > 0 {
				e["relevantTypes"] = normalizeIRIs(ca.RelevantTypes)
			}
			arr = append(arr, e)
		}
		m["contextAgents"] = arr
	}
	if len(c.ContextGroups) > 0 {
		arr := make([]map[string]any, 0, len(c.ContextGroups))
		for i := range c.ContextGroups {
			cg := c.ContextGroups[i]
			e := map[string]any{"objectType": "contextGroup", "group": cg.Group.contentValue()}
			if len(cg.RelevantTypes) > 0 {
				e["relevantTypes"] = normalizeIRIs(cg.RelevantTypes)
			}
			arr = append(arr, e)
		}
		m["contextGroups"] = arr
	}
	if c.Revision != nil {
		m["revision"] = *c.Revision
	}
	if c.Platform != nil {
		m["platform"] = *c.Platform
	}
	if c.Language != nil {
		m["language"] = *c.Language
	}
	if c.Statement != nil {
		m["statement"] = map[string]any{"objectType": "StatementRef", "id": strings.ToLower(c.Statement.ID)}
	}
	ext, err := c.Extensions.canonicalValue()
	if err != nil {
		return nil, err
	}
	if ext != nil {
		m["extensions"] = ext
	}
	return m, nil
}

func normalizeIRIs(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, canonical.NormalizeIRI(s))
	}
	return out
}

// canonicalValue decodes extension values so numbers survive with their
// submitted precision (json.Number round-trips verbatim through JCS).
func (e Extensions) canonicalValue() (map[string]any, error) {
	if len(e) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(e))
	for k, raw := range e {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, lrserr.Wrap(lrserr.KindEncoding, lrserr.CodeEncoding, err, "extension %s: undecodable value", k)
		}
		out[canonical.NormalizeIRI(k)] = v
	}
	return out, nil
}
