package xapi

import (
	"encoding/json"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

// Format selects the retrieval rendering of statements.
type Format string

const (
	// FormatExact returns statements as stored.
	FormatExact Format = "exact"
	// FormatIDs strips actors, verbs, activities, and groups to bare
	// identifiers.
	FormatIDs Format = "ids"
	// FormatCanonical substitutes merged verb displays and activity
	// definitions and reduces every language map to one entry.
	FormatCanonical Format = "canonical"
)

// ParseFormat validates a format query value; empty means exact.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "":
		return FormatExact, nil
	case FormatExact, FormatIDs, FormatCanonical:
		return Format(s), nil
	}
	return "", lrserr.Validation(lrserr.CodeBadParam, "format: unknown value %q", s)
}

// clone deep-copies a statement through its JSON form. Extensions stay
// raw, so the copy is lossless.
func (s *Statement) clone() *Statement {
	b, err := json.Marshal(s)
	if err != nil {
		return s
	}
	var c Statement
	if err := json.Unmarshal(b, &c); err != nil {
		return s
	}
	return &c
}

// ReduceToIDs renders the ids format: a deep copy with every actor, verb,
// activity, and group stripped to its identifier.
func (s *Statement) ReduceToIDs() *Statement {
	c := s.clone()
	minimizeActor(&c.Actor)
	c.Verb.Display = nil
	minimizeObject(&c.Object)
	if c.Context != nil {
		minimizeContext(c.Context)
	}
	if c.Authority != nil {
		minimizeActor(c.Authority)
	}
	return c
}

func minimizeActor(a *Actor) {
	a.Name = nil
	if ifi, ok := a.IFI(); ok {
		// Keep only the first IFI present, in a fixed order.
		a.Mbox, a.MboxSHA1, a.OpenID, a.Account = nil, nil, nil, nil
		switch ifi.Kind {
		case IFIMbox:
			v := ifi.Value
			a.Mbox = &v
		case IFIMboxSHA1:
			v := ifi.Value
			a.MboxSHA1 = &v
		case IFIOpenID:
			v := ifi.Value
			a.OpenID = &v
		case IFIAccount:
			homePage, name, _ := ifi.AccountParts()
			a.Account = &Account{HomePage: homePage, Name: name}
		}
		// Identified groups reduce to their IFI alone.
		a.Member = nil
		return
	}
	for i := range a.Member {
		minimizeActor(&a.Member[i])
	}
}

func minimizeObject(o *Object) {
	switch o.Kind {
	case ObjectActivity:
		o.Activity.Definition = nil
	case ObjectAgent, ObjectGroup:
		minimizeActor(o.Actor)
	case ObjectSubStatement:
		sub := o.Sub
		minimizeActor(&sub.Actor)
		sub.Verb.Display = nil
		minimizeObject(&sub.Object)
		if sub.Context != nil {
			minimizeContext(sub.Context)
		}
	}
}

func minimizeContext(c *Context) {
	if c.Instructor != nil {
		minimizeActor(c.Instructor)
	}
	if c.Team != nil {
		minimizeActor(c.Team)
	}
	if c.ContextActivities != nil {
		for _, list := range []ActivityList{
			c.ContextActivities.Parent, c.ContextActivities.Grouping,
			c.ContextActivities.Category, c.ContextActivities.Other,
		} {
			for i := range list {
				list[i].Definition = nil
			}
		}
	}
	for i := range c.ContextAgents {
		minimizeActor(&c.ContextAgents[i].Agent)
	}
	for i := range c.ContextGroups {
		minimizeActor(&c.ContextGroups[i].Group)
	}
}

// CanonicalData carries the merged descriptive material the canonical
// format substitutes in: verb displays and activity definitions keyed by
// IRI.
type CanonicalData struct {
	VerbDisplays map[string]LanguageMap
	Definitions  map[string]*ActivityDefinition
}

// ApplyCanonical renders the canonical format: a deep copy with merged
// verb displays and activity definitions substituted and every language
// map reduced to one entry per the Accept-Language preference list.
func (s *Statement) ApplyCanonical(data CanonicalData, prefs []string) *Statement {
	c := s.clone()
	canonicalizeStatement(c, data, prefs)
	return c
}

func canonicalizeStatement(s *Statement, data CanonicalData, prefs []string) {
	canonicalizeVerb(&s.Verb, data, prefs)
	canonicalizeObject(&s.Object, data, prefs)
	if s.Context != nil {
		canonicalizeContext(s.Context, data, prefs)
	}
	for i := range s.Attachments {
		s.Attachments[i].Display = s.Attachments[i].Display.Select(prefs)
		s.Attachments[i].Description = s.Attachments[i].Description.Select(prefs)
	}
}

func canonicalizeVerb(v *Verb, data CanonicalData, prefs []string) {
	if merged, ok := data.VerbDisplays[v.ID]; ok && len(merged) > 0 {
		v.Display = merged
	}
	v.Display = v.Display.Select(prefs)
}

func canonicalizeActivity(a *Activity, data CanonicalData, prefs []string) {
	if def, ok := data.Definitions[a.ID]; ok && def != nil {
		copied := *def
		a.Definition = &copied
	}
	if a.Definition == nil {
		return
	}
	d := *a.Definition
	d.Name = d.Name.Select(prefs)
	d.Description = d.Description.Select(prefs)
	d.Choices = canonicalizeComponents(d.Choices, prefs)
	d.Scale = canonicalizeComponents(d.Scale, prefs)
	d.Source = canonicalizeComponents(d.Source, prefs)
	d.Target = canonicalizeComponents(d.Target, prefs)
	d.Steps = canonicalizeComponents(d.Steps, prefs)
	a.Definition = &d
}

func canonicalizeComponents(in []InteractionComponent, prefs []string) []InteractionComponent {
	if len(in) == 0 {
		return in
	}
	out := make([]InteractionComponent, len(in))
	for i, c := range in {
		c.Description = c.Description.Select(prefs)
		out[i] = c
	}
	return out
}

func canonicalizeObject(o *Object, data CanonicalData, prefs []string) {
	switch o.Kind {
	case ObjectActivity:
		canonicalizeActivity(o.Activity, data, prefs)
	case ObjectSubStatement:
		sub := o.Sub
		canonicalizeVerb(&sub.Verb, data, prefs)
		canonicalizeObject(&sub.Object, data, prefs)
		if sub.Context != nil {
			canonicalizeContext(sub.Context, data, prefs)
		}
	}
}

func canonicalizeContext(c *Context, data CanonicalData, prefs []string) {
	if c.ContextActivities == nil {
		return
	}
	for _, list := range []ActivityList{
		c.ContextActivities.Parent, c.ContextActivities.Grouping,
		c.ContextActivities.Category, c.ContextActivities.Other,
	} {
		for i := range list {
			canonicalizeActivity(&list[i], data, prefs)
		}
	}
}

// VerbIRIs collects every verb IRI in the statement tree, for bulk lookup
// of merged displays.
func (s *Statement) VerbIRIs() []string {
	out := []string{s.Verb.ID}
	if s.Object.Kind == ObjectSubStatement {
		out = append(out, s.Object.Sub.Verb.ID)
	}
	return out
}

// ActivityIRIs collects every activity IRI in the statement tree.
func (s *Statement) ActivityIRIs() []string {
	var out []string
	collect := func(o *Object, c *Context) {
		if o != nil && o.Kind == ObjectActivity {
			out = append(out, o.Activity.ID)
		}
		if c != nil && c.ContextActivities != nil {
			for _, list := range []ActivityList{
				c.ContextActivities.Parent, c.ContextActivities.Grouping,
				c.ContextActivities.Category, c.ContextActivities.Other,
			} {
				for i := range list {
					out = append(out, list[i].ID)
				}
			}
		}
	}
	collect(&s.Object, s.Context)
	if s.Object.Kind == ObjectSubStatement {
		collect(&s.Object.Sub.Object, s.Object.Sub.Context)
	}
	return out
}
