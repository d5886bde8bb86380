package xapi

import (
	"mime"
	"net/url"
	"regexp"
	"strings"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

var (
	sha1HexRe = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)
	// SHA-256, SHA-384, or SHA-512 hex.
	sha2HexRe = regexp.MustCompile(`^[0-9a-fA-F]{64}$|^[0-9a-fA-F]{96}$|^[0-9a-fA-F]{128}$`)
)

func invalid(format string, args ...any) error {
	return lrserr.Validation(lrserr.CodeBadStatement, format, args...)
}

func isAbsoluteIRI(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != ""
}

// versionOK accepts 2.0 with an optional patch component.
func versionOK(v string) bool {
	if !strings.HasPrefix(v, "2.0") {
		return false
	}
	rest := v[len("2.0"):]
	if rest == "" {
		return true
	}
	if rest[0] != '.' || len(rest) < 2 {
		return false
	}
	return allDigits(rest[1:])
}

func validateIRI(s, path string) error {
	if s == "" {
		return invalid("%s: required", path)
	}
	if !isAbsoluteIRI(s) {
		return invalid("%s: %q is not an absolute IRI", path, s)
	}
	return nil
}

// Validate checks the whole statement tree and canonicalizes UUID-valued
// fields (id, registration, statement references) in place. All other
// submitted values are preserved byte for byte.
func (s *Statement) Validate() error {
	if s.ID != "" {
		id, err := NormalizeUUID(s.ID)
		if err != nil {
			return invalid("id: %q is not a UUID", s.ID)
		}
		s.ID = id
	}
	if s.Version != "" && !versionOK(s.Version) {
		return invalid("version: %q is not a 2.0 version", s.Version)
	}
	if err := validateActor(&s.Actor, "actor", true); err != nil {
		return err
	}
	if err := validateVerb(&s.Verb, "verb"); err != nil {
		return err
	}
	if err := s.Object.validate("object", true); err != nil {
		return err
	}
	if s.Result != nil {
		if err := s.Result.validate("result"); err != nil {
			return err
		}
	}
	if s.Context != nil {
		if err := s.Context.validate("context", s.Object.Kind == ObjectActivity); err != nil {
			return err
		}
	}
	if s.Authority != nil {
		if err := validateAuthority(s.Authority, "authority"); err != nil {
			return err
		}
	}
	for i := range s.Attachments {
		if err := s.Attachments[i].validate("attachments", i); err != nil {
			return err
		}
	}
	if s.Verb.IsVoiding() && s.Object.Kind != ObjectStatementRef {
		return invalid("verb: voiding statements require a StatementRef object")
	}
	return nil
}

func validateActor(a *Actor, path string, allowGroup bool) error {
	switch a.ObjectType {
	case "", "Agent":
		if len(a.Member) > 0 {
			return invalid("%s: member is only allowed on a Group", path)
		}
		if n := a.ifiCount(); n != 1 {
			return invalid("%s: an Agent needs exactly one inverse functional identifier, got %d", path, n)
		}
	case "Group":
		if !allowGroup {
			return invalid("%s: a Group is not allowed here", path)
		}
		switch n := a.ifiCount(); n {
		case 0:
			if len(a.Member) == 0 {
				return invalid("%s: an anonymous Group needs at least one member", path)
			}
		case 1:
			// identified group; members optional
		default:
			return invalid("%s: a Group may carry at most one inverse functional identifier, got %d", path, n)
		}
		for i := range a.Member {
			m := &a.Member[i]
			if m.IsGroup() {
				return invalid("%s.member[%d]: Groups cannot contain Groups", path, i)
			}
			if err := validateActor(m, path+".member", false); err != nil {
				return err
			}
		}
	default:
		return invalid("%s: unknown objectType %q", path, a.ObjectType)
	}
	return validateIFIValues(a, path)
}

func validateIFIValues(a *Actor, path string) error {
	if a.Mbox != nil {
		m := *a.Mbox
		if len(m) < len("mailto:a@b") || !equalFoldPrefix(m, "mailto:") || !containsAt(m) {
			return invalid("%s: mbox %q is not a mailto IRI", path, m)
		}
	}
	if a.MboxSHA1 != nil && !sha1HexRe.MatchString(*a.MboxSHA1) {
		return invalid("%s: mbox_sha1sum must be 40 hex characters", path)
	}
	if a.OpenID != nil {
		if err := validateIRI(*a.OpenID, path+".openid"); err != nil {
			return err
		}
	}
	if a.Account != nil {
		if err := validateIRI(a.Account.HomePage, path+".account.homePage"); err != nil {
			return err
		}
		if a.Account.Name == "" {
			return invalid("%s.account.name: required", path)
		}
	}
	return nil
}

func equalFoldPrefix(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	head := s[:len(prefix)]
	for i := 0; i < len(prefix); i++ {
		c, p := head[i], prefix[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != p {
			return false
		}
	}
	return true
}

func containsAt(mbox string) bool {
	for i := len("mailto:"); i < len(mbox); i++ {
		if mbox[i] == '@' {
			return true
		}
	}
	return false
}

func validateVerb(v *Verb, path string) error {
	if err := validateIRI(v.ID, path+".id"); err != nil {
		return err
	}
	return v.Display.validateTags(path + ".display")
}

func (o *Object) validate(path string, allowSub bool) error {
	switch o.Kind {
	case ObjectActivity:
		if o.Activity == nil {
			return invalid("%s: required", path)
		}
		return o.Activity.validate(path)
	case ObjectAgent:
		return validateActor(o.Actor, path, false)
	case ObjectGroup:
		return validateActor(o.Actor, path, true)
	case ObjectStatementRef:
		return o.Ref.validate(path)
	case ObjectSubStatement:
		if !allowSub {
			return invalid("%s: SubStatements cannot nest", path)
		}
		return o.Sub.validate(path)
	}
	return invalid("%s: unknown object kind", path)
}

func (a *Activity) validate(path string) error {
	if a.ObjectType != "" && a.ObjectType != "Activity" {
		return invalid("%s: objectType must be Activity", path)
	}
	if err := validateIRI(a.ID, path+".id"); err != nil {
		return err
	}
	if a.Definition != nil {
		return a.Definition.validate(path + ".definition")
	}
	return nil
}

var interactionTypes = map[string]bool{
	"true-false": true, "choice": true, "fill-in": true, "long-fill-in": true,
	"matching": true, "performance": true, "sequencing": true, "likert": true,
	"numeric": true, "other": true,
}

// componentLists names which interaction types may carry which component
// lists.
var componentLists = map[string][]string{
	"choice":      {"choices"},
	"sequencing":  {"choices"},
	"likert":      {"scale"},
	"matching":    {"source", "target"},
	"performance": {"steps"},
}

func (d *ActivityDefinition) validate(path string) error {
	if err := d.Name.validateTags(path + ".name"); err != nil {
		return err
	}
	if err := d.Description.validateTags(path + ".description"); err != nil {
		return err
	}
	if d.Type != "" {
		if err := validateIRI(d.Type, path+".type"); err != nil {
			return err
		}
	}
	if d.MoreInfo != "" {
		if err := validateIRI(d.MoreInfo, path+".moreInfo"); err != nil {
			return err
		}
	}
	if err := d.Extensions.validate(path + ".extensions"); err != nil {
		return err
	}

	lists := map[string][]InteractionComponent{
		"choices": d.Choices, "scale": d.Scale, "source": d.Source,
		"target": d.Target, "steps": d.Steps,
	}
	anyList := false
	for _, l := range lists {
		if len(l) > 0 {
			anyList = true
		}
	}
	if d.InteractionType == "" {
		if anyList || len(d.CorrectResponsesPattern) > 0 {
			return invalid("%s: interaction components require an interactionType", path)
		}
		return nil
	}
	if !interactionTypes[d.InteractionType] {
		return invalid("%s.interactionType: unknown value %q", path, d.InteractionType)
	}
	allowed := map[string]bool{}
	for _, name := range componentLists[d.InteractionType] {
		allowed[name] = true
	}
	for name, l := range lists {
		if len(l) == 0 {
			continue
		}
		if !allowed[name] {
			return invalid("%s: component list %q is not valid for interactionType %q", path, name, d.InteractionType)
		}
		seen := make(map[string]bool, len(l))
		for _, c := range l {
			if c.ID == "" {
				return invalid("%s.%s: component id required", path, name)
			}
			if seen[c.ID] {
				return invalid("%s.%s: duplicate component id %q", path, name, c.ID)
			}
			seen[c.ID] = true
			if err := c.Description.validateTags(path + "." + name + ".description"); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *StatementRef) validate(path string) error {
	if r.ObjectType != "StatementRef" {
		return invalid("%s: objectType must be StatementRef", path)
	}
	id, err := NormalizeUUID(r.ID)
	if err != nil {
		return invalid("%s.id: %q is not a UUID", path, r.ID)
	}
	r.ID = id
	return nil
}

func (sub *SubStatement) validate(path string) error {
	if sub.ObjectType != "SubStatement" {
		return invalid("%s: objectType must be SubStatement", path)
	}
	if err := validateActor(&sub.Actor, path+".actor", true); err != nil {
		return err
	}
	if err := validateVerb(&sub.Verb, path+".verb"); err != nil {
		return err
	}
	if err := sub.Object.validate(path+".object", false); err != nil {
		return err
	}
	if sub.Result != nil {
		if err := sub.Result.validate(path + ".result"); err != nil {
			return err
		}
	}
	if sub.Context != nil {
		if err := sub.Context.validate(path+".context", sub.Object.Kind == ObjectActivity); err != nil {
			return err
		}
	}
	for i := range sub.Attachments {
		if err := sub.Attachments[i].validate(path+".attachments", i); err != nil {
			return err
		}
	}
	if sub.Verb.IsVoiding() && sub.Object.Kind != ObjectStatementRef {
		return invalid("%s.verb: voiding requires a StatementRef object", path)
	}
	return nil
}

func (r *Result) validate(path string) error {
	if r.Score != nil {
		sc := r.Score
		if sc.Scaled != nil && (*sc.Scaled < -1 || *sc.Scaled > 1) {
			return invalid("%s.score.scaled: %v outside [-1, 1]", path, *sc.Scaled)
		}
		if sc.Min != nil && sc.Max != nil && *sc.Min > *sc.Max {
			return invalid("%s.score: min %v exceeds max %v", path, *sc.Min, *sc.Max)
		}
		if sc.Raw != nil {
			if sc.Min != nil && *sc.Raw < *sc.Min {
				return invalid("%s.score: raw %v below min %v", path, *sc.Raw, *sc.Min)
			}
			if sc.Max != nil && *sc.Raw > *sc.Max {
				return invalid("%s.score: raw %v above max %v", path, *sc.Raw, *sc.Max)
			}
		}
	}
	if r.Duration != nil {
		if err := ValidateDuration(*r.Duration); err != nil {
			return err
		}
	}
	return r.Extensions.validate(path + ".extensions")
}

func (c *Context) validate(path string, objectIsActivity bool) error {
	if c.Registration != nil {
		reg, err := NormalizeUUID(*c.Registration)
		if err != nil {
			return invalid("%s.registration: %q is not a UUID", path, *c.Registration)
		}
		*c.Registration = reg
	}
	if c.Instructor != nil {
		if err := validateActor(c.Instructor, path+".instructor", true); err != nil {
			return err
		}
	}
	if c.Team != nil {
		if !c.Team.IsGroup() {
			return invalid("%s.team: must be a Group", path)
		}
		if err := validateActor(c.Team, path+".team", true); err != nil {
			return err
		}
	}
	if c.ContextActivities != nil {
		buckets := map[string]ActivityList{
			"parent": c.ContextActivities.Parent, "grouping": c.ContextActivities.Grouping,
			"category": c.ContextActivities.Category, "other": c.ContextActivities.Other,
		}
		for name, list := range buckets {
			for i := range list {
				if err := list[i].validate(path + ".contextActivities." + name); err != nil {
					return err
				}
			}
		}
	}
	for i := range c.ContextAgents {
		ca := &c.ContextAgents[i]
		if ca.ObjectType != "contextAgent" {
			return invalid("%s.contextAgents[%d]: objectType must be contextAgent", path, i)
		}
		if ca.Agent.IsGroup() {
			return invalid("%s.contextAgents[%d]: agent must be an Agent", path, i)
		}
		if err := validateActor(&ca.Agent, path+".contextAgents.agent", false); err != nil {
			return err
		}
		for _, rt := range ca.RelevantTypes {
			if err := validateIRI(rt, path+".contextAgents.relevantTypes"); err != nil {
				return err
			}
		}
	}
	for i := range c.ContextGroups {
		cg := &c.ContextGroups[i]
		if cg.ObjectType != "contextGroup" {
			return invalid("%s.contextGroups[%d]: objectType must be contextGroup", path, i)
		}
		if !cg.Group.IsGroup() {
			return invalid("%s.contextGroups[%d]: group must be a Group", path, i)
		}
		if err := validateActor(&cg.Group, path+".contextGroups.group", true); err != nil {
			return err
		}
		for _, rt := range cg.RelevantTypes {
			if err := validateIRI(rt, path+".contextGroups.relevantTypes"); err != nil {
				return err
			}
		}
	}
	if !objectIsActivity {
		if c.Revision != nil {
			return invalid("%s.revision: only allowed when the object is an Activity", path)
		}
		if c.Platform != nil {
			return invalid("%s.platform: only allowed when the object is an Activity", path)
		}
	}
	if c.Language != nil {
		lm := LanguageMap{*c.Language: ""}
		if err := lm.validateTags(path + ".language"); err != nil {
			return invalid("%s.language: invalid tag %q", path, *c.Language)
		}
	}
	if c.Statement != nil {
		if err := c.Statement.validate(path + ".statement"); err != nil {
			return err
		}
	}
	return c.Extensions.validate(path + ".extensions")
}

// validateAuthority accepts an Agent or the two-member anonymous Group an
// OAuth consumer pair produces.
func validateAuthority(a *Actor, path string) error {
	if !a.IsGroup() {
		return validateActor(a, path, false)
	}
	if a.ifiCount() != 0 || len(a.Member) != 2 {
		return invalid("%s: a Group authority must be anonymous with exactly two members", path)
	}
	for i := range a.Member {
		if a.Member[i].IsGroup() {
			return invalid("%s.member[%d]: must be an Agent", path, i)
		}
		if err := validateActor(&a.Member[i], path+".member", false); err != nil {
			return err
		}
	}
	return nil
}

func (a *Attachment) validate(path string, i int) error {
	if err := validateIRI(a.UsageType, path+".usageType"); err != nil {
		return err
	}
	if len(a.Display) == 0 {
		return invalid("%s[%d].display: required", path, i)
	}
	if err := a.Display.validateTags(path + ".display"); err != nil {
		return err
	}
	if err := a.Description.validateTags(path + ".description"); err != nil {
		return err
	}
	if a.ContentType == "" {
		return invalid("%s[%d].contentType: required", path, i)
	}
	if _, _, err := mime.ParseMediaType(a.ContentType); err != nil {
		return invalid("%s[%d].contentType: %q is not a media type", path, i, a.ContentType)
	}
	if a.Length < 0 {
		return invalid("%s[%d].length: must be non-negative", path, i)
	}
	if !sha2HexRe.MatchString(a.SHA2) {
		return invalid("%s[%d].sha2: must be SHA-2 hex (64, 96, or 128 chars)", path, i)
	}
	if a.FileURL != "" {
		if err := validateIRI(a.FileURL, path+".fileUrl"); err != nil {
			return err
		}
	}
	return nil
}

func (e Extensions) validate(path string) error {
	for k := range e {
		if !isAbsoluteIRI(k) {
			return invalid("%s: key %q is not an IRI", path, k)
		}
	}
	return nil
}
