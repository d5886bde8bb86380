// Package xapi is the typed value model for the xAPI 2.0 vocabulary:
// Statements and every structure they embed, with strict parsing,
// semantic validation, canonical fingerprint projection, and the
// ids/exact/canonical retrieval transforms.
package xapi

import (
	"encoding/json"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

// Reserved IRIs.
const (
	// VerbVoided is the reserved voiding verb.
	VerbVoided = "http://adlnet.gov/expapi/verbs/voided"
	// UsageSignature marks an attachment as a JWS statement signature.
	UsageSignature = "http://adlnet.gov/expapi/attachments/signature"
	// Version is the protocol version this store speaks.
	Version = "2.0.0"
)

// Account is the account inverse functional identifier: a user name scoped
// to the system that issued it.
type Account struct {
	HomePage string `json:"homePage"`
	Name     string `json:"name"`
}

// Actor is an Agent or a Group. A Group is marked by objectType "Group";
// Agents may omit objectType. Name is display-only and never part of
// identity.
type Actor struct {
	ObjectType string   `json:"objectType,omitempty"`
	Name       *string  `json:"name,omitempty"`
	Mbox       *string  `json:"mbox,omitempty"`
	MboxSHA1   *string  `json:"mbox_sha1sum,omitempty"`
	OpenID     *string  `json:"openid,omitempty"`
	Account    *Account `json:"account,omitempty"`
	Member     []Actor  `json:"member,omitempty"`
}

// IsGroup reports whether the actor is a Group.
func (a *Actor) IsGroup() bool { return a.ObjectType == "Group" }

// IsAnonymousGroup reports whether the actor is a Group with no IFI.
func (a *Actor) IsAnonymousGroup() bool {
	return a.IsGroup() && a.ifiCount() == 0
}

func (a *Actor) ifiCount() int {
	n := 0
	if a.Mbox != nil {
		n++
	}
	if a.MboxSHA1 != nil {
		n++
	}
	if a.OpenID != nil {
		n++
	}
	if a.Account != nil {
		n++
	}
	return n
}

// Verb is an action IRI with an optional display language map.
type Verb struct {
	ID      string      `json:"id"`
	Display LanguageMap `json:"display,omitempty"`
}

// IsVoiding reports whether the verb is the reserved voiding verb.
func (v *Verb) IsVoiding() bool { return v.ID == VerbVoided }

// InteractionComponent is one choice/scale/source/target/step entry of an
// interaction activity definition.
type InteractionComponent struct {
	ID          string      `json:"id"`
	Description LanguageMap `json:"description,omitempty"`
}

// Extensions maps extension IRIs to arbitrary JSON values. Values are kept
// raw so they round-trip losslessly.
type Extensions map[string]json.RawMessage

// ActivityDefinition is the descriptive (non-identifying) portion of an
// Activity. The whole definition is display-only for identity purposes.
type ActivityDefinition struct {
	Name                    LanguageMap            `json:"name,omitempty"`
	Description             LanguageMap            `json:"description,omitempty"`
	Type                    string                 `json:"type,omitempty"`
	MoreInfo                string                 `json:"moreInfo,omitempty"`
	InteractionType         string                 `json:"interactionType,omitempty"`
	CorrectResponsesPattern []string               `json:"correctResponsesPattern,omitempty"`
	Choices                 []InteractionComponent `json:"choices,omitempty"`
	Scale                   []InteractionComponent `json:"scale,omitempty"`
	Source                  []InteractionComponent `json:"source,omitempty"`
	Target                  []InteractionComponent `json:"target,omitempty"`
	Steps                   []InteractionComponent `json:"steps,omitempty"`
	Extensions              Extensions             `json:"extensions,omitempty"`
}

// Activity is something an actor acted on, identified by IRI.
type Activity struct {
	ObjectType string              `json:"objectType,omitempty"`
	ID         string              `json:"id"`
	Definition *ActivityDefinition `json:"definition,omitempty"`
}

// Attachment is the metadata descriptor for an attached document. The
// binary itself travels as a multipart part or behind fileUrl.
type Attachment struct {
	UsageType   string      `json:"usageType"`
	Display     LanguageMap `json:"display"`
	Description LanguageMap `json:"description,omitempty"`
	ContentType string      `json:"contentType"`
	Length      int64       `json:"length"`
	SHA2        string      `json:"sha2"`
	FileURL     string      `json:"fileUrl,omitempty"`
}

// IsSignature reports whether the attachment carries a JWS signature.
func (a *Attachment) IsSignature() bool { return a.UsageType == UsageSignature }

// Score is the outcome measure of a Result.
type Score struct {
	Scaled *float64 `json:"scaled,omitempty"`
	Raw    *float64 `json:"raw,omitempty"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
}

// Result captures the measured outcome of a Statement.
type Result struct {
	Score      *Score     `json:"score,omitempty"`
	Success    *bool      `json:"success,omitempty"`
	Completion *bool      `json:"completion,omitempty"`
	Response   *string    `json:"response,omitempty"`
	Duration   *string    `json:"duration,omitempty"`
	Extensions Extensions `json:"extensions,omitempty"`
}

// StatementRef points at another Statement by UUID.
type StatementRef struct {
	ObjectType string `json:"objectType"`
	ID         string `json:"id"`
}

// ContextAgent relates an Agent to the Statement outside the actor/object
// roles, qualified by relevant-type IRIs.
type ContextAgent struct {
	ObjectType    string   `json:"objectType"`
	Agent         Actor    `json:"agent"`
	RelevantTypes []string `json:"relevantTypes,omitempty"`
}

// ContextGroup is the Group counterpart of ContextAgent.
type ContextGroup struct {
	ObjectType    string   `json:"objectType"`
	Group         Actor    `json:"group"`
	RelevantTypes []string `json:"relevantTypes,omitempty"`
}

// ContextActivities buckets related activities by their relationship to
// the Statement.
type ContextActivities struct {
	Parent   ActivityList `json:"parent,omitempty"`
	Grouping ActivityList `json:"grouping,omitempty"`
	Category ActivityList `json:"category,omitempty"`
	Other    ActivityList `json:"other,omitempty"`
}

// ActivityList accepts both a single Activity object and an array of them
// on the wire; it always marshals as an array.
type ActivityList []Activity

func (l *ActivityList) UnmarshalJSON(raw []byte) error {
	raw = trimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var one Activity
		if err := strictDecode(raw, &one); err != nil {
			return err
		}
		*l = ActivityList{one}
		return nil
	}
	var many []Activity
	if err := strictDecode(raw, &many); err != nil {
		return err
	}
	*l = ActivityList(many)
	return nil
}

// Context situates a Statement: registration, instructor, team, related
// activities and actors, platform details, and extensions.
type Context struct {
	Registration      *string            `json:"registration,omitempty"`
	Instructor        *Actor             `json:"instructor,omitempty"`
	Team              *Actor             `json:"team,omitempty"`
	ContextActivities *ContextActivities `json:"contextActivities,omitempty"`
	ContextAgents     []ContextAgent     `json:"contextAgents,omitempty"`
	ContextGroups     []ContextGroup     `json:"contextGroups,omitempty"`
	Revision          *string            `json:"revision,omitempty"`
	Platform          *string            `json:"platform,omitempty"`
	Language          *string            `json:"language,omitempty"`
	Statement         *StatementRef      `json:"statement,omitempty"`
	Extensions        Extensions         `json:"extensions,omitempty"`
}

// SubStatement is a Statement nested as the object of another. It carries
// no id, stored, version, or authority, and cannot nest further.
type SubStatement struct {
	ObjectType  string       `json:"objectType"`
	Actor       Actor        `json:"actor"`
	Verb        Verb         `json:"verb"`
	Object      Object       `json:"object"`
	Result      *Result      `json:"result,omitempty"`
	Context     *Context     `json:"context,omitempty"`
	Timestamp   *Timestamp   `json:"timestamp,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ObjectKind discriminates the polymorphic Statement object.
type ObjectKind int

const (
	ObjectActivity ObjectKind = iota
	ObjectAgent
	ObjectGroup
	ObjectStatementRef
	ObjectSubStatement
)

// Object is the polymorphic object of a Statement, discriminated by the
// wire objectType (absent means Activity).
type Object struct {
	Kind     ObjectKind
	Activity *Activity
	Actor    *Actor
	Ref      *StatementRef
	Sub      *SubStatement
}

func (o *Object) UnmarshalJSON(raw []byte) error {
	var probe struct {
		ObjectType string `json:"objectType"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadStatement, err, "object: not a JSON object")
	}
	switch probe.ObjectType {
	case "", "Activity":
		var a Activity
		if err := strictDecode(raw, &a); err != nil {
			return lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadStatement, err, "object: invalid Activity")
		}
		*o = Object{Kind: ObjectActivity, Activity: &a}
	case "Agent":
		var a Actor
		if err := strictDecode(raw, &a); err != nil {
			return lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadStatement, err, "object: invalid Agent")
		}
		*o = Object{Kind: ObjectAgent, Actor: &a}
	case "Group":
		var a Actor
		if err := strictDecode(raw, &a); err != nil {
			return lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadStatement, err, "object: invalid Group")
		}
		*o = Object{Kind: ObjectGroup, Actor: &a}
	case "StatementRef":
		var r StatementRef
		if err := strictDecode(raw, &r); err != nil {
			return lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadStatement, err, "object: invalid StatementRef")
		}
		*o = Object{Kind: ObjectStatementRef, Ref: &r}
	case "SubStatement":
		var s SubStatement
		if err := strictDecode(raw, &s); err != nil {
			return lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadStatement, err, "object: invalid SubStatement")
		}
		*o = Object{Kind: ObjectSubStatement, Sub: &s}
	default:
		return lrserr.Validation(lrserr.CodeBadStatement, "object: unknown objectType %q", probe.ObjectType)
	}
	return nil
}

func (o Object) MarshalJSON() ([]byte, error) {
	switch o.Kind {
	case ObjectActivity:
		return json.Marshal(o.Activity)
	case ObjectAgent, ObjectGroup:
		return json.Marshal(o.Actor)
	case ObjectStatementRef:
		return json.Marshal(o.Ref)
	case ObjectSubStatement:
		return json.Marshal(o.Sub)
	}
	return nil, lrserr.New(lrserr.KindEncoding, lrserr.CodeEncoding, "object: empty")
}

// Statement is the atomic learning record: actor, verb, object, plus
// result, context, timing, authority, and attachments.
type Statement struct {
	ID          string       `json:"id,omitempty"`
	Actor       Actor        `json:"actor"`
	Verb        Verb         `json:"verb"`
	Object      Object       `json:"object"`
	Result      *Result      `json:"result,omitempty"`
	Context     *Context     `json:"context,omitempty"`
	Timestamp   *Timestamp   `json:"timestamp,omitempty"`
	Stored      *Timestamp   `json:"stored,omitempty"`
	Authority   *Actor       `json:"authority,omitempty"`
	Version     string       `json:"version,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Registration returns the context registration UUID, if any.
func (s *Statement) Registration() string {
	if s.Context != nil && s.Context.Registration != nil {
		return *s.Context.Registration
	}
	return ""
}

// VoidTarget returns the UUID a voiding statement points at, or "".
func (s *Statement) VoidTarget() string {
	if s.Verb.IsVoiding() && s.Object.Kind == ObjectStatementRef && s.Object.Ref != nil {
		return s.Object.Ref.ID
	}
	return ""
}

// StatementResult is the paged query response envelope.
type StatementResult struct {
	Statements []*Statement `json:"statements"`
	More       string       `json:"more"`
}

// Person is the plural-array persona view returned by the agents resource:
// every name and IFI of one consolidated person.
type Person struct {
	ObjectType string    `json:"objectType"`
	Name       []string  `json:"name,omitempty"`
	Mbox       []string  `json:"mbox,omitempty"`
	MboxSHA1   []string  `json:"mbox_sha1sum,omitempty"`
	OpenID     []string  `json:"openid,omitempty"`
	Account    []Account `json:"account,omitempty"`
}

// About is the body of the about resource.
type About struct {
	Version    []string   `json:"version"`
	Extensions Extensions `json:"extensions,omitempty"`
}
