package guard

import (
	"strings"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

// Precondition is the parsed conditional-request state of one request.
type Precondition struct {
	IfMatch        []string
	IfMatchAny     bool
	IfNoneMatch    []string
	IfNoneMatchAny bool
}

// Provided reports whether the request carried any precondition at all.
func (p Precondition) Provided() bool {
	return p.IfMatchAny || p.IfNoneMatchAny || len(p.IfMatch) > 0 || len(p.IfNoneMatch) > 0
}

// ParsePrecondition reads the raw If-Match and If-None-Match header
// values. Unquoted junk entries are kept verbatim; they simply never
// match, which is the safe failure mode for a write guard.
func ParsePrecondition(ifMatch, ifNoneMatch string) Precondition {
	var p Precondition
	p.IfMatch, p.IfMatchAny = splitETags(ifMatch)
	p.IfNoneMatch, p.IfNoneMatchAny = splitETags(ifNoneMatch)
	return p
}

func splitETags(header string) (tags []string, any bool) {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		switch part {
		case "":
		case "*":
			any = true
		default:
			tags = append(tags, part)
		}
	}
	return tags, any
}

// strongMatch compares entity tags byte for byte; a weak tag on either
// side never matches strongly.
func strongMatch(a, b string) bool {
	if strings.HasPrefix(a, "W/") || strings.HasPrefix(b, "W/") {
		return false
	}
	return a == b
}

// weakMatch compares entity tags with weakness indicators stripped.
func weakMatch(a, b string) bool {
	return strings.TrimPrefix(a, "W/") == strings.TrimPrefix(b, "W/")
}

// Check evaluates the preconditions against the current representation.
// currentETag is ignored when exists is false.
func Check(p Precondition, currentETag string, exists bool) error {
	if p.IfMatchAny && !exists {
		return lrserr.New(lrserr.KindPrecondition, lrserr.CodePrecondition, "If-Match: no current representation")
	}
	if len(p.IfMatch) > 0 {
		if !exists {
			return lrserr.New(lrserr.KindPrecondition, lrserr.CodePrecondition, "If-Match: no current representation")
		}
		matched := false
		for _, tag := range p.IfMatch {
			if strongMatch(tag, currentETag) {
				matched = true
				break
			}
		}
		if !matched {
			return lrserr.New(lrserr.KindPrecondition, lrserr.CodePrecondition,
				"If-Match: representation has changed")
		}
	}
	if p.IfNoneMatchAny && exists {
		return lrserr.New(lrserr.KindPrecondition, lrserr.CodePrecondition,
			"If-None-Match: a representation already exists")
	}
	for _, tag := range p.IfNoneMatch {
		if exists && weakMatch(tag, currentETag) {
			return lrserr.New(lrserr.KindPrecondition, lrserr.CodePrecondition,
				"If-None-Match: representation matches")
		}
	}
	return nil
}
