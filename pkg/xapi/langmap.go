package xapi

import (
	"sort"
	"strings"

	"golang.org/x/text/language"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

// LanguageMap maps BCP 47 tags to display strings.
type LanguageMap map[string]string

// Merge unions two maps; on a shared tag the incoming entry wins. Neither
// receiver nor argument is mutated.
func (m LanguageMap) Merge(in LanguageMap) LanguageMap {
	if len(in) == 0 {
		return m
	}
	if len(m) == 0 {
		return in
	}
	out := make(LanguageMap, len(m)+len(in))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Select reduces the map to its single best entry for an ordered
// preference list (RFC 4647 basic filtering). With no match the fallback
// is "en" when present, otherwise the lexicographically smallest tag.
func (m LanguageMap) Select(prefs []string) LanguageMap {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, p := range prefs {
		if p == "*" {
			return LanguageMap{keys[0]: m[keys[0]]}
		}
		for _, k := range keys {
			if strings.EqualFold(p, k) {
				return LanguageMap{k: m[k]}
			}
		}
		for _, k := range keys {
			if rangeMatches(p, k) {
				return LanguageMap{k: m[k]}
			}
		}
	}
	for _, k := range keys {
		if strings.EqualFold(k, "en") {
			return LanguageMap{k: m[k]}
		}
	}
	return LanguageMap{keys[0]: m[keys[0]]}
}

// rangeMatches implements RFC 4647 basic filtering: a range matches a tag
// that equals it or extends it at a subtag boundary.
func rangeMatches(rng, tag string) bool {
	rng = strings.ToLower(rng)
	tag = strings.ToLower(tag)
	return rng == tag || strings.HasPrefix(tag, rng+"-")
}

// validateTags checks every key parses as BCP 47.
func (m LanguageMap) validateTags(path string) error {
	for k := range m {
		if _, err := language.Parse(k); err != nil {
			return lrserr.Validation(lrserr.CodeBadStatement, "%s: invalid language tag %q", path, k)
		}
	}
	return nil
}
