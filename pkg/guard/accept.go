package guard

import (
	"sort"
	"strconv"
	"strings"
)

// ParseAcceptLanguage turns an Accept-Language header into an ordered
// preference list for language-map narrowing: highest quality first,
// ties broken by tag so the outcome never depends on header ordering.
// Malformed entries are collected into skipped instead of failing the
// request; language negotiation should never cost a client its data.
func ParseAcceptLanguage(header string) (prefs, skipped []string) {
	type entry struct {
		tag string
		q   float64
	}
	var entries []entry
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tag, params, _ := strings.Cut(part, ";")
		tag = strings.TrimSpace(tag)
		if tag == "" || strings.ContainsAny(tag, " \t\"") {
			skipped = append(skipped, part)
			continue
		}
		q := 1.0
		if params != "" {
			ok := false
			for _, param := range strings.Split(params, ";") {
				k, v, found := strings.Cut(strings.TrimSpace(param), "=")
				if !found || !strings.EqualFold(strings.TrimSpace(k), "q") {
					continue
				}
				parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
				if err != nil || parsed < 0 || parsed > 1 {
					break
				}
				q, ok = parsed, true
			}
			if !ok {
				skipped = append(skipped, part)
				continue
			}
		}
		if q == 0 {
			continue
		}
		entries = append(entries, entry{tag: tag, q: q})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].q != entries[j].q {
			return entries[i].q > entries[j].q
		}
		return entries[i].tag < entries[j].tag
	})
	prefs = make([]string, 0, len(entries))
	for _, e := range entries {
		prefs = append(prefs, e.tag)
	}
	return prefs, skipped
}
