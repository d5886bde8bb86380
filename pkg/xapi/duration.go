package xapi

import (
	"errors"
	"strings"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

// ValidateDuration checks ISO 8601 duration syntax: PnW, or
// P[nY][nM][nD][T[nH][nM][nS]] with at least one component, designators in
// order without repeats, and a fraction permitted only on the final
// component. Values are stored verbatim; nothing is computed from them.
func ValidateDuration(s string) error {
	fail := func() error {
		return lrserr.Validation(lrserr.CodeBadStatement, "invalid ISO 8601 duration %q", s)
	}
	rest, ok := strings.CutPrefix(s, "P")
	if !ok || rest == "" {
		return fail()
	}
	if strings.ContainsRune(rest, 'W') {
		num, ok := strings.CutSuffix(rest, "W")
		if !ok || !isDurationNumber(num) {
			return fail()
		}
		return nil
	}
	datePart, timePart, hasT := strings.Cut(rest, "T")
	if hasT && timePart == "" {
		return fail()
	}
	dateCount, dateFrac, err := scanDurationPart(datePart, "YMD")
	if err != nil {
		return fail()
	}
	timeCount, _, err := scanDurationPart(timePart, "HMS")
	if err != nil {
		return fail()
	}
	if dateCount+timeCount == 0 {
		return fail()
	}
	// A fractional date component is only legal when nothing follows it.
	if dateFrac && timeCount > 0 {
		return fail()
	}
	return nil
}

func isDurationNumber(s string) bool {
	intPart, fracPart, hasFrac := strings.Cut(s, ".")
	if !allDigits(intPart) {
		return false
	}
	if hasFrac && !allDigits(fracPart) {
		return false
	}
	return true
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// scanDurationPart walks number+designator pairs, enforcing designator
// order and the fraction-only-on-last rule within the part.
func scanDurationPart(part, order string) (count int, fracOnLast bool, err error) {
	i, orderPos := 0, 0
	for i < len(part) {
		start := i
		for i < len(part) && part[i] >= '0' && part[i] <= '9' {
			i++
		}
		if i == start {
			return 0, false, errors.New("expected digits")
		}
		hasFrac := false
		if i < len(part) && part[i] == '.' {
			i++
			fracStart := i
			for i < len(part) && part[i] >= '0' && part[i] <= '9' {
				i++
			}
			if i == fracStart {
				return 0, false, errors.New("empty fraction")
			}
			hasFrac = true
		}
		if i >= len(part) {
			return 0, false, errors.New("missing designator")
		}
		idx := strings.IndexByte(order[orderPos:], part[i])
		if idx < 0 {
			return 0, false, errors.New("designator out of order")
		}
		orderPos += idx + 1
		i++
		if fracOnLast {
			return 0, false, errors.New("fraction before final component")
		}
		fracOnLast = hasFrac
		count++
	}
	return count, fracOnLast, nil
}
