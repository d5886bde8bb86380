package xapi

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

// millisLayout is the emission format: UTC, exactly three fractional
// digits. Inputs are accepted at any RFC 3339 precision and offset.
const millisLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp is an RFC 3339 instant. It parses leniently (any precision,
// any offset except the forbidden -00:00) and always marshals as UTC with
// millisecond precision.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps a time.Time.
func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{Time: t}
}

// ParseTimestamp parses an RFC 3339 string under xAPI rules.
func ParseTimestamp(s string) (Timestamp, error) {
	// RFC 3339 reserves -00:00 for "offset unknown"; senders must use Z.
	if strings.HasSuffix(s, "-00:00") {
		return Timestamp{}, lrserr.Validation(lrserr.CodeBadStatement, "timestamp %q uses the forbidden -00:00 offset", s)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return Timestamp{}, lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadStatement, err, "timestamp %q is not RFC 3339", s)
	}
	return Timestamp{Time: t}, nil
}

func (t *Timestamp) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadStatement, err, "timestamp must be a JSON string")
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(millisLayout))
}

// String renders the canonical emission form.
func (t Timestamp) String() string {
	return t.UTC().Format(millisLayout)
}
