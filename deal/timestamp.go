package deal

import (
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the wire format of deal timeline fields.
const TimestampLayout = "2006/01/02-15:04:05"

// AbsentValue is the wire sentinel for a timeline stage that was explicitly
// skipped. Predicates treat it exactly like a missing field.
const AbsentValue = "--"

var timestampParseLayouts = []string{
	TimestampLayout,
	"2006/01/02-15:04:05.000",
	time.RFC3339Nano,
}

// Timestamp is a timeline instant, or the explicit absent marker.
type Timestamp struct {
	t      time.Time
	absent bool
}

// At returns a Timestamp for t truncated to whole seconds.
func At(t time.Time) *Timestamp {
	return &Timestamp{t: t.Truncate(time.Second)}
}

// Absent returns the explicit absent marker.
func Absent() *Timestamp {
	return &Timestamp{absent: true}
}

// ParseTimestamp parses a wire value. AbsentValue yields the absent marker.
func ParseTimestamp(value string) (*Timestamp, error) {
	value = strings.TrimSpace(value)
	if value == AbsentValue {
		return Absent(), nil
	}
	for _, layout := range timestampParseLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return At(t), nil
		}
	}
	return nil, fmt.Errorf("deal: invalid timestamp %q", value)
}

// IsSet reports whether ts holds a real instant.
func (ts *Timestamp) IsSet() bool {
	return ts != nil && !ts.absent
}

// IsAbsent reports whether ts is the explicit absent marker.
func (ts *Timestamp) IsAbsent() bool {
	return ts != nil && ts.absent
}

// Time returns the instant, or the zero time when not set.
func (ts *Timestamp) Time() time.Time {
	if !ts.IsSet() {
		return time.Time{}
	}
	return ts.t
}

func (ts *Timestamp) String() string {
	switch {
	case ts == nil:
		return ""
	case ts.absent:
		return AbsentValue
	default:
		return ts.t.Format(TimestampLayout)
	}
}

// MarshalText encodes ts in TimestampLayout or as AbsentValue.
func (ts Timestamp) MarshalText() ([]byte, error) {
	return []byte(ts.String()), nil
}

// UnmarshalText decodes TimestampLayout values and AbsentValue.
func (ts *Timestamp) UnmarshalText(data []byte) error {
	parsed, err := ParseTimestamp(string(data))
	if err != nil {
		return err
	}
	*ts = *parsed
	return nil
}

// Equal reports whether two timestamps carry the same value.
func (ts *Timestamp) Equal(other *Timestamp) bool {
	if ts == nil || other == nil {
		return ts == nil && other == nil
	}
	if ts.absent || other.absent {
		return ts.absent == other.absent
	}
	return ts.t.Equal(other.t)
}
