package xmpp

import (
	"fmt"
	"time"
)

// ParseDelay parses a delayed-delivery stamp. Both the current
// XEP-0203 form and the legacy "20060102T15:04:05" form are accepted;
// the legacy form is always UTC.
func ParseDelay(stamp string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, stamp); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("20060102T15:04:05", stamp); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid delay stamp %q", stamp)
}
