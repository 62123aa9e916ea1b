package textutil

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrBadDuration = errors.New("bad time period")

	reDuration = regexp.MustCompile(`^(\d+)([smhd]?)`)
	reSince    = regexp.MustCompile(`^\+(\d+-\d+ )?(\d+:\d+)$`)
)

var unitSeconds = map[string]int64{
	"":  1,
	"s": 1,
	"m": 60,
	"h": 3600,
	"d": 86400,
}

// maxSeconds keeps durations inside time.Duration
const maxSeconds = int64(1<<63-1) / int64(time.Second)

// ParseDuration converts periods like 3s, 5d, 1h30m or 6m. A bare number
// counts seconds.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, ErrBadDuration
	}
	var total int64
	for rest := s; rest != ""; {
		m := reDuration.FindStringSubmatch(rest)
		if m == nil {
			return 0, fmt.Errorf("%w: %s", ErrBadDuration, s)
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || n > maxSeconds/unitSeconds[m[2]] {
			return 0, fmt.Errorf("%w: %s is too long", ErrBadDuration, s)
		}
		total += n * unitSeconds[m[2]]
		if total > maxSeconds {
			return 0, fmt.Errorf("%w: %s is too long", ErrBadDuration, s)
		}
		rest = rest[len(m[0]):]
	}
	return time.Duration(total) * time.Second, nil
}

// FormatDuration renders d in days, hours, minutes and seconds, dropping
// zero parts.
func FormatDuration(d time.Duration) string {
	secs := int64(d.Round(time.Second) / time.Second)
	if secs <= 0 {
		return "0 seconds"
	}
	var parts []string
	for _, u := range []struct {
		size int64
		name string
	}{
		{86400, "day"},
		{3600, "hour"},
		{60, "minute"},
		{1, "second"},
	} {
		n := secs / u.size
		secs %= u.size
		if n == 0 {
			continue
		}
		if n == 1 {
			parts = append(parts, fmt.Sprintf("%d %s", n, u.name))
		} else {
			parts = append(parts, fmt.Sprintf("%d %ss", n, u.name))
		}
	}
	return strings.Join(parts, " ")
}

// Since parses "+HH:MM" (today) or "+MM-DD HH:MM" (this year) as a wall
// time in loc and returns the most recent matching instant not after now.
func Since(s string, now time.Time, loc *time.Location) (time.Time, error) {
	m := reSince.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, ErrBadDuration
	}
	local := now.In(loc)

	var (
		t   time.Time
		err error
	)
	if m[1] == "" {
		t, err = time.ParseInLocation("2006-01-02 15:04", local.Format("2006-01-02 ")+m[2], loc)
	} else {
		t, err = time.ParseInLocation("2006-1-2 15:04", local.Format("2006-")+m[1]+m[2], loc)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", ErrBadDuration, s)
	}

	if t.After(now) {
		if m[1] == "" {
			t = t.AddDate(0, 0, -1)
		} else {
			t = t.AddDate(-1, 0, 0)
		}
	}
	return t, nil
}
