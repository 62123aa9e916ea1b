// Package textutil holds the text rules of the group: nick validation,
// display widths, command-line lexing and human durations.
package textutil

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/width"
)

// ValidationError is a user-facing rejection of a nick or address
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func invalid(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NickRules are the configurable parts of nick validation
type NickRules struct {
	MaxWidth       int
	AllowedSymbols string
}

// Width returns the rendered width of s; wide, fullwidth and ambiguous
// east-asian characters take two cells.
func Width(s string) int {
	n := 0
	for _, r := range s {
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth, width.EastAsianAmbiguous:
			n += 2
		default:
			n++
		}
	}
	return n
}

// ValidateNick checks an already trimmed nick
func (r NickRules) ValidateNick(nick string) error {
	if nick == "" {
		return invalid("no nickname provided")
	}
	if w := Width(nick); w > r.MaxWidth {
		return invalid("nickname too long (%d-character width), max is %d", w, r.MaxWidth)
	}
	for _, c := range nick {
		if nickRune(c) || strings.ContainsRune(r.AllowedSymbols, c) {
			continue
		}
		return invalid("nickname `%s' contains disallowed character: '%c'", nick, c)
	}
	return nil
}

// nickRune reports letters and digits of any script, except modifier and
// titlecase letters.
func nickRune(c rune) bool {
	if unicode.Is(unicode.Lm, c) || unicode.Is(unicode.Lt, c) {
		return false
	}
	return unicode.IsLetter(c) || unicode.IsNumber(c)
}

var reAddress = regexp.MustCompile(`^[^@/\s]+@(?:[\w-]+\.)+\w{2,}$`)

// ValidateAddress checks that s looks like a bare user address
func ValidateAddress(s string) error {
	if !reAddress.MatchString(s) {
		return invalid("wrong address format: %s", s)
	}
	return nil
}
