package textutil

import (
	"strings"
	"unicode"
)

// Lexer splits a command line into shell-like tokens. Single or double
// quotes group words, a backslash escapes the next character and an
// unmatched quote runs to the end of input.
type Lexer struct {
	in  []rune
	pos int
}

// NewLexer creates a lexer over s
func NewLexer(s string) *Lexer {
	return &Lexer{in: []rune(s)}
}

// Next returns the next token, or "" at end of input
func (l *Lexer) Next() string {
	var (
		tok     strings.Builder
		quote   rune
		escaped bool
	)
	for l.pos < len(l.in) {
		c := l.in[l.pos]
		l.pos++
		switch {
		case escaped:
			tok.WriteRune(c)
			escaped = false
		case quote != 0 && c == quote:
			return tok.String()
		case quote == 0 && (c == '\'' || c == '"'):
			quote = c
		case c == '\\':
			escaped = true
		case unicode.IsSpace(c):
			if quote != 0 {
				tok.WriteRune(c)
			} else if tok.Len() > 0 {
				return tok.String()
			}
		default:
			tok.WriteRune(c)
		}
	}
	return tok.String()
}

// Rest returns the unread input with leading space removed
func (l *Lexer) Rest() string {
	return strings.TrimLeftFunc(string(l.in[l.pos:]), unicode.IsSpace)
}

// SplitFirst returns the first token of s and the remainder of the line
func SplitFirst(s string) (string, string) {
	l := NewLexer(s)
	first := l.Next()
	return first, l.Rest()
}
