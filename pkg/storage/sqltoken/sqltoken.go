// Package sqltoken tokenizes SQL text so that statements can be edited and
// placeholders rebound without miscounting a "?" that sits inside a string
// literal or a comment.
//
// The scanner recognizes whitespace, identifiers, numeric literals,
// single-quoted strings (with doubled '' as escape), line comments "--",
// block comments "/* */", "?" placeholders and "$n" placeholders. Editing
// operations work on the token stream, never on raw text.
package sqltoken

import (
	"fmt"
	"strings"
)

// Kind is the lexical class of a token.
type Kind int

const (
	// Whitespace is any run of space characters.
	Whitespace Kind = iota

	// Ident is an identifier or keyword.
	Ident

	// Number is a numeric literal.
	Number

	// String is a single-quoted literal including its quotes.
	String

	// LineComment is a "--" comment up to (not including) the newline.
	LineComment

	// BlockComment is a "/* */" comment including its delimiters.
	BlockComment

	// Placeholder is "?" or "$n".
	Placeholder

	// Other is any remaining punctuation or operator run.
	Other
)

// Token is one lexical unit of the input.
type Token struct {
	Kind Kind
	Text string
}

// Tokenize splits sql into tokens. The concatenation of all token texts is
// exactly the input; unterminated strings and comments extend to the end.
func Tokenize(sql string) []Token {
	var toks []Token
	i := 0
	n := len(sql)
	for i < n {
		c := sql[i]
		switch {
		case isSpace(c):
			j := i
			for j < n && isSpace(sql[j]) {
				j++
			}
			toks = append(toks, Token{Whitespace, sql[i:j]})
			i = j
		case c == '\'':
			j := i + 1
			for j < n {
				if sql[j] == '\'' {
					// Doubled quote escapes; stay inside the literal.
					if j+1 < n && sql[j+1] == '\'' {
						j += 2
						continue
					}
					j++
					break
				}
				j++
			}
			toks = append(toks, Token{String, sql[i:j]})
			i = j
		case c == '-' && i+1 < n && sql[i+1] == '-':
			j := i + 2
			for j < n && sql[j] != '\n' {
				j++
			}
			toks = append(toks, Token{LineComment, sql[i:j]})
			i = j
		case c == '/' && i+1 < n && sql[i+1] == '*':
			j := i + 2
			for j+1 < n && !(sql[j] == '*' && sql[j+1] == '/') {
				j++
			}
			if j+1 < n {
				j += 2
			} else {
				j = n
			}
			toks = append(toks, Token{BlockComment, sql[i:j]})
			i = j
		case c == '?':
			toks = append(toks, Token{Placeholder, "?"})
			i++
		case c == '$' && i+1 < n && isDigit(sql[i+1]):
			j := i + 1
			for j < n && isDigit(sql[j]) {
				j++
			}
			toks = append(toks, Token{Placeholder, sql[i:j]})
			i = j
		case isIdentStart(c):
			j := i
			for j < n && isIdentPart(sql[j]) {
				j++
			}
			toks = append(toks, Token{Ident, sql[i:j]})
			i = j
		case isDigit(c):
			j := i
			for j < n && (isDigit(sql[j]) || sql[j] == '.') {
				j++
			}
			toks = append(toks, Token{Number, sql[i:j]})
			i = j
		default:
			toks = append(toks, Token{Other, sql[i : i+1]})
			i++
		}
	}
	return toks
}

// CountPlaceholders counts parameter placeholders, ignoring any "?" or "$n"
// inside string literals and comments.
func CountPlaceholders(sql string) int {
	count := 0
	for _, t := range Tokenize(sql) {
		if t.Kind == Placeholder {
			count++
		}
	}
	return count
}

// Rebind rewrites "?" placeholders into "$1..$n". Placeholders already in
// "$n" form are renumbered in order of appearance so a statement that mixes
// styles still binds left to right.
func Rebind(sql string) string {
	var b strings.Builder
	b.Grow(len(sql) + 8)
	arg := 0
	for _, t := range Tokenize(sql) {
		if t.Kind == Placeholder {
			arg++
			fmt.Fprintf(&b, "$%d", arg)
			continue
		}
		b.WriteString(t.Text)
	}
	return b.String()
}

// AppendCondition appends " and <cond>" to sql, placing the condition before
// any trailing ORDER BY / LIMIT / OFFSET clause so that the appended
// placeholders still bind after the existing ones.
func AppendCondition(sql, cond string) string {
	toks := Tokenize(sql)
	// Find the first top-level ORDER/LIMIT/OFFSET identifier, scanning
	// tokens so keywords inside literals or comments are not matched.
	cut := -1
	depth := 0
	for idx, t := range toks {
		switch t.Kind {
		case Other:
			switch t.Text {
			case "(":
				depth++
			case ")":
				depth--
			}
		case Ident:
			if depth == 0 {
				switch strings.ToUpper(t.Text) {
				case "ORDER", "LIMIT", "OFFSET":
					cut = idx
				}
			}
		}
		if cut >= 0 {
			break
		}
	}
	if cut < 0 {
		return strings.TrimRight(sql, " \t\n") + " and " + cond
	}
	var head, tail strings.Builder
	for idx, t := range toks {
		if idx < cut {
			head.WriteString(t.Text)
		} else {
			tail.WriteString(t.Text)
		}
	}
	return strings.TrimRight(head.String(), " \t\n") + " and " + cond + " " + tail.String()
}

// ExpandTables substitutes {name} markers with concrete table names. Markers
// inside string literals and comments are left untouched.
func ExpandTables(sql string, names map[string]string) string {
	var b strings.Builder
	b.Grow(len(sql))
	var run strings.Builder
	flush := func() {
		if run.Len() > 0 {
			b.WriteString(expandMarkers(run.String(), names))
			run.Reset()
		}
	}
	for _, t := range Tokenize(sql) {
		if t.Kind == String || t.Kind == LineComment || t.Kind == BlockComment {
			flush()
			b.WriteString(t.Text)
			continue
		}
		run.WriteString(t.Text)
	}
	flush()
	return b.String()
}

func expandMarkers(s string, names map[string]string) string {
	if !strings.Contains(s, "{") {
		return s
	}
	out := s
	for marker, name := range names {
		out = strings.ReplaceAll(out, "{"+marker+"}", name)
	}
	return out
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}
