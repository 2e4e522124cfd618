// Package sqlscript splits MySQL dump scripts into statements and classifies
// them without a full SQL parser. Splitting is lossless: concatenating the Raw
// text of every statement reproduces the input byte for byte.
package sqlscript

import (
	"strings"
)

// Statement is one segment of a script
type Statement struct {
	// Raw is the exact source text: leading whitespace and comments, the SQL,
	// the delimiter and the rest of that line
	Raw string
	// Body is the SQL without leading trivia or the trailing delimiter
	Body string
	// Delimiter is the delimiter in force when the statement ended
	Delimiter string
	// Directive marks a client-side DELIMITER line
	Directive bool
}

// Executable reports whether the statement should be sent to a server
func (s Statement) Executable() bool {
	return !s.Directive && strings.TrimSpace(s.Body) != ""
}

// Split breaks a script into statements honoring quotes, comments, MySQL
// conditional comments and DELIMITER directives
func Split(script string) []Statement {
	var (
		out       []Statement
		delimiter = ";"
		segStart  = 0
		bodyStart = -1
		i         = 0
		n         = len(script)
	)

	for i < n {
		c := script[i]

		if bodyStart < 0 {
			if isSpace(c) {
				i++
				continue
			}
			if isDelimiterDirective(script[i:]) {
				eol := lineEnd(script, i)
				line := strings.TrimSpace(script[i:eol])
				fields := strings.Fields(line)
				out = append(out, Statement{
					Raw:       script[segStart:eol],
					Body:      line,
					Delimiter: delimiter,
					Directive: true,
				})
				if len(fields) > 1 {
					delimiter = fields[1]
				}
				segStart = eol
				i = eol
				continue
			}
		}

		switch {
		case c == '-' && strings.HasPrefix(script[i:], "--") && (i+2 >= n || isSpace(script[i+2])):
			i = skipLine(script, i)
			continue
		case c == '#':
			i = skipLine(script, i)
			continue
		case c == '/' && strings.HasPrefix(script[i:], "/*!"):
			if bodyStart < 0 {
				bodyStart = i
			}
			i = skipBlockComment(script, i)
			continue
		case c == '/' && strings.HasPrefix(script[i:], "/*"):
			i = skipBlockComment(script, i)
			continue
		case c == '\'' || c == '"' || c == '`':
			if bodyStart < 0 {
				bodyStart = i
			}
			i = skipQuoted(script, i)
			continue
		}

		if strings.HasPrefix(script[i:], delimiter) {
			end := i + len(delimiter)
			if bodyStart < 0 {
				// a stray delimiter with no SQL becomes leading trivia
				i = end
				continue
			}
			end = absorbLineTail(script, end)
			out = append(out, Statement{
				Raw:       script[segStart:end],
				Body:      strings.TrimRightFunc(script[bodyStart:i], isSpaceRune),
				Delimiter: delimiter,
			})
			segStart = end
			bodyStart = -1
			i = end
			continue
		}

		if bodyStart < 0 {
			bodyStart = i
		}
		i++
	}

	if segStart < n {
		stmt := Statement{Raw: script[segStart:], Delimiter: delimiter}
		if bodyStart >= 0 {
			stmt.Body = strings.TrimRightFunc(script[bodyStart:], isSpaceRune)
		}
		out = append(out, stmt)
	}

	return out
}

// Join reassembles statements into a script
func Join(stmts []Statement) string {
	var b strings.Builder
	for _, s := range stmts {
		b.WriteString(s.Raw)
	}
	return b.String()
}

// Bodies returns the executable SQL of each statement, in order
func Bodies(stmts []Statement) []string {
	out := make([]string, 0, len(stmts))
	for _, s := range stmts {
		if s.Executable() {
			out = append(out, s.Body)
		}
	}
	return out
}

func isDelimiterDirective(s string) bool {
	const kw = "DELIMITER"
	if len(s) <= len(kw) || !strings.EqualFold(s[:len(kw)], kw) {
		return false
	}
	return s[len(kw)] == ' ' || s[len(kw)] == '\t'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isSpaceRune(r rune) bool {
	return r < 0x80 && isSpace(byte(r))
}

// lineEnd returns the index just past the newline ending the line at i
func lineEnd(s string, i int) int {
	if j := strings.IndexByte(s[i:], '\n'); j >= 0 {
		return i + j + 1
	}
	return len(s)
}

func skipLine(s string, i int) int {
	return lineEnd(s, i)
}

func skipBlockComment(s string, i int) int {
	if j := strings.Index(s[i+2:], "*/"); j >= 0 {
		return i + 2 + j + 2
	}
	return len(s)
}

// skipQuoted returns the index just past the closing quote. Backslash escapes
// apply inside ' and " strings; a doubled quote character is a literal quote.
func skipQuoted(s string, i int) int {
	q := s[i]
	j := i + 1
	for j < len(s) {
		switch s[j] {
		case '\\':
			if q != '`' {
				j += 2
				continue
			}
		case q:
			if j+1 < len(s) && s[j+1] == q {
				j += 2
				continue
			}
			return j + 1
		}
		j++
	}
	return len(s)
}

// absorbLineTail extends end over trailing blanks and one newline
func absorbLineTail(s string, end int) int {
	j := end
	for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\r') {
		j++
	}
	if j < len(s) && s[j] == '\n' {
		return j + 1
	}
	if j == len(s) {
		return j
	}
	return end
}
