package sqlscript

import (
	"strings"
)

// Kind is the coarse statement category the engine cares about
type Kind int

const (
	KindOther Kind = iota
	KindCreateTable
	KindDropTable
	KindInsert
	KindLockTables
	KindUnlockTables
	KindAlterTable
)

func (k Kind) String() string {
	switch k {
	case KindCreateTable:
		return "CREATE TABLE"
	case KindDropTable:
		return "DROP TABLE"
	case KindInsert:
		return "INSERT"
	case KindLockTables:
		return "LOCK TABLES"
	case KindUnlockTables:
		return "UNLOCK TABLES"
	case KindAlterTable:
		return "ALTER TABLE"
	default:
		return "OTHER"
	}
}

// TableRef is a table named by a statement, with its byte span in the
// inspected text
type TableRef struct {
	Name       string
	Start, End int
	// ListStart and ListEnd span the whole list item (e.g. "`t` WRITE")
	ListStart, ListEnd int
}

// Info describes a classified statement
type Info struct {
	Kind   Kind
	Tables []TableRef
	// Offset is where the inspected SQL begins inside the body; non-zero
	// when the statement is wrapped in a conditional comment
	Offset int
	// Inner is the inspected SQL, the body itself or the conditional
	// comment's content
	Inner string
}

// TableNames returns just the names
func (in Info) TableNames() []string {
	out := make([]string, len(in.Tables))
	for i, t := range in.Tables {
		out[i] = t.Name
	}
	return out
}

// Classify inspects the leading keywords of a statement body
func Classify(body string) Info {
	inner, offset := unwrapConditional(body)
	info := Info{Kind: KindOther, Inner: inner, Offset: offset}
	sc := newScanner(inner)

	first := sc.word()
	switch first {
	case "CREATE":
		w := sc.word()
		if w == "TEMPORARY" {
			w = sc.word()
		}
		if w != "TABLE" {
			return info
		}
		sc.skipWords("IF", "NOT", "EXISTS")
		if ref, ok := sc.tableName(); ok {
			info.Kind = KindCreateTable
			info.Tables = []TableRef{ref}
		}

	case "DROP":
		w := sc.word()
		if w == "TEMPORARY" {
			w = sc.word()
		}
		if w != "TABLE" && w != "TABLES" {
			return info
		}
		sc.skipWords("IF", "EXISTS")
		info.Kind = KindDropTable
		info.Tables = sc.tableList(false)

	case "INSERT", "REPLACE":
		sc.skipWords("LOW_PRIORITY", "DELAYED", "HIGH_PRIORITY", "IGNORE", "INTO")
		if ref, ok := sc.tableName(); ok {
			info.Kind = KindInsert
			info.Tables = []TableRef{ref}
		}

	case "LOCK":
		if w := sc.word(); w != "TABLES" && w != "TABLE" {
			return info
		}
		info.Kind = KindLockTables
		info.Tables = sc.tableList(true)

	case "UNLOCK":
		if w := sc.word(); w == "TABLES" || w == "TABLE" {
			info.Kind = KindUnlockTables
		}

	case "ALTER":
		sc.skipWords("ONLINE", "IGNORE")
		if sc.word() != "TABLE" {
			return info
		}
		if ref, ok := sc.tableName(); ok {
			info.Kind = KindAlterTable
			info.Tables = []TableRef{ref}
		}
	}

	return info
}

// unwrapConditional strips a /*!NNNNN ... */ wrapper
func unwrapConditional(body string) (string, int) {
	if !strings.HasPrefix(body, "/*!") {
		return body, 0
	}
	start := 3
	for start < len(body) && body[start] >= '0' && body[start] <= '9' {
		start++
	}
	end := len(body)
	trimmed := strings.TrimRightFunc(body, isSpaceRune)
	if strings.HasSuffix(trimmed, "*/") {
		end = len(trimmed) - 2
	}
	if end < start {
		return body, 0
	}
	return body[start:end], start
}

// scanner walks identifiers and keywords lazily so huge INSERT bodies are
// never tokenized past their first few words
type scanner struct {
	s   string
	pos int
}

func newScanner(s string) *scanner {
	return &scanner{s: s}
}

func (sc *scanner) skipTrivia() {
	for sc.pos < len(sc.s) {
		c := sc.s[sc.pos]
		switch {
		case isSpace(c):
			sc.pos++
		case c == '#':
			sc.pos = skipLine(sc.s, sc.pos)
		case c == '-' && strings.HasPrefix(sc.s[sc.pos:], "--") && (sc.pos+2 >= len(sc.s) || isSpace(sc.s[sc.pos+2])):
			sc.pos = skipLine(sc.s, sc.pos)
		case c == '/' && strings.HasPrefix(sc.s[sc.pos:], "/*") && !strings.HasPrefix(sc.s[sc.pos:], "/*!"):
			sc.pos = skipBlockComment(sc.s, sc.pos)
		default:
			return
		}
	}
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

// word reads a bare keyword and returns it upper-cased, or "" when the next
// token is not a bare word
func (sc *scanner) word() string {
	sc.skipTrivia()
	start := sc.pos
	for sc.pos < len(sc.s) && isIdentByte(sc.s[sc.pos]) {
		sc.pos++
	}
	return strings.ToUpper(sc.s[start:sc.pos])
}

// peekWord returns the next bare word without consuming it
func (sc *scanner) peekWord() string {
	saved := sc.pos
	w := sc.word()
	sc.pos = saved
	return w
}

// skipWords consumes any of the given keywords, in any order
func (sc *scanner) skipWords(words ...string) {
	for {
		next := sc.peekWord()
		if next == "" {
			return
		}
		found := false
		for _, w := range words {
			if next == w {
				found = true
				break
			}
		}
		if !found {
			return
		}
		sc.word()
	}
}

// identifier reads one quoted or bare identifier
func (sc *scanner) identifier() (string, int, int, bool) {
	sc.skipTrivia()
	if sc.pos >= len(sc.s) {
		return "", 0, 0, false
	}
	start := sc.pos
	if sc.s[sc.pos] == '`' || sc.s[sc.pos] == '"' {
		q := sc.s[sc.pos]
		end := skipQuoted(sc.s, sc.pos)
		sc.pos = end
		raw := sc.s[start+1 : max(start+1, end-1)]
		return strings.ReplaceAll(raw, string([]byte{q, q}), string(q)), start, end, true
	}
	for sc.pos < len(sc.s) && isIdentByte(sc.s[sc.pos]) {
		sc.pos++
	}
	if sc.pos == start {
		return "", 0, 0, false
	}
	return sc.s[start:sc.pos], start, sc.pos, true
}

// tableName reads a possibly schema-qualified name and returns its last part
func (sc *scanner) tableName() (TableRef, bool) {
	name, start, end, ok := sc.identifier()
	if !ok {
		return TableRef{}, false
	}
	for sc.pos < len(sc.s) && sc.s[sc.pos] == '.' {
		sc.pos++
		next, _, nextEnd, ok := sc.identifier()
		if !ok {
			break
		}
		name, end = next, nextEnd
	}
	return TableRef{Name: name, Start: start, End: end, ListStart: start, ListEnd: end}, true
}

// tableList reads comma separated table names. With lockClauses, each name may
// be followed by an alias and a lock type, which are folded into the item span.
func (sc *scanner) tableList(lockClauses bool) []TableRef {
	var refs []TableRef
	for {
		ref, ok := sc.tableName()
		if !ok {
			return refs
		}
		if lockClauses {
			for {
				saved := sc.pos
				w := sc.word()
				if w == "" {
					sc.pos = saved
					if _, _, _, ok := sc.peekQuoted(); ok {
						sc.identifier()
						continue
					}
					sc.pos = saved
					break
				}
			}
		}
		ref.ListEnd = sc.pos
		refs = append(refs, ref)

		sc.skipTrivia()
		if sc.pos >= len(sc.s) || sc.s[sc.pos] != ',' {
			return refs
		}
		sc.pos++
	}
}

func (sc *scanner) peekQuoted() (string, int, int, bool) {
	sc.skipTrivia()
	if sc.pos < len(sc.s) && sc.s[sc.pos] == '`' {
		saved := sc.pos
		name, s, e, ok := sc.identifier()
		sc.pos = saved
		return name, s, e, ok
	}
	return "", 0, 0, false
}

// Span is a half-open byte range
type Span struct {
	Start, End int
}

// SplitTopLevel splits s on commas that are outside parentheses, quotes and
// comments
func SplitTopLevel(s string) []Span {
	var spans []Span
	depth, start := 0, 0
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			i = skipQuoted(s, i)
			continue
		case c == '/' && strings.HasPrefix(s[i:], "/*"):
			i = skipBlockComment(s, i)
			continue
		case c == '#' || (c == '-' && strings.HasPrefix(s[i:], "--") && (i+2 >= len(s) || isSpace(s[i+2]))):
			i = skipLine(s, i)
			continue
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == ',' && depth == 0:
			spans = append(spans, Span{start, i})
			start = i + 1
		}
		i++
	}
	return append(spans, Span{start, len(s)})
}

// DefinitionList locates the parenthesized column/constraint list of a
// CREATE TABLE, returning the span strictly inside the parentheses
func DefinitionList(inner string, after int) (Span, bool) {
	open := -1
	for i := after; i < len(inner); {
		c := inner[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			i = skipQuoted(inner, i)
			continue
		case c == '/' && strings.HasPrefix(inner[i:], "/*"):
			i = skipBlockComment(inner, i)
			continue
		case c == '(':
			open = i
		}
		if open >= 0 {
			break
		}
		i++
	}
	if open < 0 {
		return Span{}, false
	}

	depth := 0
	for i := open; i < len(inner); {
		c := inner[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			i = skipQuoted(inner, i)
			continue
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return Span{open + 1, i}, true
			}
		}
		i++
	}
	return Span{}, false
}

// ForeignKeyTarget reports the table referenced by a FOREIGN KEY definition
// or ADD [CONSTRAINT] FOREIGN KEY clause
func ForeignKeyTarget(item string) (string, bool) {
	sc := newScanner(item)
	w := sc.word()
	if w == "ADD" {
		w = sc.word()
	}
	if w == "CONSTRAINT" {
		if next := sc.peekWord(); next != "FOREIGN" {
			sc.identifier()
		}
		w = sc.word()
	}
	if w != "FOREIGN" || sc.word() != "KEY" {
		return "", false
	}

	// optional index name, then the column list
	for sc.pos < len(sc.s) {
		sc.skipTrivia()
		if sc.pos < len(sc.s) && sc.s[sc.pos] == '(' {
			break
		}
		if _, _, _, ok := sc.identifier(); !ok {
			return "", false
		}
	}
	depth := 0
	for sc.pos < len(sc.s) {
		c := sc.s[sc.pos]
		if c == '`' || c == '\'' || c == '"' {
			sc.pos = skipQuoted(sc.s, sc.pos)
			continue
		}
		sc.pos++
		if c == '(' {
			depth++
		} else if c == ')' {
			depth--
			if depth == 0 {
				break
			}
		}
	}
	if sc.word() != "REFERENCES" {
		return "", false
	}
	ref, ok := sc.tableName()
	if !ok {
		return "", false
	}
	return ref.Name, true
}

// ReferencedTables returns every table named after REFERENCES inside a
// definition list, used to derive dependencies
func ReferencedTables(definitions string) []string {
	var out []string
	for _, sp := range SplitTopLevel(definitions) {
		if name, ok := ForeignKeyTarget(definitions[sp.Start:sp.End]); ok {
			out = append(out, name)
		}
	}
	return out
}
