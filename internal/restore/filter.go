// Package restore applies backup artifacts back onto the datastore. Dumps
// are rewritten so the job-tracking and credential tables survive, applied
// through an ordered list of strategies, and every status write goes
// through a bookkeeping session of its own.
package restore

import (
	"sort"
	"strings"

	"mysql-backup-orchestrator/internal/sqlscript"
)

// Filter strips statements that would touch protected tables. It is
// immutable after construction and safe for concurrent use.
type Filter struct {
	protected map[string]bool
}

// FilterStats counts what a filter pass removed or rewrote
type FilterStats struct {
	Dropped   int
	Rewritten int
	// Tables lists the protected tables the dump referenced
	Tables []string
}

// NewFilter creates a filter for the given table names, matched case-insensitively
func NewFilter(tables []string) *Filter {
	f := &Filter{protected: make(map[string]bool, len(tables))}
	for _, t := range tables {
		f.protected[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return f
}

// Protected reports whether name is in the protected set
func (f *Filter) Protected(name string) bool {
	return f.protected[strings.ToLower(name)]
}

// Apply rewrites script statement by statement. DROP, CREATE, INSERT, LOCK
// and ALTER statements targeting a protected table are removed; foreign
// keys in other tables that reference a protected table are cut out of
// their definitions. Every other statement is kept byte for byte.
func (f *Filter) Apply(script string) (string, FilterStats) {
	var (
		b       strings.Builder
		stats   FilterStats
		touched = map[string]bool{}
	)
	b.Grow(len(script))

	for _, stmt := range sqlscript.Split(script) {
		if !stmt.Executable() || len(f.protected) == 0 {
			b.WriteString(stmt.Raw)
			continue
		}

		body, keep := f.rewrite(stmt.Body, touched)
		switch {
		case !keep:
			stats.Dropped++
		case body != stmt.Body:
			stats.Rewritten++
			at := strings.Index(stmt.Raw, stmt.Body)
			b.WriteString(stmt.Raw[:at])
			b.WriteString(body)
			b.WriteString(stmt.Raw[at+len(stmt.Body):])
		default:
			b.WriteString(stmt.Raw)
		}
	}

	for t := range touched {
		stats.Tables = append(stats.Tables, t)
	}
	sort.Strings(stats.Tables)
	return b.String(), stats
}

// rewrite returns the statement body to emit and whether to emit it at all
func (f *Filter) rewrite(body string, touched map[string]bool) (string, bool) {
	info := sqlscript.Classify(body)

	switch info.Kind {
	case sqlscript.KindCreateTable:
		if f.hit(info.Tables[0].Name, touched) {
			return "", false
		}
		return f.stripCreateForeignKeys(body, info, touched), true

	case sqlscript.KindInsert:
		if f.hit(info.Tables[0].Name, touched) {
			return "", false
		}

	case sqlscript.KindDropTable, sqlscript.KindLockTables:
		return f.pruneList(body, info, touched)

	case sqlscript.KindAlterTable:
		if f.hit(info.Tables[0].Name, touched) {
			return "", false
		}
		return f.stripAlterForeignKeys(body, info, touched)
	}
	return body, true
}

func (f *Filter) hit(name string, touched map[string]bool) bool {
	if !f.Protected(name) {
		return false
	}
	touched[strings.ToLower(name)] = true
	return true
}

// pruneList drops protected entries from a DROP TABLE or LOCK TABLES list,
// and the whole statement when nothing else is left
func (f *Filter) pruneList(body string, info sqlscript.Info, touched map[string]bool) (string, bool) {
	if len(info.Tables) == 0 {
		return body, true
	}
	var kept []string
	for _, ref := range info.Tables {
		if f.hit(ref.Name, touched) {
			continue
		}
		kept = append(kept, info.Inner[ref.ListStart:ref.ListEnd])
	}
	switch len(kept) {
	case 0:
		return "", false
	case len(info.Tables):
		return body, true
	}

	first := info.Tables[0]
	last := info.Tables[len(info.Tables)-1]
	start := info.Offset + first.ListStart
	end := info.Offset + last.ListEnd
	return body[:start] + strings.Join(kept, ", ") + body[end:], true
}

// stripCreateForeignKeys removes FOREIGN KEY definitions referencing a
// protected table from a CREATE TABLE column list
func (f *Filter) stripCreateForeignKeys(body string, info sqlscript.Info, touched map[string]bool) string {
	span, ok := sqlscript.DefinitionList(info.Inner, info.Tables[0].End)
	if !ok {
		return body
	}
	defs := info.Inner[span.Start:span.End]
	rebuilt, changed, _ := f.dropForeignKeyItems(defs, touched)
	if !changed {
		return body
	}
	start, end := info.Offset+span.Start, info.Offset+span.End
	return body[:start] + rebuilt + body[end:]
}

// stripAlterForeignKeys removes ADD FOREIGN KEY clauses referencing a
// protected table, dropping the statement when no clause is left
func (f *Filter) stripAlterForeignKeys(body string, info sqlscript.Info, touched map[string]bool) (string, bool) {
	after := info.Tables[0].End
	clauses := info.Inner[after:]
	rebuilt, changed, remaining := f.dropForeignKeyItems(clauses, touched)
	if !changed {
		return body, true
	}
	if remaining == 0 {
		return "", false
	}
	start := info.Offset + after
	end := info.Offset + len(info.Inner)
	return body[:start] + rebuilt + body[end:], true
}

// dropForeignKeyItems splits list on top-level commas and removes items that
// are foreign keys onto protected tables. Surviving items keep their exact
// text; trailing whitespace of a removed final item is carried over so the
// closing parenthesis stays on its own line.
func (f *Filter) dropForeignKeyItems(list string, touched map[string]bool) (string, bool, int) {
	spans := sqlscript.SplitTopLevel(list)
	kept := make([]string, 0, len(spans))
	changed := false
	tail := ""
	for i, sp := range spans {
		item := list[sp.Start:sp.End]
		if target, ok := sqlscript.ForeignKeyTarget(item); ok && f.hit(target, touched) {
			changed = true
			if i == len(spans)-1 {
				tail = item[len(strings.TrimRight(item, " \t\r\n")):]
			}
			continue
		}
		kept = append(kept, item)
	}
	if !changed {
		return list, false, len(kept)
	}
	if len(kept) > 0 && tail != "" {
		last := strings.TrimRight(kept[len(kept)-1], " \t\r\n")
		kept[len(kept)-1] = last + tail
	}
	return strings.Join(kept, ","), true, len(kept)
}
