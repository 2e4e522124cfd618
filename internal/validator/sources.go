package validator

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pressly/goose/v3"
	"gopkg.in/yaml.v3"

	"mysql-backup-orchestrator/internal/sqlscript"
)

// Source discovers expected tables
type Source interface {
	Name() string
	Tables(ctx context.Context) ([]TableDef, error)
}

// Source names
const (
	SourceSchema     = "schema"
	SourceMigrations = "migrations"
	SourceLive       = "live"
)

// SchemaFileSource reads the declared application schema from a YAML file:
//
//	tables:
//	  - name: post_tags
//	    columns: [post_id, tag_id]
//	    foreign_keys:
//	      - {column: post_id, references: posts}
type SchemaFileSource struct {
	path string
}

// NewSchemaFileSource creates a source over the schema file at path
func NewSchemaFileSource(path string) *SchemaFileSource {
	return &SchemaFileSource{path: path}
}

func (s *SchemaFileSource) Name() string { return SourceSchema }

type schemaFile struct {
	Tables []TableDef `yaml:"tables"`
}

// Tables parses the schema file
func (s *SchemaFileSource) Tables(_ context.Context) ([]TableDef, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	var doc schemaFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse schema file %s: %w", s.path, err)
	}
	for i := range doc.Tables {
		if doc.Tables[i].Name == "" {
			return nil, fmt.Errorf("schema file %s: table %d has no name", s.path, i+1)
		}
		doc.Tables[i].Source = SourceSchema
	}
	return doc.Tables, nil
}

// MigrationSource replays the upgrade direction of SQL migrations in file
// order, tracking CREATE TABLE and DROP TABLE
type MigrationSource struct {
	dir string
}

// NewMigrationSource creates a source over a migrations directory
func NewMigrationSource(dir string) *MigrationSource {
	return &MigrationSource{dir: dir}
}

func (s *MigrationSource) Name() string { return SourceMigrations }

// Files returns the migration files in replay order: goose-style numeric
// versions first, by version, then anything else by name
func (s *MigrationSource) Files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	type migration struct {
		path    string
		version int64
		ok      bool
	}
	var found []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") || strings.HasSuffix(e.Name(), ".down.sql") {
			continue
		}
		v, err := goose.NumericComponent(e.Name())
		found = append(found, migration{path: filepath.Join(s.dir, e.Name()), version: v, ok: err == nil})
	}

	sort.SliceStable(found, func(i, j int) bool {
		a, b := found[i], found[j]
		if a.ok != b.ok {
			return a.ok
		}
		if a.ok && a.version != b.version {
			return a.version < b.version
		}
		return a.path < b.path
	})

	out := make([]string, len(found))
	for i, m := range found {
		out[i] = m.path
	}
	return out, nil
}

// Tables replays every migration and returns the tables that survive
func (s *MigrationSource) Tables(ctx context.Context) ([]TableDef, error) {
	files, err := s.Files()
	if err != nil {
		return nil, err
	}

	var order []string
	tables := make(map[string]TableDef)
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		up, err := upSection(path)
		if err != nil {
			return nil, err
		}
		for _, stmt := range sqlscript.Split(up) {
			if !stmt.Executable() {
				continue
			}
			info := sqlscript.Classify(stmt.Body)
			switch info.Kind {
			case sqlscript.KindCreateTable:
				def := tableDefFromCreate(info)
				key := strings.ToLower(def.Name)
				order = append(without(order, key), key)
				tables[key] = def
			case sqlscript.KindDropTable:
				for _, name := range info.TableNames() {
					key := strings.ToLower(name)
					delete(tables, key)
					order = without(order, key)
				}
			}
		}
	}

	out := make([]TableDef, 0, len(order))
	for _, key := range order {
		out = append(out, tables[key])
	}
	return out, nil
}

// without removes key from order
func without(order []string, key string) []string {
	for i, k := range order {
		if k == key {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

// upSection returns the upgrade half of a migration. Files without goose
// annotations are upgrade-only.
func upSection(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open migration %s: %w", path, err)
	}
	defer f.Close()

	var (
		b         strings.Builder
		annotated bool
		inUp      bool
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "-- +goose Up"):
			annotated, inUp = true, true
			continue
		case strings.HasPrefix(trimmed, "-- +goose Down"):
			annotated, inUp = true, false
			continue
		case strings.HasPrefix(trimmed, "-- +goose"):
			continue
		}
		if inUp || !annotated {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("failed to read migration %s: %w", path, err)
	}
	return b.String(), nil
}

var fkColumnPattern = regexp.MustCompile("(?i)FOREIGN\\s+KEY\\s*(?:`?\\w+`?\\s*)?\\(\\s*`?(\\w+)`?")

var definitionKeywords = map[string]bool{
	"PRIMARY": true, "KEY": true, "INDEX": true, "UNIQUE": true, "CONSTRAINT": true,
	"FOREIGN": true, "FULLTEXT": true, "SPATIAL": true, "CHECK": true,
}

func tableDefFromCreate(info sqlscript.Info) TableDef {
	def := TableDef{Name: info.Tables[0].Name, Source: SourceMigrations}
	span, ok := sqlscript.DefinitionList(info.Inner, info.Tables[0].End)
	if !ok {
		return def
	}
	body := info.Inner[span.Start:span.End]
	for _, item := range sqlscript.SplitTopLevel(body) {
		text := strings.TrimSpace(body[item.Start:item.End])
		if text == "" {
			continue
		}
		if target, ok := sqlscript.ForeignKeyTarget(text); ok {
			fk := ForeignKey{References: target}
			if m := fkColumnPattern.FindStringSubmatch(text); m != nil {
				fk.Column = m[1]
			}
			def.ForeignKeys = append(def.ForeignKeys, fk)
			continue
		}
		first := strings.Fields(text)[0]
		if definitionKeywords[strings.ToUpper(first)] {
			continue
		}
		def.Columns = append(def.Columns, strings.Trim(first, "`\""))
	}
	return def
}

// LiveSource introspects the connected schema through INFORMATION_SCHEMA
type LiveSource struct {
	db *sql.DB
}

// NewLiveSource creates a source over an open connection
func NewLiveSource(db *sql.DB) *LiveSource {
	return &LiveSource{db: db}
}

func (s *LiveSource) Name() string { return SourceLive }

// Tables lists base tables with their columns and foreign keys
func (s *LiveSource) Tables(ctx context.Context) ([]TableDef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT TABLE_NAME
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	var (
		order []string
		defs  = make(map[string]*TableDef)
	)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		order = append(order, name)
		defs[name] = &TableDef{Name: name, Source: SourceLive}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating table rows: %w", err)
	}
	rows.Close()

	colRows, err := s.db.QueryContext(ctx, `
		SELECT TABLE_NAME, COLUMN_NAME
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE()
		ORDER BY TABLE_NAME, ORDINAL_POSITION
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	for colRows.Next() {
		var table, column string
		if err := colRows.Scan(&table, &column); err != nil {
			colRows.Close()
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		if d, ok := defs[table]; ok {
			d.Columns = append(d.Columns, column)
		}
	}
	if err := colRows.Err(); err != nil {
		colRows.Close()
		return nil, fmt.Errorf("error iterating column rows: %w", err)
	}
	colRows.Close()

	fkRows, err := s.db.QueryContext(ctx, `
		SELECT TABLE_NAME, COLUMN_NAME, REFERENCED_TABLE_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = DATABASE() AND REFERENCED_TABLE_NAME IS NOT NULL
		ORDER BY TABLE_NAME, COLUMN_NAME
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query foreign keys: %w", err)
	}
	defer fkRows.Close()
	for fkRows.Next() {
		var table, column, referenced string
		if err := fkRows.Scan(&table, &column, &referenced); err != nil {
			return nil, fmt.Errorf("failed to scan foreign key: %w", err)
		}
		if d, ok := defs[table]; ok {
			d.ForeignKeys = append(d.ForeignKeys, ForeignKey{Column: column, References: referenced})
		}
	}
	if err := fkRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating foreign key rows: %w", err)
	}

	out := make([]TableDef, 0, len(order))
	for _, name := range order {
		out = append(out, *defs[name])
	}
	return out, nil
}
