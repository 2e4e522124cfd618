package validator

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"
	"strings"

	"mysql-backup-orchestrator/internal/config"
	apperrors "mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/logging"
	"mysql-backup-orchestrator/internal/sqlscript"
)

// Report is the result of checking a dump against the expected tables
type Report struct {
	Complete       bool                  `json:"complete"`
	Severity       Severity              `json:"severity"`
	MissingByTier  map[Tier][]string     `json:"missing_tables_by_tier"`
	Expected       []TableClassification `json:"expected"`
	Found          []string              `json:"found"`
	TablesWithData []string              `json:"tables_with_data"`
	Sources        []string              `json:"sources"`
}

// Missing returns every missing table across tiers in tier order
func (r *Report) Missing() []string {
	var out []string
	for _, tier := range Tiers {
		out = append(out, r.MissingByTier[tier]...)
	}
	return out
}

// Summary is a one-line description for job status messages
func (r *Report) Summary() string {
	if r.Complete {
		return fmt.Sprintf("dump contains all %d expected tables", len(r.Expected))
	}
	var parts []string
	for _, tier := range Tiers {
		if n := len(r.MissingByTier[tier]); n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, tier))
		}
	}
	return fmt.Sprintf("dump is missing tables (%s), severity %s: %s",
		strings.Join(parts, ", "), r.Severity, strings.Join(r.Missing(), ", "))
}

// Validator discovers expected tables and checks dumps against them
type Validator struct {
	sources    []Source
	live       Source
	classifier *Classifier
	logger     *logging.Logger
}

// Option configures a Validator
type Option func(*Validator)

// WithLiveSource adds live introspection, consulted after every other
// source to fill the tables they did not declare
func WithLiveSource(src Source) Option {
	return func(v *Validator) { v.live = src }
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// New creates a validator over sources in priority order. Each source only
// contributes tables the earlier sources did not know about.
func New(classifier *Classifier, sources []Source, opts ...Option) *Validator {
	v := &Validator{
		sources:    sources,
		classifier: classifier,
		logger:     logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ExpectedTables merges every source in priority order and classifies the
// result. A later source only adds tables the earlier ones did not declare.
func (v *Validator) ExpectedTables(ctx context.Context) ([]TableClassification, []string, error) {
	var (
		defs    []TableDef
		used    []string
		seen    = make(map[string]bool)
		lastErr error
	)

	merge := func(src Source) {
		found, err := src.Tables(ctx)
		if err != nil {
			v.logger.WithFields(map[string]interface{}{
				"source": src.Name(),
				"error":  err.Error(),
			}).Warn("Expected-table source failed, continuing with the rest")
			lastErr = err
			return
		}
		added := 0
		for _, d := range found {
			key := strings.ToLower(d.Name)
			if seen[key] {
				continue
			}
			seen[key] = true
			if d.Source == "" {
				d.Source = src.Name()
			}
			defs = append(defs, d)
			added++
		}
		if added > 0 {
			used = append(used, src.Name())
		}
	}

	for _, src := range v.sources {
		merge(src)
	}
	if v.live != nil {
		merge(v.live)
	}

	if len(defs) == 0 {
		if lastErr != nil {
			return nil, nil, apperrors.NewEnvironmentError("no expected-table source could be read", lastErr)
		}
		return nil, nil, apperrors.NewEnvironmentError("no expected tables discovered", nil)
	}
	return v.classifier.Classify(defs), used, nil
}

// DumpTables returns the tables a dump creates and the tables it inserts into
func DumpTables(dumpText string) (created, withData []string) {
	createdSet := make(map[string]bool)
	dataSet := make(map[string]bool)
	for _, stmt := range sqlscript.Split(dumpText) {
		if !stmt.Executable() {
			continue
		}
		info := sqlscript.Classify(stmt.Body)
		switch info.Kind {
		case sqlscript.KindCreateTable:
			createdSet[strings.ToLower(info.Tables[0].Name)] = true
		case sqlscript.KindInsert:
			dataSet[strings.ToLower(info.Tables[0].Name)] = true
		}
	}
	return sortedKeys(createdSet), sortedKeys(dataSet)
}

// Validate checks dumpText against the expected tables. A table counts as
// present when the dump creates it or inserts into it.
func (v *Validator) Validate(ctx context.Context, dumpText string) (*Report, error) {
	expected, used, err := v.ExpectedTables(ctx)
	if err != nil {
		return nil, err
	}

	created, withData := DumpTables(dumpText)
	present := make(map[string]bool, len(created)+len(withData))
	for _, t := range created {
		present[t] = true
	}
	for _, t := range withData {
		present[t] = true
	}

	report := &Report{
		Complete:       true,
		Severity:       SeverityNone,
		MissingByTier:  make(map[Tier][]string),
		Expected:       expected,
		Found:          sortedKeys(present),
		TablesWithData: withData,
		Sources:        used,
	}
	for _, tc := range expected {
		if present[strings.ToLower(tc.Name)] {
			continue
		}
		report.Complete = false
		report.MissingByTier[tc.Tier] = append(report.MissingByTier[tc.Tier], tc.Name)
		report.Severity = report.Severity.Max(SeverityFor(tc.Tier))
	}
	for tier := range report.MissingByTier {
		sort.Strings(report.MissingByTier[tier])
	}

	entry := v.logger.WithFields(map[string]interface{}{
		"expected": len(expected),
		"found":    len(report.Found),
		"severity": string(report.Severity),
	})
	if report.Complete {
		entry.Debug("Dump completeness check passed")
	} else {
		entry.WithField("missing", strings.Join(report.Missing(), ",")).Warn("Dump is missing expected tables")
	}
	return report, nil
}

// ValidateFile reads a dump from disk and validates it
func (v *Validator) ValidateFile(ctx context.Context, path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewIntegrityError(fmt.Sprintf("cannot read dump %s", path), err)
	}
	return v.Validate(ctx, string(data))
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// FromConfig wires the configured sources. db may be nil, in which case
// live introspection is unavailable.
func FromConfig(cfg config.ValidatorConfig, db *sql.DB, logger *logging.Logger) (*Validator, error) {
	classifier, err := NewClassifier(cfg.TierPatterns)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeValidation, "invalid tier patterns", err)
	}

	var sources []Source
	if cfg.SchemaFile != "" {
		sources = append(sources, NewSchemaFileSource(cfg.SchemaFile))
	}
	if cfg.MigrationsDir != "" {
		sources = append(sources, NewMigrationSource(cfg.MigrationsDir))
	}

	opts := []Option{WithLogger(logger)}
	if db != nil {
		opts = append(opts, WithLiveSource(NewLiveSource(db)))
	}
	return New(classifier, sources, opts...), nil
}
