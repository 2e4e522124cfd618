// Package validator decides whether a dump contains every table the
// platform expects, and how bad it is when it does not.
package validator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Tier ranks how much a missing table matters
type Tier string

const (
	TierCritical     Tier = "critical"
	TierImportant    Tier = "important"
	TierSystem       Tier = "system"
	TierRelationship Tier = "relationship"
	TierOptional     Tier = "optional"
)

// Tiers in descending importance
var Tiers = []Tier{TierCritical, TierImportant, TierSystem, TierRelationship, TierOptional}

// Severity is the verdict of a completeness check
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityNone:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Blocking reports whether a restore must refuse at this severity
func (s Severity) Blocking() bool {
	return s == SeverityCritical || s == SeverityHigh
}

// Max returns the more severe of s and other
func (s Severity) Max(other Severity) Severity {
	if severityRank[other] > severityRank[s] {
		return other
	}
	return s
}

// SeverityFor maps a tier with missing tables to a severity
func SeverityFor(tier Tier) Severity {
	switch tier {
	case TierCritical:
		return SeverityCritical
	case TierImportant:
		return SeverityHigh
	case TierSystem, TierRelationship:
		return SeverityMedium
	case TierOptional:
		return SeverityLow
	default:
		return SeverityHigh
	}
}

// DefaultTierPatterns assign tiers by table name. Unmatched names are
// important unless the junction heuristic marks them as relationships.
var DefaultTierPatterns = map[Tier][]string{
	TierCritical: {
		`^users?$`, `^posts?$`, `^pages?$`, `^categor(y|ies)$`, `^settings?$`, `^roles?$`,
	},
	TierSystem: {
		`^audit_`, `_logs?$`, `^sessions?$`, `^migrations?$`, `^goose_db_version$`,
		`^alembic_version$`, `^(backup|restore)_`, `^cache_`, `^jobs?$`,
	},
	TierOptional: {
		`_stats?$`, `_statistics$`, `_metrics$`, `_analytics$`, `_counts?$`, `^search_`,
	},
}

// TableClassification is an expected table with its tier
type TableClassification struct {
	Name         string   `json:"name"`
	Tier         Tier     `json:"tier"`
	Dependencies []string `json:"dependencies,omitempty"`
	Source       string   `json:"source"`
	Junction     bool     `json:"junction,omitempty"`
}

// Classifier assigns tiers by name pattern
type Classifier struct {
	patterns map[Tier][]*regexp.Regexp
}

// NewClassifier compiles patterns. Tiers absent from patterns fall back to
// DefaultTierPatterns.
func NewClassifier(patterns map[string][]string) (*Classifier, error) {
	c := &Classifier{patterns: make(map[Tier][]*regexp.Regexp)}

	merged := make(map[Tier][]string)
	for tier, list := range DefaultTierPatterns {
		merged[tier] = list
	}
	for name, list := range patterns {
		tier := Tier(strings.ToLower(name))
		if !isTier(tier) {
			return nil, fmt.Errorf("unknown tier %q in tier patterns", name)
		}
		merged[tier] = list
	}

	for tier, list := range merged {
		for _, p := range list {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("invalid %s tier pattern %q: %w", tier, p, err)
			}
			c.patterns[tier] = append(c.patterns[tier], re)
		}
	}
	return c, nil
}

func isTier(t Tier) bool {
	for _, known := range Tiers {
		if t == known {
			return true
		}
	}
	return false
}

// Match returns the first tier, in descending importance, whose pattern
// matches name
func (c *Classifier) Match(name string) (Tier, bool) {
	lower := strings.ToLower(name)
	for _, tier := range Tiers {
		for _, re := range c.patterns[tier] {
			if re.MatchString(lower) {
				return tier, true
			}
		}
	}
	return "", false
}

// Classify assigns a tier to every table in defs. Explicit pattern matches
// win; otherwise junction tables become relationships and the rest are
// important.
func (c *Classifier) Classify(defs []TableDef) []TableClassification {
	known := make(map[string]bool, len(defs))
	for _, d := range defs {
		known[strings.ToLower(d.Name)] = true
	}

	out := make([]TableClassification, 0, len(defs))
	for _, d := range defs {
		tc := TableClassification{
			Name:         d.Name,
			Dependencies: d.References(),
			Source:       d.Source,
		}
		tc.Junction = d.isJunction(known)

		if tier, ok := c.Match(d.Name); ok {
			tc.Tier = tier
		} else if tc.Junction {
			tc.Tier = TierRelationship
		} else {
			tc.Tier = TierImportant
		}
		out = append(out, tc)
	}
	return out
}

// TableDef is a table as described by one discovery source
type TableDef struct {
	Name        string       `yaml:"name"`
	Columns     []string     `yaml:"columns,omitempty"`
	ForeignKeys []ForeignKey `yaml:"foreign_keys,omitempty"`
	Source      string       `yaml:"-"`
}

// ForeignKey is one column referencing another table
type ForeignKey struct {
	Column     string `yaml:"column"`
	References string `yaml:"references"`
}

// References lists distinct referenced tables in sorted order
func (d TableDef) References() []string {
	seen := make(map[string]bool)
	var refs []string
	for _, fk := range d.ForeignKeys {
		if fk.References == "" || seen[fk.References] {
			continue
		}
		seen[fk.References] = true
		refs = append(refs, fk.References)
	}
	sort.Strings(refs)
	return refs
}

// isJunction is true for tables that are mostly foreign keys, or whose
// two-segment snake_case name joins two known tables
func (d TableDef) isJunction(known map[string]bool) bool {
	if len(d.Columns) > 0 && len(d.ForeignKeys) >= 2 {
		fkCols := make(map[string]bool)
		for _, fk := range d.ForeignKeys {
			fkCols[strings.ToLower(fk.Column)] = true
		}
		payload := 0
		for _, col := range d.Columns {
			lc := strings.ToLower(col)
			if fkCols[lc] || lc == "id" || lc == "created_at" || lc == "updated_at" {
				continue
			}
			payload++
		}
		if payload <= len(fkCols)/2 {
			return true
		}
	}

	parts := strings.Split(strings.ToLower(d.Name), "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return false
	}
	return knownEntity(parts[0], known) && knownEntity(parts[1], known)
}

func knownEntity(segment string, known map[string]bool) bool {
	candidates := []string{segment, segment + "s", segment + "es"}
	if strings.HasSuffix(segment, "y") {
		candidates = append(candidates, strings.TrimSuffix(segment, "y")+"ies")
	}
	if strings.HasSuffix(segment, "s") {
		candidates = append(candidates, strings.TrimSuffix(segment, "s"))
	}
	for _, c := range candidates {
		if known[c] {
			return true
		}
	}
	return false
}
