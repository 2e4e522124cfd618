package display

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// OutputFormat represents different output format options
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

// ParseFormat accepts a --output flag value
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON, FormatYAML:
		return OutputFormat(s), nil
	default:
		return "", fmt.Errorf("unsupported output format %q (want table, json or yaml)", s)
	}
}

// Encode writes v as JSON or YAML
func Encode(w io.Writer, format OutputFormat, v interface{}) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("format %s has no structured encoding", format)
	}
}

// Bytes renders a byte count, "-" for zero
func Bytes(n int64) string {
	if n <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n))
}

// Age renders t relative to now, "-" for nil
func Age(t *time.Time, now time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return humanize.RelTime(*t, now, "ago", "from now")
}

// Elapsed renders the time between two points, "-" when either is missing
func Elapsed(from, to *time.Time) string {
	if from == nil || to == nil {
		return "-"
	}
	return to.Sub(*from).Round(time.Second).String()
}

// Shorten cuts a checksum or id to n characters
func Shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
