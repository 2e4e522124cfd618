// Package display renders job listings, reports and status lines for the
// command line.
package display

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"

	"mysql-backup-orchestrator/internal/jobs"
)

// Color names a terminal color role
type Color int

const (
	ColorNone Color = iota
	ColorPrimary
	ColorSuccess
	ColorWarning
	ColorError
	ColorInfo
	ColorMuted
)

// Palette applies colors when the output supports them
type Palette struct {
	enabled bool
	colors  map[Color]*color.Color
}

// NewPalette creates a palette for w. Colors are off for anything but a
// color-capable terminal, and when NO_COLOR is set.
func NewPalette(w io.Writer, enabled bool) *Palette {
	p := &Palette{enabled: enabled && supportsColor(w)}
	p.colors = map[Color]*color.Color{
		ColorPrimary: color.New(color.FgHiBlue, color.Bold),
		ColorSuccess: color.New(color.FgGreen),
		ColorWarning: color.New(color.FgYellow),
		ColorError:   color.New(color.FgRed, color.Bold),
		ColorInfo:    color.New(color.FgCyan),
		ColorMuted:   color.New(color.FgHiBlack),
	}
	for _, c := range p.colors {
		if p.enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// PlainPalette never colors
func PlainPalette() *Palette {
	return &Palette{colors: map[Color]*color.Color{}}
}

func supportsColor(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return false
	}
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	return termenv.NewOutput(f).EnvColorProfile() != termenv.Ascii
}

// Enabled reports whether the palette emits escape codes
func (p *Palette) Enabled() bool { return p.enabled }

// Sprint colors text
func (p *Palette) Sprint(c Color, text string) string {
	if !p.enabled {
		return text
	}
	if fn, ok := p.colors[c]; ok {
		return fn.Sprint(text)
	}
	return text
}

// Sprintf formats and colors text
func (p *Palette) Sprintf(c Color, format string, args ...interface{}) string {
	return p.Sprint(c, fmt.Sprintf(format, args...))
}

// StatusColor is the color a job status is shown in
func StatusColor(s jobs.Status) Color {
	switch s {
	case jobs.StatusCompleted:
		return ColorSuccess
	case jobs.StatusFailed:
		return ColorError
	case jobs.StatusCancelled, jobs.StatusPartial:
		return ColorWarning
	case jobs.StatusRunning:
		return ColorInfo
	default:
		return ColorMuted
	}
}
