package display

import (
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// Alignment represents column alignment options
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// Cell is one table cell. Color is applied after padding so widths are
// measured on the plain text.
type Cell struct {
	Text  string
	Color Color
}

// Table is a borderless, column-aligned listing
type Table struct {
	headers    []string
	rows       [][]Cell
	alignments map[int]Alignment
	palette    *Palette
	maxWidth   int
	padding    int
}

// NewTable creates a table. A nil palette renders plain text.
func NewTable(palette *Palette, headers ...string) *Table {
	if palette == nil {
		palette = PlainPalette()
	}
	return &Table{
		headers:    headers,
		alignments: make(map[int]Alignment),
		palette:    palette,
		padding:    2,
	}
}

// SetAlignment sets how column is aligned
func (t *Table) SetAlignment(column int, a Alignment) { t.alignments[column] = a }

// SetMaxWidth caps the rendered line width; the last column is truncated to fit.
// Zero means the terminal width, or no limit off a terminal.
func (t *Table) SetMaxWidth(width int) { t.maxWidth = width }

// AddRow appends plain cells
func (t *Table) AddRow(values ...string) {
	row := make([]Cell, len(values))
	for i, v := range values {
		row[i] = Cell{Text: v}
	}
	t.rows = append(t.rows, row)
}

// AddCells appends a row of styled cells
func (t *Table) AddCells(cells ...Cell) { t.rows = append(t.rows, cells) }

// Len is the number of data rows
func (t *Table) Len() int { return len(t.rows) }

func (t *Table) columns() int {
	n := len(t.headers)
	for _, r := range t.rows {
		if len(r) > n {
			n = len(r)
		}
	}
	return n
}

func (t *Table) widths() []int {
	widths := make([]int, t.columns())
	for i, h := range t.headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, r := range t.rows {
		for i, c := range r {
			if n := utf8.RuneCountInString(c.Text); n > widths[i] {
				widths[i] = n
			}
		}
	}

	limit := t.maxWidth
	if limit == 0 {
		limit = terminalWidth()
	}
	if limit > 0 && len(widths) > 0 {
		used := 0
		for _, w := range widths[:len(widths)-1] {
			used += w + t.padding
		}
		last := len(widths) - 1
		if room := limit - used; room < widths[last] {
			if room < 4 {
				room = 4
			}
			widths[last] = room
		}
	}
	return widths
}

// Render writes the table to w
func (t *Table) Render(w io.Writer) error {
	widths := t.widths()
	var b strings.Builder
	if len(t.headers) > 0 {
		cells := make([]Cell, len(t.headers))
		for i, h := range t.headers {
			cells[i] = Cell{Text: strings.ToUpper(h), Color: ColorPrimary}
		}
		t.writeRow(&b, cells, widths)
	}
	for _, r := range t.rows {
		t.writeRow(&b, r, widths)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func (t *Table) writeRow(b *strings.Builder, row []Cell, widths []int) {
	var line strings.Builder
	for i, width := range widths {
		var c Cell
		if i < len(row) {
			c = row[i]
		}
		text := truncate(c.Text, width)
		pad := strings.Repeat(" ", width-utf8.RuneCountInString(text))
		if t.alignments[i] == AlignRight {
			line.WriteString(pad)
			line.WriteString(t.palette.Sprint(c.Color, text))
		} else {
			line.WriteString(t.palette.Sprint(c.Color, text))
			if i < len(widths)-1 {
				line.WriteString(pad)
			}
		}
		if i < len(widths)-1 {
			line.WriteString(strings.Repeat(" ", t.padding))
		}
	}
	b.WriteString(strings.TrimRight(line.String(), " "))
	b.WriteByte('\n')
}

func truncate(s string, width int) string {
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	runes := []rune(s)
	if width > 3 {
		return string(runes[:width-3]) + "..."
	}
	return string(runes[:width])
}

func terminalWidth() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	width, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return width
}
