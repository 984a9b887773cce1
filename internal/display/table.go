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

// BorderStyle defines table border characters
type BorderStyle struct {
	TopLeft     string
	TopRight    string
	BottomLeft  string
	BottomRight string
	Horizontal  string
	Vertical    string
	Cross       string
	TopTee      string
	BottomTee   string
	LeftTee     string
	RightTee    string
}

// Border styles
var (
	ASCIIBorderStyle = BorderStyle{
		TopLeft: "+", TopRight: "+", BottomLeft: "+", BottomRight: "+",
		Horizontal: "-", Vertical: "|", Cross: "+",
		TopTee: "+", BottomTee: "+", LeftTee: "+", RightTee: "+",
	}

	RoundedBorderStyle = BorderStyle{
		TopLeft: "╭", TopRight: "╮", BottomLeft: "╰", BottomRight: "╯",
		Horizontal: "─", Vertical: "│", Cross: "┼",
		TopTee: "┬", BottomTee: "┴", LeftTee: "├", RightTee: "┤",
	}

	NoBorderStyle = BorderStyle{}
)

// BorderStyleByName maps a configured table style to its borders
func BorderStyleByName(name string) BorderStyle {
	switch TableStyleName(name) {
	case TableStyleRounded:
		return RoundedBorderStyle
	case TableStyleMinimal:
		return NoBorderStyle
	default:
		return ASCIIBorderStyle
	}
}

// Table collects rows and renders them with aligned columns
type Table struct {
	headers    []string
	rows       [][]string
	alignments map[int]Alignment
	// cellColor, when set, picks a color for a body cell
	cellColor func(col int, value string) (Color, bool)

	border   BorderStyle
	colors   *ColorSystem
	maxWidth int
	padding  int
}

// NewTable creates a table. maxWidth bounds the rendered width; zero means
// the terminal width.
func NewTable(border BorderStyle, colors *ColorSystem, maxWidth int) *Table {
	if maxWidth <= 0 {
		maxWidth = terminalWidth()
	}
	return &Table{
		alignments: make(map[int]Alignment),
		border:     border,
		colors:     colors,
		maxWidth:   maxWidth,
		padding:    1,
	}
}

// SetHeaders sets the table headers
func (t *Table) SetHeaders(headers ...string) {
	t.headers = headers
}

// AddRow adds a row to the table
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// SetColumnAlignment sets the alignment for a specific column
func (t *Table) SetColumnAlignment(column int, alignment Alignment) {
	t.alignments[column] = alignment
}

// SetCellColor installs a function choosing the color of body cells
func (t *Table) SetCellColor(fn func(col int, value string) (Color, bool)) {
	t.cellColor = fn
}

// Len returns the number of body rows
func (t *Table) Len() int {
	return len(t.rows)
}

// Render returns the formatted table
func (t *Table) Render() string {
	widths := t.columnWidths()
	if len(widths) == 0 {
		return ""
	}

	var b strings.Builder
	bs := t.border
	if bs.Horizontal != "" {
		b.WriteString(t.rule(widths, bs.TopLeft, bs.TopTee, bs.TopRight))
	}
	if len(t.headers) > 0 {
		b.WriteString(t.row(t.headers, widths, true))
		if bs.Horizontal != "" {
			b.WriteString(t.rule(widths, bs.LeftTee, bs.Cross, bs.RightTee))
		}
	}
	for _, r := range t.rows {
		b.WriteString(t.row(r, widths, false))
	}
	if bs.Horizontal != "" {
		b.WriteString(t.rule(widths, bs.BottomLeft, bs.BottomTee, bs.BottomRight))
	}
	return b.String()
}

// RenderTo renders the table to w
func (t *Table) RenderTo(w io.Writer) error {
	_, err := io.WriteString(w, t.Render())
	return err
}

// columnWidths returns content widths, shrinking the widest columns until
// the table fits maxWidth
func (t *Table) columnWidths() []int {
	cols := len(t.headers)
	for _, r := range t.rows {
		if len(r) > cols {
			cols = len(r)
		}
	}
	widths := make([]int, cols)
	measure := func(cells []string) {
		for i, cell := range cells {
			if n := utf8.RuneCountInString(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}
	measure(t.headers)
	for _, r := range t.rows {
		measure(r)
	}

	overhead := cols * t.padding * 2
	if t.border.Vertical != "" {
		overhead += cols + 1
	} else if cols > 0 {
		overhead += cols - 1
	}
	for t.maxWidth > 0 && sum(widths)+overhead > t.maxWidth {
		widest := 0
		for i, w := range widths {
			if w > widths[widest] {
				widest = i
			}
		}
		if widths[widest] <= 4 {
			break
		}
		widths[widest]--
	}
	return widths
}

func (t *Table) rule(widths []int, left, mid, right string) string {
	var b strings.Builder
	b.WriteString(left)
	for i, w := range widths {
		b.WriteString(strings.Repeat(t.border.Horizontal, w+t.padding*2))
		if i < len(widths)-1 {
			b.WriteString(mid)
		}
	}
	b.WriteString(right)
	b.WriteString("\n")
	return b.String()
}

func (t *Table) row(cells []string, widths []int, header bool) string {
	var b strings.Builder
	sep := t.border.Vertical
	b.WriteString(sep)
	for i, w := range widths {
		var cell string
		if i < len(cells) {
			cell = cells[i]
		}
		if sep == "" && i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(strings.Repeat(" ", t.padding))
		b.WriteString(t.cell(i, cell, w, header))
		b.WriteString(strings.Repeat(" ", t.padding))
		b.WriteString(sep)
	}
	return strings.TrimRight(b.String(), " ") + "\n"
}

// cell truncates and pads before coloring so escape codes never count
// toward the column width
func (t *Table) cell(col int, content string, width int, header bool) string {
	if utf8.RuneCountInString(content) > width {
		runes := []rune(content)
		if width > 3 {
			content = string(runes[:width-3]) + "..."
		} else {
			content = string(runes[:width])
		}
	}

	pad := strings.Repeat(" ", width-utf8.RuneCountInString(content))
	if t.colors != nil {
		switch {
		case header:
			content = t.colors.Colorize(content, t.colors.Theme().Primary)
		case t.cellColor != nil:
			if clr, ok := t.cellColor(col, content); ok {
				content = t.colors.Colorize(content, clr)
			}
		}
	}
	if t.alignments[col] == AlignRight {
		return pad + content
	}
	return content + pad
}

func sum(values []int) int {
	total := 0
	for _, v := range values {
		total += v
	}
	return total
}

// terminalWidth returns the stdout terminal width, or 0 when stdout is not
// a terminal
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
