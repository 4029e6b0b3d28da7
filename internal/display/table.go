package display

import (
	"fmt"
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
	AlignCenter
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

// TableStyle defines the visual style of a table
type TableStyle struct {
	Name            string
	Border          BorderStyle
	HeaderSeparator bool
	Padding         int
}

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
)

var (
	DefaultTableStyle = TableStyle{Name: "default", Border: ASCIIBorderStyle, HeaderSeparator: true, Padding: 1}
	RoundedTableStyle = TableStyle{Name: "rounded", Border: RoundedBorderStyle, HeaderSeparator: true, Padding: 1}
	// MinimalTableStyle has no borders, which keeps output friendly to grep and awk.
	MinimalTableStyle = TableStyle{Name: "minimal", Padding: 1}
)

// GetTableStyleByName returns a table style by name, the default when unknown
func GetTableStyleByName(name string) TableStyle {
	switch name {
	case "rounded":
		return RoundedTableStyle
	case "minimal":
		return MinimalTableStyle
	default:
		return DefaultTableStyle
	}
}

// Table lays out rows of plain-text cells. Colors are applied by per-column
// stylers after the cells have been padded, so widths are measured on plain text.
type Table struct {
	headers    []string
	rows       [][]string
	alignments map[int]Alignment
	stylers    map[int]func(string) string
	style      TableStyle
	colors     *ColorSystem
	maxWidth   int
}

// NewTable creates a table. maxWidth of 0 uses the terminal width.
func NewTable(colors *ColorSystem, style TableStyle, maxWidth int) *Table {
	if maxWidth <= 0 {
		maxWidth = terminalWidth()
	}
	return &Table{
		alignments: make(map[int]Alignment),
		stylers:    make(map[int]func(string) string),
		style:      style,
		colors:     colors,
		maxWidth:   maxWidth,
	}
}

func (t *Table) SetHeaders(headers ...string) {
	t.headers = headers
}

func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *Table) SetColumnAlignment(column int, alignment Alignment) {
	t.alignments[column] = alignment
}

// SetColumnStyler colors the content of every body cell in column
func (t *Table) SetColumnStyler(column int, styler func(string) string) {
	t.stylers[column] = styler
}

// Render returns the formatted table as a string
func (t *Table) Render() string {
	if len(t.headers) == 0 && len(t.rows) == 0 {
		return ""
	}

	widths := t.fit(t.columnWidths())
	border := t.style.Border
	var out strings.Builder

	if border.Horizontal != "" {
		out.WriteString(t.rule(widths, border.TopLeft, border.TopTee, border.TopRight))
	}
	if len(t.headers) > 0 {
		out.WriteString(t.renderRow(t.headers, widths, true))
		if t.style.HeaderSeparator && border.Horizontal != "" {
			out.WriteString(t.rule(widths, border.LeftTee, border.Cross, border.RightTee))
		}
	}
	for _, row := range t.rows {
		out.WriteString(t.renderRow(row, widths, false))
	}
	if border.Horizontal != "" {
		out.WriteString(t.rule(widths, border.BottomLeft, border.BottomTee, border.BottomRight))
	}
	return out.String()
}

// RenderTo renders the table to the specified writer
func (t *Table) RenderTo(w io.Writer) {
	fmt.Fprint(w, t.Render())
}

func (t *Table) columnCount() int {
	n := len(t.headers)
	for _, row := range t.rows {
		n = max(n, len(row))
	}
	return n
}

// columnWidths returns the content width of each column, without padding
func (t *Table) columnWidths() []int {
	widths := make([]int, t.columnCount())
	for i, h := range t.headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			widths[i] = max(widths[i], utf8.RuneCountInString(cell))
		}
	}
	return widths
}

// fit shrinks the widest columns until the table fits within maxWidth
func (t *Table) fit(widths []int) []int {
	const minColumn = 4

	total := func() int {
		sum := 0
		for _, w := range widths {
			sum += w + t.style.Padding*2
		}
		if t.style.Border.Vertical != "" {
			sum += len(widths) + 1
		}
		return sum
	}

	for total() > t.maxWidth {
		widest := 0
		for i, w := range widths {
			if w > widths[widest] {
				widest = i
			}
		}
		if widths[widest] <= minColumn {
			break
		}
		widths[widest]--
	}
	return widths
}

func (t *Table) rule(widths []int, left, cross, right string) string {
	var out strings.Builder
	out.WriteString(left)
	for i, w := range widths {
		out.WriteString(strings.Repeat(t.style.Border.Horizontal, w+t.style.Padding*2))
		if i < len(widths)-1 {
			out.WriteString(cross)
		}
	}
	out.WriteString(right)
	out.WriteString("\n")
	return out.String()
}

func (t *Table) renderRow(row []string, widths []int, header bool) string {
	var out strings.Builder
	sep := t.style.Border.Vertical
	if sep == "" {
		sep = " "
	}
	if t.style.Border.Vertical != "" {
		out.WriteString(sep)
	}
	for i, w := range widths {
		var cell string
		if i < len(row) {
			cell = row[i]
		}
		out.WriteString(t.formatCell(i, cell, w, header))
		if t.style.Border.Vertical != "" || i < len(widths)-1 {
			out.WriteString(sep)
		}
	}
	return strings.TrimRight(out.String(), " ") + "\n"
}

func (t *Table) formatCell(column int, content string, width int, header bool) string {
	if utf8.RuneCountInString(content) > width {
		runes := []rune(content)
		if width > 3 {
			content = string(runes[:width-3]) + "..."
		} else {
			content = string(runes[:width])
		}
	}

	pad := width - utf8.RuneCountInString(content)
	var left, right int
	switch t.alignments[column] {
	case AlignCenter:
		left = pad / 2
		right = pad - left
	case AlignRight:
		left = pad
	default:
		right = pad
	}

	switch {
	case header && t.colors != nil:
		content = t.colors.Colorize(content, t.colors.Theme().Primary)
	case !header && t.stylers[column] != nil:
		content = t.stylers[column](content)
	}

	padding := strings.Repeat(" ", t.style.Padding)
	return padding + strings.Repeat(" ", left) + content + strings.Repeat(" ", right) + padding
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 120
	}
	return width
}
