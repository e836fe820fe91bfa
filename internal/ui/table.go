package ui

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

type Align int

const (
	AlignLeft Align = iota
	AlignRight
)

type TruncateMode int

const (
	TruncateEnd    TruncateMode = iota // "hello wo…"
	TruncateMiddle                     // "hel…rld"
	TruncateStart                      // "…o world"
)

// Column configures a column in the table.
type Column struct {
	Header   string
	Align    Align
	MaxWidth int // 0 = unlimited
	Truncate TruncateMode
}

// Table renders rows of text as aligned columns under a header rule.
type Table struct {
	columns []Column
	rows    [][]string
}

func NewTable(columns ...Column) *Table {
	return &Table{columns: columns}
}

// AddRow appends a row, padding or cutting it to the number of columns.
func (t *Table) AddRow(cells ...string) {
	row := make([]string, len(t.columns))
	for i := range row {
		if i < len(cells) {
			row[i] = truncate(cells[i], t.columns[i])
		}
	}
	t.rows = append(t.rows, row)
}

func (t *Table) Len() int { return len(t.rows) }

func (t *Table) Render(w io.Writer) error {
	if len(t.columns) == 0 {
		return nil
	}

	headers := make([]string, len(t.columns))
	for i, c := range t.columns {
		headers[i] = c.Header
	}

	cell := lipgloss.NewStyle().PaddingRight(2)
	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderColumn(false).
		Headers(headers...).
		Rows(t.rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			s := cell
			if row == table.HeaderRow {
				s = s.Bold(true)
			}
			if col < len(t.columns) && t.columns[col].Align == AlignRight {
				s = s.Align(lipgloss.Right)
			}
			return s
		})

	_, err := io.WriteString(w, tbl.String()+"\n")
	return err
}

const ellipsis = "…"

// truncate fits s into col.MaxWidth runes, marking the cut with an ellipsis.
func truncate(s string, col Column) string {
	r := []rune(s)
	if col.MaxWidth <= 0 || len(r) <= col.MaxWidth {
		return s
	}
	if col.MaxWidth == 1 {
		return string(r[:1])
	}

	keep := col.MaxWidth - 1
	switch col.Truncate {
	case TruncateStart:
		return ellipsis + string(r[len(r)-keep:])
	case TruncateMiddle:
		head := keep / 2
		return string(r[:head]) + ellipsis + string(r[len(r)-(keep-head):])
	default:
		return string(r[:keep]) + ellipsis
	}
}
