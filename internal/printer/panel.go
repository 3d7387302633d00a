package printer

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("6")).
			Padding(0, 1)
	panelTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))
	headerCell = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	bodyCell   = lipgloss.NewStyle().Padding(0, 1)
)

// Field is one labelled line of a panel.
type Field struct {
	Label string
	Value string
}

// Panel prints a bordered summary box: a title followed by aligned
// label/value lines.
func Panel(title string, fields []Field) {
	fmt.Fprintln(stdout, RenderPanel(title, fields))
}

// RenderPanel returns the panel Panel would print.
func RenderPanel(title string, fields []Field) string {
	width := 0
	for _, f := range fields {
		width = max(width, lipgloss.Width(f.Label))
	}

	lines := []string{panelTitle.Render(title)}
	if len(fields) > 0 {
		lines = append(lines, "")
	}
	for _, f := range fields {
		pad := strings.Repeat(" ", width-lipgloss.Width(f.Label))
		lines = append(lines, fmt.Sprintf("%s%s  %s", f.Label, pad, f.Value))
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

// Table prints rows under headers with a light border.
func Table(headers []string, rows [][]string) {
	fmt.Fprintln(stdout, RenderTable(headers, rows))
}

// RenderTable returns the table Table would print.
func RenderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerCell
			}
			return bodyCell
		})
	for _, r := range rows {
		t.Row(r...)
	}
	return t.String()
}
