package render

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

// TextTable renders a bordered terminal table. width of zero leaves the table at its
// natural size.
func TextTable(cols []string, rows [][]string, width int) string {
	if len(cols) == 0 {
		return ""
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(cols...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	if width > 0 {
		t = t.Width(width)
	}
	return t.Render() + "\n"
}
