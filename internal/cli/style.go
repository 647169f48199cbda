package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/seoaudit/seoaudit/internal/plans"
)

// Palette.
var (
	ColorPrimary = lipgloss.Color("#2563EB") // blue
	ColorSuccess = lipgloss.Color("#10B981") // emerald
	ColorWarning = lipgloss.Color("#F59E0B") // amber
	ColorError   = lipgloss.Color("#EF4444") // red
	ColorMuted   = lipgloss.Color("#6B7280") // gray-500
)

var (
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary)

	Muted = lipgloss.NewStyle().
		Foreground(ColorMuted)

	Success = lipgloss.NewStyle().
		Foreground(ColorSuccess)

	WarningStyle = lipgloss.NewStyle().
		Foreground(ColorWarning)

	ErrorStyle = lipgloss.NewStyle().
		Foreground(ColorError)

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// Table renders rows under headers with a rounded border.
func Table(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorMuted)).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}

// Row renders a label/value line.
func Row(label, value string) string {
	return "  " + Muted.Width(16).Render(label) + value
}

// PlanRows formats a catalog listing for Table.
func PlanRows(list []plans.Plan) [][]string {
	rows := make([][]string, 0, len(list))
	for _, p := range list {
		window := "-"
		if !p.Limits.MaxAuditsPerWindow.IsUnlimited() {
			window = plans.DescribeWindow(p.Limits.WindowSeconds)
		}
		rows = append(rows, []string{
			p.ID,
			p.Name,
			p.Limits.MaxSites.String(),
			p.Limits.MaxAuditsPerWindow.String(),
			window,
		})
	}
	return rows
}

// Quota renders "used / limit" with the remaining count coloured by headroom.
func Quota(used int, limit, remaining plans.Limit) string {
	if limit.IsUnlimited() {
		return fmt.Sprintf("%d / unlimited", used)
	}
	style := Success
	switch {
	case remaining == 0:
		style = ErrorStyle
	case remaining == 1:
		style = WarningStyle
	}
	return fmt.Sprintf("%d / %s  %s", used, limit, style.Render(fmt.Sprintf("(%s left)", remaining)))
}

// Timestamp formats t for terminal output, or "-" when nil.
func Timestamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// Rule returns a horizontal separator of width n.
func Rule(n int) string {
	return Muted.Render(strings.Repeat("─", n))
}
