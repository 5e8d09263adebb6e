package report

import (
	"fmt"
	"strings"

	"portfolio-scraper/internal/domain"
	"portfolio-scraper/internal/service"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// NoResultMessage is printed when a run extracted nothing.
const NoResultMessage = "No result found"

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).MarginBottom(1)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	okStyle     = cellStyle.Foreground(lipgloss.Color("42"))
	badStyle    = cellStyle.Foreground(lipgloss.Color("196"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers(headers...)
}

// RunSummary renders the per-mode outcome table printed at the end of a run.
func RunSummary(r service.RunReport) string {
	var rows [][]string
	for _, m := range []struct {
		name string
		o    service.ModeOutcome
	}{{"raw", r.Raw}, {"structured", r.Structured}} {
		if !m.o.Requested {
			continue
		}
		rows = append(rows, []string{m.name, m.o.Extraction, m.o.Persistence, fmt.Sprint(m.o.Records), fmt.Sprint(m.o.Steps), shorten(m.o.Error, 60)})
	}

	t := newTable("Data type", "Extraction", "Persistence", "Records", "Steps", "Error").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if (col == 1 || col == 2) && row >= 0 && row < len(rows) {
				return statusStyle(rows[row][col])
			}
			return cellStyle
		})

	title := fmt.Sprintf("Run %s: %s", r.ID, strings.ToUpper(string(r.Status())))
	if r.Err != "" {
		title += "\n" + r.Err
	}
	return titleStyle.Render(title) + "\n" + t.String()
}

func statusStyle(value string) lipgloss.Style {
	switch value {
	case service.ExtractionOK, service.PersistWritten, service.PersistDisabled:
		return okStyle
	case service.ExtractionFailed:
		return badStyle
	default:
		return cellStyle
	}
}

// Wealth renders a structured snapshot: the headline and the holdings and
// platform tables.
func Wealth(w domain.Wealth) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Portfolio Summary"))
	sb.WriteString("\n")
	sb.WriteString(w.Summary())
	sb.WriteString("\n\n")

	holdings := newTable("Asset", "Value (USD)", "Share").StyleFunc(plainStyle)
	for _, h := range w.TopHoldings {
		holdings.Row(h.Asset, "$"+h.Value.StringFixed(2), h.Percentage.StringFixed(2)+"%")
	}
	sb.WriteString("Top Holdings\n")
	sb.WriteString(holdings.String())
	sb.WriteString("\n\n")

	platforms := newTable("Platform", "Value (USD)", "Share").StyleFunc(plainStyle)
	for _, p := range w.TopPlatforms {
		platforms.Row(p.Platform, "$"+p.Value.StringFixed(2), p.Percentage.StringFixed(2)+"%")
	}
	sb.WriteString("Top Platforms\n")
	sb.WriteString(platforms.String())
	return sb.String()
}

// Raw renders a raw capture under a heading.
func Raw(c domain.RawCapture) string {
	return titleStyle.Render("Raw Portfolio Data") + "\n" + strings.TrimSpace(string(c))
}

func plainStyle(row, col int) lipgloss.Style {
	if row == table.HeaderRow {
		return headerStyle
	}
	return cellStyle
}

func shorten(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
