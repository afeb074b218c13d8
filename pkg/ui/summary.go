package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"reconpipe/pkg/checkpoint"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	issueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))

	statusColors = map[checkpoint.PhaseStatus]lipgloss.Color{
		checkpoint.PhaseCompleted:  lipgloss.Color("10"),
		checkpoint.PhaseInProgress: lipgloss.Color("11"),
		checkpoint.PhasePending:    lipgloss.Color("8"),
	}
)

// RenderSummary formats a scan snapshot as a header block and a phase table
func RenderSummary(sum checkpoint.Summary) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("Scan %s", sum.ScanID)))
	b.WriteByte('\n')
	field := func(label, value string) {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-16s", label)), value)
	}
	field("Domain", sum.Domain)
	field("Status", string(sum.Status))
	if sum.Path != "" {
		field("Checkpoint", sum.Path)
	}
	field("Started", sum.StartTime.Local().Format(time.DateTime))
	field("Last update", fmt.Sprintf("%s (%s elapsed)", sum.LastUpdate.Local().Format(time.DateTime), sum.Elapsed.Round(time.Second)))
	if sum.LastCheckpoint != nil {
		field("Last checkpoint", fmt.Sprintf("%s at %s", sum.LastCheckpoint.Trigger, sum.LastCheckpoint.At.Local().Format(time.DateTime)))
	}
	if len(sum.Environment.ToolVersions) > 0 {
		field("Tools", formatVersions(sum.Environment.ToolVersions))
	}
	field("Templates", sum.Environment.TemplatesHash)

	b.WriteString(phaseTable(sum.Phases).String())
	b.WriteByte('\n')

	fmt.Fprintf(&b, "%s %d subdomains, %d alive, %d vulnerabilities\n",
		labelStyle.Render(fmt.Sprintf("%-16s", "Found")),
		sum.Statistics.SubdomainsFound, sum.Statistics.AliveSubdomains, sum.Statistics.VulnerabilitiesFound)
	if sum.NextPhase != "" {
		field("Next phase", string(sum.NextPhase))
	}
	return b.String()
}

func phaseTable(phases []checkpoint.PhaseSummary) *table.Table {
	statuses := make([]checkpoint.PhaseStatus, len(phases))
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(labelStyle).
		Headers("PHASE", "STATUS", "PROGRESS", "ITEMS", "RESULTS", "BATCHES")

	for i, p := range phases {
		statuses[i] = p.Status
		items := "-"
		if p.TotalItems > 0 {
			items = fmt.Sprintf("%d/%d", p.ItemsProcessed, p.TotalItems)
		}
		status := string(p.Status)
		if p.Error != "" {
			status += " (error)"
		}
		t.Row(string(p.Phase), status, fmt.Sprintf("%.1f%%", p.Progress), items,
			fmt.Sprint(p.Results), fmt.Sprint(p.Batches))
	}

	return t.StyleFunc(func(row, col int) lipgloss.Style {
		if row == table.HeaderRow {
			return headerStyle
		}
		if col == 1 && row >= 0 && row < len(statuses) {
			if color, ok := statusColors[statuses[row]]; ok {
				return cellStyle.Foreground(color)
			}
		}
		return cellStyle
	})
}

// RenderIssues formats a titled list, one line per entry
func RenderIssues(title string, lines []string) string {
	var b strings.Builder
	b.WriteString(issueStyle.Render(title))
	b.WriteByte('\n')
	for _, line := range lines {
		fmt.Fprintf(&b, "  • %s\n", line)
	}
	return b.String()
}

func formatVersions(versions map[string]string) string {
	parts := make([]string, 0, len(versions))
	for _, tool := range []string{"subfinder", "httpx", "nuclei"} {
		if v, ok := versions[tool]; ok {
			parts = append(parts, tool+" "+v)
		}
	}
	var extra []string
	for tool, v := range versions {
		switch tool {
		case "subfinder", "httpx", "nuclei":
		default:
			extra = append(extra, tool+" "+v)
		}
	}
	sort.Strings(extra)
	parts = append(parts, extra...)
	return strings.Join(parts, ", ")
}
