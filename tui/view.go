package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/rustyeddy/optqueue/queue"
)

var (
	styleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			Padding(0, 1)

	stylePanel = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)

	styleQueued    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	styleRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	styleCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	stylePartial   = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	styleFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleSkipped   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	styleSelected = lipgloss.NewStyle().Bold(true)
	styleDim      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	styleError    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// badgeWidth fits the longest status name in brackets.
const badgeWidth = len("[completed]")

func badge(s queue.ItemStatus) string {
	if s == "" {
		s = queue.StatusQueued
	}
	style := styleQueued
	switch s {
	case queue.StatusRunning:
		style = styleRunning
	case queue.StatusCompleted:
		style = styleCompleted
	case queue.StatusPartial:
		style = stylePartial
	case queue.StatusFailed:
		style = styleFailed
	case queue.StatusSkipped:
		style = styleSkipped
	}
	return style.Render(fmt.Sprintf("%-*s", badgeWidth, "["+string(s)+"]"))
}

func (m Model) View() string {
	sections := []string{m.renderHeader(), m.renderQueue()}
	if len(m.finished) > 0 {
		sections = append(sections, m.renderFinished())
	}
	sections = append(sections, m.renderFooter())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderHeader() string {
	state := "idle"
	if m.running {
		state = m.spinner.View() + " running"
	}
	return styleHeader.Render(fmt.Sprintf("optqueue │ %d queued │ %s", len(m.items), state))
}

// labelWidth is what is left for a label after cursor, badge and progress.
func (m Model) labelWidth() int {
	return max(10, m.width-badgeWidth-16)
}

func (m Model) renderQueue() string {
	if len(m.items) == 0 {
		return stylePanel.Render(styleDim.Render("Queue is empty."))
	}
	rows := make([]string, 0, len(m.items))
	for i, it := range m.items {
		cursor := "  "
		if i == m.cursor {
			cursor = "> "
		}
		label := ansi.Truncate(it.Label, m.labelWidth(), "…")
		if i == m.cursor {
			label = styleSelected.Render(label)
		}
		progress := fmt.Sprintf("%d/%d", it.SourceCursor, it.TotalSources())
		rows = append(rows, fmt.Sprintf("%s%s %s %s", cursor, badge(m.status[it.ID]), label, styleDim.Render(progress)))
	}
	return stylePanel.Render(strings.Join(rows, "\n"))
}

func (m Model) renderFinished() string {
	rows := make([]string, 0, len(m.finished))
	for _, f := range m.finished {
		rows = append(rows, fmt.Sprintf("  %s %s", badge(f.status), ansi.Truncate(f.label, m.labelWidth(), "…")))
	}
	return stylePanel.Render(styleDim.Render("Finished") + "\n" + strings.Join(rows, "\n"))
}

func (m Model) renderFooter() string {
	var lines []string
	if m.footer != "" {
		lines = append(lines, m.footer)
	}
	if m.err != nil {
		lines = append(lines, styleError.Render("error: "+m.err.Error()))
	}
	help := "r run • d remove • C clear • j/k move • q quit"
	if m.running {
		help = "s stop after current • x cancel • q quit"
	}
	lines = append(lines, styleDim.Render(help))
	return strings.Join(lines, "\n")
}
