package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"dsawrangler/internal/core/caseid"
)

// AssignProgressMsg carries one bulk assignment event.
type AssignProgressMsg caseid.Progress

// AssignDoneMsg is sent when the bulk run returns.
type AssignDoneMsg struct {
	Summary caseid.Summary
	Err     error
}

// recentAssignments bounds the scrolling log under the bar.
const recentAssignments = 8

// AssignModel renders a bulk case id assignment.
type AssignModel struct {
	institution string
	last        caseid.Progress
	recent      []string
	bar         progress.Model
	spinner     spinner.Model
	cancel      func()
	cancelling  bool
	done        bool
	summary     caseid.Summary
	err         error
}

// NewAssignModel builds the view. cancel stops the run between chunks.
func NewAssignModel(institution string, cancel func()) AssignModel {
	sp := spinner.New()
	sp.Spinner = spinner.Line
	sp.Style = subtitleStyle
	return AssignModel{
		institution: institution,
		bar:         progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		spinner:     sp,
		cancel:      cancel,
	}
}

func (m AssignModel) Init() tea.Cmd { return m.spinner.Tick }

func (m AssignModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if m.done {
				return m, tea.Quit
			}
			if !m.cancelling && m.cancel != nil {
				m.cancelling = true
				m.cancel()
			}
		}
		return m, nil
	case AssignProgressMsg:
		m.last = caseid.Progress(msg)
		line := fmt.Sprintf("%s → %s", m.last.LocalCaseID, m.last.ExternalCaseID)
		if m.last.Skipped {
			line = m.last.LocalCaseID + " already mapped, skipped"
		}
		m.recent = append(m.recent, line)
		if len(m.recent) > recentAssignments {
			m.recent = m.recent[len(m.recent)-recentAssignments:]
		}
		return m, nil
	case AssignDoneMsg:
		m.done = true
		m.summary = msg.Summary
		m.err = msg.Err
		return m, tea.Quit
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m AssignModel) View() string {
	var b strings.Builder
	b.WriteString(listHeaderStyle.Render("🏷  Assigning case ids for institution " + m.institution))
	b.WriteString("\n")
	pct := 0.0
	if m.last.Total > 0 {
		pct = float64(m.last.Current) / float64(m.last.Total)
	}
	b.WriteString(m.bar.ViewAs(pct) + "\n\n")
	for _, line := range m.recent {
		b.WriteString(subtleStyle.Render("  "+line) + "\n")
	}
	if m.done {
		b.WriteString(RenderAssignSummary(m.summary, m.err) + "\n")
		return b.String()
	}
	status := m.spinner.View() + fmt.Sprintf(" %d/%d", m.last.Current, m.last.Total)
	if m.cancelling {
		status += " stopping after current chunk…"
	}
	return b.String() + renderFooter(status, "ctrl+c: stop")
}

// RenderAssignSummary formats a finished bulk assignment.
func RenderAssignSummary(sum caseid.Summary, err error) string {
	var b strings.Builder
	if err != nil {
		b.WriteString(warnStyle.Render(fmt.Sprintf("⚠ Stopped: %v", err)) + "\n")
	}
	b.WriteString(okStyle.Render(fmt.Sprintf("✓ %d of %d local case ids assigned", len(sum.Assignments), sum.Total)))
	if sum.Skipped > 0 {
		b.WriteString(subtleStyle.Render(fmt.Sprintf(" (%d already mapped)", sum.Skipped)))
	}
	return b.String()
}
