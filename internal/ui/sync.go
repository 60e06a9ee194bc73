package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	coresync "dsawrangler/internal/core/sync"
	"dsawrangler/internal/dsa"
)

// SyncProgressMsg carries one engine progress event into the program.
type SyncProgressMsg coresync.Progress

// SyncDoneMsg is sent once the engine returns.
type SyncDoneMsg struct {
	Result coresync.Result
	Err    error
}

type statsTickMsg time.Time

const statsInterval = time.Second

// SyncModel renders a running sync job. ctrl+c asks the engine to cancel;
// the view stays up until the engine reports its terminal state.
type SyncModel struct {
	title      string
	total      int
	last       coresync.Progress
	bar        progress.Model
	spinner    spinner.Model
	cancel     func() bool
	cancelling bool
	done       bool
	result     coresync.Result
	err        error
	width      int

	metrics *dsa.Metrics
	stats   dsa.MetricsSnapshot
	prevReq int64
	rps     float64
}

// NewSyncModel builds the view for a job over total records. cancel is
// usually Engine.Cancel; metrics may be nil.
func NewSyncModel(title string, total int, cancel func() bool, metrics *dsa.Metrics) SyncModel {
	sp := spinner.New()
	sp.Spinner = spinner.Line
	sp.Style = subtitleStyle
	return SyncModel{
		title:   title,
		total:   total,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		spinner: sp,
		cancel:  cancel,
		metrics: metrics,
	}
}

// Done reports whether the engine has finished.
func (m SyncModel) Done() bool { return m.done }

// Result returns the engine's terminal result once Done.
func (m SyncModel) Result() (coresync.Result, error) { return m.result, m.err }

func statsTick() tea.Cmd {
	return tea.Tick(statsInterval, func(t time.Time) tea.Msg { return statsTickMsg(t) })
}

func (m SyncModel) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick}
	if m.metrics != nil {
		cmds = append(cmds, statsTick())
	}
	return tea.Batch(cmds...)
}

func (m SyncModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(10, min(msg.Width-4, 60))
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if m.done {
				return m, tea.Quit
			}
			if !m.cancelling {
				m.cancelling = true
				if m.cancel != nil {
					m.cancel()
				}
			}
		case "enter":
			if m.done {
				return m, tea.Quit
			}
		}
		return m, nil
	case SyncProgressMsg:
		m.last = coresync.Progress(msg)
		if m.last.Total > 0 {
			m.total = m.last.Total
		}
		return m, nil
	case SyncDoneMsg:
		m.done = true
		m.result = msg.Result
		m.err = msg.Err
		m.sample()
		return m, tea.Quit
	case statsTickMsg:
		m.sample()
		if m.done {
			return m, nil
		}
		return m, statsTick()
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

func (m *SyncModel) sample() {
	if m.metrics == nil {
		return
	}
	m.stats = m.metrics.Snapshot()
	m.rps = float64(m.stats.TotalRequests-m.prevReq) / statsInterval.Seconds()
	m.prevReq = m.stats.TotalRequests
}

func (m SyncModel) View() string {
	var b strings.Builder
	b.WriteString(listHeaderStyle.Render(fmt.Sprintf("🔄 %s (%d records)", m.title, m.total)))
	b.WriteString("\n")

	pct := 0.0
	if m.total > 0 {
		pct = float64(m.last.Current) / float64(m.total)
	}
	if m.done && m.result.Completed {
		pct = 1
	}
	b.WriteString(m.bar.ViewAs(pct))
	b.WriteString("\n\n")
	b.WriteString(whiteTextStyle.Render(fmt.Sprintf("%d/%d  ", m.last.Current, m.total)))
	b.WriteString(okStyle.Render(fmt.Sprintf("✓ %d", m.last.Success)) + "  ")
	b.WriteString(errorStyle.Render(fmt.Sprintf("✗ %d", m.last.Errors)) + "  ")
	b.WriteString(subtleStyle.Render(fmt.Sprintf("↷ %d", m.last.Skipped)))
	b.WriteString("\n")
	if m.metrics != nil {
		b.WriteString(m.renderStatsPanel())
		b.WriteString("\n")
	}
	b.WriteString(divider(m.bar.Width))
	b.WriteString("\n")

	if m.done {
		b.WriteString(RenderSyncSummary(m.result, m.err))
		b.WriteString("\n")
		return b.String() + renderFooter("", "Enter/q: close")
	}
	status := m.spinner.View() + " Syncing…"
	help := "ctrl+c: cancel"
	if m.cancelling {
		status = m.spinner.View() + " Cancelling, waiting for in-flight requests…"
		help = ""
	}
	return b.String() + renderFooter(status, help)
}

func (m SyncModel) renderStatsPanel() string {
	s := m.stats
	return subtleStyle.Render(fmt.Sprintf("Req/s: %.1f  Requests: %d  Retries: %d  429: %d  5xx: %d  Backoff: %s",
		m.rps, s.TotalRequests, s.TotalRetries, s.Status429, s.Status5xx, s.Backoff.Round(time.Millisecond)))
}

// RenderSyncSummary formats a terminal sync result for both the TUI and
// plain output.
func RenderSyncSummary(res coresync.Result, err error) string {
	var b strings.Builder
	switch res.State {
	case coresync.StateSynced:
		if res.Errors > 0 {
			b.WriteString(warnStyle.Render("⚠ Sync finished with errors"))
		} else {
			b.WriteString(okStyle.Render("✓ Sync finished"))
		}
	case coresync.StateCancelled:
		if res.TimedOut {
			b.WriteString(warnStyle.Render("⏱ Sync timed out"))
		} else {
			b.WriteString(warnStyle.Render("✗ Sync cancelled"))
		}
	default:
		b.WriteString(errorStyle.Render("❌ Sync failed"))
	}
	fmt.Fprintf(&b, "\n%s", whiteTextStyle.Render(fmt.Sprintf(
		"processed %d/%d  success %d  errors %d  skipped %d  in %s",
		res.Processed, res.TotalItems, res.Success, res.Errors, res.Skipped, res.Duration.Round(time.Millisecond))))
	if res.JobID != "" {
		b.WriteString("\n" + subtleStyle.Render("job "+res.JobID))
	}
	if err != nil {
		b.WriteString("\n" + errorStyle.Render(err.Error()))
	}
	for _, it := range res.Results {
		switch {
		case it.Status == coresync.ItemError:
			b.WriteString("\n" + errorStyle.Render(fmt.Sprintf("  ✗ %s (%s) after %d attempts: %v", it.RecordID, it.RemoteID, it.Attempts, it.Err)))
		case it.StillDirty:
			b.WriteString("\n" + warnStyle.Render(fmt.Sprintf("  ↻ %s changed during sync and stays dirty", it.RecordID)))
		}
	}
	return b.String()
}
