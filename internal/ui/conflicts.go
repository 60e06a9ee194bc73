package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"dsawrangler/internal/core/conflict"
)

// Conflict directions shown in the first column.
const (
	DirLocal    = "local"
	DirExternal = "external"
)

// ConflictRow is one conflicting key with the values attached to it.
type ConflictRow struct {
	Direction string
	Key       string
	Values    []string
}

// ConflictRows flattens rel, local conflicts first, each in first-seen order.
func ConflictRows(rel conflict.Relations) []ConflictRow {
	var rows []ConflictRow
	for _, k := range rel.LocalKeys() {
		rows = append(rows, ConflictRow{Direction: DirLocal, Key: k, Values: rel.Local[k]})
	}
	for _, k := range rel.ExternalKeys() {
		rows = append(rows, ConflictRow{Direction: DirExternal, Key: k, Values: rel.External[k]})
	}
	return rows
}

// ResolveHint is the command that would keep the first value of row.
func ResolveHint(row ConflictRow) string {
	if len(row.Values) == 0 {
		return ""
	}
	return fmt.Sprintf("dsawrangler resolve %s %q --choose %q", row.Direction, row.Key, row.Values[0])
}

// ConflictsModel is a read-only table of conflicts. Enter shows the resolve
// command for the selected row.
type ConflictsModel struct {
	rows   []ConflictRow
	table  table.Model
	status string
}

// NewConflictsModel builds the table for rel.
func NewConflictsModel(rel conflict.Relations) ConflictsModel {
	rows := ConflictRows(rel)
	cols := []table.Column{
		{Title: "Side", Width: 9},
		{Title: "Key", Width: 24},
		{Title: "#", Width: 3},
		{Title: "Attached to", Width: 48},
	}
	trs := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		trs = append(trs, table.Row{r.Direction, r.Key, fmt.Sprint(len(r.Values)), strings.Join(r.Values, ", ")})
	}
	st := table.DefaultStyles()
	st.Header = tableHeaderStyle
	st.Selected = tableSelectedStyle
	t := table.New(
		table.WithColumns(cols),
		table.WithRows(trs),
		table.WithFocused(true),
		table.WithHeight(min(max(len(trs), 1), 15)),
		table.WithStyles(st),
	)
	return ConflictsModel{rows: rows, table: t}
}

// Selected returns the highlighted row.
func (m ConflictsModel) Selected() (ConflictRow, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.rows) {
		return ConflictRow{}, false
	}
	return m.rows[i], true
}

func (m ConflictsModel) Init() tea.Cmd { return nil }

func (m ConflictsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.table.SetHeight(max(3, min(len(m.rows), msg.Height-6)))
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "enter":
			if row, ok := m.Selected(); ok {
				m.status = ResolveHint(row)
			}
			return m, nil
		}
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m ConflictsModel) View() string {
	header := listHeaderStyle.Render(fmt.Sprintf("⚠ %d conflicts", len(m.rows)))
	if len(m.rows) == 0 {
		return okStyle.Render("✓ No conflicts") + "\n"
	}
	return header + "\n" + m.table.View() + "\n" +
		renderFooter(m.status, "⌨️  ↑↓/j/k: navigate  •  Enter: show resolve command  •  q: quit")
}

// RenderConflicts is the plain-text listing.
func RenderConflicts(rel conflict.Relations) string {
	rows := ConflictRows(rel)
	if len(rows) == 0 {
		return "no conflicts"
	}
	var b strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&b, "%-8s %s -> %s\n", r.Direction, r.Key, strings.Join(r.Values, ", "))
	}
	return strings.TrimSuffix(b.String(), "\n")
}
