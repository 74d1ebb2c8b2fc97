// pattern: Imperative Shell

package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"termhub/internal/instance"
)

// pollInterval is how often the monitor re-fetches GET /api/sessions.
// termhub-monitor is a separate process from the web server, so it has no
// event-push channel into ConnectionManager — polling is the only option.
const pollInterval = 1 * time.Second

// sessionRow mirrors internal/web's sessionInfo wire shape.
type sessionRow struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Cols  uint16 `json:"cols,omitempty"`
	Rows  uint16 `json:"rows,omitempty"`
}

type sessionsMsg struct {
	rows []sessionRow
	err  error
}

type tickMsg time.Time

// Model is the monitor's Bubble Tea state: a polled snapshot of live
// sessions rendered as a table, nothing more — no pane tiling, no attach.
type Model struct {
	client *instance.Client
	styles *Styles

	rows     []sessionRow
	lastErr  error
	quitting bool
}

func NewModel(client *instance.Client, styles *Styles) Model {
	return Model{client: client, styles: styles}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.poll(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) poll() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		data, err := client.List()
		if err != nil {
			return sessionsMsg{err: err}
		}
		var rows []sessionRow
		if err := json.Unmarshal(data, &rows); err != nil {
			return sessionsMsg{err: err}
		}
		return sessionsMsg{rows: rows}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.poll(), tick())

	case sessionsMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			return m, nil
		}
		m.lastErr = nil
		m.rows = msg.rows
		return m, nil
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.styles.TitleStyle().Render("termhub sessions"))
	b.WriteString("\n")

	if m.lastErr != nil {
		b.WriteString(m.styles.ErrorStyle().Render(fmt.Sprintf("error: %v", m.lastErr)))
		b.WriteString("\n")
	} else if len(m.rows) == 0 {
		b.WriteString(m.styles.RowStyle().Render("no active sessions"))
		b.WriteString("\n")
	} else {
		b.WriteString(m.renderTable())
	}

	b.WriteString(m.styles.HelpStyle().Render("q: quit"))
	return m.styles.BoxStyle().Render(b.String())
}

func (m Model) renderTable() string {
	header := m.styles.HeaderStyle().Render(fmt.Sprintf("%-36s  %-10s  %6s  %6s", "ID", "STATE", "COLS", "ROWS"))
	lines := []string{header}
	for _, r := range m.rows {
		style := m.styles.RowStyle()
		switch r.State {
		case "running":
			style = m.styles.RunningStyle()
		case "closing", "starting":
			style = m.styles.ClosingStyle()
		}
		lines = append(lines, style.Render(fmt.Sprintf("%-36s  %-10s  %6d  %6d", r.ID, r.State, r.Cols, r.Rows)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...) + "\n"
}
