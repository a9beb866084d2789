// Package tui renders the live run watcher: a terminal view over the
// WebSocket progress stream.
package tui

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/alliecatowo/legalease-ai/internal/broadcast"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	phaseStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	pausedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	barFillStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
	barEmptyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
)

const progressBarWidth = 40

type streamEventMsg broadcast.Event

type streamClosedMsg struct{ err error }

type watchModel struct {
	runID    string
	events   <-chan tea.Msg
	last     broadcast.Data
	log      []string
	done     bool
	doneNote string
	err      error
}

func (m watchModel) Init() tea.Cmd {
	return waitForStream(m.events)
}

func waitForStream(events <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return msg
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case streamEventMsg:
		ev := broadcast.Event(msg)
		m.last = ev.Data
		m.log = append(m.log, renderLogLine(ev))
		if len(m.log) > 12 {
			m.log = m.log[len(m.log)-12:]
		}
		switch ev.Type {
		case broadcast.EventCompleted:
			m.done = true
			if ev.Data.IsCancelled {
				m.doneNote = pausedStyle.Render("run cancelled")
			} else {
				m.doneNote = okStyle.Render("run completed")
			}
			return m, tea.Quit
		case broadcast.EventError:
			m.done = true
			m.doneNote = errStyle.Render("run failed: " + ev.Data.Error)
			return m, tea.Quit
		}
		return m, waitForStream(m.events)
	case streamClosedMsg:
		m.done = true
		if msg.err != nil {
			m.err = msg.err
		}
		return m, tea.Quit
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("legalease research "+m.runID) + "\n\n")

	b.WriteString(fmt.Sprintf("  %s %s\n", dimStyle.Render("phase:"), phaseStyle.Render(m.last.Phase)))
	if m.last.CurrentActivity != "" {
		b.WriteString(fmt.Sprintf("  %s %s\n", dimStyle.Render("agent:"), m.last.CurrentActivity))
	}
	b.WriteString(fmt.Sprintf("  %s %s %.0f%%", dimStyle.Render("progress:"), renderBar(m.last.ProgressPct), m.last.ProgressPct))
	if m.last.IsPaused {
		b.WriteString("  " + pausedStyle.Render("[PAUSED]"))
	}
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  %s %d findings, %d citations\n\n",
		dimStyle.Render("collected:"), m.last.FindingsCount, m.last.CitationsCount))

	for _, line := range m.log {
		b.WriteString("  " + line + "\n")
	}
	if m.doneNote != "" {
		b.WriteString("\n  " + m.doneNote + "\n")
	}
	if m.err != nil {
		b.WriteString("\n  " + errStyle.Render("stream error: "+m.err.Error()) + "\n")
	}
	if !m.done {
		b.WriteString("\n  " + dimStyle.Render("q to quit") + "\n")
	}
	return b.String()
}

func renderBar(pct float64) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := int(pct / 100 * progressBarWidth)
	return barFillStyle.Render(strings.Repeat("█", filled)) +
		barEmptyStyle.Render(strings.Repeat("░", progressBarWidth-filled))
}

func renderLogLine(ev broadcast.Event) string {
	stamp := dimStyle.Render(ev.Timestamp.Format("15:04:05"))
	switch ev.Type {
	case broadcast.EventPhaseChange:
		return fmt.Sprintf("%s phase %s", stamp, phaseStyle.Render(ev.Data.Phase))
	case broadcast.EventProgress:
		return fmt.Sprintf("%s %.0f%% (%s)", stamp, ev.Data.ProgressPct, ev.Data.CurrentActivity)
	case broadcast.EventCompleted:
		if ev.Data.IsCancelled {
			return fmt.Sprintf("%s %s", stamp, pausedStyle.Render("cancelled"))
		}
		return fmt.Sprintf("%s %s", stamp, okStyle.Render("completed"))
	case broadcast.EventError:
		return fmt.Sprintf("%s %s", stamp, errStyle.Render("failed: "+ev.Data.Error))
	default:
		if ev.Data.IsPaused {
			return fmt.Sprintf("%s %s", stamp, pausedStyle.Render("paused"))
		}
		return fmt.Sprintf("%s status %s", stamp, ev.Data.Phase)
	}
}

// RunWatch dials the progress stream and renders it until the run reaches a
// terminal state or the user quits.
func RunWatch(ctx context.Context, wsURL, token, runID string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "watch finished")

	events := make(chan tea.Msg, 16)
	go func() {
		defer close(events)
		for {
			var ev broadcast.Event
			if err := wsjson.Read(ctx, conn, &ev); err != nil {
				return
			}
			events <- streamEventMsg(ev)
		}
	}()

	p := tea.NewProgram(watchModel{runID: runID, events: events}, tea.WithContext(ctx))
	_, err = p.Run()
	return err
}
