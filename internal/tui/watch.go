// Package tui provides the live operation watch view.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mickaelli/storyctl/internal/models"
	"github.com/mickaelli/storyctl/internal/tracker"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 2)

	succeededStyle = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	failedStyle    = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	runningStyle   = lipgloss.NewStyle().Foreground(warningColor)
	queuedStyle    = lipgloss.NewStyle().Foreground(mutedColor)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)
)

// Watch is the live operation list model. It refreshes the tracker
// snapshot on a fixed tick until the user quits.
type Watch struct {
	tracker  tracker.Tracker
	snap     tracker.Aggregate
	spin     spinner.Model
	width    int
	interval time.Duration
}

// NewWatch creates a watch view over the given tracker.
func NewWatch(t tracker.Tracker) *Watch {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)

	return &Watch{
		tracker:  t,
		spin:     sp,
		width:    80,
		interval: time.Second,
	}
}

// Run starts the watch view and blocks until the user quits.
func (w *Watch) Run() error {
	p := tea.NewProgram(w, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

type tickMsg time.Time

// allDone reports whether every tracked operation has settled, at which
// point the watch exits on its own.
func (w *Watch) allDone() bool {
	return !w.snap.Loading &&
		len(w.snap.Operations) > 0 &&
		w.snap.PendingCount == 0
}

func (w *Watch) tickCmd() tea.Cmd {
	return tea.Tick(w.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init implements tea.Model
func (w *Watch) Init() tea.Cmd {
	w.snap = w.tracker.Snapshot()
	return tea.Batch(w.spin.Tick, w.tickCmd())
}

// Update implements tea.Model
func (w *Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return w, tea.Quit
		case "r":
			w.tracker.RefetchAll()
			w.snap = w.tracker.Snapshot()
			return w, nil
		}

	case tea.WindowSizeMsg:
		w.width = msg.Width

	case tickMsg:
		w.snap = w.tracker.Snapshot()
		if w.allDone() {
			return w, tea.Quit
		}
		return w, w.tickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		w.spin, cmd = w.spin.Update(msg)
		return w, cmd
	}

	return w, nil
}

// View implements tea.Model
func (w *Watch) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("storyctl · operations"))
	b.WriteString("\n\n")

	if len(w.snap.Operations) == 0 {
		if w.snap.Loading {
			b.WriteString(rowStyle.Render(w.spin.View() + " loading..."))
		} else {
			b.WriteString(rowStyle.Render(queuedStyle.Render("no tracked operations")))
		}
		b.WriteString("\n")
	}

	for _, op := range w.snap.Operations {
		b.WriteString(rowStyle.Render(w.renderRow(op)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(statusBarStyle.Render(fmt.Sprintf(
		" %d pending · %d succeeded · %d failed ",
		w.snap.PendingCount, w.snap.SucceededCount, w.snap.FailedCount,
	)))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("  r refresh · q quit"))

	return b.String()
}

func (w *Watch) renderRow(op *models.Operation) string {
	var status string
	switch op.Status {
	case models.StatusSucceeded:
		status = succeededStyle.Render("✔ done")
	case models.StatusFailed:
		status = failedStyle.Render("✘ failed")
	case models.StatusRunning:
		status = runningStyle.Render(w.spin.View() + fmt.Sprintf(" %3d%%", op.ProgressPercent))
	default:
		status = queuedStyle.Render("· queued")
	}

	line := fmt.Sprintf("%-12s %-14s %s", status, op.Kind, op.ID)
	if op.Status == models.StatusFailed && op.ErrorMsg != "" {
		line += "  " + failedStyle.Render(truncate(op.ErrorMsg, w.width/3))
	}
	return line
}

func truncate(s string, n int) string {
	if n < 4 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
