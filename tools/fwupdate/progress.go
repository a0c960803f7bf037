package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/tez-capital/fwupdate/updater"
)

const progressRefresh = 500 * time.Millisecond

var (
	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("57"))
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229"))
	detailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type finishMsg struct {
	err error
}

type refreshMsg time.Time

type progressModel struct {
	title   string
	u       *updater.Updater
	spinner spinner.Model
	phase   string
	written int64
	done    bool
}

func newProgressModel(title string, u *updater.Updater) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle
	return progressModel{title: title, u: u, spinner: s}
}

func refresh() tea.Cmd {
	return tea.Tick(progressRefresh, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, refresh())
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case finishMsg:
		m.done = true
		return m, tea.Quit
	case refreshMsg:
		m.phase = m.u.Status().String()
		m.written = m.u.Workspace().PartialSize()
		return m, refresh()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m progressModel) View() string {
	if m.done {
		return ""
	}
	detail := m.phase
	if m.written > 0 {
		detail = fmt.Sprintf("%s, %s written", detail, humanBytes(m.written))
	}
	return fmt.Sprintf("%s %s %s\n", m.spinner.View(), titleStyle.Render(m.title), detailStyle.Render(detail))
}

// runWithProgress runs fn, showing a spinner on stderr when it is a
// terminal. Interrupting the display stops waiting; detached jobs keep
// running and can be picked up again with the same command.
func runWithProgress(ctx context.Context, u *updater.Updater, title string, fn func(context.Context) error) error {
	if !isTTY(os.Stderr) {
		return fn(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newProgressModel(title, u), tea.WithOutput(os.Stderr), tea.WithInput(nil))
	result := make(chan error, 1)
	go func() {
		err := fn(ctx)
		result <- err
		p.Send(finishMsg{err: err})
	}()

	if _, err := p.Run(); err != nil {
		cancel()
	}
	return <-result
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
