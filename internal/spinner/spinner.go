// Package spinner provides a terminal spinner with ticker-style status display.
// It shows a spinning indicator alongside the latest worker event,
// updating in place without polluting the terminal buffer.
package spinner

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/jmgilman/examparse/internal/bridge"
	"github.com/jmgilman/examparse/internal/events"
)

// statusBuffer bounds pending status lines. Older lines are dropped
// when the display falls behind since only the latest one is shown.
const statusBuffer = 32

// Spinner displays a spinner with ticker-style status updates.
// It implements bridge.Sink so a runner can stream into it directly.
type Spinner struct {
	program *tea.Program
	lineCh  chan string
	done    chan struct{}
	once    sync.Once
}

// New creates a new Spinner that writes to the given output (typically os.Stderr).
// If output is nil, os.Stderr is used.
func New(output io.Writer) *Spinner {
	if output == nil {
		output = os.Stderr
	}

	s := &Spinner{
		lineCh: make(chan string, statusBuffer),
		done:   make(chan struct{}),
	}
	s.program = tea.NewProgram(newModel(s.lineCh, s.done, terminalWidth(output)),
		tea.WithOutput(output),
		tea.WithInput(nil),
		tea.WithoutSignalHandler(), // Let parent handle signals
	)
	return s
}

// Emit implements bridge.Sink. Event records are shown in their compact
// form prefixed by the run they belong to.
func (s *Spinner) Emit(e bridge.Event) {
	line := strings.TrimSpace(e.Text)
	if ev, err := events.Parse(e.Text); err == nil {
		line = ev.String()
	}
	if line == "" {
		return
	}
	if id := shortRun(e.RunID); id != "" {
		line = id + " " + line
	}
	s.Status(line)
}

// Status replaces the displayed status line. It never blocks; when the
// display is behind the line is dropped.
func (s *Spinner) Status(line string) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.lineCh <- line:
	default:
	}
}

// Start begins the spinner display. This blocks until Stop() is called.
// Call this in a goroutine if you need to do work while the spinner runs.
func (s *Spinner) Start() error {
	_, err := s.program.Run()
	return err
}

// Stop stops the spinner, which clears its line and makes Start return.
// It is safe to call more than once and before Start.
func (s *Spinner) Stop() {
	s.once.Do(func() { close(s.done) })
}

func terminalWidth(w io.Writer) int {
	width := 80
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if tw, _, err := term.GetSize(int(f.Fd())); err == nil && tw > 0 {
			width = tw
		}
	}
	return width
}

func shortRun(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// model is the bubbletea model for the spinner.
type model struct {
	spinner    spinner.Model
	statusLine string
	width      int
	lineCh     <-chan string
	done       <-chan struct{}
	quitting   bool
}

// lineMsg is sent when a new status line arrives.
type lineMsg string

// stopMsg is sent once Stop has been called.
type stopMsg struct{}

func newModel(lineCh <-chan string, done <-chan struct{}, width int) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return model{
		spinner: s,
		width:   width,
		lineCh:  lineCh,
		done:    done,
	}
}

// Init implements tea.Model.
//
//nolint:gocritic // hugeParam: tea.Model interface requires value receiver
func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		waitForLine(m.lineCh, m.done),
	)
}

// Update implements tea.Model.
//
//nolint:gocritic // hugeParam: tea.Model interface requires value receiver
func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width

	case lineMsg:
		m.statusLine = string(msg)
		return m, waitForLine(m.lineCh, m.done)

	case stopMsg:
		m.quitting = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.QuitMsg:
		m.quitting = true
		return m, nil
	}

	return m, nil
}

// View implements tea.Model.
//
//nolint:gocritic // hugeParam: tea.Model interface requires value receiver
func (m model) View() string {
	if m.quitting {
		return "" // Clear the line on exit
	}

	// Spinner is 2 chars + 1 space
	maxLineWidth := max(m.width-3, 10)
	return m.spinner.View() + " " + truncate(m.statusLine, maxLineWidth)
}

// waitForLine returns a command that waits for the next status line.
func waitForLine(lineCh <-chan string, done <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		select {
		case line := <-lineCh:
			return lineMsg(line)
		case <-done:
			return stopMsg{}
		}
	}
}

// truncate shortens a string to fit within maxWidth.
// If truncated, it adds "..." at the end.
func truncate(s string, maxWidth int) string {
	if maxWidth <= 3 {
		return ""
	}
	if len(s) <= maxWidth {
		return s
	}
	return s[:maxWidth-3] + "..."
}
