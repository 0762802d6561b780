package spinner

import (
	"bytes"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/examparse/internal/bridge"
)

func drain(s *Spinner) []string {
	var lines []string
	for {
		select {
		case l := <-s.lineCh:
			lines = append(lines, l)
		default:
			return lines
		}
	}
}

func TestEmit(t *testing.T) {
	s := New(&bytes.Buffer{})

	s.Emit(bridge.Event{RunID: "0123456789abcdef", Text: `{"type":"progress","stage":"ocr","fileId":"abc","percent":0.5}`})
	s.Emit(bridge.Event{RunID: "run1", Text: "Loading model..."})
	s.Emit(bridge.Event{Text: "   "})

	assert.Equal(t, []string{
		"01234567 [abc] ocr progress 50%",
		"run1 Loading model...",
	}, drain(s))
}

func TestStatus(t *testing.T) {
	t.Run("drops when full", func(t *testing.T) {
		s := New(&bytes.Buffer{})
		for range statusBuffer + 10 {
			s.Status("line")
		}
		assert.Len(t, drain(s), statusBuffer)
	})

	t.Run("ignored after stop", func(t *testing.T) {
		s := New(&bytes.Buffer{})
		s.Stop()
		s.Stop()
		s.Status("late")
		assert.Empty(t, drain(s))
	})
}

func TestModel(t *testing.T) {
	lines := make(chan string, 1)
	done := make(chan struct{})
	m := newModel(lines, done, 20)

	next, _ := m.Update(lineMsg("split progress 40% start split"))
	m = next.(model)
	assert.Equal(t, "split progress 40% start split", m.statusLine)
	assert.Contains(t, m.View(), "split progress...")

	next, _ = m.Update(tea.WindowSizeMsg{Width: 100})
	m = next.(model)
	assert.Contains(t, m.View(), "split progress 40% start split")

	next, cmd := m.Update(stopMsg{})
	m = next.(model)
	assert.Empty(t, m.View())
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestWaitForLine(t *testing.T) {
	lines := make(chan string, 1)
	done := make(chan struct{})

	lines <- "hello"
	assert.Equal(t, lineMsg("hello"), waitForLine(lines, done)())

	close(done)
	_, ok := waitForLine(lines, done)().(stopMsg)
	require.True(t, ok)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"anything", 3, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, truncate(tt.in, tt.width), tt.in)
	}
}

func TestStartStop(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	s.Status("working")
	s.Stop()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("spinner did not stop")
	}
}
