// Package bridge relays a worker's standard output to an event sink.
//
// A Stream owns two goroutines: a reader that splits stdout into lines and
// pushes them onto a bounded channel, and a forwarder that delivers each
// line to the Sink in order. The reader reaps the process once stdout hits
// end-of-stream; Done closes after both goroutines finish. Nothing is
// reported back to the caller that started the stream.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"unicode/utf8"

	"github.com/jmgilman/examparse/internal/slogger"
)

// EventName is the channel name the UI subscribes to.
const EventName = "sidecar-event"

// DefaultBuffer is the channel capacity between reader and forwarder.
const DefaultBuffer = 256

// Event is one line of worker output.
type Event struct {
	RunID string `json:"run_id,omitempty"`
	Text  string `json:"text"`
}

// Sink receives events. Emit has no error return: a sink that cannot
// deliver drops the event internally.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) { f(e) }

// Source is the process side of a stream.
type Source interface {
	// Stdout is read exclusively by the bridge.
	Stdout() io.Reader

	// Wait is called once stdout has reached end-of-stream.
	Wait() error
}

// Options configures a Stream.
type Options struct {
	RunID  string
	Buffer int // Zero means DefaultBuffer.
}

// Stream is a running bridge.
type Stream struct {
	runID  string
	log    *slog.Logger
	events chan Event
	reaped chan struct{}
	done   chan struct{}

	lines   atomic.Int64
	skipped atomic.Int64
	dropped atomic.Int64
}

// Start begins streaming src to sink and returns immediately. Only the
// logger is taken from ctx; cancelling ctx does not stop the stream.
func Start(ctx context.Context, src Source, sink Sink, opts Options) *Stream {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	s := &Stream{
		runID:  opts.RunID,
		log:    slogger.L(ctx).With("run_id", opts.RunID),
		events: make(chan Event, buffer),
		reaped: make(chan struct{}),
		done:   make(chan struct{}),
	}

	go s.read(src)
	go s.forward(sink)

	return s
}

// Done is closed once the worker's output has ended, every event has been
// offered to the sink and the process has been reaped. It signals that no
// more output will come, not that the worker succeeded.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Lines returns the number of lines read so far, skipped lines included.
func (s *Stream) Lines() int64 { return s.lines.Load() }

// Skipped returns the number of lines dropped for not being valid UTF-8.
func (s *Stream) Skipped() int64 { return s.skipped.Load() }

// Dropped returns the number of deliveries the sink failed.
func (s *Stream) Dropped() int64 { return s.dropped.Load() }

func (s *Stream) read(src Source) {
	defer close(s.reaped)

	err := ReadLines(src.Stdout(), func(line []byte) {
		s.lines.Add(1)
		if !utf8.Valid(line) {
			s.skipped.Add(1)
			s.log.Debug("skipping undecodable line", "bytes", len(line))
			return
		}
		s.events <- Event{RunID: s.runID, Text: string(line)}
	})
	close(s.events)
	if err != nil {
		s.log.Debug("stdout read ended with error", "error", err)
	}

	waitErr := src.Wait()
	s.log.Debug("worker output closed",
		"lines", s.lines.Load(),
		"skipped", s.skipped.Load(),
		"wait_error", waitErr,
	)
}

func (s *Stream) forward(sink Sink) {
	defer close(s.done)

	for ev := range s.events {
		s.deliver(sink, ev)
	}
	<-s.reaped
}

// deliver isolates one Emit call so a failing sink cannot end the loop.
func (s *Stream) deliver(sink Sink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.dropped.Add(1)
			s.log.Debug("event delivery failed", "panic", r)
		}
	}()
	sink.Emit(ev)
}

// ReadLines calls fn for every line in r, without the trailing "\n" or
// "\r\n". A final line without a newline is still delivered. Lines may be
// arbitrarily long. The slice passed to fn is only valid during the call.
func ReadLines(r io.Reader, fn func(line []byte)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimSuffix(line, []byte("\n"))
			line = bytes.TrimSuffix(line, []byte("\r"))
			fn(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
