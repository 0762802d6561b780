// Package events decodes the JSON event records the worker prints on stdout.
//
// The bridge forwards raw lines and never depends on this package; it is
// used to render events for people.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Type is the kind of a worker event.
type Type string

// Event types emitted by the worker.
const (
	TypeStage     Type = "stage"
	TypeProgress  Type = "progress"
	TypeWarning   Type = "warning"
	TypeError     Type = "error"
	TypeMetric    Type = "metric"
	TypeCompleted Type = "completed"
)

// ErrNotEvent is returned for lines that are not worker events.
var ErrNotEvent = errors.New("not a worker event")

var validate = validator.New()

// Event is one decoded worker record.
type Event struct {
	Type    Type     `json:"type" validate:"required,oneof=stage progress warning error metric completed"`
	Stage   string   `json:"stage" validate:"required"`
	TS      string   `json:"ts,omitempty"`
	FileID  string   `json:"fileId" validate:"required"`
	Message *string  `json:"message,omitempty"`
	Percent *float64 `json:"percent,omitempty" validate:"omitempty,min=0,max=1"`
}

// Parse decodes and validates one line. Any failure wraps ErrNotEvent.
func Parse(line string) (*Event, error) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, ErrNotEvent
	}

	var ev Event
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotEvent, err)
	}
	if err := validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotEvent, err)
	}
	return &ev, nil
}

// IsTerminal reports whether the event ends a file's pipeline.
func (e *Event) IsTerminal() bool {
	return e.Type == TypeCompleted || e.Type == TypeError
}

// String renders the event on one line, e.g.
// "[1f2e3d4c] split progress 40% start split".
func (e *Event) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s", shortID(e.FileID), e.Stage, e.Type)
	if e.Percent != nil {
		fmt.Fprintf(&b, " %.0f%%", *e.Percent*100)
	}
	if e.Message != nil && *e.Message != "" {
		b.WriteString(" ")
		b.WriteString(*e.Message)
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
