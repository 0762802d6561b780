// Package catalog provides persistent storage for worker run history.
package catalog

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for catalog operations.
var (
	ErrNotFound      = errors.New("run not found")
	ErrAlreadyExists = errors.New("run already exists")
	ErrLockTimeout   = errors.New("failed to acquire catalog lock")
)

// Status represents the run lifecycle state.
type Status string

const (
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
)

// Entry represents a persisted run record.
type Entry struct {
	ID         string     `json:"id"`
	PID        int        `json:"pid"`
	Mode       string     `json:"mode"`        // Deployment mode that resolved the worker
	Inputs     []string   `json:"inputs"`      // Input paths as requested
	Output     string     `json:"output"`      // Requested output path (may be empty)
	Mock       bool       `json:"mock"`        // Worker ran in mock mode
	LogPath    string     `json:"log_path"`    // Captured stderr (may be empty)
	StartedAt  time.Time  `json:"started_at"`  // Spawn timestamp
	FinishedAt *time.Time `json:"finished_at"` // Set once output has ended
	Status     Status     `json:"status"`
	Lines      int64      `json:"lines"`   // Stdout lines read, skipped included
	Skipped    int64      `json:"skipped"` // Undecodable lines dropped
}

// ListFilter filters catalog queries.
type ListFilter struct {
	Status Status // Filter by status (empty = all)
	Limit  int    // Keep only the newest Limit entries (0 = all)
}

// Store provides persistent storage for run entries. Entries are kept in
// the order they were added, oldest first.
//
//go:generate go run github.com/matryer/moq@latest -pkg mocks -out mocks/store.go . Store
type Store interface {
	// Add records a new run.
	// Returns ErrAlreadyExists if an entry with the same ID exists.
	Add(ctx context.Context, entry Entry) error

	// Get retrieves an entry by ID.
	// Returns ErrNotFound if not found.
	Get(ctx context.Context, id string) (*Entry, error)

	// Update modifies an existing entry.
	// Returns ErrNotFound if not found.
	Update(ctx context.Context, entry Entry) error

	// Remove deletes an entry by ID.
	// Returns ErrNotFound if not found.
	Remove(ctx context.Context, id string) error

	// List returns all entries matching the filter, oldest first.
	List(ctx context.Context, filter ListFilter) ([]Entry, error)

	// Prune removes the oldest finished entries so that at most keep
	// finished entries remain, and returns the removed entries.
	Prune(ctx context.Context, keep int) ([]Entry, error)
}
