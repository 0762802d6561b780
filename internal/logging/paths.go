// Package logging manages the files that capture worker standard error.
//
// Each run gets one log file named after its run ID. The bridge never reads
// these files; they exist for diagnosis after the fact.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const logExt = ".log"

// PathManager handles log file path construction and directory management.
type PathManager struct {
	baseDir string
}

// NewPathManager creates a new PathManager with the given base directory.
// The base directory is typically ~/.local/share/examparse/logs.
func NewPathManager(baseDir string) *PathManager {
	return &PathManager{baseDir: baseDir}
}

// BaseDir returns the base log directory.
func (p *PathManager) BaseDir() string {
	return p.baseDir
}

// RunLogPath returns the full path for a run's stderr log.
// Path format: <baseDir>/<runID>.log
func (p *PathManager) RunLogPath(runID string) string {
	return filepath.Join(p.baseDir, runID+logExt)
}

// EnsureRunLog creates the base directory if needed and returns the run's log path.
func (p *PathManager) EnsureRunLog(runID string) (string, error) {
	if err := os.MkdirAll(p.baseDir, 0o750); err != nil {
		return "", fmt.Errorf("create log directory: %w", err)
	}
	return p.RunLogPath(runID), nil
}

// LogExists checks if a log file exists for the given run.
func (p *PathManager) LogExists(runID string) bool {
	_, err := os.Stat(p.RunLogPath(runID))
	return err == nil
}

// RemoveRunLog removes a run's log file if it exists.
func (p *PathManager) RemoveRunLog(runID string) error {
	if err := os.Remove(p.RunLogPath(runID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove run log: %w", err)
	}
	return nil
}

// ListRunLogs returns the run IDs that have log files, oldest first.
func (p *PathManager) ListRunLogs() ([]string, error) {
	entries, err := os.ReadDir(p.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read log directory: %w", err)
	}

	type run struct {
		id    string
		mtime int64
	}
	var runs []run
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), logExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		runs = append(runs, run{
			id:    strings.TrimSuffix(entry.Name(), logExt),
			mtime: info.ModTime().UnixNano(),
		})
	}

	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].mtime == runs[j].mtime {
			return runs[i].id < runs[j].id
		}
		return runs[i].mtime < runs[j].mtime
	})

	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.id
	}
	return ids, nil
}
