package sidecar

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultBinary is the packaged sidecar's base file name.
const DefaultBinary = "examparse-sidecar"

// fallbackDir is the working-directory-relative location used by local builds.
const fallbackDir = "sidecar-dist"

// Packaged runs a prebuilt sidecar binary shipped with the application.
type Packaged struct {
	// Binary is the base file name. Zero means DefaultBinary.
	Binary string

	// GOOS selects the platform file name (".exe" suffix on windows).
	GOOS string

	// ResourceDir is the bundled-resource directory next to the application.
	ResourceDir string

	// DataDir is the per-user application data directory.
	DataDir string

	// WorkDir anchors the last-resort relative fallback.
	WorkDir string
}

// Name implements DeploymentMode.
func (p *Packaged) Name() string {
	return ModePackaged
}

// FileName returns the platform-specific executable name.
func (p *Packaged) FileName() string {
	name := p.Binary
	if name == "" {
		name = DefaultBinary
	}
	if p.GOOS == "windows" && !strings.HasSuffix(name, ".exe") {
		name += ".exe"
	}
	return name
}

// Candidates returns the probed paths in priority order. Directories that
// are not configured are skipped.
func (p *Packaged) Candidates() []string {
	name := p.FileName()

	var candidates []string
	if p.ResourceDir != "" {
		candidates = append(candidates, filepath.Join(p.ResourceDir, name))
	}
	if p.DataDir != "" {
		candidates = append(candidates, filepath.Join(p.DataDir, "bin", name))
	}
	if p.WorkDir != "" {
		candidates = append(candidates, filepath.Join(p.WorkDir, fallbackDir, name))
	}
	return candidates
}

// Resolve returns the first candidate that exists on disk.
func (p *Packaged) Resolve() (*Executable, error) {
	candidates := p.Candidates()
	for _, candidate := range candidates {
		if isFile(candidate) {
			return &Executable{Path: candidate}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s not in %s", ErrSidecarNotFound, p.FileName(), strings.Join(candidates, ", "))
}
