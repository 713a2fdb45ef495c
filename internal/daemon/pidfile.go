// Package daemon tracks the background serve process through a PID file
// under the state directory, so start/stop/status can find it across
// invocations.
package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PIDFile is a handle to the serve daemon's PID file. The foreground server
// writes it on startup and removes it on clean shutdown; the stop and status
// commands read it to locate the process.
type PIDFile struct {
	Path string
}

// NewPIDFile returns a handle for the given path. Nothing is touched on
// disk until Write or Read.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write records the current process's PID.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID records the given PID.
func (p *PIDFile) WritePID(pid int) error {
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read parses the PID from the file. A file left behind by a crashed server
// still parses; use IsRunning to tell a live PID from a stale one.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}
