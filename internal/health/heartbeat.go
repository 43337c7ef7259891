// Package health writes per-role liveness files that external health checks
// read. Staleness semantics belong to the operator, not the core.
package health

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Heartbeat touches <dir>/<role>.health with the current timestamp on each
// loop iteration of its role.
type Heartbeat struct {
	dir  string
	role string
}

// NewHeartbeat creates the heartbeat directory if needed.
func NewHeartbeat(dir, role string) (*Heartbeat, error) {
	if dir == "" {
		dir = "healthchecks"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create healthcheck dir: %w", err)
	}
	return &Heartbeat{dir: dir, role: role}, nil
}

// Beat writes the current RFC-3339 timestamp. Last writer wins.
func (h *Heartbeat) Beat() error {
	stamp := time.Now().UTC().Format(time.RFC3339)
	if err := os.WriteFile(h.Path(), []byte(stamp+"\n"), 0o644); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return nil
}

// Path returns the heartbeat file path for this role.
func (h *Heartbeat) Path() string {
	return filepath.Join(h.dir, h.role+".health")
}

// Last reads the most recent heartbeat timestamp, or the zero time when the
// role has never beaten.
func (h *Heartbeat) Last() (time.Time, error) {
	data, err := os.ReadFile(h.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	stamp := string(data)
	if n := len(stamp); n > 0 && stamp[n-1] == '\n' {
		stamp = stamp[:n-1]
	}
	t, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse heartbeat: %w", err)
	}
	return t, nil
}
