// Package state persists the outcome of the last successful run.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// State is the persisted run state.
type State struct {
	// LastRun is when the last successful run completed.
	LastRun time.Time `json:"last_run"`
	RunID   string    `json:"run_id,omitempty"`
}

// Load reads the state at path. A missing file yields the zero State and
// found=false.
func Load(path string) (st State, found bool, err error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("state: %w", err)
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return State{}, false, fmt.Errorf("state: decode %s: %w", path, err)
	}
	return st, true, nil
}

// Since returns the last run time, or nil when no run completed yet.
func (s State) Since() *time.Time {
	if s.LastRun.IsZero() {
		return nil
	}
	t := s.LastRun
	return &t
}

// Save replaces the state at path atomically: the new content is written to a
// temp file in the same directory and renamed over the old one.
func Save(path string, st State) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}
	tmpName := tmp.Name()

	_, writeErr := tmp.Write(append(b, '\n'))
	closeErr := tmp.Close()
	if writeErr != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("state: write: %w", writeErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("state: close: %w", closeErr)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("state: %w", err)
	}
	return nil
}
