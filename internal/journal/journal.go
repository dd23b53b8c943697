// Package journal records sidecar lifecycle transitions to an append-only
// file of newline-delimited JSON, one record per transition.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event describes what happened to the sidecar.
type Event string

const (
	EventSkipped       Event = "skipped"
	EventLaunchFailed  Event = "launch_failed"
	EventLaunched      Event = "launched"
	EventTerminated    Event = "terminated"
	EventChannelClosed Event = "channel_closed"
	EventStopped       Event = "stopped"
)

// Entry is a single journal record.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Event     Event     `json:"event"`
	LaunchID  string    `json:"launch_id"`
	Sidecar   string    `json:"sidecar,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	Path      string    `json:"path,omitempty"`
	PID       int       `json:"pid,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Stdout    int       `json:"stdout_lines,omitempty"`
	Stderr    int       `json:"stderr_lines,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// NewLaunchID returns an identifier that ties together the records of one
// launch attempt.
func NewLaunchID() string {
	return uuid.NewString()
}

// Journal writes entries to an append-only file. A nil *Journal discards
// everything, so callers need not check whether journaling is enabled.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Open creates or opens a journal file for appending.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return &Journal{file: f, path: path}, nil
}

// Record writes an entry.
func (j *Journal) Record(entry Entry) error {
	if j == nil {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing journal entry: %w", err)
	}
	return nil
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Close closes the journal file.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.file.Close()
}
