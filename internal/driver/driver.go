package driver

import (
	"fmt"
	"time"
)

// State represents the lifecycle state of a spawned process.
type State string

const (
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateExited   State = "exited"
)

// ProcessInfo holds runtime information about a spawned process.
type ProcessInfo struct {
	PID       int
	State     State
	StartedAt time.Time
	ExitCode  *int
	Error     string
}

// EventKind tags a lifecycle event.
type EventKind string

const (
	EventStdout     EventKind = "stdout"
	EventStderr     EventKind = "stderr"
	EventTerminated EventKind = "terminated"
	// EventError reports a failed read on one of the output pipes.
	EventError EventKind = "error"
)

// Event is a single notification about the child's output or exit.
type Event struct {
	Kind EventKind
	// Line is one complete output line without its terminator.
	Line []byte
	// Code is the exit status for EventTerminated, nil if the OS could not
	// report one (for example the process was killed by a signal).
	Code *int
	Err  error
}

// SpawnError means the OS refused to create the process.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
