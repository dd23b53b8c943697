// Package relay drains a sidecar's event stream for the life of the process
// and routes every event to the log.
//
// A Relay owns the process handle it is given. Output lines are logged as
// they arrive: stdout at info, stderr at error. The loop ends after the
// single termination event, or when the stream closes without one.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benaskins/talkingdata/internal/driver"
	"github.com/benaskins/talkingdata/internal/journal"
	"github.com/benaskins/talkingdata/internal/logbuf"
)

// DefaultStopTimeout is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopTimeout = 10 * time.Second

// ErrChannelClosed means the event stream ended without a termination event.
var ErrChannelClosed = errors.New("event channel closed without termination")

// Outcome summarises what the relay saw.
type Outcome struct {
	Stdout        int
	Stderr        int
	Other         int
	Terminated    bool
	ExitCode      *int
	ChannelClosed bool
}

// Err returns ErrChannelClosed if the stream ended abruptly, otherwise nil.
func (o Outcome) Err() error {
	if o.ChannelClosed {
		return ErrChannelClosed
	}
	return nil
}

// Options configures a relay. The zero value is usable.
type Options struct {
	Logger      *slog.Logger
	Journal     *journal.Journal
	LaunchID    string
	Sidecar     string
	BufSize     int // recent-output ring size (lines), 0 for default
	StopTimeout time.Duration
}

// Relay forwards one process's lifecycle events to the log.
type Relay struct {
	proc        *driver.Process
	events      <-chan driver.Event
	logger      *slog.Logger
	journal     *journal.Journal
	launchID    string
	sidecar     string
	stopTimeout time.Duration
	buf         *logbuf.Ring
	done        chan struct{}

	mu      sync.Mutex
	outcome Outcome
}

// Start hands the event stream to a new background goroutine and returns
// without waiting for any event. proc may be nil when there is no process
// to stop (tests feeding a synthetic stream).
func Start(proc *driver.Process, events <-chan driver.Event, opts Options) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = slog.With("component", "relay")
	}
	if opts.Sidecar != "" {
		logger = logger.With("sidecar", opts.Sidecar)
	}
	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}

	r := &Relay{
		proc:        proc,
		events:      events,
		logger:      logger,
		journal:     opts.Journal,
		launchID:    opts.LaunchID,
		sidecar:     opts.Sidecar,
		stopTimeout: stopTimeout,
		buf:         logbuf.New(opts.BufSize),
		done:        make(chan struct{}),
	}

	go r.run()
	return r
}

func (r *Relay) run() {
	defer close(r.done)

	for {
		ev, ok := <-r.events
		if !ok {
			r.channelClosed()
			return
		}
		if r.handle(ev) {
			return
		}
	}
}

// handle routes one event and reports whether the loop should stop.
func (r *Relay) handle(ev driver.Event) bool {
	switch ev.Kind {
	case driver.EventStdout:
		line := strings.ToValidUTF8(string(ev.Line), "�")
		r.buf.Add(string(driver.EventStdout), line)
		r.count(func(o *Outcome) { o.Stdout++ })
		r.logger.Info("backend stdout", "line", line)

	case driver.EventStderr:
		line := strings.ToValidUTF8(string(ev.Line), "�")
		r.buf.Add(string(driver.EventStderr), line)
		r.count(func(o *Outcome) { o.Stderr++ })
		r.logger.Error("backend stderr", "line", line)

	case driver.EventTerminated:
		r.terminated(ev.Code)
		return true

	default:
		r.count(func(o *Outcome) { o.Other++ })
		r.logger.Debug("backend output read failed", "kind", string(ev.Kind), "error", ev.Err)
	}
	return false
}

func (r *Relay) terminated(code *int) {
	var exit any = "unknown"
	if code != nil {
		exit = *code
	}

	r.mu.Lock()
	r.outcome.Terminated = true
	r.outcome.ExitCode = code
	out := r.outcome
	r.mu.Unlock()

	r.logger.Error("backend terminated", "exit_code", exit)
	r.record(journal.Entry{
		Event:    journal.EventTerminated,
		ExitCode: code,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
	})
}

func (r *Relay) channelClosed() {
	r.mu.Lock()
	r.outcome.ChannelClosed = true
	out := r.outcome
	r.mu.Unlock()

	r.logger.Error("event channel closed", "error", ErrChannelClosed)
	r.record(journal.Entry{
		Event:  journal.EventChannelClosed,
		Stdout: out.Stdout,
		Stderr: out.Stderr,
		Error:  ErrChannelClosed.Error(),
	})
}

func (r *Relay) count(f func(*Outcome)) {
	r.mu.Lock()
	f(&r.outcome)
	r.mu.Unlock()
}

func (r *Relay) record(e journal.Entry) {
	e.LaunchID = r.launchID
	e.Sidecar = r.sidecar
	if r.proc != nil {
		e.PID = r.proc.PID()
	}
	if err := r.journal.Record(e); err != nil {
		r.logger.Warn("failed to write journal entry", "event", e.Event, "error", err)
	}
}

// Done is closed when the relay loop has exited.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Outcome returns a snapshot of what the relay has seen so far.
func (r *Relay) Outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

// Recent returns the last n output lines from both streams.
func (r *Relay) Recent(n int) []logbuf.Entry {
	return r.buf.Last(n)
}

// Process returns the process info, or false if the relay has no process.
func (r *Relay) Process() (driver.ProcessInfo, bool) {
	if r.proc == nil {
		return driver.ProcessInfo{}, false
	}
	return r.proc.Info(), true
}

// Stop terminates the sidecar and waits for the relay loop to finish
// logging its exit. It is safe to call after the process has exited.
func (r *Relay) Stop(ctx context.Context) error {
	if r.proc != nil {
		// An exited process whose Terminated event is still queued is not
		// being stopped by us.
		if r.proc.Info().State == driver.StateRunning {
			r.logger.Info("stopping backend sidecar", "pid", r.proc.PID())
			r.record(journal.Entry{Event: journal.EventStopped})
		}
		if err := r.proc.Stop(ctx, r.stopTimeout); err != nil {
			return err
		}
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
