package driver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// eventBuffer bounds how far the pipe readers can run ahead of the consumer.
// A slow consumer stalls the readers (and eventually the child), never drops.
const eventBuffer = 64

// Config describes the process to spawn.
type Config struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Process is a live child process started by Spawn.
type Process struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}

	mu        sync.Mutex
	state     State
	startedAt time.Time
	exitCode  *int
	exitErr   string
}

// Spawn starts the process with piped stdout and stderr and returns it with
// its event stream. The stream yields output lines as they arrive, then
// exactly one EventTerminated once both pipes are drained and the process
// is reaped, then closes.
//
// On error nothing is left running and no events are produced.
func Spawn(ctx context.Context, cfg Config) (*Process, <-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, &SpawnError{Path: cfg.Path, Err: err}
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, nil, &SpawnError{Path: cfg.Path, Err: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, nil, &SpawnError{Path: cfg.Path, Err: err}
	}

	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Env = cfg.Env
	cmd.Dir = cfg.Dir
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, nil, &SpawnError{Path: cfg.Path, Err: err}
	}

	// The child holds its own copies of the write ends. Closing ours means
	// the readers see EOF once the child (and anything it forked) exits.
	stdoutW.Close()
	stderrW.Close()

	p := &Process{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		done:      make(chan struct{}),
		state:     StateRunning,
		startedAt: time.Now(),
	}

	events := make(chan Event, eventBuffer)

	var readers sync.WaitGroup
	readers.Add(2)
	go pump(stdoutR, EventStdout, events, &readers)
	go pump(stderrR, EventStderr, events, &readers)

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	go func() {
		err := <-waitErr
		readers.Wait()

		code := p.exited(err)
		events <- Event{Kind: EventTerminated, Code: code}
		close(events)
		close(p.done)
	}()

	return p, events, nil
}

// pump reads newline-delimited lines from r and sends one event per line.
// A trailing fragment without a newline is sent when the pipe closes.
func pump(r *os.File, kind EventKind, events chan<- Event, wg *sync.WaitGroup) {
	defer wg.Done()
	defer r.Close()

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			events <- Event{Kind: kind, Line: trimEOL(line)}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				events <- Event{Kind: EventError, Err: err}
			}
			return
		}
	}
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

// exited records the wait result and returns the exit code, or nil if the
// platform could not report one.
func (p *Process) exited(err error) *int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateStopping {
		p.state = StateStopped
	} else {
		p.state = StateExited
	}

	if err != nil {
		p.exitErr = err.Error()
	}

	var code *int
	if ps := p.cmd.ProcessState; ps != nil && ps.ExitCode() >= 0 {
		c := ps.ExitCode()
		code = &c
	}
	p.exitCode = code
	return code
}

// PID returns the OS process id.
func (p *Process) PID() int {
	return p.pid
}

// Done is closed after the process has been reaped and the event stream closed.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Info returns current process state and metadata.
func (p *Process) Info() ProcessInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	return ProcessInfo{
		PID:       p.pid,
		State:     p.state,
		StartedAt: p.startedAt,
		ExitCode:  p.exitCode,
		Error:     p.exitErr,
	}
}

// Stop asks the process group to terminate, waits up to timeout, then
// force-kills it. Stopping a process that already exited is a no-op.
//
// Stop does not wait for the event stream consumer; the stream still ends
// with EventTerminated.
func (p *Process) Stop(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return nil
	}
	p.state = StateStopping
	p.mu.Unlock()

	_ = terminate(p.pid)

	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
	case <-ctx.Done():
		_ = kill(p.pid)
		return ctx.Err()
	}

	_ = kill(p.pid)

	// The reaper can still block if a grandchild holds the pipes open.
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
	}
	return nil
}
