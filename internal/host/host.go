// Package host is the application host's startup and shutdown glue: it runs
// the sidecar launch from the one-time setup hook, hands a live process to
// a relay, and registers the host's invocable commands.
package host

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benaskins/talkingdata/internal/buildmode"
	"github.com/benaskins/talkingdata/internal/command"
	"github.com/benaskins/talkingdata/internal/driver"
	"github.com/benaskins/talkingdata/internal/health"
	"github.com/benaskins/talkingdata/internal/journal"
	"github.com/benaskins/talkingdata/internal/launcher"
	"github.com/benaskins/talkingdata/internal/logbuf"
	"github.com/benaskins/talkingdata/internal/relay"
)

// ErrSetupDone is returned when Setup is called more than once.
var ErrSetupDone = errors.New("host setup already ran")

// Host owns the sidecar launch for one application run.
type Host struct {
	launcher    *launcher.Launcher
	commands    *command.Registry
	journal     *journal.Journal
	probeCfg    *health.Config
	stopTimeout time.Duration
	base        *slog.Logger
	logger      *slog.Logger

	mu      sync.Mutex
	setup   bool
	result  launcher.Result
	relay   *relay.Relay
	probe   *health.Probe
	started time.Time
}

// Option configures the host.
type Option func(*Host)

// WithProbe enables the readiness probe. The port is filled in from the
// launched sidecar.
func WithProbe(cfg health.Config) Option {
	return func(h *Host) {
		h.probeCfg = &cfg
	}
}

// WithJournal records relay outcomes to j.
func WithJournal(j *journal.Journal) Option {
	return func(h *Host) {
		h.journal = j
	}
}

// WithStopTimeout sets how long the sidecar gets to exit on shutdown.
func WithStopTimeout(d time.Duration) Option {
	return func(h *Host) {
		h.stopTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) {
		h.logger = logger
	}
}

// New creates a host around a launcher and registers the built-in commands.
func New(l *launcher.Launcher, opts ...Option) *Host {
	h := &Host{
		launcher: l,
		commands: command.NewRegistry(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.base = h.logger
	h.logger = h.base.With("component", "host")
	// Only fails on a duplicate name, which cannot happen on a fresh registry.
	_ = h.commands.Register("greet", command.Greet)
	return h
}

// Commands returns the host's command registry.
func (h *Host) Commands() *command.Registry {
	return h.commands
}

// Setup is the one-time startup hook. It attempts the sidecar launch and,
// on success, hands the event stream to a background relay and returns
// without waiting on it. Sidecar failures are logged, never returned:
// the host keeps starting without a backend.
func (h *Host) Setup(ctx context.Context) error {
	h.mu.Lock()
	if h.setup {
		h.mu.Unlock()
		return ErrSetupDone
	}
	h.setup = true
	h.started = time.Now()
	h.mu.Unlock()

	res, err := h.launcher.AttemptLaunch(ctx)

	h.mu.Lock()
	h.result = res
	h.mu.Unlock()

	if err != nil {
		// The launcher already logged err.
		h.logger.Warn("continuing without backend sidecar", "status", res.Status)
		return nil
	}
	if res.Status != launcher.StatusLaunched {
		return nil
	}

	r := relay.Start(res.Process, res.Events, relay.Options{
		Logger:      h.base.With("component", "relay"),
		Journal:     h.journal,
		LaunchID:    res.LaunchID,
		Sidecar:     res.Spec.Name,
		StopTimeout: h.stopTimeout,
	})

	var p *health.Probe
	if h.probeCfg != nil {
		cfg := *h.probeCfg
		cfg.Port = res.Spec.Port
		p = health.NewProbe(cfg, h.base.With("component", "health", "sidecar", res.Spec.Name), nil)
		p.Start(context.WithoutCancel(ctx))

		probeDone := p.Done()
		go func() {
			select {
			case <-r.Done():
				p.Stop()
			case <-probeDone:
			}
		}()
	}

	h.mu.Lock()
	h.relay = r
	h.probe = p
	h.mu.Unlock()

	return nil
}

// Shutdown stops the sidecar, if one was launched, and waits for the relay
// to record its exit.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	r := h.relay
	p := h.probe
	h.mu.Unlock()

	if p != nil {
		p.Stop()
	}
	if r == nil {
		return nil
	}
	return r.Stop(ctx)
}

// Relay returns the running relay, or nil if no sidecar was launched.
func (h *Host) Relay() *relay.Relay {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.relay
}

// Status is a point-in-time view of the sidecar.
type Status struct {
	Mode      buildmode.Mode  `json:"mode"`
	Launch    launcher.Status `json:"launch,omitempty"`
	LaunchID  string          `json:"launch_id,omitempty"`
	Path      string          `json:"path,omitempty"`
	Port      int             `json:"port,omitempty"`
	State     driver.State    `json:"state,omitempty"`
	PID       int             `json:"pid,omitempty"`
	ExitCode  *int            `json:"exit_code,omitempty"`
	Ready     health.Status   `json:"ready,omitempty"`
	Stdout    int             `json:"stdout_lines"`
	Stderr    int             `json:"stderr_lines"`
	Uptime    string          `json:"uptime,omitempty"`
	RecentOut []logbuf.Entry  `json:"recent,omitempty"`
}

// Status reports the launch result and, if running, relay counters.
func (h *Host) Status(recent int) Status {
	h.mu.Lock()
	res := h.result
	r := h.relay
	p := h.probe
	started := h.started
	h.mu.Unlock()

	st := Status{
		Mode:     h.launcher.Mode(),
		Launch:   res.Status,
		LaunchID: res.LaunchID,
	}
	if res.Spec != nil {
		st.Path = res.Spec.Path
		st.Port = res.Spec.Port
	}
	if p != nil {
		st.Ready = p.CurrentStatus()
	}
	if r == nil {
		return st
	}

	out := r.Outcome()
	st.Stdout = out.Stdout
	st.Stderr = out.Stderr
	st.ExitCode = out.ExitCode
	if info, ok := r.Process(); ok {
		st.State = info.State
		st.PID = info.PID
		if info.State == driver.StateRunning {
			st.Uptime = time.Since(started).Round(time.Second).String()
		}
	}
	if recent > 0 {
		st.RecentOut = r.Recent(recent)
	}
	return st
}
