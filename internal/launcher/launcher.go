// Package launcher decides whether to start the backend sidecar and starts it.
//
// A launch is single-shot: one attempt per Launcher, no retry. Every failure
// is logged and returned to the caller, which is expected to carry on
// without a backend.
package launcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/benaskins/talkingdata/internal/buildmode"
	"github.com/benaskins/talkingdata/internal/driver"
	"github.com/benaskins/talkingdata/internal/journal"
	"github.com/benaskins/talkingdata/internal/keychain"
	"github.com/benaskins/talkingdata/internal/port"
	"github.com/benaskins/talkingdata/internal/sidecar"
)

// ErrAlreadyLaunched is returned when AttemptLaunch is called a second time.
var ErrAlreadyLaunched = errors.New("sidecar launch already attempted")

// Status is the outcome of a launch attempt.
type Status string

const (
	StatusSkipped  Status = "skipped"
	StatusLaunched Status = "launched"
	StatusFailed   Status = "failed"
)

// Result is returned by AttemptLaunch. Process and Events are set only when
// Status is StatusLaunched.
type Result struct {
	Status   Status
	LaunchID string
	Spec     *sidecar.Spec
	Process  *driver.Process
	Events   <-chan driver.Event
}

// Config describes the sidecar to launch.
type Config struct {
	Mode   buildmode.Mode
	Name   string
	BinDir string
	Port   int
	Env    map[string]string
	// Secrets maps an environment variable to a keychain key.
	Secrets map[string]string
}

// SpawnFunc starts a process. driver.Spawn is the production implementation.
type SpawnFunc func(ctx context.Context, cfg driver.Config) (*driver.Process, <-chan driver.Event, error)

// ResolveFunc locates the sidecar executable. sidecar.Resolve is the
// production implementation.
type ResolveFunc func(name, binDir string, port int) (*sidecar.Spec, error)

// Launcher performs at most one launch attempt.
type Launcher struct {
	cfg     Config
	spawn   SpawnFunc
	resolve ResolveFunc
	secrets keychain.Store
	journal *journal.Journal
	logger  *slog.Logger

	mu        sync.Mutex
	attempted bool
}

// Option configures the launcher.
type Option func(*Launcher)

// WithSpawner replaces the process spawner.
func WithSpawner(f SpawnFunc) Option {
	return func(l *Launcher) {
		l.spawn = f
	}
}

// WithResolver replaces the executable resolver.
func WithResolver(f ResolveFunc) Option {
	return func(l *Launcher) {
		l.resolve = f
	}
}

// WithSecrets sets the store secret references are read from.
func WithSecrets(s keychain.Store) Option {
	return func(l *Launcher) {
		l.secrets = s
	}
}

// WithJournal records launch outcomes to j.
func WithJournal(j *journal.Journal) Option {
	return func(l *Launcher) {
		l.journal = j
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Launcher) {
		l.logger = logger
	}
}

// New creates a launcher.
func New(cfg Config, opts ...Option) *Launcher {
	if cfg.Name == "" {
		cfg.Name = sidecar.DefaultName
	}
	if cfg.Port == 0 {
		cfg.Port = sidecar.DefaultPort
	}
	l := &Launcher{
		cfg:     cfg,
		spawn:   driver.Spawn,
		resolve: sidecar.Resolve,
		logger:  slog.With("component", "launcher"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Mode returns the build mode the launcher acts on.
func (l *Launcher) Mode() buildmode.Mode {
	return l.cfg.Mode
}

// AttemptLaunch starts the sidecar in packaged mode and does nothing in
// development mode. Resolution and spawn failures are logged and returned
// as *sidecar.ResolutionError and *driver.SpawnError with StatusFailed;
// no process exists afterwards.
func (l *Launcher) AttemptLaunch(ctx context.Context) (Result, error) {
	l.mu.Lock()
	if l.attempted {
		l.mu.Unlock()
		return Result{}, ErrAlreadyLaunched
	}
	l.attempted = true
	l.mu.Unlock()

	id := journal.NewLaunchID()
	logger := l.logger.With("sidecar", l.cfg.Name, "launch_id", id)
	res := Result{LaunchID: id}

	if !l.cfg.Mode.LaunchesSidecar() {
		logger.Info("not launching backend sidecar, run the backend manually", "mode", l.cfg.Mode)
		res.Status = StatusSkipped
		l.record(journal.Entry{Event: journal.EventSkipped, LaunchID: id})
		return res, nil
	}

	logger.Info("starting backend sidecar", "mode", l.cfg.Mode, "port", l.cfg.Port)

	spec, err := l.resolve(l.cfg.Name, l.cfg.BinDir, l.cfg.Port)
	if err != nil {
		logger.Error("failed to resolve backend sidecar", "error", err)
		res.Status = StatusFailed
		l.record(journal.Entry{Event: journal.EventLaunchFailed, LaunchID: id, Error: err.Error()})
		return res, err
	}
	res.Spec = spec

	if !port.Available(spec.Port) {
		logger.Warn("sidecar port already in use, another backend may be running", "port", spec.Port)
	}

	proc, events, err := l.spawn(ctx, driver.Config{
		Path: spec.Path,
		Args: spec.Args(),
		Env:  l.environment(logger),
		Dir:  filepath.Dir(spec.Path),
	})
	if err != nil {
		var serr *driver.SpawnError
		if !errors.As(err, &serr) {
			err = &driver.SpawnError{Path: spec.Path, Err: err}
		}
		logger.Error("failed to spawn backend sidecar", "path", spec.Path, "error", err)
		res.Status = StatusFailed
		l.record(journal.Entry{Event: journal.EventLaunchFailed, LaunchID: id, Path: spec.Path, Error: err.Error()})
		return res, err
	}

	logger.Info("backend sidecar started", "pid", proc.PID(), "path", spec.Path, "args", spec.Args())
	l.record(journal.Entry{Event: journal.EventLaunched, LaunchID: id, Path: spec.Path, PID: proc.PID()})

	res.Status = StatusLaunched
	res.Process = proc
	res.Events = events
	return res, nil
}

// environment builds the child environment: the host's own, then configured
// variables, then resolved secrets. Later entries win.
func (l *Launcher) environment(logger *slog.Logger) []string {
	env := os.Environ()

	names := make([]string, 0, len(l.cfg.Env))
	for name := range l.cfg.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, name+"="+l.cfg.Env[name])
	}

	if len(l.cfg.Secrets) == 0 {
		return env
	}

	secrets, missing, err := keychain.Env(l.secrets, l.cfg.Secrets)
	if err != nil {
		logger.Warn("failed to read sidecar secrets, launching without them", "error", err)
		return env
	}
	if len(missing) > 0 {
		logger.Warn("sidecar secrets not found", "vars", missing)
	}

	names = names[:0]
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, name+"="+secrets[name])
	}
	return env
}

func (l *Launcher) record(e journal.Entry) {
	e.Sidecar = l.cfg.Name
	e.Mode = l.cfg.Mode.String()
	if err := l.journal.Record(e); err != nil {
		l.logger.Warn("failed to write journal entry", "event", e.Event, "error", err)
	}
}
