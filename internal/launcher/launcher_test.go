//go:build unix

package launcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benaskins/talkingdata/internal/buildmode"
	"github.com/benaskins/talkingdata/internal/driver"
	"github.com/benaskins/talkingdata/internal/journal"
	"github.com/benaskins/talkingdata/internal/keychain"
	"github.com/benaskins/talkingdata/internal/logtest"
	"github.com/benaskins/talkingdata/internal/sidecar"
)

// countingSpawner wraps driver.Spawn and records every call.
type countingSpawner struct {
	mu    sync.Mutex
	calls []driver.Config
	err   error
}

func (c *countingSpawner) spawn(ctx context.Context, cfg driver.Config) (*driver.Process, <-chan driver.Event, error) {
	c.mu.Lock()
	c.calls = append(c.calls, cfg)
	c.mu.Unlock()
	if c.err != nil {
		return nil, nil, c.err
	}
	return driver.Spawn(ctx, cfg)
}

func (c *countingSpawner) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// linuxResolver pins the platform so tests resolve the same candidates on
// any unix host.
func linuxResolver(name, binDir string, port int) (*sidecar.Spec, error) {
	return sidecar.Resolver{GOOS: "linux", GOARCH: "amd64"}.Resolve(name, binDir, port)
}

func writeBackend(t *testing.T, dir, script string) string {
	t.Helper()
	path := filepath.Join(dir, "backend")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func stdoutLines(t *testing.T, events <-chan driver.Event) []string {
	t.Helper()
	var out []string
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			if ev.Kind == driver.EventStdout {
				out = append(out, string(ev.Line))
			}
		case <-deadline:
			t.Fatal("backend did not exit")
			return nil
		}
	}
}

func TestDevelopmentModeSkips(t *testing.T) {
	sp := &countingSpawner{}
	h, logger := logtest.New()
	l := New(Config{Mode: buildmode.Development, BinDir: t.TempDir()},
		WithSpawner(sp.spawn), WithResolver(linuxResolver), WithLogger(logger))

	res, err := l.AttemptLaunch(context.Background())
	if err != nil {
		t.Fatalf("expected no error in development mode, got %v", err)
	}
	if res.Status != StatusSkipped {
		t.Errorf("expected skipped, got %v", res.Status)
	}
	if sp.count() != 0 {
		t.Errorf("expected zero spawns, got %d", sp.count())
	}
	if res.Process != nil || res.Events != nil {
		t.Error("expected no process or events when skipped")
	}
	if h.Count("not launching backend sidecar, run the backend manually") != 1 {
		t.Error("expected skip to be logged")
	}
}

func TestPackagedModeSpawnsOnceWithPortArgs(t *testing.T) {
	dir := t.TempDir()
	path := writeBackend(t, dir, `echo "$@"`)

	sp := &countingSpawner{}
	h, logger := logtest.New()
	l := New(Config{Mode: buildmode.Packaged, BinDir: dir},
		WithSpawner(sp.spawn), WithResolver(linuxResolver), WithLogger(logger))

	res, err := l.AttemptLaunch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusLaunched {
		t.Fatalf("expected launched, got %v", res.Status)
	}
	if sp.count() != 1 {
		t.Fatalf("expected exactly one spawn, got %d", sp.count())
	}
	if sp.calls[0].Path != path {
		t.Errorf("expected path %q, got %q", path, sp.calls[0].Path)
	}
	if !reflect.DeepEqual(sp.calls[0].Args, []string{"--port", "8808"}) {
		t.Errorf("expected [--port 8808], got %v", sp.calls[0].Args)
	}
	if sp.calls[0].Dir != dir {
		t.Errorf("expected working dir %q, got %q", dir, sp.calls[0].Dir)
	}

	out := stdoutLines(t, res.Events)
	if len(out) != 1 || out[0] != "--port 8808" {
		t.Errorf("backend saw unexpected args: %v", out)
	}

	if h.Count("starting backend sidecar") != 1 || h.Count("backend sidecar started") != 1 {
		t.Error("expected start and started entries")
	}
}

func TestResolutionFailure(t *testing.T) {
	sp := &countingSpawner{}
	h, logger := logtest.New()
	l := New(Config{Mode: buildmode.Packaged, BinDir: t.TempDir()},
		WithSpawner(sp.spawn), WithResolver(linuxResolver), WithLogger(logger))

	res, err := l.AttemptLaunch(context.Background())

	var rerr *sidecar.ResolutionError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("expected failed, got %v", res.Status)
	}
	if sp.count() != 0 {
		t.Errorf("expected zero spawns, got %d", sp.count())
	}
	if n := h.Count("failed to resolve backend sidecar"); n != 1 {
		t.Errorf("expected one resolution error entry, got %d", n)
	}
}

func TestSpawnFailureFromOS(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backend")
	// Executable bit set, but the interpreter does not exist.
	if err := os.WriteFile(path, []byte("#!/nonexistent/interpreter\n"), 0755); err != nil {
		t.Fatal(err)
	}

	h, logger := logtest.New()
	l := New(Config{Mode: buildmode.Packaged, BinDir: dir},
		WithResolver(linuxResolver), WithLogger(logger))

	res, err := l.AttemptLaunch(context.Background())

	var serr *driver.SpawnError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if res.Status != StatusFailed || res.Process != nil {
		t.Errorf("expected failed with no process, got %+v", res)
	}
	if h.Count("failed to spawn backend sidecar") != 1 {
		t.Error("expected spawn failure to be logged")
	}
}

func TestNotPermittedIsSpawnError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "backend-x86_64-unknown-linux-gnu"), []byte("#!/bin/sh\nexit 0\n"), 0644); err != nil {
		t.Fatal(err)
	}

	sp := &countingSpawner{}
	h, logger := logtest.New()
	l := New(Config{Mode: buildmode.Packaged, BinDir: dir},
		WithSpawner(sp.spawn), WithResolver(linuxResolver), WithLogger(logger))

	res, err := l.AttemptLaunch(context.Background())

	var serr *driver.SpawnError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	var rerr *sidecar.ResolutionError
	if errors.As(err, &rerr) {
		t.Errorf("permission failure must not be a ResolutionError: %v", err)
	}
	if !errors.Is(err, os.ErrPermission) {
		t.Errorf("expected permission cause, got %v", err)
	}
	if sp.count() != 1 {
		t.Errorf("expected one spawn attempt, got %d", sp.count())
	}
	if res.Status != StatusFailed {
		t.Errorf("expected failed, got %v", res.Status)
	}
	if h.Count("failed to spawn backend sidecar") != 1 || h.Count("failed to resolve backend sidecar") != 0 {
		t.Error("expected the failure to be logged as a spawn failure")
	}
}

func TestSpawnFailureIsWrapped(t *testing.T) {
	dir := t.TempDir()
	writeBackend(t, dir, "exit 0")

	exhausted := errors.New("resource temporarily unavailable")
	sp := &countingSpawner{err: exhausted}
	_, logger := logtest.New()
	l := New(Config{Mode: buildmode.Packaged, BinDir: dir},
		WithSpawner(sp.spawn), WithResolver(linuxResolver), WithLogger(logger))

	_, err := l.AttemptLaunch(context.Background())

	var serr *driver.SpawnError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if !errors.Is(err, exhausted) {
		t.Errorf("expected wrapped cause, got %v", err)
	}
}

func TestSecondAttemptRefused(t *testing.T) {
	dir := t.TempDir()
	writeBackend(t, dir, "exit 0")

	sp := &countingSpawner{}
	_, logger := logtest.New()
	l := New(Config{Mode: buildmode.Packaged, BinDir: dir},
		WithSpawner(sp.spawn), WithResolver(linuxResolver), WithLogger(logger))

	res, err := l.AttemptLaunch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stdoutLines(t, res.Events)

	if _, err := l.AttemptLaunch(context.Background()); !errors.Is(err, ErrAlreadyLaunched) {
		t.Errorf("expected ErrAlreadyLaunched, got %v", err)
	}
	if sp.count() != 1 {
		t.Errorf("expected one spawn total, got %d", sp.count())
	}
}

func TestEnvAndSecretsInjected(t *testing.T) {
	dir := t.TempDir()
	writeBackend(t, dir, `echo "level=$LOG_LEVEL key=$DEEPGRAM_API_KEY other=$OTHER_TOKEN"`)

	store := keychain.NewMemoryStore()
	store.Set("backend/deepgram-api-key", "dg-secret")

	h, logger := logtest.New()
	l := New(Config{
		Mode:   buildmode.Packaged,
		BinDir: dir,
		Env:    map[string]string{"LOG_LEVEL": "debug"},
		Secrets: map[string]string{
			"DEEPGRAM_API_KEY": "backend/deepgram-api-key",
			"OTHER_TOKEN":      "backend/other-token",
		},
	}, WithResolver(linuxResolver), WithSecrets(store), WithLogger(logger))

	res, err := l.AttemptLaunch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := stdoutLines(t, res.Events)
	if len(out) != 1 || out[0] != "level=debug key=dg-secret other=" {
		t.Errorf("unexpected environment seen by backend: %v", out)
	}

	warn := h.Messages("sidecar secrets not found")
	if len(warn) != 1 {
		t.Fatalf("expected missing secret warning, got %d", len(warn))
	}
	if vars, _ := warn[0].Attrs["vars"].([]string); len(vars) != 1 || vars[0] != "OTHER_TOKEN" {
		t.Errorf("unexpected missing vars: %v", warn[0].Attrs["vars"])
	}
	for _, rec := range h.Records() {
		for _, v := range rec.Attrs {
			if s, ok := v.(string); ok && strings.Contains(s, "dg-secret") {
				t.Errorf("secret value leaked into log entry %q", rec.Message)
			}
		}
	}
}

func TestLaunchJournaled(t *testing.T) {
	dir := t.TempDir()
	writeBackend(t, dir, "exit 0")

	jpath := filepath.Join(t.TempDir(), "sidecar.log")
	j, err := journal.Open(jpath)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	_, logger := logtest.New()
	l := New(Config{Mode: buildmode.Packaged, BinDir: dir},
		WithResolver(linuxResolver), WithJournal(j), WithLogger(logger))

	res, err := l.AttemptLaunch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stdoutLines(t, res.Events)

	data, err := os.ReadFile(jpath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"event":"launched"`) ||
		!strings.Contains(string(data), res.LaunchID) ||
		!strings.Contains(string(data), `"mode":"packaged"`) {
		t.Errorf("unexpected journal contents: %s", data)
	}
}

func TestDefaults(t *testing.T) {
	l := New(Config{Mode: buildmode.Development})
	if l.cfg.Name != "backend" || l.cfg.Port != 8808 {
		t.Errorf("expected backend:8808 defaults, got %s:%d", l.cfg.Name, l.cfg.Port)
	}
	if l.Mode() != buildmode.Development {
		t.Errorf("unexpected mode %v", l.Mode())
	}
}
