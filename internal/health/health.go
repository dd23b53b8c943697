// Package health waits for the backend sidecar to start answering on its
// port and logs when it becomes ready.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Status represents the readiness of the backend.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusReady   Status = "ready"
	StatusGaveUp  Status = "gave_up"
)

// Config holds readiness probe configuration.
type Config struct {
	Type        string        // "http" | "tcp"
	Path        string        // http only
	Port        int           // http and tcp
	Interval    time.Duration // time between checks
	Timeout     time.Duration // max time per check
	GracePeriod time.Duration // delay before first check
	Deadline    time.Duration // give up after this long, 0 for never
}

// DefaultConfig probes the backend's /health route.
func DefaultConfig(port int) Config {
	return Config{
		Type:     "http",
		Path:     "/health",
		Port:     port,
		Interval: 500 * time.Millisecond,
		Timeout:  time.Second,
		Deadline: 2 * time.Minute,
	}
}

// Probe polls the backend until it answers, then stops.
type Probe struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client
	warn       *rate.Sometimes

	mu       sync.Mutex
	status   Status
	attempts int
	cancel   context.CancelFunc
	done     chan struct{}

	// onReady is called once when the backend first answers.
	onReady func()
}

// NewProbe creates a readiness probe.
func NewProbe(cfg Config, logger *slog.Logger, onReady func()) *Probe {
	if cfg.Type == "" {
		cfg.Type = "http"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if logger == nil {
		logger = slog.With("component", "health")
	}
	return &Probe{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		// A backend that takes a while to boot fails many checks in a row;
		// log the first failure and then at most one every 10s.
		warn:    &rate.Sometimes{First: 1, Interval: 10 * time.Second},
		status:  StatusUnknown,
		onReady: onReady,
	}
}

// Start begins polling in the background.
func (p *Probe) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.run(ctx)
}

// Stop halts the probe and waits for it to exit.
func (p *Probe) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Done is closed when the probe has finished, for any reason.
func (p *Probe) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// CurrentStatus returns the readiness status.
func (p *Probe) CurrentStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Probe) run(ctx context.Context) {
	defer func() {
		p.mu.Lock()
		p.cancel = nil
		close(p.done)
		p.mu.Unlock()
	}()

	if p.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.GracePeriod+p.cfg.Deadline)
		defer cancel()
	}

	if p.cfg.GracePeriod > 0 {
		select {
		case <-time.After(p.cfg.GracePeriod):
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if p.check(ctx) {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				p.gaveUp()
			}
			return
		}
	}
}

// check runs one probe and reports whether the backend is ready.
func (p *Probe) check(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	var err error
	switch p.cfg.Type {
	case "http":
		err = p.checkHTTP(checkCtx)
	case "tcp":
		err = checkTCP(checkCtx, p.cfg)
	default:
		err = fmt.Errorf("unknown health check type: %s", p.cfg.Type)
	}

	// Don't record results from a cancelled context, the probe is shutting down
	if ctx.Err() != nil {
		return false
	}

	p.mu.Lock()
	p.attempts++
	attempts := p.attempts
	if err == nil {
		p.status = StatusReady
	}
	p.mu.Unlock()

	if err != nil {
		p.warn.Do(func() {
			p.logger.Warn("backend not ready yet", "error", err, "attempts", attempts)
		})
		return false
	}

	p.logger.Info("backend ready", "port", p.cfg.Port, "attempts", attempts)
	if p.onReady != nil {
		p.onReady()
	}
	return true
}

func (p *Probe) gaveUp() {
	p.mu.Lock()
	p.status = StatusGaveUp
	attempts := p.attempts
	p.mu.Unlock()
	p.logger.Error("backend never became ready", "port", p.cfg.Port, "attempts", attempts, "deadline", p.cfg.Deadline)
}

// SingleCheck runs one check with the given config and returns nil if the
// backend answered.
func SingleCheck(cfg Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	switch cfg.Type {
	case "http":
		return checkHTTP(ctx, &http.Client{Timeout: cfg.Timeout}, cfg)
	case "tcp":
		return checkTCP(ctx, cfg)
	default:
		return fmt.Errorf("unknown health check type: %s", cfg.Type)
	}
}

func (p *Probe) checkHTTP(ctx context.Context) error {
	return checkHTTP(ctx, p.httpClient, p.cfg)
}

func checkHTTP(ctx context.Context, client *http.Client, cfg Config) error {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", cfg.Port, cfg.Path)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
	}
	return nil
}

func checkTCP(ctx context.Context, cfg Config) error {
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp connect failed: %w", err)
	}
	conn.Close()
	return nil
}
