package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	neturl "net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benaskins/talkingdata/internal/logtest"
)

func FuzzHealthCheckPath(f *testing.F) {
	f.Add("/health")
	f.Add("/")
	f.Add("/a/b/c?q=1")
	f.Add("/@redirect")
	f.Add("")
	f.Fuzz(func(t *testing.T, path string) {
		// Construct URL the same way the probe does (see checkHTTP in health.go)
		url := fmt.Sprintf("http://127.0.0.1:%d%s", 8808, path)
		parsed, err := neturl.Parse(url)
		if err != nil {
			return
		}
		if len(path) > 0 && path[0] == '/' {
			if parsed.Hostname() != "127.0.0.1" {
				t.Errorf("health URL host changed to %q for path %q", parsed.Hostname(), path)
			}
		}
	})
}

// serve starts an HTTP server on a random loopback port and returns the port.
func serve(t *testing.T, handler http.HandlerFunc) int {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", handler)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: mux}
	go srv.Serve(listener)
	t.Cleanup(func() { srv.Close() })
	return listener.Addr().(*net.TCPAddr).Port
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	p := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return p
}

func waitFor(t *testing.T, ch <-chan struct{}, within time.Duration) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(within):
		t.Fatalf("timed out after %v", within)
	}
}

func TestProbeHTTPReady(t *testing.T) {
	port := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte(`{"status":"ok"}`))
	})

	h, logger := logtest.New()
	var ready atomic.Int32
	p := NewProbe(Config{Type: "http", Path: "/health", Port: port, Interval: 20 * time.Millisecond, Timeout: time.Second}, logger, func() {
		ready.Add(1)
	})
	p.Start(context.Background())
	waitFor(t, p.Done(), 5*time.Second)

	if p.CurrentStatus() != StatusReady {
		t.Errorf("expected ready, got %v", p.CurrentStatus())
	}
	if ready.Load() != 1 {
		t.Errorf("expected onReady once, got %d", ready.Load())
	}
	if h.Count("backend ready") != 1 {
		t.Errorf("expected one ready entry, got %d", h.Count("backend ready"))
	}
}

func TestProbeBecomesReadyAfterFailures(t *testing.T) {
	var calls atomic.Int32
	port := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 4 {
			w.WriteHeader(503)
			return
		}
		w.WriteHeader(200)
	})

	h, logger := logtest.New()
	p := NewProbe(Config{Type: "http", Path: "/health", Port: port, Interval: 10 * time.Millisecond, Timeout: time.Second}, logger, nil)
	p.Start(context.Background())
	waitFor(t, p.Done(), 5*time.Second)

	if p.CurrentStatus() != StatusReady {
		t.Fatalf("expected ready, got %v", p.CurrentStatus())
	}
	// Three failures inside the throttle window log once.
	if n := h.Count("backend not ready yet"); n != 1 {
		t.Errorf("expected 1 throttled warning, got %d", n)
	}
}

func TestProbeTCPReady(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	_, logger := logtest.New()
	p := NewProbe(Config{Type: "tcp", Port: ln.Addr().(*net.TCPAddr).Port, Interval: 10 * time.Millisecond}, logger, nil)
	p.Start(context.Background())
	waitFor(t, p.Done(), 5*time.Second)

	if p.CurrentStatus() != StatusReady {
		t.Errorf("expected ready, got %v", p.CurrentStatus())
	}
}

func TestProbeGivesUpAtDeadline(t *testing.T) {
	h, logger := logtest.New()
	p := NewProbe(Config{
		Type:     "tcp",
		Port:     closedPort(t),
		Interval: 10 * time.Millisecond,
		Timeout:  100 * time.Millisecond,
		Deadline: 150 * time.Millisecond,
	}, logger, nil)
	p.Start(context.Background())
	waitFor(t, p.Done(), 5*time.Second)

	if p.CurrentStatus() != StatusGaveUp {
		t.Errorf("expected gave_up, got %v", p.CurrentStatus())
	}
	if h.Count("backend never became ready") != 1 {
		t.Error("expected one give-up entry")
	}
}

func TestProbeStop(t *testing.T) {
	_, logger := logtest.New()
	p := NewProbe(Config{Type: "tcp", Port: closedPort(t), Interval: 10 * time.Millisecond}, logger, nil)
	p.Start(context.Background())

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	waitFor(t, stopped, 5*time.Second)

	if p.CurrentStatus() != StatusUnknown {
		t.Errorf("expected unknown after stop, got %v", p.CurrentStatus())
	}
}

func TestProbeGracePeriod(t *testing.T) {
	var calls atomic.Int32
	port := serve(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(200)
	})

	_, logger := logtest.New()
	p := NewProbe(Config{Type: "http", Path: "/health", Port: port, Interval: 10 * time.Millisecond, GracePeriod: 300 * time.Millisecond}, logger, nil)
	p.Start(context.Background())

	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 0 {
		t.Errorf("expected no checks during grace period, got %d", calls.Load())
	}
	waitFor(t, p.Done(), 5*time.Second)
	if calls.Load() != 1 {
		t.Errorf("expected exactly one check after grace period, got %d", calls.Load())
	}
}

func TestSingleCheck(t *testing.T) {
	port := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	})
	if err := SingleCheck(Config{Type: "http", Path: "/health", Port: port, Timeout: time.Second}); err != nil {
		t.Errorf("expected healthy, got %v", err)
	}

	if err := SingleCheck(Config{Type: "tcp", Port: closedPort(t), Timeout: time.Second}); err == nil {
		t.Error("expected tcp check on closed port to fail")
	}

	if err := SingleCheck(Config{Type: "exec", Timeout: time.Second}); err == nil {
		t.Error("expected error for unsupported check type")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig(8808)
	if cfg.Type != "http" || cfg.Path != "/health" || cfg.Port != 8808 {
		t.Errorf("unexpected default config: %+v", cfg)
	}
}
