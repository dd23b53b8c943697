package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/drone/envsubst"
	"gopkg.in/yaml.v3"

	"github.com/benaskins/talkingdata/internal/port"
	"github.com/benaskins/talkingdata/internal/sidecar"
)

// DefaultStopTimeout is how long the sidecar gets to exit after SIGTERM.
const DefaultStopTimeout = 10 * time.Second

// Config holds host configuration loaded from ~/.talkingdata/config.yaml.
type Config struct {
	// BuildMode overrides the linked build mode: "development" or "packaged".
	BuildMode   string  `yaml:"build_mode"`
	JournalPath string  `yaml:"journal_path"`
	Sidecar     Sidecar `yaml:"sidecar"`
}

// Sidecar configures the bundled backend.
type Sidecar struct {
	Name        string            `yaml:"name"`
	BinDir      string            `yaml:"bin_dir"`
	Port        int               `yaml:"port"`
	Env         map[string]string `yaml:"env,omitempty"`
	Secrets     map[string]string `yaml:"secrets,omitempty"` // env var -> keychain key
	StopTimeout Duration          `yaml:"stop_timeout"`
	Health      Health            `yaml:"health"`
}

// Health configures the readiness probe.
type Health struct {
	Disabled    bool     `yaml:"disabled"`
	Type        string   `yaml:"type"` // "http" | "tcp"
	Path        string   `yaml:"path"`
	Interval    Duration `yaml:"interval"`
	Timeout     Duration `yaml:"timeout"`
	GracePeriod Duration `yaml:"grace_period"`
	Deadline    Duration `yaml:"deadline"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "10s", "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// DefaultPath returns the default config file path: ~/.talkingdata/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".talkingdata", "config.yaml")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file from path. If the file does not exist,
// it returns the default Config and no error. An empty or all-comment file
// also returns the default Config with no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.expand(); err != nil {
		return nil, fmt.Errorf("expanding config %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// expand substitutes ${VAR} references from the host environment in paths
// and sidecar env values. Secrets name keychain keys and are left alone.
func (c *Config) expand() error {
	var err error
	if c.JournalPath, err = envsubst.EvalEnv(c.JournalPath); err != nil {
		return fmt.Errorf("journal_path: %w", err)
	}
	if c.Sidecar.BinDir, err = envsubst.EvalEnv(c.Sidecar.BinDir); err != nil {
		return fmt.Errorf("sidecar.bin_dir: %w", err)
	}
	for k, v := range c.Sidecar.Env {
		if c.Sidecar.Env[k], err = envsubst.EvalEnv(v); err != nil {
			return fmt.Errorf("sidecar.env.%s: %w", k, err)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	s := &c.Sidecar
	if s.Name == "" {
		s.Name = sidecar.DefaultName
	}
	if s.Port == 0 {
		s.Port = sidecar.DefaultPort
	}
	if s.StopTimeout.Duration == 0 {
		s.StopTimeout.Duration = DefaultStopTimeout
	}
	if s.Health.Type == "" {
		s.Health.Type = "http"
	}
	if s.Health.Type == "http" && s.Health.Path == "" {
		s.Health.Path = "/health"
	}
	if s.Health.Interval.Duration == 0 {
		s.Health.Interval.Duration = 500 * time.Millisecond
	}
	if s.Health.Timeout.Duration == 0 {
		s.Health.Timeout.Duration = time.Second
	}
	if s.Health.Deadline.Duration == 0 {
		s.Health.Deadline.Duration = 2 * time.Minute
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if err := port.Validate(c.Sidecar.Port); err != nil {
		return fmt.Errorf("sidecar.port: %w", err)
	}
	if c.Sidecar.StopTimeout.Duration < 0 {
		return fmt.Errorf("sidecar.stop_timeout must not be negative")
	}

	h := c.Sidecar.Health
	switch h.Type {
	case "http":
		if len(h.Path) == 0 || h.Path[0] != '/' {
			return fmt.Errorf("sidecar.health.path must start with /, got %q", h.Path)
		}
	case "tcp":
	default:
		return fmt.Errorf("sidecar.health.type must be \"http\" or \"tcp\", got %q", h.Type)
	}
	if h.Interval.Duration <= 0 {
		return fmt.Errorf("sidecar.health.interval must be positive")
	}
	if h.Timeout.Duration <= 0 {
		return fmt.Errorf("sidecar.health.timeout must be positive")
	}

	for name := range c.Sidecar.Secrets {
		if _, clash := c.Sidecar.Env[name]; clash {
			return fmt.Errorf("%s is set in both sidecar.env and sidecar.secrets", name)
		}
	}
	return nil
}
