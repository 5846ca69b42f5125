package worker

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/convoy-sh/convoy/internal/queue"
)

// Instance metadata attribute names the worker understands. The fleet
// controller writes these when creating or re-tagging instances.
const (
	MetaHost           = "host"
	MetaPort           = "port"
	MetaDatabase       = "db"
	MetaUsername       = "username"
	MetaPassword       = "password"
	MetaIdleForTasks   = "idle_for_tasks"
	MetaIdleForWaiters = "idle_for_waiters"
	MetaQuitSoon       = "quit_soon"
	MetaQuitWhenIdle   = "quit_when_idle"
)

// DeleteOnExit modes.
const (
	DeleteAuto   = "auto"   // delete own VM only when running on a cloud instance
	DeleteAlways = "always" // delete unconditionally
	DeleteNever  = "never"  // leave the VM running
)

// Duration is a time.Duration that accepts Go duration syntax ("15m")
// or bare seconds (900) in YAML and metadata values.
type Duration time.Duration

// Std converts to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDuration reads Go duration syntax, falling back to bare seconds.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if v, err := time.ParseDuration(s); err == nil {
		return Duration(v), nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return Duration(time.Duration(n) * time.Second), nil
	}
	return 0, fmt.Errorf("invalid duration %q", s)
}

// Config drives one worker process.
type Config struct {
	// Name identifies this worker in lease claims and logs. Defaults to
	// the hostname; on a cloud instance the launcher sets it to the
	// instance name.
	Name string `yaml:"name"`

	Queue queue.Config `yaml:"queue"`

	// IdleForTasks stops the worker after this long with nothing
	// claimable and nothing blocked.
	IdleForTasks Duration `yaml:"idle_for_tasks"`

	// IdleForWaiters stops the worker after this long idle while
	// unclaimed work exists but is blocked on dependencies. Raised to
	// IdleForTasks when configured lower.
	IdleForWaiters Duration `yaml:"idle_for_waiters"`

	// PollInterval is the sleep between empty lease attempts.
	PollInterval Duration `yaml:"poll_interval"`

	// ScratchRoot holds per-run working trees. Recreated empty at startup.
	ScratchRoot string `yaml:"scratch_root"`

	// JournalPath is the local SQLite run record. Empty disables it.
	JournalPath string `yaml:"journal_path"`

	// ListenAddr serves metrics and the debug API. Empty disables it.
	ListenAddr string `yaml:"listen_addr"`

	// DeleteOnExit controls whether the worker deletes its own VM when
	// it stops: auto, always, or never.
	DeleteOnExit string `yaml:"delete_on_exit"`

	// ErrorLinger delays self-deletion after a fatal error so logs can
	// be collected from the instance.
	ErrorLinger Duration `yaml:"error_linger"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// DefaultConfig returns the stock worker configuration.
func DefaultConfig() Config {
	return Config{
		Queue:          queue.DefaultConfig(),
		IdleForTasks:   Duration(15 * time.Minute),
		IdleForWaiters: Duration(60 * time.Minute),
		PollInterval:   Duration(10 * time.Second),
		ScratchRoot:    "/tmp/convoy-worker",
		JournalPath:    "/var/lib/convoy/runs.db",
		ListenAddr:     "127.0.0.1:9300",
		DeleteOnExit:   DeleteAuto,
		ErrorLinger:    Duration(15 * time.Minute),
	}
}

// DefaultConfigPath resolves $XDG_CONFIG_HOME/convoy/worker.yaml or
// ~/.config/convoy/worker.yaml.
func DefaultConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "convoy", "worker.yaml")
}

// LoadConfig reads YAML configuration from a path. If path is empty, it
// resolves the XDG default, and a missing file there is not an error:
// the defaults stand and instance metadata usually fills the rest.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	_ = godotenv.Load()

	fallback := path == ""
	if fallback {
		path = DefaultConfigPath()
	}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && fallback:
	case err != nil:
		return cfg, fmt.Errorf("open config: %w", err)
	default:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("CONVOY_QUEUE_PASSWORD"); v != "" {
		cfg.Queue.Password = v
	}
	if cfg.Name == "" {
		cfg.Name, _ = os.Hostname()
	}
	return cfg, nil
}

// Overlay applies instance metadata attributes on top of the loaded
// config. A non-empty attribute wins over the YAML value for that key;
// empty or absent attributes change nothing.
func (c Config) Overlay(md map[string]string) (Config, error) {
	pick := func(key string) (string, bool) {
		v := strings.TrimSpace(md[key])
		return v, v != ""
	}
	if v, ok := pick(MetaHost); ok {
		c.Queue.Host = v
	}
	if v, ok := pick(MetaPort); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("metadata %s: %w", MetaPort, err)
		}
		c.Queue.Port = n
	}
	if v, ok := pick(MetaDatabase); ok {
		c.Queue.Database = v
	}
	if v, ok := pick(MetaUsername); ok {
		c.Queue.Username = v
	}
	if v, ok := pick(MetaPassword); ok {
		c.Queue.Password = v
	}
	if v, ok := pick(MetaIdleForTasks); ok {
		d, err := ParseDuration(v)
		if err != nil {
			return c, fmt.Errorf("metadata %s: %w", MetaIdleForTasks, err)
		}
		c.IdleForTasks = d
	}
	if v, ok := pick(MetaIdleForWaiters); ok {
		d, err := ParseDuration(v)
		if err != nil {
			return c, fmt.Errorf("metadata %s: %w", MetaIdleForWaiters, err)
		}
		c.IdleForWaiters = d
	}
	return c, nil
}

// TaskIdle is the task-clock threshold.
func (c Config) TaskIdle() time.Duration { return c.IdleForTasks.Std() }

// WaiterIdle is the waiter-clock threshold, never below the task clock:
// waiting on dependencies should keep a machine alive at least as long
// as an empty queue would.
func (c Config) WaiterIdle() time.Duration {
	if c.IdleForWaiters < c.IdleForTasks {
		return c.IdleForTasks.Std()
	}
	return c.IdleForWaiters.Std()
}

// Validate checks the fields the worker depends on.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("config: missing worker name")
	}
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll_interval must be positive")
	}
	if c.IdleForTasks <= 0 || c.IdleForWaiters <= 0 {
		return fmt.Errorf("config: idle thresholds must be positive")
	}
	switch c.DeleteOnExit {
	case DeleteAuto, DeleteAlways, DeleteNever:
	default:
		return fmt.Errorf("config: delete_on_exit must be %s, %s, or %s, got %q",
			DeleteAuto, DeleteAlways, DeleteNever, c.DeleteOnExit)
	}
	if c.ScratchRoot == "" {
		return fmt.Errorf("config: missing scratch_root")
	}
	return nil
}
