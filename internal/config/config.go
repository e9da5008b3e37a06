package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"breaksync/internal/addrutil"
	"breaksync/internal/timer"
)

const (
	DefaultStateDir       = ".breaksync"
	DefaultTickMS         = 1000
	DefaultNoiseMS        = 1000
	DefaultActivityMS     = 2000
	DefaultIdleMS         = 5000
	DefaultPort           = 27273
	DefaultReconnectTries = 5
	DefaultReconnectSec   = 15
	DefaultControlListen  = "127.0.0.1:27274"
	DefaultHistoryFile    = "history.db"
	DefaultRetentionDays  = 365
	DefaultPollMS         = 500
)

// Config is the agent configuration file.
type Config struct {
	Node         NodeConfig         `yaml:"node"`
	Activity     ActivityConfig     `yaml:"activity"`
	Timers       []TimerConfig      `yaml:"timers"`
	Distribution DistributionConfig `yaml:"distribution"`
	Control      ControlConfig      `yaml:"control"`
	History      HistoryConfig      `yaml:"history"`
	Input        InputConfig        `yaml:"input"`
}

type NodeConfig struct {
	// Name is announced to peers. Empty uses the host name.
	Name     string `yaml:"name"`
	StateDir string `yaml:"state_dir"`
	TickMS   int    `yaml:"tick_ms"`
	// SingleInstance refuses to start while another agent holds the state dir.
	SingleInstance *bool `yaml:"single_instance,omitempty"`
}

type ActivityConfig struct {
	NoiseMS    int `yaml:"noise_ms"`
	ActivityMS int `yaml:"activity_ms"`
	IdleMS     int `yaml:"idle_ms"`
}

type TimerConfig struct {
	ID             string `yaml:"id"`
	Enabled        *bool  `yaml:"enabled,omitempty"`
	ActivityTimer  *bool  `yaml:"activity_timer,omitempty"`
	LimitSec       int    `yaml:"limit_sec"`
	AutoResetSec   int    `yaml:"auto_reset_sec"`
	ResetPredicate string `yaml:"reset_predicate,omitempty"`
	SnoozeSec      int    `yaml:"snooze_sec"`
	// Monitor names another timer whose running state replaces the
	// activity reading of this one.
	Monitor string `yaml:"monitor,omitempty"`
}

type DistributionConfig struct {
	Enabled              bool     `yaml:"enabled"`
	Listen               string   `yaml:"listen"`
	Port                 int      `yaml:"port"`
	Peers                []string `yaml:"peers"`
	Username             string   `yaml:"username,omitempty"`
	Password             string   `yaml:"password,omitempty"`
	ReconnectAttempts    int      `yaml:"reconnect_attempts"`
	ReconnectIntervalSec int      `yaml:"reconnect_interval_sec"`
	STUNServers          []string `yaml:"stun_servers,omitempty"`
	// AdvertiseName overrides the name announced to peers.
	AdvertiseName string `yaml:"advertise_name,omitempty"`
}

type ControlConfig struct {
	Listen string `yaml:"listen"`
}

type HistoryConfig struct {
	Path string `yaml:"path"`
	// RetentionDays bounds how many days of history are kept.
	RetentionDays int `yaml:"retention_days"`
}

type InputConfig struct {
	// IdleCommand prints the user's idle time in milliseconds.
	IdleCommand    []string `yaml:"idle_command,omitempty"`
	PollIntervalMS int      `yaml:"poll_interval_ms"`
}

// DefaultTimers mirrors the stock break set.
func DefaultTimers() []TimerConfig {
	return []TimerConfig{
		{ID: "micro_pause", LimitSec: 3 * 60, AutoResetSec: 30, SnoozeSec: 150},
		{ID: "rest_break", LimitSec: 45 * 60, AutoResetSec: 10 * 60, SnoozeSec: 180},
		{ID: "daily_limit", LimitSec: 4 * 60 * 60, ResetPredicate: "day/4:00", SnoozeSec: 20 * 60},
	}
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks the core settings. Distribution problems are reported by
// ValidateDistribution so the agent can run alone instead of failing.
func Validate(cfg Config) error {
	if cfg.Node.StateDir == "" {
		return fmt.Errorf("node.state_dir is required")
	}
	if cfg.Node.TickMS <= 0 {
		return fmt.Errorf("node.tick_ms must be positive")
	}
	a := cfg.Activity
	if a.NoiseMS < 0 || a.ActivityMS < 0 || a.IdleMS <= 0 {
		return fmt.Errorf("activity thresholds must not be negative and idle_ms must be positive")
	}

	seen := make(map[string]bool, len(cfg.Timers))
	for i, tc := range cfg.Timers {
		if tc.ID == "" {
			return fmt.Errorf("timers[%d].id is required", i)
		}
		if strings.ContainsFunc(tc.ID, unicode.IsSpace) {
			return fmt.Errorf("timers[%d].id %q must not contain spaces", i, tc.ID)
		}
		if seen[tc.ID] {
			return fmt.Errorf("timers[%d]: duplicate id %q", i, tc.ID)
		}
		seen[tc.ID] = true
		if tc.LimitSec < 0 || tc.AutoResetSec < 0 || tc.SnoozeSec < 0 {
			return fmt.Errorf("timers.%s: durations must not be negative", tc.ID)
		}
		if _, err := timer.ParsePredicate(tc.ResetPredicate); err != nil {
			return fmt.Errorf("timers.%s.reset_predicate: %w", tc.ID, err)
		}
	}
	for _, tc := range cfg.Timers {
		if tc.Monitor != "" && (!seen[tc.Monitor] || tc.Monitor == tc.ID) {
			return fmt.Errorf("timers.%s.monitor: unknown timer %q", tc.ID, tc.Monitor)
		}
	}
	if cfg.Control.Listen == "" {
		return fmt.Errorf("control.listen is required")
	}
	return nil
}

// ValidateDistribution checks the distribution section.
func ValidateDistribution(d DistributionConfig) error {
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("distribution.port %d out of range", d.Port)
	}
	if d.ReconnectAttempts < 0 || d.ReconnectIntervalSec < 0 {
		return fmt.Errorf("distribution reconnect settings must not be negative")
	}
	if (d.Username == "") != (d.Password == "") {
		return fmt.Errorf("distribution.username and distribution.password go together")
	}
	for _, p := range d.Peers {
		if _, err := addrutil.SanitizePeer(p, d.Port); err != nil {
			return fmt.Errorf("distribution.peers: %w", err)
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Node.StateDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Node.StateDir = filepath.Join(home, DefaultStateDir)
		} else {
			cfg.Node.StateDir = DefaultStateDir
		}
	}
	if cfg.Node.TickMS == 0 {
		cfg.Node.TickMS = DefaultTickMS
	}
	if cfg.Node.SingleInstance == nil {
		v := true
		cfg.Node.SingleInstance = &v
	}

	if cfg.Activity.NoiseMS == 0 {
		cfg.Activity.NoiseMS = DefaultNoiseMS
	}
	if cfg.Activity.ActivityMS == 0 {
		cfg.Activity.ActivityMS = DefaultActivityMS
	}
	if cfg.Activity.IdleMS == 0 {
		cfg.Activity.IdleMS = DefaultIdleMS
	}

	if len(cfg.Timers) == 0 {
		cfg.Timers = DefaultTimers()
	}
	for i := range cfg.Timers {
		tc := &cfg.Timers[i]
		if tc.Enabled == nil {
			v := true
			tc.Enabled = &v
		}
		if tc.ActivityTimer == nil {
			v := true
			tc.ActivityTimer = &v
		}
	}

	d := &cfg.Distribution
	if d.Port == 0 {
		d.Port = DefaultPort
	}
	if d.ReconnectAttempts == 0 {
		d.ReconnectAttempts = DefaultReconnectTries
	}
	if d.ReconnectIntervalSec == 0 {
		d.ReconnectIntervalSec = DefaultReconnectSec
	}

	if cfg.Control.Listen == "" {
		cfg.Control.Listen = DefaultControlListen
	}
	if cfg.History.Path == "" {
		cfg.History.Path = filepath.Join(cfg.Node.StateDir, DefaultHistoryFile)
	}
	if cfg.History.RetentionDays == 0 {
		cfg.History.RetentionDays = DefaultRetentionDays
	}
	if cfg.Input.PollIntervalMS == 0 {
		cfg.Input.PollIntervalMS = DefaultPollMS
	}
}

// Path helpers for files kept in the state dir.
func (c Config) TimerStatePath() string { return filepath.Join(c.Node.StateDir, "state") }
func (c Config) PeersPath() string      { return filepath.Join(c.Node.StateDir, "peers.yaml") }
func (c Config) IdentityPath() string   { return filepath.Join(c.Node.StateDir, "identity.yaml") }
func (c Config) StatsPath() string      { return filepath.Join(c.Node.StateDir, "activity.yaml") }
