// Package config loads gzstream settings from YAML with environment overrides
// and reloads them when the file changes.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/dimasma0305/gzstream/internal/gzstream/aggregate"
	"github.com/dimasma0305/gzstream/internal/gzstream/conn"
	gzerrors "github.com/dimasma0305/gzstream/internal/gzstream/errors"
	"github.com/dimasma0305/gzstream/internal/gzstream/history"
	"github.com/dimasma0305/gzstream/internal/gzstream/notify"
	"github.com/dimasma0305/gzstream/internal/gzstream/throttle"
	"github.com/dimasma0305/gzstream/internal/log"
)

// DefaultPath is where the CLI looks for its config
const DefaultPath = ".gzstream/config.yaml"

// Environment overrides
const (
	EnvURL        = "GZSTREAM_URL"
	EnvToken      = "GZSTREAM_TOKEN"
	EnvHistoryDSN = "GZSTREAM_HISTORY_DSN"
)

// Duration is a time.Duration written as "500ms" or "2m" in YAML
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// D returns the value as a time.Duration
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

type Server struct {
	URL        string `yaml:"url"`
	Token      string `yaml:"token"`
	HealthPath string `yaml:"health_path"`
	Insecure   bool   `yaml:"insecure"`
}

type Connection struct {
	ConnectTimeoutBase      Duration `yaml:"connect_timeout_base"`
	ConnectTimeoutStep      Duration `yaml:"connect_timeout_step"`
	ConnectTimeoutMax       Duration `yaml:"connect_timeout_max"`
	PingIntervalHealthy     Duration `yaml:"ping_interval_healthy"`
	PingIntervalDegraded    Duration `yaml:"ping_interval_degraded"`
	PongTimeoutHealthy      Duration `yaml:"pong_timeout_healthy"`
	PongTimeoutDegraded     Duration `yaml:"pong_timeout_degraded"`
	HealthyBackoffInitial   Duration `yaml:"healthy_backoff_initial"`
	HealthyBackoffMax       Duration `yaml:"healthy_backoff_max"`
	UnhealthyBackoffInitial Duration `yaml:"unhealthy_backoff_initial"`
	UnhealthyBackoffMax     Duration `yaml:"unhealthy_backoff_max"`
	MaxReconnectAttempts    int      `yaml:"max_reconnect_attempts"`
	RecoveryDelay           Duration `yaml:"recovery_delay"`
	HealthTimeout           Duration `yaml:"health_timeout"`
	QuerySpacing            Duration `yaml:"query_spacing"`
}

type Output struct {
	BatchDelay           Duration `yaml:"batch_delay"`
	GlobalDedupTTL       Duration `yaml:"global_dedup_ttl"`
	AttackDedupTTL       Duration `yaml:"attack_dedup_ttl"`
	EnrichWindow         int      `yaml:"enrich_window"`
	EnrichShownTTL       Duration `yaml:"enrich_shown_ttl"`
	SweepInterval        Duration `yaml:"sweep_interval"`
	MaxExecutionDuration Duration `yaml:"max_execution_duration"`
}

type History struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
}

type Storage struct {
	SnapshotDir   string `yaml:"snapshot_dir"`
	TranscriptDir string `yaml:"transcript_dir"`
}

type Notify struct {
	DiscordWebhook string      `yaml:"discord_webhook"`
	DiscordIcon    string      `yaml:"discord_icon"`
	EmailTo        []string    `yaml:"email_to"`
	SMTP           notify.SMTP `yaml:"smtp"`
}

type Daemon struct {
	PidFile string `yaml:"pid_file"`
	LogFile string `yaml:"log_file"`
}

// Config is the full gzstream configuration
type Config struct {
	Debug      bool       `yaml:"debug"`
	Server     Server     `yaml:"server"`
	Connection Connection `yaml:"connection"`
	Output     Output     `yaml:"output"`
	History    History    `yaml:"history"`
	Storage    Storage    `yaml:"storage"`
	Notify     Notify     `yaml:"notify"`
	Daemon     Daemon     `yaml:"daemon"`
}

// Default returns the built-in settings
func Default() *Config {
	c := conn.DefaultConfig()
	o := aggregate.DefaultOptions()
	return &Config{
		Server: Server{HealthPath: conn.DefaultHealthPath},
		Connection: Connection{
			ConnectTimeoutBase:      Duration(c.ConnectTimeoutBase),
			ConnectTimeoutStep:      Duration(c.ConnectTimeoutStep),
			ConnectTimeoutMax:       Duration(c.ConnectTimeoutMax),
			PingIntervalHealthy:     Duration(c.PingIntervalHealthy),
			PingIntervalDegraded:    Duration(c.PingIntervalDegraded),
			PongTimeoutHealthy:      Duration(c.PongTimeoutHealthy),
			PongTimeoutDegraded:     Duration(c.PongTimeoutDegraded),
			HealthyBackoffInitial:   Duration(c.HealthyBackoffInitial),
			HealthyBackoffMax:       Duration(c.HealthyBackoffMax),
			UnhealthyBackoffInitial: Duration(c.UnhealthyBackoffInitial),
			UnhealthyBackoffMax:     Duration(c.UnhealthyBackoffMax),
			MaxReconnectAttempts:    c.MaxReconnectAttempts,
			RecoveryDelay:           Duration(c.RecoveryDelay),
			HealthTimeout:           Duration(c.HealthTimeout),
			QuerySpacing:            Duration(throttle.DefaultSpacing),
		},
		Output: Output{
			BatchDelay:           Duration(o.BatchDelay),
			GlobalDedupTTL:       Duration(o.GlobalDedupTTL),
			AttackDedupTTL:       Duration(o.AttackDedupTTL),
			EnrichWindow:         o.EnrichWindow,
			EnrichShownTTL:       Duration(o.EnrichShownTTL),
			SweepInterval:        Duration(o.SweepInterval),
			MaxExecutionDuration: Duration(o.MaxExecutionDuration),
		},
		History: History{
			Enabled: true,
			Driver:  history.DriverSQLite,
			DSN:     ".gzstream/history.db",
		},
		Storage: Storage{
			SnapshotDir:   ".gzstream/snapshots",
			TranscriptDir: ".gzstream/transcripts",
		},
		Daemon: Daemon{
			PidFile: ".gzstream/gzstream.pid",
			LogFile: ".gzstream/gzstream.log",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // G304: config path is supplied by the user
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, gzerrors.Wrapf(gzerrors.ErrInvalidConfig, "parse %s: %v", path, err)
			}
		case os.IsNotExist(err):
			log.Debug("Config %s not found, using defaults", path)
		default:
			return nil, fmt.Errorf("file open error: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvURL); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv(EnvHistoryDSN); v != "" {
		c.History.DSN = v
	}
}

// Validate checks field shapes. The server URL may be empty; commands that
// connect call RequireServer.
func (c *Config) Validate() error {
	if c.Server.URL != "" {
		u, err := url.Parse(c.Server.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return gzerrors.Wrapf(gzerrors.ErrInvalidConfig, "server.url must be a ws:// or wss:// URL, got %q", c.Server.URL)
		}
	}

	positive := map[string]Duration{
		"connection.connect_timeout_base":   c.Connection.ConnectTimeoutBase,
		"connection.ping_interval_healthy":  c.Connection.PingIntervalHealthy,
		"connection.ping_interval_degraded": c.Connection.PingIntervalDegraded,
		"connection.pong_timeout_healthy":   c.Connection.PongTimeoutHealthy,
		"connection.pong_timeout_degraded":  c.Connection.PongTimeoutDegraded,
		"connection.healthy_backoff_max":    c.Connection.HealthyBackoffMax,
		"connection.unhealthy_backoff_max":  c.Connection.UnhealthyBackoffMax,
		"output.batch_delay":                c.Output.BatchDelay,
		"output.max_execution_duration":     c.Output.MaxExecutionDuration,
	}
	for name, d := range positive {
		if d <= 0 {
			return gzerrors.Wrapf(gzerrors.ErrInvalidConfig, "%s must be positive", name)
		}
	}
	if c.Connection.PongTimeoutHealthy >= c.Connection.PingIntervalHealthy {
		return gzerrors.Wrapf(gzerrors.ErrInvalidConfig, "connection.pong_timeout_healthy must be shorter than the ping interval")
	}
	if c.Connection.MaxReconnectAttempts <= 0 {
		return gzerrors.Wrapf(gzerrors.ErrInvalidConfig, "connection.max_reconnect_attempts must be positive")
	}

	if c.History.Enabled {
		switch c.History.Driver {
		case history.DriverSQLite, history.DriverPostgres:
		default:
			return gzerrors.Wrapf(gzerrors.ErrInvalidConfig, "history.driver must be %s or %s", history.DriverSQLite, history.DriverPostgres)
		}
		if c.History.DSN == "" {
			return gzerrors.Wrapf(gzerrors.ErrMissingRequired, "history.dsn")
		}
	}
	return nil
}

// RequireServer reports whether the settings needed to connect are present
func (c *Config) RequireServer() error {
	if c.Server.URL == "" {
		return gzerrors.Wrapf(gzerrors.ErrMissingRequired, "server.url (or %s)", EnvURL)
	}
	return nil
}

// ConnConfig maps the settings onto the connection manager
func (c *Config) ConnConfig() conn.Config {
	return conn.Config{
		URL:                     c.Server.URL,
		Token:                   c.Server.Token,
		ConnectTimeoutBase:      c.Connection.ConnectTimeoutBase.D(),
		ConnectTimeoutStep:      c.Connection.ConnectTimeoutStep.D(),
		ConnectTimeoutMax:       c.Connection.ConnectTimeoutMax.D(),
		PingIntervalHealthy:     c.Connection.PingIntervalHealthy.D(),
		PingIntervalDegraded:    c.Connection.PingIntervalDegraded.D(),
		PongTimeoutHealthy:      c.Connection.PongTimeoutHealthy.D(),
		PongTimeoutDegraded:     c.Connection.PongTimeoutDegraded.D(),
		HealthyBackoffInitial:   c.Connection.HealthyBackoffInitial.D(),
		HealthyBackoffMax:       c.Connection.HealthyBackoffMax.D(),
		UnhealthyBackoffInitial: c.Connection.UnhealthyBackoffInitial.D(),
		UnhealthyBackoffMax:     c.Connection.UnhealthyBackoffMax.D(),
		MaxReconnectAttempts:    c.Connection.MaxReconnectAttempts,
		RecoveryDelay:           c.Connection.RecoveryDelay.D(),
		HealthTimeout:           c.Connection.HealthTimeout.D(),
	}
}

// AggregateOptions maps the settings onto the output aggregator
func (c *Config) AggregateOptions() aggregate.Options {
	return aggregate.Options{
		BatchDelay:           c.Output.BatchDelay.D(),
		GlobalDedupTTL:       c.Output.GlobalDedupTTL.D(),
		AttackDedupTTL:       c.Output.AttackDedupTTL.D(),
		EnrichWindow:         c.Output.EnrichWindow,
		EnrichShownTTL:       c.Output.EnrichShownTTL.D(),
		SweepInterval:        c.Output.SweepInterval.D(),
		MaxExecutionDuration: c.Output.MaxExecutionDuration.D(),
	}
}

// Save writes c to path as YAML, creating parent directories
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
