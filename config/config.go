// Package config defines the Capstan application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Capstan configuration, shared by the daemon
// and the CLI.
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Auth        AuthConfig        `json:"auth" yaml:"auth"`
	Queue       QueueConfig       `json:"queue" yaml:"queue"`
	Coordinator CoordinatorConfig `json:"coordinator" yaml:"coordinator"`
	Workers     []WorkerConfig    `json:"workers,omitempty" yaml:"workers"`
	DataDir     string            `json:"data_dir" yaml:"data_dir"`
	LogLevel    string            `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the optional HTTP status server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"; empty disables it
}

// AuthConfig controls status server authentication.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string `json:"admin_user" yaml:"admin_user"`
	AdminPass string `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
}

// QueueConfig controls the task store.
type QueueConfig struct {
	DBPath        string `json:"db_path" yaml:"db_path"`
	WorkspaceRoot string `json:"workspace_root" yaml:"workspace_root"`
	// RequeueAfterSeconds returns tasks running longer than this to the
	// ready state. Zero disables stale-claim recovery.
	RequeueAfterSeconds int `json:"requeue_after_seconds" yaml:"requeue_after_seconds"`
}

// CoordinatorConfig controls how clients reach the queue daemon.
type CoordinatorConfig struct {
	// Command spawns the daemon as a subprocess speaking the tool
	// protocol on stdio. Empty means run the queue in-process.
	Command                 string   `json:"command,omitempty" yaml:"command"`
	Args                    []string `json:"args,omitempty" yaml:"args"`
	HandshakeTimeoutSeconds int      `json:"handshake_timeout_seconds" yaml:"handshake_timeout_seconds"`
	CallTimeoutSeconds      int      `json:"call_timeout_seconds" yaml:"call_timeout_seconds"`
	HealthIntervalSeconds   int      `json:"health_interval_seconds" yaml:"health_interval_seconds"`
	StopGraceSeconds        int      `json:"stop_grace_seconds" yaml:"stop_grace_seconds"`
}

// WorkerConfig defines one worker slot the daemon runs.
type WorkerConfig struct {
	ID             string   `json:"id" yaml:"id"`
	AgentType      string   `json:"agent_type" yaml:"agent_type"`
	Command        string   `json:"command" yaml:"command"` // executable run per claimed task
	Args           []string `json:"args,omitempty" yaml:"args"`
	PollIntervalMS int      `json:"poll_interval_ms" yaml:"poll_interval_ms"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
		},
		Queue: QueueConfig{
			DBPath:              filepath.Join("data", "capstan.db"),
			WorkspaceRoot:       filepath.Join("data", "workspaces"),
			RequeueAfterSeconds: 900,
		},
		Coordinator: CoordinatorConfig{
			HandshakeTimeoutSeconds: 10,
			CallTimeoutSeconds:      30,
			HealthIntervalSeconds:   30,
			StopGraceSeconds:        5,
		},
		DataDir:  "data",
		LogLevel: "info",
	}
}

// Load reads a YAML config file and returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// RequeueAfter returns the stale-claim cutoff as a duration. Zero
// means recovery is disabled.
func (c *QueueConfig) RequeueAfter() time.Duration {
	if c.RequeueAfterSeconds <= 0 {
		return 0
	}
	return time.Duration(c.RequeueAfterSeconds) * time.Second
}

// HandshakeTimeout returns the coordinator handshake bound as a
// duration, falling back to the default when unset.
func (c *CoordinatorConfig) HandshakeTimeout() time.Duration {
	return secondsOr(c.HandshakeTimeoutSeconds, 10*time.Second)
}

// CallTimeout bounds a single tool call.
func (c *CoordinatorConfig) CallTimeout() time.Duration {
	return secondsOr(c.CallTimeoutSeconds, 30*time.Second)
}

// HealthInterval is the delay between health-check tool calls.
func (c *CoordinatorConfig) HealthInterval() time.Duration {
	return secondsOr(c.HealthIntervalSeconds, 30*time.Second)
}

// StopGrace is how long Stop waits before force-terminating.
func (c *CoordinatorConfig) StopGrace() time.Duration {
	return secondsOr(c.StopGraceSeconds, 5*time.Second)
}

func secondsOr(s int, def time.Duration) time.Duration {
	if s <= 0 {
		return def
	}
	return time.Duration(s) * time.Second
}
