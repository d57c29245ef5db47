// Package config loads server configuration from defaults, an optional
// YAML or TOML file, environment variables and command-line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/remote-agent-terminal/ptyrelay/internal/buffer"
)

type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Program   ProgramConfig   `yaml:"program" toml:"program"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Projects  ProjectsConfig  `yaml:"projects" toml:"projects"`
	Recording RecordingConfig `yaml:"recording" toml:"recording"`
	Log       LogConfig       `yaml:"log" toml:"log"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
	// StaticDir, when set, is served at / (the web UI).
	StaticDir string `yaml:"static_dir" toml:"static_dir"`
	// SelectRate is the sustained number of project selections allowed per
	// connection per second; SelectBurst is the bucket size.
	SelectRate  float64 `yaml:"select_rate" toml:"select_rate"`
	SelectBurst int     `yaml:"select_burst" toml:"select_burst"`
	// MaxMessageSize is the largest websocket frame accepted from a client.
	MaxMessageSize int64 `yaml:"max_message_size" toml:"max_message_size"`
}

type ProgramConfig struct {
	Command string            `yaml:"command" toml:"command"`
	Args    []string          `yaml:"args" toml:"args"`
	Env     map[string]string `yaml:"env" toml:"env"`
	Cols    uint16            `yaml:"cols" toml:"cols"`
	Rows    uint16            `yaml:"rows" toml:"rows"`
}

type SessionConfig struct {
	BufferCeiling int     `yaml:"buffer_ceiling" toml:"buffer_ceiling"`
	BufferSlack   float64 `yaml:"buffer_slack" toml:"buffer_slack"`
	QueueLength   int     `yaml:"queue_length" toml:"queue_length"`
	MaxSessions   int     `yaml:"max_sessions" toml:"max_sessions"`
	// ExitDrain bounds how long output is drained after the process exits.
	ExitDrain time.Duration `yaml:"exit_drain" toml:"exit_drain"`
	// KillGrace is how long a killed program may ignore SIGTERM before SIGKILL.
	KillGrace time.Duration `yaml:"kill_grace" toml:"kill_grace"`
}

type ProjectsConfig struct {
	DBPath      string `yaml:"db_path" toml:"db_path"`
	MaxProjects int    `yaml:"max_projects" toml:"max_projects"`
}

type RecordingConfig struct {
	Dir string `yaml:"dir" toml:"dir"`
}

type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// Default returns the configuration used when nothing else is specified.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8080",
			SelectRate:     2,
			SelectBurst:    5,
			MaxMessageSize: 1 << 20,
		},
		Program: ProgramConfig{
			Command: defaultShell(),
			Cols:    80,
			Rows:    24,
		},
		Session: SessionConfig{
			BufferCeiling: buffer.DefaultCeiling,
			BufferSlack:   buffer.DefaultSlack,
			QueueLength:   256,
			ExitDrain:     500 * time.Millisecond,
			KillGrace:     3 * time.Second,
		},
		Projects: ProjectsConfig{
			DBPath:      "data/projects.db",
			MaxProjects: 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// Load reads path over the defaults. The decoder is chosen by extension:
// .toml uses TOML, anything else YAML. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse toml config %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PTYRELAY_* environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("PTYRELAY_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := getenv("PTYRELAY_PROGRAM"); v != "" {
		c.Program.Command = v
	}
	if v := getenv("PTYRELAY_DB_PATH"); v != "" {
		c.Projects.DBPath = v
	}
	if v := getenv("PTYRELAY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("PTYRELAY_STATIC_DIR"); v != "" {
		c.Server.StaticDir = v
	}
}

// BindFlags registers flags that write straight into c. Call it after Load
// and ApplyEnv so unset flags keep the values already resolved.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Server.Addr, "addr", c.Server.Addr, "listen address")
	fs.StringVar(&c.Server.StaticDir, "static", c.Server.StaticDir, "directory served at /")
	fs.StringVar(&c.Program.Command, "program", c.Program.Command, "program started in each session")
	fs.StringSliceVar(&c.Program.Args, "arg", c.Program.Args, "program argument (repeatable)")
	fs.Int64Var(&c.Server.MaxMessageSize, "max-message", c.Server.MaxMessageSize, "largest client frame in bytes")
	fs.IntVar(&c.Session.BufferCeiling, "buffer", c.Session.BufferCeiling, "replay buffer size in bytes")
	fs.IntVar(&c.Session.MaxSessions, "max-sessions", c.Session.MaxSessions, "maximum live sessions (0 = unlimited)")
	fs.StringVar(&c.Projects.DBPath, "db", c.Projects.DBPath, "recent projects database path")
	fs.StringVar(&c.Recording.Dir, "record-dir", c.Recording.Dir, "directory for asciinema recordings")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level: debug, info, warn, error")
	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format, "log format: json or text")
	fs.StringVar(&c.Log.File, "log-file", c.Log.File, "rotating log file")
}

// Validate reports the first unusable value.
func (c *Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return fmt.Errorf("server.addr is required")
	case c.Program.Command == "":
		return fmt.Errorf("program.command is required")
	case c.Program.Cols == 0 || c.Program.Rows == 0:
		return fmt.Errorf("program.cols and program.rows must be positive")
	case c.Session.BufferCeiling <= 0:
		return fmt.Errorf("session.buffer_ceiling must be positive")
	case c.Session.BufferSlack < 1:
		return fmt.Errorf("session.buffer_slack must be >= 1")
	case c.Session.QueueLength <= 0:
		return fmt.Errorf("session.queue_length must be positive")
	case c.Session.MaxSessions < 0:
		return fmt.Errorf("session.max_sessions must not be negative")
	case c.Server.SelectRate <= 0 || c.Server.SelectBurst <= 0:
		return fmt.Errorf("server.select_rate and server.select_burst must be positive")
	case c.Server.MaxMessageSize <= 0:
		return fmt.Errorf("server.max_message_size must be positive")
	case c.Projects.MaxProjects <= 0:
		return fmt.Errorf("projects.max_projects must be positive")
	}
	return nil
}

// ProgramEnv returns the configured environment as KEY=VALUE pairs.
func (c *Config) ProgramEnv() []string {
	env := make([]string, 0, len(c.Program.Env))
	for k, v := range c.Program.Env {
		env = append(env, k+"="+v)
	}
	return env
}
