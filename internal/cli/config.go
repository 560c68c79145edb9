package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/shiftplan/internal/coordinator"
	"github.com/ChuLiYu/shiftplan/internal/remote"
	"github.com/ChuLiYu/shiftplan/internal/store/pgstore"
)

// SecretEnv overrides remote.default_secret when set.
const SecretEnv = "SHIFTPLAN_SECRET"

// Config is the full YAML configuration.
type Config struct {
	Company string `yaml:"company"`

	Remote struct {
		BaseURL       string            `yaml:"base_url"`
		HTTPTimeout   time.Duration     `yaml:"http_timeout"`
		DefaultSecret string            `yaml:"default_secret"`
		Secrets       map[string]string `yaml:"secrets"`
	} `yaml:"remote"`

	Jobs struct {
		PollInterval    time.Duration `yaml:"poll_interval"`
		MaxPollAttempts int           `yaml:"max_poll_attempts"`
	} `yaml:"jobs"`

	Training struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		MaxAttempts  int           `yaml:"max_attempts"`
		MinPolls     int           `yaml:"min_polls"`
	} `yaml:"training"`

	Store struct {
		Backend      string        `yaml:"backend"` // sqlite | file | postgres
		Path         string        `yaml:"path"`
		Dir          string        `yaml:"dir"`
		DSN          string        `yaml:"dsn"`
		PollInterval time.Duration `yaml:"poll_interval"`
		Debounce     time.Duration `yaml:"debounce"`
		Channel      string        `yaml:"channel"`
	} `yaml:"store"`

	Coordinator struct {
		RejectStalePushes bool          `yaml:"reject_stale_pushes"`
		HistoryDays       int           `yaml:"history_days"`
		MinRestHours      int           `yaml:"min_rest_hours"`
		ShiftStart        string        `yaml:"shift_start"`
		ShiftEnd          string        `yaml:"shift_end"`
		ShiftRole         string        `yaml:"shift_role"`
		BackgroundWorkers int           `yaml:"background_workers"`
		QueueSize         int           `yaml:"queue_size"`
		TaskTimeout       time.Duration `yaml:"task_timeout"`
	} `yaml:"coordinator"`

	Server struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Log struct {
		Format string `yaml:"format"` // text | json
		Level  string `yaml:"level"`
	} `yaml:"log"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyEnv()
	cfg.withDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if s := os.Getenv(SecretEnv); s != "" {
		c.Remote.DefaultSecret = s
	}
}

// withDefaults 只補 CLI 層自己的預設值，其餘交給各元件的 withDefaults
func (c *Config) withDefaults() {
	if c.Company == "" {
		c.Company = "default"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/shiftplan.db"
	}
	if c.Store.Dir == "" {
		c.Store.Dir = "data/schedules"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:50051"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) remoteConfig() remote.Config {
	return remote.Config{
		BaseURL:              c.Remote.BaseURL,
		HTTPTimeout:          c.Remote.HTTPTimeout,
		Secrets:              c.Remote.Secrets,
		DefaultSecret:        c.Remote.DefaultSecret,
		PollInterval:         c.Jobs.PollInterval,
		MaxPollAttempts:      c.Jobs.MaxPollAttempts,
		TrainingPollInterval: c.Training.PollInterval,
		TrainingMaxAttempts:  c.Training.MaxAttempts,
		TrainingMinPolls:     c.Training.MinPolls,
	}
}

func (c *Config) coordinatorConfig() coordinator.Config {
	return coordinator.Config{
		RejectStalePushes: c.Coordinator.RejectStalePushes,
		HistoryDays:       c.Coordinator.HistoryDays,
		MinRestHours:      c.Coordinator.MinRestHours,
		ShiftStart:        c.Coordinator.ShiftStart,
		ShiftEnd:          c.Coordinator.ShiftEnd,
		ShiftRole:         c.Coordinator.ShiftRole,
		BackgroundWorkers: c.Coordinator.BackgroundWorkers,
		QueueSize:         c.Coordinator.QueueSize,
		TaskTimeout:       c.Coordinator.TaskTimeout,
	}
}

func (c *Config) pgConfig() pgstore.Config {
	return pgstore.Config{DSN: c.Store.DSN, Channel: c.Store.Channel}
}

// newLogger 依設定建立 slog handler
func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
