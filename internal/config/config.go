package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Queue backends.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// Config holds all application configuration.
type Config struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	DataDir      string        `json:"data_dir"`
	DBPath       string        `json:"db_path"`
	WriteTimeout time.Duration `json:"-"`
	LogLevel     string        `json:"log_level"`

	// EventsDriver is "sqlite3" or "postgres". EventsDSN
	// defaults to a file next to the annotation database.
	EventsDriver string `json:"events_driver"`
	EventsDSN    string `json:"events_dsn"`
	// EventsDir, when set, is watched for JSONL event logs.
	EventsDir string `json:"events_dir,omitempty"`

	QueueBackend  string `json:"queue_backend"`
	RedisAddress  string `json:"redis_address"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db"`

	Workers int `json:"workers"`

	// AutoUpdateSchedule is a cron spec for scheduling checks
	// of stale reports. Empty disables the scheduler.
	AutoUpdateSchedule string        `json:"auto_update_schedule"`
	AutoUpdateLookback time.Duration `json:"-"`
}

// Default returns a Config with default values.
func Default() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf(
			"determining home directory: %w", err,
		)
	}
	dataDir := filepath.Join(home, ".annoreports")
	return Config{
		Host:               "127.0.0.1",
		Port:               8090,
		DataDir:            dataDir,
		WriteTimeout:       30 * time.Second,
		LogLevel:           "info",
		EventsDriver:       "sqlite3",
		QueueBackend:       QueueMemory,
		RedisAddress:       "localhost:6379",
		Workers:            2,
		AutoUpdateSchedule: "@every 15m",
		AutoUpdateLookback: 24 * time.Hour,
	}, nil
}

// Load builds a Config by layering: defaults < config file <
// .env and environment < flags. The provided FlagSet must
// already be parsed by the caller. Only flags that were
// explicitly set override the lower layers.
func Load(fs *pflag.FlagSet) (Config, error) {
	cfg, err := LoadMinimal()
	if err != nil {
		return cfg, err
	}
	if err := applyFlags(&cfg, fs); err != nil {
		return cfg, err
	}
	cfg.resolvePaths()
	return cfg, nil
}

// LoadMinimal builds a Config from defaults, config file, and
// environment without looking at CLI flags.
func LoadMinimal() (Config, error) {
	cfg, err := Default()
	if err != nil {
		return cfg, err
	}
	// A missing .env file is the common case.
	_ = godotenv.Load()

	if v := os.Getenv("ANNOREPORTS_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if err := cfg.loadFile(); err != nil {
		return cfg, fmt.Errorf("loading config file: %w", err)
	}
	if err := cfg.loadEnv(); err != nil {
		return cfg, err
	}
	cfg.resolvePaths()
	return cfg, nil
}

func (c *Config) configPath() string {
	return filepath.Join(c.DataDir, "config.json")
}

func (c *Config) resolvePaths() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "annotations.db")
	}
	if c.EventsDSN == "" && c.EventsDriver == "sqlite3" {
		c.EventsDSN = filepath.Join(c.DataDir, "events.db")
	}
}

func (c *Config) loadFile() error {
	data, err := os.ReadFile(c.configPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var file struct {
		Host               *string `json:"host"`
		Port               *int    `json:"port"`
		DBPath             string  `json:"db_path"`
		LogLevel           string  `json:"log_level"`
		EventsDriver       string  `json:"events_driver"`
		EventsDSN          string  `json:"events_dsn"`
		EventsDir          string  `json:"events_dir"`
		QueueBackend       string  `json:"queue_backend"`
		RedisAddress       string  `json:"redis_address"`
		RedisPassword      string  `json:"redis_password"`
		RedisDB            *int    `json:"redis_db"`
		Workers            *int    `json:"workers"`
		AutoUpdateSchedule *string `json:"auto_update_schedule"`
		AutoUpdateLookback string  `json:"auto_update_lookback"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if file.Host != nil {
		c.Host = *file.Host
	}
	if file.Port != nil {
		c.Port = *file.Port
	}
	setIfNotEmpty(&c.DBPath, file.DBPath)
	setIfNotEmpty(&c.LogLevel, file.LogLevel)
	setIfNotEmpty(&c.EventsDriver, file.EventsDriver)
	setIfNotEmpty(&c.EventsDSN, file.EventsDSN)
	setIfNotEmpty(&c.EventsDir, file.EventsDir)
	setIfNotEmpty(&c.QueueBackend, file.QueueBackend)
	setIfNotEmpty(&c.RedisAddress, file.RedisAddress)
	setIfNotEmpty(&c.RedisPassword, file.RedisPassword)
	if file.RedisDB != nil {
		c.RedisDB = *file.RedisDB
	}
	if file.Workers != nil {
		c.Workers = *file.Workers
	}
	if file.AutoUpdateSchedule != nil {
		c.AutoUpdateSchedule = *file.AutoUpdateSchedule
	}
	if file.AutoUpdateLookback != "" {
		d, err := time.ParseDuration(file.AutoUpdateLookback)
		if err != nil {
			return fmt.Errorf("parsing auto_update_lookback: %w", err)
		}
		c.AutoUpdateLookback = d
	}
	return nil
}

func (c *Config) loadEnv() error {
	setIfNotEmpty(&c.DBPath, os.Getenv("ANNOREPORTS_DB_PATH"))
	setIfNotEmpty(&c.LogLevel, os.Getenv("LOG_LEVEL"))
	setIfNotEmpty(&c.EventsDriver, os.Getenv("EVENTS_DRIVER"))
	setIfNotEmpty(&c.EventsDSN, os.Getenv("EVENTS_DSN"))
	setIfNotEmpty(&c.EventsDir, os.Getenv("EVENTS_DIR"))
	setIfNotEmpty(&c.QueueBackend, os.Getenv("QUEUE_BACKEND"))
	setIfNotEmpty(&c.RedisAddress, os.Getenv("REDIS_ADDRESS"))
	setIfNotEmpty(&c.RedisPassword, os.Getenv("REDIS_PASSWORD"))
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing REDIS_DB: %w", err)
		}
		c.RedisDB = n
	}
	if v := os.Getenv("ANNOREPORTS_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing ANNOREPORTS_WORKERS: %w", err)
		}
		c.Workers = n
	}
	return nil
}

func setIfNotEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// RegisterServeFlags registers server flags on fs.
func RegisterServeFlags(fs *pflag.FlagSet) {
	fs.String("host", "127.0.0.1", "Host to bind to")
	fs.Int("port", 8090, "Port to listen on")
	fs.Bool("no-worker", false, "Don't run queue workers in-process")
	fs.String("events-dir", "", "Directory of JSONL event logs to ingest")
	fs.String("auto-update", "@every 15m", "Cron spec for stale report checks (empty disables)")
	RegisterWorkerFlags(fs)
}

// RegisterWorkerFlags registers the flags shared by every
// command that runs report computations.
func RegisterWorkerFlags(fs *pflag.FlagSet) {
	fs.String("data-dir", "", "Data directory")
	fs.String("queue", QueueMemory, "Queue backend (memory or redis)")
	fs.String("redis", "localhost:6379", "Redis address")
	fs.Int("workers", 2, "Concurrent report computations")
	fs.String("events-dsn", "", "Event store DSN")
	fs.String("events-driver", "sqlite3", "Event store driver (sqlite3 or postgres)")
	fs.String("log-level", "info", "Log level")
}

// applyFlags copies explicitly-set flags from fs into cfg.
func applyFlags(cfg *Config, fs *pflag.FlagSet) error {
	if fs == nil {
		return nil
	}
	var err error
	fs.Visit(func(f *pflag.Flag) {
		v := f.Value.String()
		switch f.Name {
		case "host":
			cfg.Host = v
		case "port":
			cfg.Port, err = strconv.Atoi(v)
		case "data-dir":
			cfg.DataDir = v
			cfg.DBPath = ""
			if cfg.EventsDriver == "sqlite3" {
				cfg.EventsDSN = ""
			}
		case "queue":
			cfg.QueueBackend = v
		case "redis":
			cfg.RedisAddress = v
		case "workers":
			cfg.Workers, err = strconv.Atoi(v)
		case "events-dsn":
			cfg.EventsDSN = v
		case "events-driver":
			cfg.EventsDriver = v
		case "log-level":
			cfg.LogLevel = v
		case "events-dir":
			cfg.EventsDir = v
		case "auto-update":
			cfg.AutoUpdateSchedule = v
		}
	})
	if err != nil {
		return fmt.Errorf("applying flags: %w", err)
	}
	return cfg.Validate()
}

// Validate checks option values that would otherwise fail
// late at startup.
func (c *Config) Validate() error {
	switch c.QueueBackend {
	case QueueMemory, QueueRedis:
	default:
		return fmt.Errorf("unknown queue backend %q", c.QueueBackend)
	}
	switch c.EventsDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unknown events driver %q", c.EventsDriver)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1")
	}
	return nil
}
