package config

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
)

// Config holds aggregation server configuration loaded from YAML and env.
type Config struct {
	TestingMode bool

	ServerPort   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	RequestTimeout time.Duration
	MaxBodyBytes   int64

	StalenessThreshold time.Duration
	SweepInterval      time.Duration

	PersistenceBackend    string // "file", "sqlite", "mysql" or "memcached"
	FlushTimeout          time.Duration
	DataFile              string
	SQLitePath            string
	MySQLDSN              string
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	MemcachedKey          string

	RateLimitRPS   int
	RateLimitBurst int

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	IdleThresholdReqPerMin int
	IdleWindow             time.Duration
	MinimumLifespan        time.Duration
	DegradedWindow         time.Duration
	DegradedErrorPct       int
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port         string `yaml:"port"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
	} `yaml:"server"`

	Request struct {
		Timeout      string `yaml:"timeout"`
		MaxBodyBytes int64  `yaml:"max_body_bytes"`
	} `yaml:"request"`

	Store struct {
		StalenessThreshold string `yaml:"staleness_threshold"`
		SweepInterval      string `yaml:"sweep_interval"`
	} `yaml:"store"`

	Persistence struct {
		Backend      string `yaml:"backend"`
		FlushTimeout string `yaml:"flush_timeout"`
		File         struct {
			Path string `yaml:"path"`
		} `yaml:"file"`
		SQLite struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
			Key          string `yaml:"key"`
		} `yaml:"memcached"`
	} `yaml:"persistence"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		OverloadWindow         string `yaml:"overload_window"`
		OverloadThresholdPct   int    `yaml:"overload_threshold_pct"`
		IdleThresholdReqPerMin int    `yaml:"idle_threshold_req_per_min"`
		IdleWindow             string `yaml:"idle_window"`
		MinimumLifespan        string `yaml:"minimum_lifespan"`
		DegradedWindow         string `yaml:"degraded_window"`
		DegradedErrorPct       int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`
}

type secretsFile struct {
	MySQLDSN string `yaml:"mysql_dsn"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) relative
// to the working directory. An optional .env in the working directory is
// loaded first without overriding variables already set. The MySQL DSN comes
// from MYSQL_DSN or config/secrets.yaml mysql_dsn.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "4567")
	cfg.ReadTimeout = parseDuration(fc.Server.ReadTimeout, 10*time.Second)
	cfg.WriteTimeout = parseDuration(fc.Server.WriteTimeout, 10*time.Second)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)
	cfg.MaxBodyBytes = fc.Request.MaxBodyBytes
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	cfg.StalenessThreshold = parseDurationOrZero(fc.Store.StalenessThreshold, 30*time.Second)
	cfg.SweepInterval = parseDurationOrZero(fc.Store.SweepInterval, 5*time.Second)

	cfg.PersistenceBackend = strings.ToLower(firstNonEmpty(
		strings.TrimSpace(os.Getenv("PERSISTENCE_BACKEND")),
		strings.TrimSpace(fc.Persistence.Backend),
		"file",
	))
	cfg.FlushTimeout = parseDuration(fc.Persistence.FlushTimeout, 5*time.Second)
	cfg.DataFile = firstNonEmpty(os.Getenv("DATA_FILE"), fc.Persistence.File.Path, "data/weather_data.json")
	cfg.SQLitePath = firstNonEmpty(fc.Persistence.SQLite.Path, "data/weather_data.db")
	cfg.MemcachedAddrs = firstNonEmpty(
		strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS")),
		strings.TrimSpace(fc.Persistence.Memcached.Addrs),
		"localhost:11211",
	)
	cfg.MemcachedTimeout = parseDuration(fc.Persistence.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Persistence.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.MemcachedKey = firstNonEmpty(fc.Persistence.Memcached.Key, "weather:snapshot")

	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	if cfg.MySQLDSN == "" {
		secretsPath := filepath.Join(cwd, "config", "secrets.yaml")
		secretsData, err := os.ReadFile(secretsPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read secrets file: %w", err)
			}
		} else {
			var sec secretsFile
			if err := yaml.Unmarshal(secretsData, &sec); err != nil {
				return nil, fmt.Errorf("parse secrets file: %w", err)
			}
			cfg.MySQLDSN = sec.MySQLDSN
		}
	}

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 200
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 400
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.IdleThresholdReqPerMin = fc.Lifecycle.IdleThresholdReqPerMin
	if cfg.IdleThresholdReqPerMin <= 0 {
		cfg.IdleThresholdReqPerMin = 1
	}
	cfg.IdleWindow = parseDuration(fc.Lifecycle.IdleWindow, 5*time.Minute)
	cfg.MinimumLifespan = parseDuration(fc.Lifecycle.MinimumLifespan, 5*time.Minute)
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
// Used for parsing duration fields from YAML config with safe fallback to defaults.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// Explicit non-positive staleness or sweep values are errors, not defaulted.
func validate(cfg *Config) error {
	if cfg.StalenessThreshold <= 0 {
		return fmt.Errorf("store.staleness_threshold must be positive, got %s", cfg.StalenessThreshold)
	}
	if cfg.SweepInterval <= 0 {
		return fmt.Errorf("store.sweep_interval must be positive, got %s", cfg.SweepInterval)
	}
	if _, err := strconv.Atoi(cfg.ServerPort); err != nil {
		return fmt.Errorf("server.port must be numeric, got %q", cfg.ServerPort)
	}
	switch cfg.PersistenceBackend {
	case "file", "sqlite", "memcached":
		// valid
	case "mysql":
		if strings.TrimSpace(cfg.MySQLDSN) == "" {
			return fmt.Errorf("MYSQL_DSN required for mysql backend (set env or config/secrets.yaml mysql_dsn)")
		}
	default:
		return fmt.Errorf("persistence.backend must be file, sqlite, mysql or memcached, got %q", cfg.PersistenceBackend)
	}
	return nil
}
