package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/lastclick/go/clients"
	"github.com/mcdev12/lastclick/go/internal/models"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Storage backends
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMeta     = "meta"
)

type Config struct {
	Env         string `yaml:"env"`
	Port        string `yaml:"port"`
	InstanceID  string `yaml:"instance_id"`
	AdminSecret string `yaml:"-"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // json or console
		File   string `yaml:"file"`
	} `yaml:"log"`

	Oracle struct {
		Interval       time.Duration              `yaml:"interval"`
		AttemptTimeout time.Duration              `yaml:"attempt_timeout"`
		BreakerTimeout time.Duration              `yaml:"breaker_timeout"`
		BreakerTrips   uint32                     `yaml:"breaker_trips"`
		Sources        []clients.TimeSourceConfig `yaml:"sources"`
	} `yaml:"oracle"`

	Meta struct {
		Backend    string `yaml:"backend"`
		SQLitePath string `yaml:"sqlite_path"`
		// SyncInterval is how often state written by other instances is
		// re-read. Zero disables polling; oracle ticks still sync.
		SyncInterval time.Duration `yaml:"sync_interval"`
	} `yaml:"meta"`

	Visits struct {
		Backend   string        `yaml:"backend"`
		RedisURL  string        `yaml:"redis_url"`
		Retention time.Duration `yaml:"retention"`
		CountWait time.Duration `yaml:"count_wait"`
		CacheTTL  time.Duration `yaml:"cache_ttl"`
	} `yaml:"visits"`

	Identity struct {
		Backend    string `yaml:"backend"`
		Cap        int64  `yaml:"cap"`
		CookieName string `yaml:"cookie_name"`
		SecureOnly bool   `yaml:"secure_cookie"`
	} `yaml:"identity"`

	Countdown    time.Duration       `yaml:"countdown"`
	Broadcast    time.Duration       `yaml:"broadcast_interval"`
	PayoutLadder models.PayoutLadder `yaml:"payout_ladder"`

	RateLimit struct {
		PerSecond float64 `yaml:"per_second"`
		Burst     int     `yaml:"burst"`
	} `yaml:"rate_limit"`

	NATS struct {
		URL           string `yaml:"url"`
		StreamName    string `yaml:"stream"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`
}

// Default returns a single-instance configuration that needs no external
// services.
func Default() *Config {
	c := &Config{
		Env:  "development",
		Port: "8080",
	}
	c.Log.Level = "info"
	c.Log.Format = "console"

	c.Oracle.Interval = 5 * time.Minute
	c.Oracle.AttemptTimeout = 4 * time.Second
	c.Oracle.BreakerTimeout = 2 * time.Minute
	c.Oracle.BreakerTrips = 3
	c.Oracle.Sources = clients.DefaultTimeSources()

	c.Meta.Backend = BackendMemory
	c.Meta.SQLitePath = "lastclick.db"
	c.Meta.SyncInterval = 5 * time.Second

	c.Visits.Backend = BackendMeta
	c.Visits.Retention = 48 * time.Hour
	c.Visits.CountWait = 500 * time.Millisecond
	c.Visits.CacheTTL = 30 * time.Second

	c.Identity.Backend = BackendMemory
	c.Identity.Cap = 1_000_000
	c.Identity.CookieName = "lastclick_token"

	c.Countdown = 60 * time.Second
	c.Broadcast = time.Second
	c.PayoutLadder = models.DefaultPayoutLadder

	c.RateLimit.PerSecond = 5
	c.RateLimit.Burst = 10

	c.NATS.StreamName = "LASTCLICK_EVENTS"
	c.NATS.SubjectPrefix = "lastclick.events"
	return c
}

// Load builds the configuration from defaults, the optional YAML file at
// path and then the environment. A .env file in the working directory is
// loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if cfg.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "lastclick"
		}
		cfg.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Env = getEnv("APP_ENV", c.Env)
	c.Port = getEnv("PORT", c.Port)
	c.InstanceID = getEnv("INSTANCE_ID", c.InstanceID)
	c.AdminSecret = getEnv("ADMIN_SECRET", c.AdminSecret)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)

	c.Oracle.Interval = getEnvAsDuration("ORACLE_INTERVAL", c.Oracle.Interval)
	c.Oracle.AttemptTimeout = getEnvAsDuration("ORACLE_ATTEMPT_TIMEOUT", c.Oracle.AttemptTimeout)

	c.Meta.Backend = getEnv("META_BACKEND", c.Meta.Backend)
	c.Meta.SQLitePath = getEnv("SQLITE_PATH", c.Meta.SQLitePath)
	c.Meta.SyncInterval = getEnvAsDuration("META_SYNC_INTERVAL", c.Meta.SyncInterval)

	c.Visits.Backend = getEnv("VISITS_BACKEND", c.Visits.Backend)
	c.Visits.RedisURL = getEnv("REDIS_URL", c.Visits.RedisURL)

	c.Identity.Backend = getEnv("IDENTITY_BACKEND", c.Identity.Backend)
	c.Identity.Cap = int64(getEnvAsInt("VISITOR_CAP", int(c.Identity.Cap)))
	c.Identity.SecureOnly = getEnvAsBool("SECURE_COOKIE", c.Identity.SecureOnly)

	c.Countdown = getEnvAsDuration("COUNTDOWN", c.Countdown)
	c.Broadcast = getEnvAsDuration("BROADCAST_INTERVAL", c.Broadcast)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Meta.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown meta backend %q", c.Meta.Backend))
	}
	switch c.Visits.Backend {
	case BackendMeta:
	case BackendRedis:
		if c.Visits.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis visits backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown visits backend %q", c.Visits.Backend))
	}
	switch c.Identity.Backend {
	case BackendMemory, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown identity backend %q", c.Identity.Backend))
	}

	if c.Oracle.Interval <= 0 {
		errs = append(errs, errors.New("oracle interval must be positive"))
	}
	if c.Countdown <= 0 {
		errs = append(errs, errors.New("countdown must be positive"))
	}
	if c.Broadcast <= 0 {
		errs = append(errs, errors.New("broadcast interval must be positive"))
	}
	if c.PayoutLadder.Len() == 0 {
		errs = append(errs, errors.New("payout ladder is empty"))
	}
	for _, src := range c.Oracle.Sources {
		if err := clients.ValidateTimeSource(src); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the server runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring invalid integer")
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring invalid boolean")
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring invalid duration")
	}
	return defaultValue
}
