// Package config loads voxqueue settings from the environment and overlays
// anything explicitly set through viper (config file or bound flags).
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/japaniel/voxqueue/pkg/db"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "VOXQUEUE_"

// ErrInvalid wraps every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"DB_DSN" envDefault:"voxqueue.db"`

	CacheTTL      time.Duration `env:"CACHE_TTL" envDefault:"120s"`
	BatchMaxDepth int           `env:"BATCH_MAX_DEPTH" envDefault:"16"`

	Workers      int           `env:"DISPATCH_WORKERS" envDefault:"2"`
	Rate         float64       `env:"DISPATCH_RATE" envDefault:"0"`
	MaxAttempts  int           `env:"DISPATCH_MAX_ATTEMPTS" envDefault:"3"`
	PollInterval time.Duration `env:"DISPATCH_POLL_INTERVAL" envDefault:"250ms"`

	AudioDir string `env:"AUDIO_DIR" envDefault:"audio"`
	AudioExt string `env:"AUDIO_EXT" envDefault:".wav"`

	GeneratorBinary  string        `env:"GENERATOR_BINARY"`
	GeneratorArgs    []string      `env:"GENERATOR_ARGS" envSeparator:" "`
	GeneratorTimeout time.Duration `env:"GENERATOR_TIMEOUT" envDefault:"60s"`

	DictionaryPath string `env:"DICTIONARY_PATH"`
	SegmentCJK     bool   `env:"NORMALIZE_SEGMENT_CJK" envDefault:"false"`

	LogMode     string `env:"LOG_MODE" envDefault:"dev"`
	MetricsAddr string `env:"METRICS_ADDR"`
}

// Default returns the configuration implied by the envDefault tags alone.
func Default() Config {
	cfg, _ := env.ParseAsWithOptions[Config](env.Options{
		Prefix:      EnvPrefix,
		Environment: map[string]string{},
	})
	return cfg
}

// Load parses the environment, then applies every key set in v. A nil v
// skips the overlay.
func Load(v *viper.Viper) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: EnvPrefix})
	if err != nil {
		return cfg, errors.Wrap(err, "parse environment")
	}
	if v != nil {
		overlay(v, &cfg)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func overlay(v *viper.Viper, cfg *Config) {
	if v.IsSet("db.driver") {
		cfg.DBDriver = v.GetString("db.driver")
	}
	if v.IsSet("db.dsn") {
		cfg.DBDSN = v.GetString("db.dsn")
	}
	if v.IsSet("cache.ttl") {
		cfg.CacheTTL = v.GetDuration("cache.ttl")
	}
	if v.IsSet("batch.max_depth") {
		cfg.BatchMaxDepth = v.GetInt("batch.max_depth")
	}

	if v.IsSet("dispatch.workers") {
		cfg.Workers = v.GetInt("dispatch.workers")
	}
	if v.IsSet("dispatch.rate") {
		cfg.Rate = v.GetFloat64("dispatch.rate")
	}
	if v.IsSet("dispatch.max_attempts") {
		cfg.MaxAttempts = v.GetInt("dispatch.max_attempts")
	}
	if v.IsSet("dispatch.poll_interval") {
		cfg.PollInterval = v.GetDuration("dispatch.poll_interval")
	}

	if v.IsSet("audio.dir") {
		cfg.AudioDir = v.GetString("audio.dir")
	}
	if v.IsSet("audio.ext") {
		cfg.AudioExt = v.GetString("audio.ext")
	}

	if v.IsSet("generator.binary") {
		cfg.GeneratorBinary = v.GetString("generator.binary")
	}
	if v.IsSet("generator.args") {
		cfg.GeneratorArgs = v.GetStringSlice("generator.args")
	}
	if v.IsSet("generator.timeout") {
		cfg.GeneratorTimeout = v.GetDuration("generator.timeout")
	}

	if v.IsSet("dictionary.path") {
		cfg.DictionaryPath = v.GetString("dictionary.path")
	}
	if v.IsSet("normalize.segment_cjk") {
		cfg.SegmentCJK = v.GetBool("normalize.segment_cjk")
	}
	if v.IsSet("log.mode") {
		cfg.LogMode = v.GetString("log.mode")
	}
	if v.IsSet("metrics.addr") {
		cfg.MetricsAddr = v.GetString("metrics.addr")
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	switch c.DBDriver {
	case db.DriverSQLite, db.DriverPostgres, db.DriverGormSQLite:
	default:
		return errors.Wrapf(ErrInvalid, "unknown db driver %q", c.DBDriver)
	}
	if c.DBDSN == "" {
		return errors.WithMessage(ErrInvalid, "db dsn must be set")
	}
	if c.CacheTTL <= 0 {
		return errors.Wrapf(ErrInvalid, "cache ttl must be positive, got %s", c.CacheTTL)
	}
	if c.BatchMaxDepth < 1 {
		return errors.Wrapf(ErrInvalid, "batch max depth must be at least 1, got %d", c.BatchMaxDepth)
	}
	if c.Workers < 1 {
		return errors.Wrapf(ErrInvalid, "dispatch workers must be at least 1, got %d", c.Workers)
	}
	if c.Rate < 0 {
		return errors.Wrapf(ErrInvalid, "dispatch rate must not be negative, got %v", c.Rate)
	}
	if c.MaxAttempts < 0 {
		return errors.Wrapf(ErrInvalid, "dispatch max attempts must not be negative, got %d", c.MaxAttempts)
	}
	if c.PollInterval <= 0 {
		return errors.Wrapf(ErrInvalid, "dispatch poll interval must be positive, got %s", c.PollInterval)
	}
	if c.GeneratorTimeout < 0 {
		return errors.Wrapf(ErrInvalid, "generator timeout must not be negative, got %s", c.GeneratorTimeout)
	}
	return nil
}
