package config

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/japaniel/voxqueue/pkg/db"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, db.DriverSQLite, cfg.DBDriver)
	assert.Equal(t, 120*time.Second, cfg.CacheTTL)
	assert.Equal(t, 16, cfg.BatchMaxDepth)
	assert.Equal(t, 3, cfg.MaxAttempts)
	require.NoError(t, cfg.Validate())
}

func TestLoadEnvironmentAndOverlay(t *testing.T) {
	t.Setenv("VOXQUEUE_CACHE_TTL", "5s")
	t.Setenv("VOXQUEUE_DISPATCH_WORKERS", "7")
	t.Setenv("VOXQUEUE_GENERATOR_ARGS", "--model en.onnx --quiet")

	v := viper.New()
	v.Set("dispatch.workers", 3)
	v.Set("db.driver", db.DriverGormSQLite)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.CacheTTL)
	assert.Equal(t, 3, cfg.Workers, "viper keys override the environment")
	assert.Equal(t, db.DriverGormSQLite, cfg.DBDriver)
	assert.Equal(t, []string{"--model", "en.onnx", "--quiet"}, cfg.GeneratorArgs)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"driver":  func(c *Config) { c.DBDriver = "mysql" },
		"dsn":     func(c *Config) { c.DBDSN = "" },
		"ttl":     func(c *Config) { c.CacheTTL = 0 },
		"depth":   func(c *Config) { c.BatchMaxDepth = 0 },
		"workers": func(c *Config) { c.Workers = 0 },
		"rate":    func(c *Config) { c.Rate = -1 },
		"poll":    func(c *Config) { c.PollInterval = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
		})
	}
}

func TestLoadReportsInvalidOverlay(t *testing.T) {
	v := viper.New()
	v.Set("db.driver", "mysql")

	_, err := Load(v)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.Contains(t, err.Error(), `unknown db driver "mysql"`)
}
