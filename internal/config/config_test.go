package config

import (
	"testing"
	"time"

	"github.com/portfolio-briefing/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("POSTGRES_HOST", "testhost")
	t.Setenv("SNAPSHOT_STORE", "Memory")
	t.Setenv("SNAPSHOT_CACHE_TTL", "30s")
	t.Setenv("SNAPSHOT_RETENTION_DAYS", "-1")
	t.Setenv("BRIEFING_CONCURRENCY", "8")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "testhost", cfg.Database.Postgres.Host)
	assert.Equal(t, types.StoreBackendMemory, cfg.Store.Backend)
	assert.Equal(t, 30*time.Second, cfg.Store.CacheTTL)
	assert.Equal(t, -1, cfg.Store.RetentionDays)
	assert.Equal(t, 8, cfg.Briefing.Concurrency)
	assert.Equal(t, 5, cfg.Report.MaxModified)
	assert.Equal(t, 10, cfg.Report.TopHoldings)
}

func TestLoadConfig_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("SNAPSHOT_STORE", "dynamo")

	_, err := LoadConfig()
	assert.ErrorContains(t, err, "SNAPSHOT_STORE")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "postgres backend",
			mutate: func(c *Config) {},
		},
		{
			name: "s3 without bucket",
			mutate: func(c *Config) {
				c.Store.Backend = types.StoreBackendS3
			},
			wantErr: "S3_BUCKET",
		},
		{
			name: "s3 with bucket",
			mutate: func(c *Config) {
				c.Store.Backend = types.StoreBackendS3
				c.Store.S3.Bucket = "briefings"
			},
		},
		{
			name: "zero concurrency",
			mutate: func(c *Config) {
				c.Briefing.Concurrency = 0
			},
			wantErr: "BRIEFING_CONCURRENCY",
		},
		{
			name: "budget reserve leaves no shared calls",
			mutate: func(c *Config) {
				c.Source.Budget = BudgetConfig{Enabled: true, CallsPerSecond: 4, Reserved: 4}
			},
			wantErr: "HOLDINGS_BUDGET_RESERVED",
		},
		{
			name: "budget disabled ignores reserve",
			mutate: func(c *Config) {
				c.Source.Budget = BudgetConfig{CallsPerSecond: 4, Reserved: 4}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Store:    StoreConfig{Backend: types.StoreBackendPostgres},
				Briefing: BriefingConfig{Concurrency: 1},
			}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestNeedsRedis(t *testing.T) {
	cfg := &Config{}
	assert.False(t, cfg.NeedsRedis())

	cfg.Source.Budget.Enabled = true
	assert.True(t, cfg.NeedsRedis())

	cfg = &Config{Store: StoreConfig{CacheEnabled: true}}
	assert.True(t, cfg.NeedsRedis())
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_KEY",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when environment variable not set",
			key:          "NONEXISTENT_KEY",
			defaultValue: "default",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}
			assert.Equal(t, tt.want, getEnv(tt.key, tt.defaultValue))
		})
	}
}

func TestGetEnvTypedFallbacks(t *testing.T) {
	t.Setenv("TEST_INT", "not-a-number")
	t.Setenv("TEST_FLOAT", "2.5")
	t.Setenv("TEST_BOOL", "yes-please")
	t.Setenv("TEST_DURATION", "90m")

	assert.Equal(t, 7, getEnvAsInt("TEST_INT", 7))
	assert.Equal(t, 2.5, getEnvAsFloat("TEST_FLOAT", 1))
	assert.True(t, getEnvAsBool("TEST_BOOL", true))
	assert.Equal(t, 90*time.Minute, getEnvAsDuration("TEST_DURATION", time.Second))
}

func TestPostgresURL(t *testing.T) {
	c := PostgresConfig{Host: "db", Port: "5432", Database: "pb", User: "u", Password: "p"}
	assert.Equal(t, "postgres://u:p@db:5432/pb?sslmode=disable", c.URL())
}
