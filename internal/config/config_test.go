package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "https://api.testnet.hiro.so", cfg.HiroTestnetURL)
	assert.Equal(t, "https://api.mainnet.hiro.so", cfg.HiroMainnetURL)
	assert.Equal(t, "ST3AW560S3EET4NNSC3NG9N6CPNMPGASTMKWX11KG.api-registry", cfg.RegistryContractID)
	assert.Equal(t, 10*time.Second, cfg.RegistryTimeout)
	assert.Equal(t, 30*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, int64(10<<20), cfg.UpstreamMaxResponseBytes)
	assert.Equal(t, time.Duration(0), cfg.AgentMaxClockSkew)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowOrigins)
	assert.Equal(t, 5*time.Second, cfg.DrainDelay)
	assert.False(t, cfg.AllowPrivateUpstreams)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("REGISTRY_TIMEOUT", "3s")
	t.Setenv("SINK_WORKERS", "8")
	t.Setenv("CORS_ALLOW_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("BASE_URL", "https://gw.example/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.RegistryTimeout)
	assert.Equal(t, 8, cfg.SinkWorkers)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowOrigins)
	assert.Equal(t, "https://gw.example", cfg.BaseURL)
}

func TestLoad_ProductionRequiresAdminSecret(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("ADMIN_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_SECRET")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Port:               "8080",
			Env:                "development",
			RegistryContractID: "ST3AW560S3EET4NNSC3NG9N6CPNMPGASTMKWX11KG.api-registry",
			RegistryTimeout:    time.Second,
			UpstreamTimeout:    time.Second,
			FacilitatorTimeout: time.Second,
			SinkWorkers:        1,
			ShutdownTimeout:    time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing port", func(c *Config) { c.Port = "" }, "PORT"},
		{"zero registry timeout", func(c *Config) { c.RegistryTimeout = 0 }, "REGISTRY_TIMEOUT"},
		{"zero upstream timeout", func(c *Config) { c.UpstreamTimeout = 0 }, "UPSTREAM_TIMEOUT"},
		{"negative skew", func(c *Config) { c.AgentMaxClockSkew = -time.Second }, "AGENT_MAX_CLOCK_SKEW"},
		{"no workers", func(c *Config) { c.SinkWorkers = 0 }, "SINK_WORKERS"},
		{"bad contract", func(c *Config) { c.RegistryContractID = "api-registry" }, "REGISTRY_CONTRACT_ID"},
		{"production without secret", func(c *Config) { c.Env = "production" }, "ADMIN_SECRET"},
		{"negative drain", func(c *Config) { c.DrainDelay = -time.Second }, "DRAIN_DELAY"},
		{"zero shutdown timeout", func(c *Config) { c.ShutdownTimeout = 0 }, "SHUTDOWN_TIMEOUT"},
		{"private upstreams in production", func(c *Config) {
			c.Env = "production"
			c.AdminSecret = "s"
			c.AllowPrivateUpstreams = true
		}, "ALLOW_PRIVATE_UPSTREAMS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
