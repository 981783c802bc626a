// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `envconfig:"PORT" default:"8080"`
	Env       string `envconfig:"ENV" default:"development"` // "development", "staging", "production"
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	BaseURL   string `envconfig:"BASE_URL" default:"http://localhost:8080"`

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL string `envconfig:"DATABASE_URL"`

	// Authorization registry (Hiro Stacks API)
	HiroTestnetURL      string        `envconfig:"HIRO_TESTNET_URL" default:"https://api.testnet.hiro.so"`
	HiroMainnetURL      string        `envconfig:"HIRO_MAINNET_URL" default:"https://api.mainnet.hiro.so"`
	RegistryContractID  string        `envconfig:"REGISTRY_CONTRACT_ID" default:"ST3AW560S3EET4NNSC3NG9N6CPNMPGASTMKWX11KG.api-registry"`
	RegistryTimeout     time.Duration `envconfig:"REGISTRY_TIMEOUT" default:"10s"`
	RegistryMaxAttempts int           `envconfig:"REGISTRY_MAX_ATTEMPTS" default:"2"`

	// Upstream proxying
	UpstreamTimeout          time.Duration `envconfig:"UPSTREAM_TIMEOUT" default:"30s"`
	UpstreamMaxResponseBytes int64         `envconfig:"UPSTREAM_MAX_RESPONSE_BYTES" default:"10485760"`

	// Permits loopback and private upstream addresses. Local testing only.
	AllowPrivateUpstreams bool `envconfig:"ALLOW_PRIVATE_UPSTREAMS" default:"false"`

	// Payments
	FacilitatorTimeout time.Duration `envconfig:"FACILITATOR_TIMEOUT" default:"30s"`

	// Agent claims. Zero disables timestamp freshness checks.
	AgentMaxClockSkew time.Duration `envconfig:"AGENT_MAX_CLOCK_SKEW" default:"0s"`

	// Background sink
	SinkWorkers   int `envconfig:"SINK_WORKERS" default:"4"`
	SinkQueueSize int `envconfig:"SINK_QUEUE_SIZE" default:"1024"`

	// Shutdown
	DrainDelay      time.Duration `envconfig:"DRAIN_DELAY" default:"5s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	// Security
	AdminSecret      string   `envconfig:"ADMIN_SECRET"`
	WebhookSecret    string   `envconfig:"WEBHOOK_SECRET"`
	RateLimitRPM     int      `envconfig:"RATE_LIMIT_RPM" default:"600"`
	RateLimitBurst   int      `envconfig:"RATE_LIMIT_BURST" default:"50"`
	CORSAllowOrigins []string `envconfig:"CORS_ALLOW_ORIGINS" default:"*"`

	// Tracing
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

var contractIDRe = regexp.MustCompile(`^S[0-9A-Z]{38,40}\.[a-zA-Z][a-zA-Z0-9-]{0,127}$`)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.RegistryTimeout <= 0 {
		return fmt.Errorf("REGISTRY_TIMEOUT must be positive")
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive")
	}
	if c.FacilitatorTimeout <= 0 {
		return fmt.Errorf("FACILITATOR_TIMEOUT must be positive")
	}
	if c.AgentMaxClockSkew < 0 {
		return fmt.Errorf("AGENT_MAX_CLOCK_SKEW must not be negative")
	}
	if c.SinkWorkers <= 0 {
		return fmt.Errorf("SINK_WORKERS must be positive")
	}
	if c.DrainDelay < 0 {
		return fmt.Errorf("DRAIN_DELAY must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive")
	}
	if !contractIDRe.MatchString(c.RegistryContractID) {
		return fmt.Errorf("REGISTRY_CONTRACT_ID must look like <principal>.<contract-name>")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if c.IsProduction() && c.AllowPrivateUpstreams {
		return fmt.Errorf("ALLOW_PRIVATE_UPSTREAMS is not permitted in production")
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
