package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT" validate:"required,numeric"`
	Env            string        `mapstructure:"ENV" validate:"required,oneof=development staging production test"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL" validate:"required"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS" validate:"gt=0"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS" validate:"gte=0"`
	DefaultTenant  string        `mapstructure:"DEFAULT_TENANT" validate:"required,alphanum"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT" validate:"gt=0"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS" validate:"gte=0"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST" validate:"gte=0"`

	Nudge NudgeConfig `mapstructure:",squash"`
	LLM   LLMConfig   `mapstructure:",squash"`
}

// NudgeConfig controls evaluation, expiry and the adaptive engine.
type NudgeConfig struct {
	Engine                string        `mapstructure:"NUDGE_ENGINE" validate:"oneof=rules adaptive"`
	ExpiryHorizon         time.Duration `mapstructure:"NUDGE_EXPIRY_HORIZON" validate:"gt=0"`
	ExpiryOverrides       string        `mapstructure:"NUDGE_EXPIRY_OVERRIDES"`
	EvalCooldown          time.Duration `mapstructure:"NUDGE_EVAL_COOLDOWN" validate:"gte=0"`
	SweepInterval         time.Duration `mapstructure:"NUDGE_SWEEP_INTERVAL" validate:"gte=0"`
	GenerationConcurrency int           `mapstructure:"NUDGE_GENERATION_CONCURRENCY" validate:"gt=0"`
	AdaptiveMinSamples    int           `mapstructure:"NUDGE_ADAPTIVE_MIN_SAMPLES" validate:"gte=0"`
	AdaptiveMinActionRate int           `mapstructure:"NUDGE_ADAPTIVE_MIN_ACTION_RATE" validate:"gte=0,lte=100"`
	AdaptiveMaxNew        int           `mapstructure:"NUDGE_ADAPTIVE_MAX_NEW" validate:"gte=0"`
}

// LLMConfig configures the optional text-generation provider. An empty BaseURL
// disables AI generation and every nudge uses its template.
type LLMConfig struct {
	BaseURL    string        `mapstructure:"LLM_BASE_URL" validate:"omitempty,url"`
	APIKey     string        `mapstructure:"LLM_API_KEY"`
	Model      string        `mapstructure:"LLM_MODEL"`
	Timeout    time.Duration `mapstructure:"LLM_TIMEOUT" validate:"gt=0"`
	MaxRetries int           `mapstructure:"LLM_MAX_RETRIES" validate:"gte=0,lte=5"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_TENANT",
	"REDIS_URL", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"REQUEST_TIMEOUT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"NUDGE_ENGINE", "NUDGE_EXPIRY_HORIZON", "NUDGE_EXPIRY_OVERRIDES", "NUDGE_EVAL_COOLDOWN",
	"NUDGE_SWEEP_INTERVAL", "NUDGE_GENERATION_CONCURRENCY", "NUDGE_ADAPTIVE_MIN_SAMPLES",
	"NUDGE_ADAPTIVE_MIN_ACTION_RATE", "NUDGE_ADAPTIVE_MAX_NEW",
	"LLM_BASE_URL", "LLM_API_KEY", "LLM_MODEL", "LLM_TIMEOUT", "LLM_MAX_RETRIES",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("NUDGE_ENGINE", "rules")
	v.SetDefault("NUDGE_EXPIRY_HORIZON", "48h")
	v.SetDefault("NUDGE_EXPIRY_OVERRIDES", "appointment_reminder=24h,streak_celebration=72h")
	v.SetDefault("NUDGE_EVAL_COOLDOWN", "5m")
	v.SetDefault("NUDGE_SWEEP_INTERVAL", "0s")
	v.SetDefault("NUDGE_GENERATION_CONCURRENCY", 4)
	v.SetDefault("NUDGE_ADAPTIVE_MIN_SAMPLES", 5)
	v.SetDefault("NUDGE_ADAPTIVE_MIN_ACTION_RATE", 10)
	v.SetDefault("NUDGE_ADAPTIVE_MAX_NEW", 3)
	v.SetDefault("LLM_MODEL", "gpt-4o-mini")
	v.SetDefault("LLM_TIMEOUT", "8s")
	v.SetDefault("LLM_MAX_RETRIES", 1)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active: all requests get admin access.")
		log.Println("WARNING: Set ENV=production and AUTH_SIGNING_KEY for real deployments.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks struct constraints and the cross-field rules that tags
// cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters")
	}

	if c.LLM.BaseURL != "" && c.LLM.APIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required when LLM_BASE_URL is set")
	}

	if _, err := c.Nudge.ExpiryByTrigger(); err != nil {
		return err
	}

	return nil
}

// ExpiryByTrigger parses NUDGE_EXPIRY_OVERRIDES ("trigger=duration,...") into a
// map keyed by trigger name.
func (n NudgeConfig) ExpiryByTrigger() (map[string]time.Duration, error) {
	out := make(map[string]time.Duration)
	if strings.TrimSpace(n.ExpiryOverrides) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(n.ExpiryOverrides, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("NUDGE_EXPIRY_OVERRIDES: malformed entry %q", pair)
		}
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("NUDGE_EXPIRY_OVERRIDES: %s: %w", name, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("NUDGE_EXPIRY_OVERRIDES: %s must be positive", name)
		}
		out[strings.TrimSpace(name)] = d
	}
	return out, nil
}

// AIEnabled reports whether a text-generation provider is configured.
func (c *Config) AIEnabled() bool {
	return c.LLM.BaseURL != ""
}
