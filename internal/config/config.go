// Package config loads runtime configuration from the environment and the
// product settings file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the process configuration.
type Config struct {
	Env         string `env:"APP_ENV,default=development"`
	HTTPAddr    string `env:"HTTP_ADDR,default=:8080"`
	PublicURL   string `env:"PUBLIC_URL,default=http://localhost:3000"`
	ProductFile string `env:"PRODUCT_CONFIG,default=config/labcv.yaml"`

	// StoreDriver selects "postgres" or "memory".
	StoreDriver string `env:"STORE_DRIVER,default=postgres"`
	DatabaseURL string `env:"DATABASE_URL"`

	Supabase SupabaseConfig
	AI       AIConfig
	Yappy    YappyConfig
	Mail     MailConfig
	Logging  LoggingConfig
	Limits   LimitsConfig

	RedisURL       string `env:"REDIS_URL"`
	AdminUserIDs   string `env:"ADMIN_USER_IDS"`
	AllowedOrigins string `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:3000"`
	AuditLogPath   string `env:"AUDIT_LOG_PATH"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`

	Product Product
}

type SupabaseConfig struct {
	URL         string `env:"SUPABASE_URL"`
	AnonKey     string `env:"SUPABASE_ANON_KEY"`
	ServiceKey  string `env:"SUPABASE_SERVICE_KEY"`
	JWTSecret   string `env:"SUPABASE_JWT_SECRET"`
	AssetBucket string `env:"SUPABASE_ASSET_BUCKET,default=cv-assets"`
}

type AIConfig struct {
	BaseURL     string        `env:"AI_BASE_URL,default=https://api.openai.com/v1"`
	APIKey      string        `env:"AI_API_KEY"`
	Model       string        `env:"AI_MODEL,default=gpt-4o-mini"`
	MaxTokens   int           `env:"AI_MAX_TOKENS,default=1200"`
	Temperature float64       `env:"AI_TEMPERATURE,default=0.4"`
	Timeout     time.Duration `env:"AI_TIMEOUT,default=60s"`
}

type YappyConfig struct {
	BaseURL    string `env:"YAPPY_BASE_URL,default=https://apipagosbg.bgeneral.cloud"`
	MerchantID string `env:"YAPPY_MERCHANT_ID"`
	SecretKey  string `env:"YAPPY_SECRET_KEY"`
	Domain     string `env:"YAPPY_DOMAIN,default=http://localhost:3000"`
	IPNURL     string `env:"YAPPY_IPN_URL"`
}

type MailConfig struct {
	ResendAPIKey string `env:"RESEND_API_KEY"`
	From         string `env:"MAIL_FROM,default=Lab CV <no-reply@labcv.app>"`
}

type LoggingConfig struct {
	Level    string `env:"LOG_LEVEL,default=info"`
	Format   string `env:"LOG_FORMAT,default=json"`
	Output   string `env:"LOG_OUTPUT,default=stdout"`
	FilePath string `env:"LOG_FILE,default=logs/labcv.log"`
}

type LimitsConfig struct {
	RequestsPerSecond int `env:"RATE_LIMIT_RPS,default=10"`
	Burst             int `env:"RATE_LIMIT_BURST,default=20"`
	ChatPerMinute     int `env:"RATE_LIMIT_CHAT_PER_MINUTE,default=20"`
}

// Load reads .env (when present), the environment and the product file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	product, err := LoadProductOrDefault(cfg.ProductFile)
	if err != nil {
		return nil, err
	}
	cfg.Product = *product

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings required to serve traffic.
func (c *Config) Validate() error {
	var problems []string
	switch c.StoreDriver {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.DatabaseURL) == "" {
			problems = append(problems, "DATABASE_URL is required for the postgres store")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if strings.TrimSpace(c.Supabase.JWTSecret) == "" && strings.TrimSpace(c.Supabase.URL) == "" {
		problems = append(problems, "SUPABASE_JWT_SECRET or SUPABASE_URL is required to authenticate users")
	}
	if c.ShutdownTimeout <= 0 {
		problems = append(problems, "SHUTDOWN_TIMEOUT must be positive")
	}
	if err := c.Product.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// AdminIDs parses the ADMIN_USER_IDS allow-list.
func (c *Config) AdminIDs() []string {
	return SplitCSV(c.AdminUserIDs)
}

// Origins parses the CORS allow-list.
func (c *Config) Origins() []string {
	return SplitCSV(c.AllowedOrigins)
}

// SplitCSV splits a comma separated list dropping blanks.
func SplitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
