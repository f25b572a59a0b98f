package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hengadev/errsx"
	"github.com/labstack/gommon/bytes"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	JWTSecret    string        `mapstructure:"JWT_SECRET"`
	JWTExpiresIn time.Duration `mapstructure:"JWT_EXPIRES_IN"`

	// Field encryption. The IV is used as key derivation salt.
	EncryptionKey string `mapstructure:"ENCRYPTION_KEY"`
	EncryptionIV  string `mapstructure:"ENCRYPTION_IV"`

	SMTPHost  string `mapstructure:"SMTP_HOST"`
	SMTPPort  int    `mapstructure:"SMTP_PORT"`
	SMTPUser  string `mapstructure:"SMTP_USER"`
	SMTPPass  string `mapstructure:"SMTP_PASS"`
	FromEmail string `mapstructure:"FROM_EMAIL"`
	FromName  string `mapstructure:"FROM_NAME"`

	TwilioAccountSID  string `mapstructure:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken   string `mapstructure:"TWILIO_AUTH_TOKEN"`
	TwilioPhoneNumber string `mapstructure:"TWILIO_PHONE_NUMBER"`

	PDFStoragePath  string        `mapstructure:"PDF_STORAGE_PATH"`
	PDFBaseURL      string        `mapstructure:"PDF_BASE_URL"`
	PDFTimeout      time.Duration `mapstructure:"PDF_TIMEOUT"`
	DispatchTimeout time.Duration `mapstructure:"DISPATCH_TIMEOUT"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit       string        `mapstructure:"BODY_LIMIT"`

	// Applied per client IP to the login and register endpoints.
	AuthRateLimitRPS   float64 `mapstructure:"AUTH_RATE_LIMIT_RPS"`
	AuthRateLimitBurst int     `mapstructure:"AUTH_RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"JWT_SECRET", "JWT_EXPIRES_IN", "ENCRYPTION_KEY", "ENCRYPTION_IV",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USER", "SMTP_PASS", "FROM_EMAIL", "FROM_NAME",
	"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_PHONE_NUMBER",
	"PDF_STORAGE_PATH", "PDF_BASE_URL", "PDF_TIMEOUT", "DISPATCH_TIMEOUT", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"AUTH_RATE_LIMIT_RPS", "AUTH_RATE_LIMIT_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "3000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("JWT_EXPIRES_IN", "24h")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("FROM_EMAIL", "noreply@medicosmart.app")
	v.SetDefault("FROM_NAME", "MedicoSmart")
	v.SetDefault("PDF_STORAGE_PATH", "./uploads/pdfs")
	v.SetDefault("PDF_BASE_URL", "http://localhost:3000")
	v.SetDefault("PDF_TIMEOUT", "10s")
	v.SetDefault("DISPATCH_TIMEOUT", "15s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("AUTH_RATE_LIMIT_RPS", 1)
	v.SetDefault("AUTH_RATE_LIMIT_BURST", 10)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		origins := v.GetString("CORS_ORIGINS")
		cfg.CORSOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
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

// SMTPConfigured reports whether email is delivered for real. Otherwise the
// email channel runs in demo mode.
func (c *Config) SMTPConfigured() bool {
	return c.SMTPHost != "" && c.SMTPUser != "" && c.SMTPPass != ""
}

// TwilioConfigured reports whether SMS is delivered for real.
func (c *Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioPhoneNumber != ""
}

// Level returns the parsed LOG_LEVEL.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is safe to run. Secrets are checked
// for length only; the process must not start with weak key material.
func (c *Config) Validate() error {
	var errs errsx.Map

	switch c.Env {
	case "development", "production", "test":
	default:
		errs.Set("ENV", fmt.Sprintf("must be development, production or test, got %q", c.Env))
	}
	if len(c.JWTSecret) < 32 {
		errs.Set("JWT_SECRET", "must be at least 32 characters")
	}
	if c.JWTExpiresIn <= 0 {
		errs.Set("JWT_EXPIRES_IN", "must be a positive duration")
	}
	if len(c.EncryptionKey) < 32 {
		errs.Set("ENCRYPTION_KEY", "must be at least 32 bytes")
	}
	if len(c.EncryptionIV) < 16 {
		errs.Set("ENCRYPTION_IV", "must be at least 16 bytes")
	}
	if c.DBMinConns < 0 || c.DBMaxConns < 1 || c.DBMinConns > c.DBMaxConns {
		errs.Set("DB_MAX_CONNS", "pool bounds are invalid")
	}
	if c.PDFTimeout <= 0 || c.DispatchTimeout <= 0 || c.RequestTimeout <= 0 {
		errs.Set("TIMEOUTS", "PDF_TIMEOUT, DISPATCH_TIMEOUT and REQUEST_TIMEOUT must be positive")
	}
	if u, err := url.Parse(c.PDFBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs.Set("PDF_BASE_URL", "must be an absolute URL")
	}
	if n, err := bytes.Parse(c.BodyLimit); err != nil || n <= 0 {
		errs.Set("BODY_LIMIT", "must be a size such as 512K or 1M")
	}
	if c.PDFStoragePath == "" {
		errs.Set("PDF_STORAGE_PATH", "is required")
	}
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
			errs.Set("LOG_LEVEL", err)
		}
	}
	if c.IsProduction() {
		for _, o := range c.CORSOrigins {
			if o == "*" {
				errs.Set("CORS_ORIGINS", "wildcard origin is not allowed in production")
			}
		}
	}

	if errs.IsEmpty() {
		return nil
	}
	return fmt.Errorf("invalid configuration: %w", errs.AsError())
}
