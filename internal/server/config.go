// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay.
package server

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// RateLimitConfig defines the parameters for per-connection line rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the relay settings. Every field can be overridden from the
// environment.
type Config struct {
	TCPAddr         string        `env:"CHATRELAY_TCP_ADDR" validate:"required"`
	HTTPAddr        string        `env:"CHATRELAY_HTTP_ADDR" validate:"required"`
	AllowedOrigins  string        `env:"CHATRELAY_ALLOWED_ORIGINS"`
	MaxLineSize     int           `env:"CHATRELAY_MAX_LINE_SIZE" validate:"gte=64"`
	SendBuffer      int           `env:"CHATRELAY_SEND_BUFFER" validate:"gt=0"`
	WriteTimeout    time.Duration `env:"CHATRELAY_WRITE_TIMEOUT" validate:"gt=0"`
	ShutdownTimeout time.Duration `env:"CHATRELAY_SHUTDOWN_TIMEOUT" validate:"gt=0"`
	LogLevel        string        `env:"CHATRELAY_LOG_LEVEL" validate:"oneof=debug info warn error"`
	RateLimitBurst  int           `env:"CHATRELAY_RATE_LIMIT_BURST" validate:"gt=0"`
	RateLimitRefill time.Duration `env:"CHATRELAY_RATE_LIMIT_REFILL_INTERVAL" validate:"gt=0"`
}

const (
	defaultTCPAddr         = ":5000"
	defaultHTTPAddr        = ":8080"
	defaultAllowedOrigins  = "http://localhost:8080"
	defaultMaxLineSize     = 1 << 20
	defaultSendBuffer      = 256
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultLogLevel        = "info"
	defaultBurst           = 50
	defaultRefillInterval  = time.Second
)

var validate = validator.New()

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() Config {
	return Config{
		TCPAddr:         defaultTCPAddr,
		HTTPAddr:        defaultHTTPAddr,
		AllowedOrigins:  defaultAllowedOrigins,
		MaxLineSize:     defaultMaxLineSize,
		SendBuffer:      defaultSendBuffer,
		WriteTimeout:    defaultWriteTimeout,
		ShutdownTimeout: defaultShutdownTimeout,
		LogLevel:        defaultLogLevel,
		RateLimitBurst:  defaultBurst,
		RateLimitRefill: defaultRefillInterval,
	}
}

// LoadConfig reads the optional dotenv files, then overlays environment
// variables on the defaults and validates the result. Missing dotenv files
// are ignored.
func LoadConfig(dotenvFiles ...string) (Config, error) {
	for _, file := range dotenvFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", file, err)
		}
	}

	cfg := NewConfig()
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	return cfg.Sanitize()
}

// Sanitize fills unset fields with defaults and validates the result.
func (c Config) Sanitize() (Config, error) {
	if c.TCPAddr == "" {
		c.TCPAddr = defaultTCPAddr
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = defaultHTTPAddr
	}
	if c.MaxLineSize <= 0 {
		c.MaxLineSize = defaultMaxLineSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = defaultBurst
	}
	if c.RateLimitRefill <= 0 {
		c.RateLimitRefill = defaultRefillInterval
	}

	if err := validate.Struct(c); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// RateLimit returns the per-connection token bucket settings.
func (c Config) RateLimit() RateLimitConfig {
	return RateLimitConfig{Burst: c.RateLimitBurst, RefillInterval: c.RateLimitRefill}
}

// Origins returns the configured allowed origins as a list.
func (c Config) Origins() []string {
	if strings.TrimSpace(c.AllowedOrigins) == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
