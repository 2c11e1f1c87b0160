// Package config loads service configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// RateLimitConfig tunes one sliding-window limiter scope.
type RateLimitConfig struct {
	Limit         int
	Window        time.Duration
	SubWindow     time.Duration
	LogThrottle   time.Duration
	DialTimeout   time.Duration
	ScriptTimeout time.Duration
}

// Config holds all configuration for keygate.
type Config struct {
	ServerPort int
	Production bool

	MongoURI      string
	MongoDatabase string
	MongoTimeout  time.Duration

	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration

	JWTSecret   string
	JWTIssuer   string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	TokenLeeway time.Duration

	OtpDigits      int
	OtpTTL         time.Duration
	OtpMaxAttempts int
	ResendLockTTL  time.Duration

	FailedLoginAttempts int
	AccountLockDuration time.Duration

	GlobalRate RateLimitConfig
	UserRate   RateLimitConfig
}

// Load reads configuration from environment variables with defaults
// suitable for local development.
func Load() (*Config, error) {
	serverPort, err := getEnvInt("SERVER_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}
	otpDigits, err := getEnvInt("OTP_DIGITS", 6)
	if err != nil {
		return nil, fmt.Errorf("invalid OTP_DIGITS: %w", err)
	}
	otpAttempts, err := getEnvInt("OTP_MAX_ATTEMPTS", 5)
	if err != nil {
		return nil, fmt.Errorf("invalid OTP_MAX_ATTEMPTS: %w", err)
	}
	failedAttempts, err := getEnvInt("FAILED_LOGIN_ATTEMPTS", 5)
	if err != nil {
		return nil, fmt.Errorf("invalid FAILED_LOGIN_ATTEMPTS: %w", err)
	}

	globalRate, err := loadRate("RATE_GLOBAL", RateLimitConfig{
		Limit:     100,
		Window:    time.Minute,
		SubWindow: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	userRate, err := loadRate("RATE_USER", RateLimitConfig{
		Limit:     30,
		Window:    time.Minute,
		SubWindow: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServerPort: serverPort,
		Production: getEnv("APP_ENV", "development") == "production",

		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getEnv("MONGO_DATABASE", "keygate"),
		MongoTimeout:  getEnvDuration("MONGO_TIMEOUT", 5*time.Second),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTimeout:  getEnvDuration("REDIS_TIMEOUT", 2*time.Second),

		JWTSecret:   getEnv("JWT_SECRET", ""),
		JWTIssuer:   getEnv("JWT_ISSUER", "keygate"),
		AccessTTL:   getEnvDuration("ACCESS_TTL", 15*time.Minute),
		RefreshTTL:  getEnvDuration("REFRESH_TTL", 7*24*time.Hour),
		TokenLeeway: getEnvDuration("TOKEN_LEEWAY", 30*time.Second),

		OtpDigits:      otpDigits,
		OtpTTL:         getEnvDuration("OTP_TTL", 10*time.Minute),
		OtpMaxAttempts: otpAttempts,
		ResendLockTTL:  getEnvDuration("OTP_RESEND_LOCK_TTL", time.Minute),

		FailedLoginAttempts: failedAttempts,
		AccountLockDuration: getEnvDuration("ACCOUNT_LOCK_DURATION", 30*time.Minute),

		GlobalRate: globalRate,
		UserRate:   userRate,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.OtpDigits < 4 || c.OtpDigits > 10 {
		return errors.New("OTP_DIGITS must be between 4 and 10")
	}
	if c.FailedLoginAttempts < 1 {
		return errors.New("FAILED_LOGIN_ATTEMPTS must be >= 1")
	}
	for _, rl := range []RateLimitConfig{c.GlobalRate, c.UserRate} {
		if rl.Limit < 1 {
			return errors.New("rate limit must be >= 1")
		}
		if rl.SubWindow <= 0 || rl.Window < rl.SubWindow {
			return errors.New("rate window must be >= sub-window")
		}
	}
	return nil
}

func loadRate(prefix string, def RateLimitConfig) (RateLimitConfig, error) {
	limit, err := getEnvInt(prefix+"_LIMIT", def.Limit)
	if err != nil {
		return def, fmt.Errorf("invalid %s_LIMIT: %w", prefix, err)
	}
	return RateLimitConfig{
		Limit:         limit,
		Window:        getEnvDuration(prefix+"_WINDOW", def.Window),
		SubWindow:     getEnvDuration(prefix+"_SUB_WINDOW", def.SubWindow),
		LogThrottle:   getEnvDuration(prefix+"_LOG_THROTTLE", 30*time.Second),
		DialTimeout:   getEnvDuration(prefix+"_DIAL_TIMEOUT", time.Second),
		ScriptTimeout: getEnvDuration(prefix+"_SCRIPT_TIMEOUT", 500*time.Millisecond),
	}, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	return strconv.Atoi(val)
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}
