package config

import (
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ServerPort != 8080 {
		t.Errorf("ServerPort = %d, want 8080", cfg.ServerPort)
	}
	if cfg.Production {
		t.Error("Production true by default")
	}
	if cfg.AccessTTL != 15*time.Minute {
		t.Errorf("AccessTTL = %v, want 15m", cfg.AccessTTL)
	}
	if cfg.RefreshTTL != 7*24*time.Hour {
		t.Errorf("RefreshTTL = %v, want 168h", cfg.RefreshTTL)
	}
	if cfg.OtpDigits != 6 || cfg.OtpMaxAttempts != 5 {
		t.Errorf("OTP defaults = %d digits / %d attempts", cfg.OtpDigits, cfg.OtpMaxAttempts)
	}
	if cfg.GlobalRate.Limit != 100 || cfg.GlobalRate.Window != time.Minute {
		t.Errorf("GlobalRate = %+v", cfg.GlobalRate)
	}
	if cfg.UserRate.Limit != 30 {
		t.Errorf("UserRate.Limit = %d, want 30", cfg.UserRate.Limit)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("APP_ENV", "production")
	t.Setenv("ACCESS_TTL", "5m")
	t.Setenv("RATE_GLOBAL_LIMIT", "7")
	t.Setenv("RATE_GLOBAL_WINDOW", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerPort != 9999 || !cfg.Production {
		t.Errorf("overrides not applied: port=%d production=%v", cfg.ServerPort, cfg.Production)
	}
	if cfg.AccessTTL != 5*time.Minute {
		t.Errorf("AccessTTL = %v, want 5m", cfg.AccessTTL)
	}
	if cfg.GlobalRate.Limit != 7 || cfg.GlobalRate.Window != 30*time.Second {
		t.Errorf("GlobalRate = %+v", cfg.GlobalRate)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Run("missing secret", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "")
		if _, err := Load(); err == nil {
			t.Fatal("Load accepted empty JWT_SECRET")
		}
	})
	t.Run("bad port", func(t *testing.T) {
		t.Setenv("JWT_SECRET", testSecret)
		t.Setenv("SERVER_PORT", "not-a-port")
		if _, err := Load(); err == nil {
			t.Fatal("Load accepted bad SERVER_PORT")
		}
	})
	t.Run("bad otp digits", func(t *testing.T) {
		t.Setenv("JWT_SECRET", testSecret)
		t.Setenv("OTP_DIGITS", "2")
		if _, err := Load(); err == nil {
			t.Fatal("Load accepted OTP_DIGITS=2")
		}
	})
	t.Run("window below sub-window", func(t *testing.T) {
		t.Setenv("JWT_SECRET", testSecret)
		t.Setenv("RATE_GLOBAL_WINDOW", "1s")
		t.Setenv("RATE_GLOBAL_SUB_WINDOW", "5s")
		if _, err := Load(); err == nil {
			t.Fatal("Load accepted window < sub-window")
		}
	})
}
