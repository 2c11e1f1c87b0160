package token

import (
	"errors"
	"testing"
	"time"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestManager(t *testing.T, ttl time.Duration) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Secret:    testSecret,
		Issuer:    "keygate-test",
		AccessTTL: ttl,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestCreateParseRoundTrip(t *testing.T) {
	m := newTestManager(t, time.Minute)

	signed, jti, expiresAt, err := m.CreateAccess("user-1")
	if err != nil {
		t.Fatalf("CreateAccess: %v", err)
	}
	if jti == "" {
		t.Fatal("empty jti")
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatal("token already expired at creation")
	}

	claims, err := m.ParseAccess(signed)
	if err != nil {
		t.Fatalf("ParseAccess: %v", err)
	}
	if claims.UID != "user-1" {
		t.Errorf("uid = %q, want user-1", claims.UID)
	}
	if claims.ID != jti {
		t.Errorf("jti = %q, want %q", claims.ID, jti)
	}
}

func TestJtiIsUniquePerToken(t *testing.T) {
	m := newTestManager(t, time.Minute)

	_, a, _, err := m.CreateAccess("user-1")
	if err != nil {
		t.Fatalf("CreateAccess: %v", err)
	}
	_, b, _, err := m.CreateAccess("user-1")
	if err != nil {
		t.Fatalf("CreateAccess: %v", err)
	}
	if a == b {
		t.Fatal("two tokens share a jti")
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	m := newTestManager(t, time.Minute)
	signed, _, _, err := m.CreateAccess("user-1")
	if err != nil {
		t.Fatalf("CreateAccess: %v", err)
	}

	other, err := NewManager(Config{
		Secret:    []byte("ffffffffffffffffffffffffffffffff"),
		Issuer:    "keygate-test",
		AccessTTL: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := other.ParseAccess(signed); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("got %v, want ErrTokenInvalid", err)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	m := newTestManager(t, time.Nanosecond)
	signed, _, _, err := m.CreateAccess("user-1")
	if err != nil {
		t.Fatalf("CreateAccess: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if _, err := m.ParseAccess(signed); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("got %v, want ErrTokenExpired", err)
	}
}

func TestParseRejectsWrongIssuer(t *testing.T) {
	other, err := NewManager(Config{
		Secret:    testSecret,
		Issuer:    "someone-else",
		AccessTTL: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	signed, _, _, err := other.CreateAccess("user-1")
	if err != nil {
		t.Fatalf("CreateAccess: %v", err)
	}

	m := newTestManager(t, time.Minute)
	if _, err := m.ParseAccess(signed); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("got %v, want ErrTokenInvalid", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	m := newTestManager(t, time.Minute)
	for _, raw := range []string{"", "garbage", "a.b.c"} {
		if _, err := m.ParseAccess(raw); !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("ParseAccess(%q): got %v, want ErrTokenInvalid", raw, err)
		}
	}
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(Config{Secret: []byte("short"), AccessTTL: time.Minute}); err == nil {
		t.Fatal("expected error for short secret")
	}
	if _, err := NewManager(Config{Secret: testSecret}); err == nil {
		t.Fatal("expected error for zero TTL")
	}
}
