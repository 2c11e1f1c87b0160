package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/keygate-dev/keygate/internal/auth"
	"github.com/keygate-dev/keygate/internal/cache"
	"github.com/keygate-dev/keygate/internal/mailer"
	"github.com/keygate-dev/keygate/internal/metrics"
	"github.com/keygate-dev/keygate/internal/password"
	"github.com/keygate-dev/keygate/internal/rate"
	"github.com/keygate-dev/keygate/internal/store/memstore"
	"github.com/keygate-dev/keygate/internal/token"
)

const (
	testEmail    = "user@example.com"
	testPassword = "correct horse battery"
	testDevice   = "5f3a1c9e-0000-4000-8000-000000000001"
)

type codeSender struct{ codes chan string }

func (s codeSender) Send(_ context.Context, msg mailer.Message) error {
	if i := strings.LastIndex(msg.Body, ": "); i >= 0 {
		s.codes <- msg.Body[i+2:]
	}
	return nil
}

type apiFixture struct {
	handler http.Handler
	mr      *miniredis.Miniredis
	codes   chan string
}

// newAPIFixture assembles the full stack on memstore + miniredis.
// globalLimit <= 0 disables the per-IP limiter.
func newAPIFixture(t *testing.T, globalLimit int) *apiFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	redisClient := cache.New(rdb)

	hasher, err := password.NewHasher(password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	})
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}

	tokens, err := token.NewManager(token.Config{
		Secret:    []byte("0123456789abcdef0123456789abcdef"),
		Issuer:    "keygate-test",
		AccessTTL: 15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	codes := make(chan string, 16)
	dispatcher := mailer.NewDispatcher(codeSender{codes: codes}, 16, slog.Default())
	t.Cleanup(dispatcher.Close)

	st := memstore.New()
	counters := metrics.New()
	svc := auth.New(st, redisClient, hasher, tokens, dispatcher, counters, slog.Default(), auth.Config{
		OtpDigits:           6,
		OtpTTL:              10 * time.Minute,
		OtpMaxAttempts:      3,
		ResendLockTTL:       time.Minute,
		FailedLoginAttempts: 3,
		AccountLockDuration: 30 * time.Minute,
		RefreshTTL:          7 * 24 * time.Hour,
	})

	var globalLimiter *rate.Limiter
	if globalLimit > 0 {
		globalLimiter = rate.New(redisClient.Scripter(), rate.Config{
			Limit:     globalLimit,
			Window:    10 * time.Second,
			SubWindow: time.Second,
		}, slog.Default())
	}

	srv := New(svc, st, redisClient, tokens, counters, slog.Default(), globalLimiter, nil, false)
	return &apiFixture{handler: srv.Routes(), mr: mr, codes: codes}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.10:55000"
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) waitCode(t *testing.T) string {
	t.Helper()
	select {
	case code := <-f.codes:
		return code
	case <-time.After(2 * time.Second):
		t.Fatal("no OTP dispatched")
		return ""
	}
}

// signUp drives register + verify over HTTP and returns the token pair.
func (f *apiFixture) signUp(t *testing.T) (accessToken, refreshToken string) {
	t.Helper()

	rec := f.do(t, http.MethodPost, "/auth/register", map[string]string{
		"fullName": "Test User",
		"email":    testEmail,
		"password": testPassword,
		"deviceId": testDevice,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}
	code := f.waitCode(t)

	rec = f.do(t, http.MethodPost, "/auth/verify-signup-otp", map[string]string{
		"email":    testEmail,
		"otp":      code,
		"deviceId": testDevice,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Data struct {
			AccessToken  string `json:"accessToken"`
			RefreshToken string `json:"refreshToken"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode verify response: %v", err)
	}
	if resp.Data.AccessToken == "" || resp.Data.RefreshToken == "" {
		t.Fatalf("incomplete token pair in %s", rec.Body.String())
	}
	return resp.Data.AccessToken, resp.Data.RefreshToken
}

func bearer(tok string) http.Header {
	return http.Header{"Authorization": {"Bearer " + tok}}
}

func TestRegisterValidation(t *testing.T) {
	f := newAPIFixture(t, 0)

	cases := []struct {
		name string
		body map[string]string
	}{
		{"missing email", map[string]string{
			"fullName": "A B", "password": testPassword, "deviceId": testDevice,
		}},
		{"short password", map[string]string{
			"fullName": "A B", "email": testEmail, "password": "short", "deviceId": testDevice,
		}},
		{"bad device id", map[string]string{
			"fullName": "A B", "email": testEmail, "password": testPassword, "deviceId": "invalid-device-id",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/auth/register", tc.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400; body %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCheckRequiresValidBearer(t *testing.T) {
	f := newAPIFixture(t, 0)
	accessToken, _ := f.signUp(t)

	rec := f.do(t, http.MethodGet, "/auth/check", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no header: status = %d, want 401", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/auth/check", nil, bearer("garbage"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d, want 401", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/auth/check", nil, bearer(accessToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), testEmail) {
		t.Fatalf("check response missing user: %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "passwordHash") {
		t.Fatalf("check response leaks password hash: %s", rec.Body.String())
	}
}

func TestGuardRejectsUnverifiedUser(t *testing.T) {
	f := newAPIFixture(t, 0)

	// Register but never verify the signup code.
	rec := f.do(t, http.MethodPost, "/auth/register", map[string]string{
		"fullName": "Test User",
		"email":    testEmail,
		"password": testPassword,
		"deviceId": testDevice,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}
	f.waitCode(t) // discard the signup code

	// The login OTP gate still issues a token pair for the account.
	rec = f.do(t, http.MethodPost, "/auth/login", map[string]string{
		"email":    testEmail,
		"password": testPassword,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}
	code := f.waitCode(t)

	rec = f.do(t, http.MethodPost, "/auth/verify-login-otp", map[string]string{
		"email":    testEmail,
		"otp":      code,
		"deviceId": testDevice,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify-login-otp status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data struct {
			AccessToken string `json:"accessToken"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// A valid token for an unverified account must not pass the guard.
	rec = f.do(t, http.MethodGet, "/auth/check", nil, bearer(resp.Data.AccessToken))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("check with unverified account: status = %d, want 403; body %s",
			rec.Code, rec.Body.String())
	}
}

func TestLogoutDenylistsAccessToken(t *testing.T) {
	f := newAPIFixture(t, 0)
	accessToken, refreshToken := f.signUp(t)

	rec := f.do(t, http.MethodPost, "/auth/logout", map[string]string{
		"deviceId":     testDevice,
		"refreshToken": refreshToken,
	}, bearer(accessToken))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout status = %d, body %s", rec.Code, rec.Body.String())
	}

	// The access token is dead immediately, not at its natural expiry.
	rec = f.do(t, http.MethodGet, "/auth/check", nil, bearer(accessToken))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("check after logout: status = %d, want 401", rec.Code)
	}

	// And so is the refresh token.
	rec = f.do(t, http.MethodPost, "/auth/refresh", map[string]string{
		"deviceId": testDevice,
	}, http.Header{"Authorization": {"RefreshToken " + refreshToken}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after logout: status = %d, want 401", rec.Code)
	}
}

func TestRefreshUsesRefreshTokenHeader(t *testing.T) {
	f := newAPIFixture(t, 0)
	_, refreshToken := f.signUp(t)

	rec := f.do(t, http.MethodPost, "/auth/refresh", map[string]string{
		"deviceId": testDevice,
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing header: status = %d, want 401", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/auth/refresh", map[string]string{
		"deviceId": testDevice,
	}, http.Header{"Authorization": {"RefreshToken " + refreshToken}})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Data struct {
			AccessToken  string `json:"accessToken"`
			RefreshToken string `json:"refreshToken"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.RefreshToken == "" || resp.Data.RefreshToken == refreshToken {
		t.Fatal("refresh token not rotated")
	}
}

func TestGlobalRateLimit(t *testing.T) {
	f := newAPIFixture(t, 3)

	for i := 0; i < 3; i++ {
		rec := f.do(t, http.MethodGet, "/health", nil, nil)
		if rec.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d throttled early", i+1)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "3" {
			t.Errorf("X-RateLimit-Limit = %q, want 3", got)
		}
	}

	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("4th request: status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After")
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
}

func TestRateLimitFailsOpenWithBypassHeader(t *testing.T) {
	f := newAPIFixture(t, 1)
	f.mr.Close()

	// Well past the limit, but the cache is down: everything passes with
	// the bypass marker and no 5xx from the limiter itself.
	for i := 0; i < 5; i++ {
		rec := f.do(t, http.MethodGet, "/health", nil, nil)
		if rec.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d throttled during outage", i+1)
		}
		if got := rec.Header().Get("X-RateLimit-Bypass"); got != "true" {
			t.Fatalf("request %d: X-RateLimit-Bypass = %q, want true", i+1, got)
		}
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	f := newAPIFixture(t, 0)

	if rec := f.do(t, http.MethodGet, "/auth/register", nil, nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET register: status = %d, want 405", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/nope", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown route: status = %d, want 404", rec.Code)
	}
}

func TestErrorEnvelopeShape(t *testing.T) {
	f := newAPIFixture(t, 0)

	rec := f.do(t, http.MethodPost, "/auth/login", map[string]string{
		"email":    "nobody@example.com",
		"password": "whatever12",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	var resp struct {
		Success bool   `json:"success"`
		Status  int    `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Success || resp.Status != http.StatusUnauthorized || resp.Message == "" {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, 0)

	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	f.mr.Close()
	rec = f.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status with redis down = %d, want 503", rec.Code)
	}
}
