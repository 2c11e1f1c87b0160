package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/keygate-dev/keygate/internal/apperr"
	"github.com/keygate-dev/keygate/internal/auth"
	"github.com/keygate-dev/keygate/internal/cache"
	"github.com/keygate-dev/keygate/internal/metrics"
	"github.com/keygate-dev/keygate/internal/model"
	"github.com/keygate-dev/keygate/internal/rate"
	"github.com/keygate-dev/keygate/internal/store"
	"github.com/keygate-dev/keygate/internal/token"
)

// Server holds the HTTP edge dependencies and assembles the router.
type Server struct {
	auth          *auth.Service
	store         store.Store
	cache         *cache.Client
	tokens        *token.Manager
	metrics       *metrics.Metrics
	logger        *slog.Logger
	validate      *validator.Validate
	globalLimiter *rate.Limiter
	userLimiter   *rate.Limiter
	production    bool
}

// New builds a Server. globalLimiter keys on client IP and fronts every
// route; userLimiter keys on the authenticated user id behind the guard.
// Either limiter may be nil to disable that scope.
func New(
	authSvc *auth.Service,
	st store.Store,
	c *cache.Client,
	tokens *token.Manager,
	m *metrics.Metrics,
	logger *slog.Logger,
	globalLimiter, userLimiter *rate.Limiter,
	production bool,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		auth:          authSvc,
		store:         st,
		cache:         c,
		tokens:        tokens,
		metrics:       m,
		logger:        logger,
		validate:      validator.New(),
		globalLimiter: globalLimiter,
		userLimiter:   userLimiter,
		production:    production,
	}
}

// Routes assembles the full route table with the middleware chain:
// global per-IP limiter, then for protected routes the bearer guard
// followed by the per-user limiter.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/verify-signup-otp", s.handleVerifyOtp(model.PurposeSignup))
	mux.HandleFunc("POST /auth/verify-login-otp", s.handleVerifyOtp(model.PurposeLogin))
	mux.HandleFunc("POST /auth/send-otp", s.handleSendOtp)
	mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /auth/forgot-password", s.handleForgotPassword)
	mux.HandleFunc("POST /auth/reset-password", s.handleResetPassword)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.Handle("POST /auth/logout", s.protected(http.HandlerFunc(s.handleLogout)))
	mux.Handle("GET /auth/check", s.protected(http.HandlerFunc(s.handleCheck)))

	return s.limitByIP(mux)
}

// protected chains the bearer guard and the per-user limiter.
func (s *Server) protected(next http.Handler) http.Handler {
	return s.requireAuth(s.limitByUser(next))
}

// limitByIP applies the global limiter keyed on client IP.
func (s *Server) limitByIP(next http.Handler) http.Handler {
	if s.globalLimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := s.globalLimiter.Allow(r.Context(), "ip:"+clientIP(r))
		if !s.applyRateResult(w, r, res) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitByUser applies the per-user limiter; it must run behind the guard.
func (s *Server) limitByUser(next http.Handler) http.Handler {
	if s.userLimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := userFrom(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		res := s.userLimiter.Allow(r.Context(), "user:"+user.ID)
		if !s.applyRateResult(w, r, res) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// applyRateResult writes the rate headers and, on rejection, the 429
// response. Returns false when the request must not proceed.
func (s *Server) applyRateResult(w http.ResponseWriter, r *http.Request, res rate.Result) bool {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if res.Bypassed {
		// Degraded cache: the caller sees the bypass marker, never a 5xx.
		w.Header().Set("X-RateLimit-Bypass", "true")
		s.metrics.Inc(metrics.RateLimitBypass)
	}
	if res.Allowed {
		return true
	}

	retryAfter := int(res.RetryAfter / time.Second)
	if res.RetryAfter%time.Second != 0 || retryAfter == 0 {
		retryAfter++
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	s.metrics.Inc(metrics.RateLimitHit)
	s.writeError(w, r, apperr.TooManyRequests("too many requests, slow down"))
	return false
}

// requireAuth parses the bearer token, rejects denylisted jtis, loads the
// user, and attaches both to the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			s.writeError(w, r, apperr.Unauthorized("missing bearer token"))
			return
		}

		claims, err := s.tokens.ParseAccess(raw)
		if err != nil {
			if errors.Is(err, token.ErrTokenExpired) {
				s.writeError(w, r, apperr.Unauthorized("access token expired"))
				return
			}
			s.writeError(w, r, apperr.Unauthorized("invalid access token"))
			return
		}

		// Denylist lookups fail closed: a revoked token slipping through a
		// cache outage is worse than a retried request.
		denied, err := s.cache.IsTokenDenied(r.Context(), claims.ID)
		if err != nil {
			s.writeError(w, r, apperr.Internal(err))
			return
		}
		if denied {
			s.writeError(w, r, apperr.Unauthorized("token revoked"))
			return
		}

		// GetUser surfaces NotFound for deleted accounts.
		user, err := s.auth.GetUser(r.Context(), claims.UID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !user.EmailVerified {
			s.writeError(w, r, apperr.Forbidden("email not verified"))
			return
		}

		ctx := withClaims(r.Context(), claims)
		ctx = withUser(ctx, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type ctxKey int

const (
	ctxKeyUser ctxKey = iota
	ctxKeyClaims
)

func withUser(ctx context.Context, u *model.User) context.Context {
	return context.WithValue(ctx, ctxKeyUser, u)
}

func userFrom(ctx context.Context) (*model.User, bool) {
	u, ok := ctx.Value(ctxKeyUser).(*model.User)
	return u, ok
}

func withClaims(ctx context.Context, c *token.AccessClaims) context.Context {
	return context.WithValue(ctx, ctxKeyClaims, c)
}

func claimsFrom(ctx context.Context) (*token.AccessClaims, bool) {
	c, ok := ctx.Value(ctxKeyClaims).(*token.AccessClaims)
	return c, ok
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// refreshToken extracts the token from "Authorization: RefreshToken <token>".
func refreshToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "RefreshToken "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
