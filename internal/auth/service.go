// Package auth orchestrates the authentication session lifecycle:
// registration, OTP-gated login, refresh-token rotation with reuse
// detection, and revocation. Every multi-write sequence runs inside one
// document-store transaction; the service never partially commits a
// security-relevant state.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/keygate-dev/keygate/internal/apperr"
	"github.com/keygate-dev/keygate/internal/cache"
	"github.com/keygate-dev/keygate/internal/mailer"
	"github.com/keygate-dev/keygate/internal/metrics"
	"github.com/keygate-dev/keygate/internal/model"
	"github.com/keygate-dev/keygate/internal/password"
	"github.com/keygate-dev/keygate/internal/random"
	"github.com/keygate-dev/keygate/internal/store"
	"github.com/keygate-dev/keygate/internal/token"
)

// Config holds the lockout, OTP, and session policy knobs.
type Config struct {
	OtpDigits           int
	OtpTTL              time.Duration
	OtpMaxAttempts      int
	ResendLockTTL       time.Duration
	FailedLoginAttempts int
	AccountLockDuration time.Duration
	RefreshTTL          time.Duration
}

// Service composes the stores, cache, hasher, and token manager into the
// auth flows. Safe for concurrent use.
type Service struct {
	store      store.Store
	cache      *cache.Client
	hasher     *password.Hasher
	tokens     *token.Manager
	dispatcher *mailer.Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	config     Config
	now        func() time.Time
}

// New wires a Service. dispatcher and m may be nil (no-op).
func New(
	st store.Store,
	c *cache.Client,
	hasher *password.Hasher,
	tokens *token.Manager,
	dispatcher *mailer.Dispatcher,
	m *metrics.Metrics,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      st,
		cache:      c,
		hasher:     hasher,
		tokens:     tokens,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
		config:     cfg,
		now:        time.Now,
	}
}

// RegisterInput is the register request payload.
type RegisterInput struct {
	FullName string
	Email    string
	Password string
	DeviceID string
}

// TokenPair is issued on successful OTP verification and on refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	User         *model.User
}

// Register creates an unverified user and a signup OTP challenge inside
// one transaction. The code is dispatched out-of-band only after the
// transaction commits, so a rolled-back registration never sends mail.
func (s *Service) Register(ctx context.Context, input RegisterInput) error {
	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return apperr.ValidationFailed(err.Error())
	}

	now := s.now()
	user := &model.User{
		ID:           uuid.NewString(),
		FullName:     input.FullName,
		Email:        input.Email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var pending mailer.Message
	err = s.store.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.store.Users().Create(txCtx, user); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperr.Conflict("an account with this email already exists")
			}
			return apperr.Internal(err)
		}

		msg, err := s.issueChallenge(txCtx, user, model.PurposeSignup)
		if err != nil {
			return err
		}
		pending = msg
		return nil
	})
	if err != nil {
		return err
	}

	s.dispatch(pending)
	return nil
}

// Login verifies the password and, on success, issues a login OTP
// challenge. It never returns a session: the OTP gate does that.
// A failed password check feeds the shared lockout budget, and that
// penalty is recorded outside the transaction so an aborted call cannot
// undo it.
func (s *Service) Login(ctx context.Context, email, pass string) error {
	user, err := s.store.Users().GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.metrics.Inc(metrics.LoginFailure)
			return apperr.Unauthorized("invalid email or password")
		}
		return apperr.Internal(err)
	}

	if user.LockedAt(s.now()) {
		return apperr.AccountLocked("account temporarily locked, try again later")
	}

	ok, err := s.hasher.Verify(pass, user.PasswordHash)
	if err != nil {
		return apperr.Internal(err)
	}
	if !ok {
		s.recordFailure(ctx, user.ID)
		s.metrics.Inc(metrics.LoginFailure)
		return apperr.Unauthorized("invalid email or password")
	}

	var pending mailer.Message
	err = s.store.WithTransaction(ctx, func(txCtx context.Context) error {
		msg, err := s.issueChallenge(txCtx, user, model.PurposeLogin)
		if err != nil {
			return err
		}
		pending = msg
		return nil
	})
	if err != nil {
		return err
	}

	s.dispatch(pending)
	return nil
}

// VerifyOtp checks a one-time code and, on success, marks the user
// verified (signup purpose), consumes the challenge, and creates a fresh
// session plus access credential for the caller's device — all inside one
// transaction, so a verified-but-session-less state is unreachable.
// Invalid codes feed the same lockout budget as failed passwords.
func (s *Service) VerifyOtp(
	ctx context.Context,
	email, code string,
	purpose model.OtpPurpose,
	device model.DeviceContext,
) (*TokenPair, error) {
	if !purpose.Valid() {
		return nil, apperr.ValidationFailed("unknown otp purpose")
	}

	user, err := s.store.Users().GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("no account for this email")
		}
		return nil, apperr.Internal(err)
	}

	now := s.now()
	if user.LockedAt(now) {
		return nil, apperr.AccountLocked("account temporarily locked, try again later")
	}

	var (
		pair      *TokenPair
		invalid   bool
		verifyErr error
	)
	err = s.store.WithTransaction(ctx, func(txCtx context.Context) error {
		challenge, err := s.store.Otps().Get(txCtx, user.ID, purpose)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.NotFound("no pending code, request a new one")
			}
			return apperr.Internal(err)
		}

		if challenge.Expired(now) {
			if err := s.store.Otps().Delete(txCtx, challenge.ID); err != nil {
				return apperr.Internal(err)
			}
			return apperr.Unauthorized("code expired, request a new one")
		}

		match, err := s.hasher.Verify(code, challenge.CodeHash)
		if err != nil {
			return apperr.Internal(err)
		}
		if !match {
			if challenge.Attempts+1 >= s.config.OtpMaxAttempts {
				if err := s.store.Otps().Delete(txCtx, challenge.ID); err != nil {
					return apperr.Internal(err)
				}
			} else if err := s.store.Otps().IncrementAttempts(txCtx, challenge.ID); err != nil {
				return apperr.Internal(err)
			}
			// Commit the attempt bookkeeping, fail the call afterwards.
			invalid = true
			verifyErr = apperr.Unauthorized("invalid code")
			return nil
		}

		if purpose == model.PurposeSignup && !user.EmailVerified {
			if err := s.store.Users().MarkVerified(txCtx, user.ID, now); err != nil {
				return apperr.Internal(err)
			}
			user.EmailVerified = true
		}
		if err := s.store.Users().ResetFailures(txCtx, user.ID); err != nil {
			return apperr.Internal(err)
		}
		if err := s.store.Otps().Delete(txCtx, challenge.ID); err != nil {
			return apperr.Internal(err)
		}

		issued, err := s.createSession(txCtx, user, device, model.RevokeSupersededByLogin)
		if err != nil {
			return err
		}
		pair = issued
		return nil
	})
	if err != nil {
		s.metrics.Inc(metrics.OtpFailure)
		return nil, err
	}
	if invalid {
		s.recordFailure(ctx, user.ID)
		s.metrics.Inc(metrics.OtpFailure)
		return nil, verifyErr
	}

	s.metrics.Inc(metrics.OtpVerified)
	s.metrics.Inc(metrics.LoginSuccess)
	return pair, nil
}

// ResendOtp regenerates the challenge for (user, purpose). Resends are
// rate-limited per identity with a short-TTL lock key, independent of the
// global limiter.
func (s *Service) ResendOtp(ctx context.Context, email string, purpose model.OtpPurpose) error {
	if !purpose.Valid() {
		return apperr.ValidationFailed("unknown otp purpose")
	}

	acquired, err := s.cache.AcquireResendLock(ctx, email, s.config.ResendLockTTL)
	if err != nil {
		return apperr.Internal(err)
	}
	if !acquired {
		return apperr.TooManyRequests("code already sent, wait before requesting another")
	}

	user, err := s.store.Users().GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("no account for this email")
		}
		return apperr.Internal(err)
	}

	var pending mailer.Message
	err = s.store.WithTransaction(ctx, func(txCtx context.Context) error {
		msg, err := s.issueChallenge(txCtx, user, purpose)
		if err != nil {
			return err
		}
		pending = msg
		return nil
	})
	if err != nil {
		return err
	}

	s.dispatch(pending)
	return nil
}

// GetUser loads the user referenced by an access credential.
func (s *Service) GetUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.store.Users().GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, apperr.Internal(err)
	}
	return user, nil
}

// issueChallenge replaces any prior challenge for (user, purpose) with a
// fresh one and returns the outbound message carrying the plaintext code.
// The code is hashed before persisting and never logged.
func (s *Service) issueChallenge(ctx context.Context, user *model.User, purpose model.OtpPurpose) (mailer.Message, error) {
	code, err := random.NewOTP(s.config.OtpDigits)
	if err != nil {
		return mailer.Message{}, apperr.Internal(err)
	}
	codeHash, err := s.hasher.HashCode(code)
	if err != nil {
		return mailer.Message{}, apperr.Internal(err)
	}

	now := s.now()
	challenge := &model.OtpChallenge{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Purpose:   purpose,
		CodeHash:  codeHash,
		ExpiresAt: now.Add(s.config.OtpTTL),
		CreatedAt: now,
	}
	if err := s.store.Otps().Replace(ctx, challenge); err != nil {
		return mailer.Message{}, apperr.Internal(err)
	}

	s.metrics.Inc(metrics.OtpIssued)
	return mailer.Message{
		To:      user.Email,
		Subject: "Your verification code",
		Body:    fmt.Sprintf("Your verification code is: %s", code),
	}, nil
}

// createSession revokes any active session for (user, device) and creates
// a new one, returning the access/refresh pair. Runs inside the caller's
// transaction.
func (s *Service) createSession(
	ctx context.Context,
	user *model.User,
	device model.DeviceContext,
	replaceReason string,
) (*TokenPair, error) {
	secret, err := random.NewRefreshSecret()
	if err != nil {
		return nil, apperr.Internal(err)
	}

	now := s.now()
	sess := &model.AuthSession{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		DeviceID:  device.DeviceID,
		TokenHash: random.HashRefreshSecret(secret),
		IP:        device.IP,
		UserAgent: device.UserAgent,
		ExpiresAt: now.Add(s.config.RefreshTTL),
		CreatedAt: now,
	}
	if err := s.store.Sessions().CreateReplacing(ctx, sess, replaceReason); err != nil {
		return nil, apperr.Internal(err)
	}

	access, _, _, err := s.tokens.CreateAccess(user.ID)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: random.EncodeRefreshToken(secret),
		User:         user,
	}, nil
}

// recordFailure feeds the shared lockout budget on the base context so an
// enclosing transaction abort cannot roll the penalty back.
func (s *Service) recordFailure(ctx context.Context, userID string) {
	locked, err := s.store.Users().RecordFailedAttempt(
		ctx,
		userID,
		s.config.FailedLoginAttempts,
		s.config.AccountLockDuration,
		s.now(),
	)
	if err != nil {
		s.logger.Error("failed-attempt recording failed", "error", err)
		return
	}
	if locked {
		s.metrics.Inc(metrics.AccountLocked)
		s.logger.Warn("account locked after repeated failures", "userId", userID)
	}
}

func (s *Service) dispatch(msg mailer.Message) {
	if msg.To == "" {
		return
	}
	if s.dispatcher != nil {
		s.dispatcher.Enqueue(msg)
	}
}
