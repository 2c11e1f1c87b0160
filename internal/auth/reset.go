package auth

import (
	"context"
	"errors"

	"github.com/keygate-dev/keygate/internal/apperr"
	"github.com/keygate-dev/keygate/internal/mailer"
	"github.com/keygate-dev/keygate/internal/metrics"
	"github.com/keygate-dev/keygate/internal/model"
	"github.com/keygate-dev/keygate/internal/store"
)

// ForgotPassword issues a password-reset code. It reports success whether
// or not the email is registered, so the endpoint cannot be used to probe
// for accounts; the resend lock still applies to known identities.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
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
			s.logger.Info("password reset requested for unknown email")
			return nil
		}
		return apperr.Internal(err)
	}

	var pending mailer.Message
	err = s.store.WithTransaction(ctx, func(txCtx context.Context) error {
		msg, err := s.issueChallenge(txCtx, user, model.PurposePasswordReset)
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

// ResetPassword swaps the password hash after verifying the reset code,
// then revokes every session for the user inside the same transaction: a
// stolen refresh token must not outlive the password it was issued under.
func (s *Service) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return apperr.ValidationFailed(err.Error())
	}

	user, err := s.store.Users().GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("no account for this email")
		}
		return apperr.Internal(err)
	}

	now := s.now()
	if user.LockedAt(now) {
		return apperr.AccountLocked("account temporarily locked, try again later")
	}

	var (
		invalid   bool
		verifyErr error
	)
	err = s.store.WithTransaction(ctx, func(txCtx context.Context) error {
		challenge, err := s.store.Otps().Get(txCtx, user.ID, model.PurposePasswordReset)
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
			invalid = true
			verifyErr = apperr.Unauthorized("invalid code")
			return nil
		}

		if err := s.store.Users().UpdatePasswordHash(txCtx, user.ID, hash, now); err != nil {
			return apperr.Internal(err)
		}
		if err := s.store.Users().ResetFailures(txCtx, user.ID); err != nil {
			return apperr.Internal(err)
		}
		if err := s.store.Otps().Delete(txCtx, challenge.ID); err != nil {
			return apperr.Internal(err)
		}
		if err := s.store.Sessions().RevokeAllForUser(
			txCtx, user.ID, model.RevokePasswordReset, now,
		); err != nil {
			return apperr.Internal(err)
		}
		return nil
	})
	if err != nil {
		s.metrics.Inc(metrics.OtpFailure)
		return err
	}
	if invalid {
		s.recordFailure(ctx, user.ID)
		s.metrics.Inc(metrics.OtpFailure)
		return verifyErr
	}

	s.metrics.Inc(metrics.OtpVerified)
	s.metrics.Inc(metrics.SessionRevoked)
	return nil
}
