package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/keygate-dev/keygate/internal/apperr"
	"github.com/keygate-dev/keygate/internal/metrics"
	"github.com/keygate-dev/keygate/internal/model"
	"github.com/keygate-dev/keygate/internal/random"
	"github.com/keygate-dev/keygate/internal/store"
)

// Refresh rotates the session identified by the caller's device. The
// presented opaque token is hashed and compared against the stored
// digest; a mismatch against a live session means the real token was
// already rotated away, so someone is replaying a stale (likely stolen)
// token. In that case every session for the user is revoked inside the
// same transaction as the lookup, and that revocation commits even
// though the call itself fails.
func (s *Service) Refresh(ctx context.Context, refreshToken string, device model.DeviceContext) (*TokenPair, error) {
	tokenHash, err := random.HashRefreshToken(refreshToken)
	if err != nil {
		return nil, apperr.Unauthorized("malformed refresh token")
	}

	var (
		pair  *TokenPair
		reuse bool
	)
	err = s.store.WithTransaction(ctx, func(txCtx context.Context) error {
		sess, err := s.store.Sessions().GetActiveByDevice(txCtx, device.DeviceID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.Unauthorized("no active session for this device")
			}
			return apperr.Internal(err)
		}

		if subtle.ConstantTimeCompare([]byte(sess.TokenHash), []byte(tokenHash)) != 1 {
			if err := s.store.Sessions().RevokeAllForUser(
				txCtx, sess.UserID, model.RevokeTokenReuse, s.now(),
			); err != nil {
				return apperr.Internal(err)
			}
			// Commit the mass revocation, reject the caller afterwards.
			reuse = true
			return nil
		}

		if sess.IP != device.IP || sess.UserAgent != device.UserAgent {
			s.logger.Warn("refresh context changed",
				"sessionId", sess.ID,
				"ipChanged", sess.IP != device.IP,
				"userAgentChanged", sess.UserAgent != device.UserAgent,
			)
		}

		user, err := s.store.Users().GetByID(txCtx, sess.UserID)
		if err != nil {
			return apperr.Internal(err)
		}

		issued, err := s.createSession(txCtx, user, device, model.RevokeRotated)
		if err != nil {
			return err
		}
		pair = issued
		return nil
	})
	if err != nil {
		return nil, err
	}
	if reuse {
		s.metrics.Inc(metrics.RefreshReuseDetected)
		s.metrics.Inc(metrics.SessionRevoked)
		s.logger.Warn("refresh token reuse detected, all sessions revoked", "deviceId", device.DeviceID)
		return nil, apperr.SessionRevoked("session revoked, sign in again")
	}

	s.metrics.Inc(metrics.RefreshSuccess)
	return pair, nil
}

// Logout denylists the presented access credential for its remaining
// lifetime and revokes the device's session when the refresh token
// matches it. Repeated and stale logouts succeed: there is nothing
// useful to report to a caller who is already signed out.
func (s *Service) Logout(
	ctx context.Context,
	jti string,
	accessExpiresAt time.Time,
	refreshToken string,
	device model.DeviceContext,
) error {
	// Revocation must not fail open: a denylist write error aborts the
	// call so the client retries instead of believing it is signed out.
	if err := s.cache.DenyToken(ctx, jti, accessExpiresAt.Sub(s.now())); err != nil {
		return apperr.Internal(err)
	}

	tokenHash, err := random.HashRefreshToken(refreshToken)
	if err != nil {
		return nil
	}

	sess, err := s.store.Sessions().GetActiveByDevice(ctx, device.DeviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return apperr.Internal(err)
	}
	if subtle.ConstantTimeCompare([]byte(sess.TokenHash), []byte(tokenHash)) != 1 {
		return nil
	}

	if err := s.store.Sessions().Revoke(ctx, sess.ID, model.RevokeManualLogout, s.now()); err != nil {
		return apperr.Internal(err)
	}
	s.metrics.Inc(metrics.SessionRevoked)
	return nil
}
