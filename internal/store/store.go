// Package store defines the persistence boundary for the identity layer.
// Implementations live in mongostore (production) and memstore (tests).
// All multi-write auth flows run inside a TxRunner transaction; the
// transaction's write set is always confined to documents of a single user.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/keygate-dev/keygate/internal/model"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrDuplicate is returned on unique-key violations (duplicate email).
	ErrDuplicate = errors.New("duplicate document")
	// ErrUnavailable wraps backend connectivity failures.
	ErrUnavailable = errors.New("document store unavailable")
)

// UserRepo manages credential records.
type UserRepo interface {
	Create(ctx context.Context, user *model.User) error
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	GetByID(ctx context.Context, id string) (*model.User, error)
	MarkVerified(ctx context.Context, userID string, at time.Time) error
	UpdatePasswordHash(ctx context.Context, userID, hash string, at time.Time) error

	// RecordFailedAttempt increments the shared failure counter used by
	// both password and OTP checks. When the counter reaches threshold it
	// sets lockUntil and resets the counter, returning locked=true.
	// Callers invoke this OUTSIDE the enclosing transaction so an aborted
	// call cannot undo the penalty.
	RecordFailedAttempt(ctx context.Context, userID string, threshold int, lockFor time.Duration, now time.Time) (locked bool, err error)

	// ResetFailures clears the failure counter and any expired lock.
	ResetFailures(ctx context.Context, userID string) error
}

// OtpRepo manages one-time-code challenges.
type OtpRepo interface {
	// Replace deletes any prior challenge for (user, purpose) and inserts
	// the new one, preserving the at-most-one-active invariant.
	Replace(ctx context.Context, challenge *model.OtpChallenge) error
	Get(ctx context.Context, userID string, purpose model.OtpPurpose) (*model.OtpChallenge, error)
	Delete(ctx context.Context, id string) error
	IncrementAttempts(ctx context.Context, id string) error
}

// SessionRepo manages refresh sessions.
type SessionRepo interface {
	// CreateReplacing revokes any active session for (user, device) with
	// the given reason, then inserts sess.
	CreateReplacing(ctx context.Context, sess *model.AuthSession, replaceReason string) error
	GetActiveByDevice(ctx context.Context, deviceID string) (*model.AuthSession, error)
	Revoke(ctx context.Context, sessionID, reason string, at time.Time) error
	RevokeAllForUser(ctx context.Context, userID, reason string, at time.Time) error
}

// TxRunner is the scoped acquisition of a transactional unit of work: fn
// runs inside one document-store transaction, the transaction aborts on any
// error, and the underlying session is released on all exit paths.
type TxRunner interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store bundles the repositories with the transaction runner and the
// connection lifecycle.
type Store interface {
	TxRunner
	Users() UserRepo
	Otps() OtpRepo
	Sessions() SessionRepo
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
