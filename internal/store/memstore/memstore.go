// Package memstore is an in-memory store.Store used by tests. Transactions
// take a snapshot of all collections and restore it when the callback
// fails, mirroring the abort-on-error contract of the Mongo implementation.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/keygate-dev/keygate/internal/model"
	"github.com/keygate-dev/keygate/internal/store"
)

type txMarker struct{}

// Store implements store.Store entirely in memory.
type Store struct {
	mu       sync.Mutex
	users    map[string]*model.User
	otps     map[string]*model.OtpChallenge
	sessions map[string]*model.AuthSession
	now      func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:    make(map[string]*model.User),
		otps:     make(map[string]*model.OtpChallenge),
		sessions: make(map[string]*model.AuthSession),
		now:      time.Now,
	}
}

// SetClock replaces the store's clock, so tests driving a fake time see
// consistent session-expiry decisions.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// acquire locks the store unless ctx is already inside a transaction,
// which holds the lock for its whole scope.
func (s *Store) acquire(ctx context.Context) func() {
	if ctx.Value(txMarker{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// WithTransaction runs fn under the store lock with snapshot rollback.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapUsers := cloneUsers(s.users)
	snapOtps := cloneOtps(s.otps)
	snapSessions := cloneSessions(s.sessions)

	if err := fn(context.WithValue(ctx, txMarker{}, struct{}{})); err != nil {
		s.users = snapUsers
		s.otps = snapOtps
		s.sessions = snapSessions
		return err
	}
	return nil
}

func (s *Store) Users() store.UserRepo       { return (*userRepo)(s) }
func (s *Store) Otps() store.OtpRepo         { return (*otpRepo)(s) }
func (s *Store) Sessions() store.SessionRepo { return (*sessionRepo)(s) }

func (s *Store) Ping(ctx context.Context) error  { return nil }
func (s *Store) Close(ctx context.Context) error { return nil }

type userRepo Store

func (r *userRepo) Create(ctx context.Context, user *model.User) error {
	s := (*Store)(r)
	defer s.acquire(ctx)()

	for _, existing := range s.users {
		if existing.Email == user.Email {
			return store.ErrDuplicate
		}
	}
	s.users[user.ID] = cloneUser(user)
	return nil
}

func (r *userRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	s := (*Store)(r)
	defer s.acquire(ctx)()

	for _, user := range s.users {
		if user.Email == email {
			return cloneUser(user), nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *userRepo) GetByID(ctx context.Context, id string) (*model.User, error) {
	s := (*Store)(r)
	defer s.acquire(ctx)()

	user, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneUser(user), nil
}

func (r *userRepo) MarkVerified(ctx context.Context, userID string, at time.Time) error {
	s := (*Store)(r)
	defer s.acquire(ctx)()

	user, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	user.EmailVerified = true
	user.UpdatedAt = at
	return nil
}

func (r *userRepo) UpdatePasswordHash(ctx context.Context, userID, hash string, at time.Time) error {
	s := (*Store)(r)
	defer s.acquire(ctx)()

	user, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	user.PasswordHash = hash
	user.UpdatedAt = at
	return nil
}

func (r *userRepo) RecordFailedAttempt(
	ctx context.Context,
	userID string,
	threshold int,
	lockFor time.Duration,
	now time.Time,
) (bool, error) {
	s := (*Store)(r)
	defer s.acquire(ctx)()

	user, ok := s.users[userID]
	if !ok {
		return false, store.ErrNotFound
	}

	user.FailedLoginAttempts++
	user.UpdatedAt = now
	if user.FailedLoginAttempts < threshold {
		return false, nil
	}

	lockUntil := now.Add(lockFor)
	user.LockUntil = &lockUntil
	user.FailedLoginAttempts = 0
	return true, nil
}

func (r *userRepo) ResetFailures(ctx context.Context, userID string) error {
	s := (*Store)(r)
	defer s.acquire(ctx)()

	user, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	user.FailedLoginAttempts = 0
	user.LockUntil = nil
	return nil
}

type otpRepo Store

func (r *otpRepo) Replace(ctx context.Context, challenge *model.OtpChallenge) error {
	s := (*Store)(r)
	defer s.acquire(ctx)()

	for id, existing := range s.otps {
		if existing.UserID == challenge.UserID && existing.Purpose == challenge.Purpose {
			delete(s.otps, id)
		}
	}
	s.otps[challenge.ID] = cloneOtp(challenge)
	return nil
}

func (r *otpRepo) Get(ctx context.Context, userID string, purpose model.OtpPurpose) (*model.OtpChallenge, error) {
	s := (*Store)(r)
	defer s.acquire(ctx)()

	var matches []*model.OtpChallenge
	for _, challenge := range s.otps {
		if challenge.UserID == userID && challenge.Purpose == purpose {
			matches = append(matches, challenge)
		}
	}
	if len(matches) == 0 {
		return nil, store.ErrNotFound
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	return cloneOtp(matches[0]), nil
}

func (r *otpRepo) Delete(ctx context.Context, id string) error {
	s := (*Store)(r)
	defer s.acquire(ctx)()

	delete(s.otps, id)
	return nil
}

func (r *otpRepo) IncrementAttempts(ctx context.Context, id string) error {
	s := (*Store)(r)
	defer s.acquire(ctx)()

	challenge, ok := s.otps[id]
	if !ok {
		return store.ErrNotFound
	}
	challenge.Attempts++
	return nil
}

type sessionRepo Store

func (r *sessionRepo) CreateReplacing(ctx context.Context, sess *model.AuthSession, replaceReason string) error {
	s := (*Store)(r)
	defer s.acquire(ctx)()

	for _, existing := range s.sessions {
		if existing.UserID == sess.UserID && existing.DeviceID == sess.DeviceID && existing.RevokedAt == nil {
			at := sess.CreatedAt
			existing.RevokedAt = &at
			existing.RevokedReason = replaceReason
		}
	}
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (r *sessionRepo) GetActiveByDevice(ctx context.Context, deviceID string) (*model.AuthSession, error) {
	s := (*Store)(r)
	defer s.acquire(ctx)()

	now := s.now()
	var newest *model.AuthSession
	for _, sess := range s.sessions {
		if sess.DeviceID != deviceID || !sess.Active(now) {
			continue
		}
		if newest == nil || sess.CreatedAt.After(newest.CreatedAt) {
			newest = sess
		}
	}
	if newest == nil {
		return nil, store.ErrNotFound
	}
	return cloneSession(newest), nil
}

func (r *sessionRepo) Revoke(ctx context.Context, sessionID, reason string, at time.Time) error {
	s := (*Store)(r)
	defer s.acquire(ctx)()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.RevokedAt != nil {
		return store.ErrNotFound
	}
	sess.RevokedAt = &at
	sess.RevokedReason = reason
	return nil
}

func (r *sessionRepo) RevokeAllForUser(ctx context.Context, userID, reason string, at time.Time) error {
	s := (*Store)(r)
	defer s.acquire(ctx)()

	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.RevokedAt == nil {
			sess.RevokedAt = &at
			sess.RevokedReason = reason
		}
	}
	return nil
}

// Session returns a copy of a session by ID, for test assertions.
func (s *Store) Session(id string) (*model.AuthSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return cloneSession(sess), true
}

// SessionsForUser returns copies of all sessions for a user, for tests.
func (s *Store) SessionsForUser(userID string) []*model.AuthSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.AuthSession
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, cloneSession(sess))
		}
	}
	return out
}

// OtpsForUser returns copies of all challenges for a user, for tests.
func (s *Store) OtpsForUser(userID string) []*model.OtpChallenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.OtpChallenge
	for _, challenge := range s.otps {
		if challenge.UserID == userID {
			out = append(out, cloneOtp(challenge))
		}
	}
	return out
}

func cloneUser(u *model.User) *model.User {
	clone := *u
	if u.LockUntil != nil {
		t := *u.LockUntil
		clone.LockUntil = &t
	}
	return &clone
}

func cloneOtp(c *model.OtpChallenge) *model.OtpChallenge {
	clone := *c
	return &clone
}

func cloneSession(s *model.AuthSession) *model.AuthSession {
	clone := *s
	if s.RevokedAt != nil {
		t := *s.RevokedAt
		clone.RevokedAt = &t
	}
	return &clone
}

func cloneUsers(in map[string]*model.User) map[string]*model.User {
	out := make(map[string]*model.User, len(in))
	for k, v := range in {
		out[k] = cloneUser(v)
	}
	return out
}

func cloneOtps(in map[string]*model.OtpChallenge) map[string]*model.OtpChallenge {
	out := make(map[string]*model.OtpChallenge, len(in))
	for k, v := range in {
		out[k] = cloneOtp(v)
	}
	return out
}

func cloneSessions(in map[string]*model.AuthSession) map[string]*model.AuthSession {
	out := make(map[string]*model.AuthSession, len(in))
	for k, v := range in {
		out[k] = cloneSession(v)
	}
	return out
}
