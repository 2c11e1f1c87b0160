// Package model holds the persisted document shapes for the identity layer:
// users, OTP challenges, and refresh sessions.
package model

import "time"

// OtpPurpose scopes a challenge to the flow that created it. At most one
// active challenge exists per (user, purpose).
type OtpPurpose string

const (
	PurposeSignup        OtpPurpose = "signup"
	PurposeLogin         OtpPurpose = "login"
	PurposePasswordReset OtpPurpose = "password_reset"
	PurposePhoneVerify   OtpPurpose = "phone_verify"
)

// Valid reports whether p is a known purpose value.
func (p OtpPurpose) Valid() bool {
	switch p {
	case PurposeSignup, PurposeLogin, PurposePasswordReset, PurposePhoneVerify:
		return true
	}
	return false
}

// Revocation reasons recorded on AuthSession.RevokedReason.
const (
	RevokeManualLogout      = "MANUAL_LOGOUT"
	RevokeRotated           = "ROTATED"
	RevokeTokenReuse        = "TOKEN_REUSE_DETECTED"
	RevokePasswordReset     = "PASSWORD_RESET"
	RevokeSupersededByLogin = "SUPERSEDED_BY_LOGIN"
)

// User is the credential record. PasswordHash is never serialized outward.
type User struct {
	ID                  string     `bson:"_id" json:"id"`
	FullName            string     `bson:"fullName" json:"fullName"`
	Email               string     `bson:"email" json:"email"`
	PasswordHash        string     `bson:"passwordHash" json:"-"`
	EmailVerified       bool       `bson:"emailVerified" json:"emailVerified"`
	FailedLoginAttempts int        `bson:"failedLoginAttempts" json:"-"`
	LockUntil           *time.Time `bson:"lockUntil,omitempty" json:"-"`
	CreatedAt           time.Time  `bson:"createdAt" json:"createdAt"`
	UpdatedAt           time.Time  `bson:"updatedAt" json:"updatedAt"`
}

// LockedAt reports whether the account is locked at the given instant.
// LockUntil is either nil or strictly in the future while a lock is active.
func (u *User) LockedAt(now time.Time) bool {
	return u.LockUntil != nil && u.LockUntil.After(now)
}

// OtpChallenge is a one-time-code challenge. CodeHash is an argon2id hash;
// the plaintext code is never persisted after generation.
type OtpChallenge struct {
	ID        string     `bson:"_id" json:"id"`
	UserID    string     `bson:"userId" json:"userId"`
	Purpose   OtpPurpose `bson:"purpose" json:"purpose"`
	CodeHash  string     `bson:"codeHash" json:"-"`
	Attempts  int        `bson:"attempts" json:"-"`
	ExpiresAt time.Time  `bson:"expiresAt" json:"expiresAt"`
	CreatedAt time.Time  `bson:"createdAt" json:"createdAt"`
}

// Expired reports whether the challenge is past its expiry.
func (c *OtpChallenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// AuthSession is one logical device's refresh credential. TokenHash is a
// SHA-256 of the opaque refresh secret; rotation replaces the whole record.
type AuthSession struct {
	ID            string     `bson:"_id" json:"id"`
	UserID        string     `bson:"userId" json:"userId"`
	DeviceID      string     `bson:"deviceId" json:"deviceId"`
	TokenHash     string     `bson:"tokenHash" json:"-"`
	IP            string     `bson:"ip" json:"-"`
	UserAgent     string     `bson:"userAgent" json:"-"`
	ExpiresAt     time.Time  `bson:"expiresAt" json:"expiresAt"`
	RevokedAt     *time.Time `bson:"revokedAt,omitempty" json:"-"`
	RevokedReason string     `bson:"revokedReason,omitempty" json:"-"`
	CreatedAt     time.Time  `bson:"createdAt" json:"createdAt"`
}

// Active reports whether the session is unrevoked and unexpired.
func (s *AuthSession) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// DeviceContext carries the caller's device identity and soft-check inputs.
type DeviceContext struct {
	DeviceID  string
	IP        string
	UserAgent string
}
