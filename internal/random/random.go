// Package random generates the secret material used by the auth flows:
// numeric one-time codes from a CSPRNG and opaque refresh secrets.
package random

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"
)

const refreshSecretSize = 32

// NewOTP returns a fixed-length numeric code drawn digit-by-digit from
// crypto/rand. A general-purpose PRNG is never acceptable here.
func NewOTP(digits int) (string, error) {
	if digits < 4 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	ten := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	return b.String(), nil
}

// NewRefreshSecret returns 256 bits of refresh-token entropy.
func NewRefreshSecret() ([refreshSecretSize]byte, error) {
	var secret [refreshSecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

// HashRefreshSecret is the one-way hash persisted on the session record.
// SHA-256 is sufficient: the input is full-entropy random material, so a
// slow hash buys nothing.
func HashRefreshSecret(secret [refreshSecretSize]byte) string {
	sum := sha256.Sum256(secret[:])
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// HashRefreshToken hashes a presented opaque token for comparison against
// the stored hash.
func HashRefreshToken(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != refreshSecretSize {
		return "", errors.New("invalid refresh token")
	}
	sum := sha256.Sum256(raw)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// EncodeRefreshToken renders a refresh secret as the opaque wire token.
func EncodeRefreshToken(secret [refreshSecretSize]byte) string {
	return base64.RawURLEncoding.EncodeToString(secret[:])
}
