package random

import "testing"

func TestNewOTP(t *testing.T) {
	for _, digits := range []int{4, 6, 10} {
		code, err := NewOTP(digits)
		if err != nil {
			t.Fatalf("NewOTP(%d): %v", digits, err)
		}
		if len(code) != digits {
			t.Fatalf("NewOTP(%d) length = %d", digits, len(code))
		}
		for _, c := range code {
			if c < '0' || c > '9' {
				t.Fatalf("non-digit %q in code %q", c, code)
			}
		}
	}

	for _, digits := range []int{0, 3, 11, -1} {
		if _, err := NewOTP(digits); err == nil {
			t.Errorf("NewOTP(%d) accepted", digits)
		}
	}
}

func TestRefreshTokenRoundTrip(t *testing.T) {
	secret, err := NewRefreshSecret()
	if err != nil {
		t.Fatalf("NewRefreshSecret: %v", err)
	}

	wire := EncodeRefreshToken(secret)
	hash, err := HashRefreshToken(wire)
	if err != nil {
		t.Fatalf("HashRefreshToken: %v", err)
	}
	if hash != HashRefreshSecret(secret) {
		t.Fatal("wire-token hash does not match stored secret hash")
	}
}

func TestHashRefreshTokenRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "short", "!!!not base64!!!", "AAAA"} {
		if _, err := HashRefreshToken(raw); err == nil {
			t.Errorf("HashRefreshToken(%q) accepted", raw)
		}
	}
}

func TestRefreshSecretsAreUnique(t *testing.T) {
	a, err := NewRefreshSecret()
	if err != nil {
		t.Fatalf("NewRefreshSecret: %v", err)
	}
	b, err := NewRefreshSecret()
	if err != nil {
		t.Fatalf("NewRefreshSecret: %v", err)
	}
	if a == b {
		t.Fatal("two refresh secrets are identical")
	}
}
