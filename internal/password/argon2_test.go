package password

import (
	"errors"
	"strings"
	"testing"
)

// testConfig keeps argon2 cheap so the suite stays fast.
func testConfig() Config {
	return Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	}
}

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(testConfig())
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	return h
}

func TestHashVerifyRoundTrip(t *testing.T) {
	h := newTestHasher(t)

	encoded, err := h.Hash("correct horse battery staple")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$") {
		t.Fatalf("unexpected hash format: %q", encoded)
	}

	ok, err := h.Verify("correct horse battery staple", encoded)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("correct password did not verify")
	}

	ok, err = h.Verify("wrong password", encoded)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatal("wrong password verified")
	}
}

func TestHashRejectsShortPassword(t *testing.T) {
	h := newTestHasher(t)
	if _, err := h.Hash("short"); err == nil {
		t.Fatal("expected error for short password")
	}
}

func TestHashCodeAllowsShortInput(t *testing.T) {
	h := newTestHasher(t)

	encoded, err := h.HashCode("482913")
	if err != nil {
		t.Fatalf("HashCode: %v", err)
	}
	ok, err := h.Verify("482913", encoded)
	if err != nil || !ok {
		t.Fatalf("code did not verify: ok=%v err=%v", ok, err)
	}

	if _, err := h.HashCode(""); err == nil {
		t.Fatal("expected error for empty code")
	}
}

func TestHashesAreSalted(t *testing.T) {
	h := newTestHasher(t)

	a, err := h.Hash("same password here")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	b, err := h.Hash("same password here")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if a == b {
		t.Fatal("two hashes of the same password are identical")
	}
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	h := newTestHasher(t)

	cases := []string{
		"",
		"not a hash",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$a2V5a2V5a2V5a2V5a2V5",
		"$argon2id$v=19$m=8192,t=1$c2FsdHNhbHRzYWx0c2FsdA$a2V5a2V5a2V5a2V5a2V5",
		"$argon2id$v=19$m=8192,t=1,p=1$!!!$a2V5a2V5a2V5a2V5a2V5",
	}
	for _, encoded := range cases {
		if _, err := h.Verify("secret", encoded); !errors.Is(err, ErrInvalidHash) {
			t.Errorf("Verify(%q): got %v, want ErrInvalidHash", encoded, err)
		}
	}
}

func TestNewHasherRejectsWeakConfig(t *testing.T) {
	weak := testConfig()
	weak.Memory = 1024
	if _, err := NewHasher(weak); err == nil {
		t.Fatal("expected error for low memory")
	}

	weak = testConfig()
	weak.SaltLength = 8
	if _, err := NewHasher(weak); err == nil {
		t.Fatal("expected error for short salt")
	}
}
