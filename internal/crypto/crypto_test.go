package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestRandBytes_LengthAndUniqueness(t *testing.T) {
	t.Parallel()

	const n = 64
	a, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, _ := RandBytes(n)
	if bytes.Equal(a, b) {
		t.Fatalf("two subsequent RandBytes(%d) are equal", n)
	}
}

func TestHashPassword_VerifyRoundTrip(t *testing.T) {
	t.Parallel()

	h1, err := HashPassword([]byte("p@ssw0rd"))
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	h2, _ := HashPassword([]byte("p@ssw0rd"))
	if bytes.Equal(h1, h2) {
		t.Fatalf("fresh salt expected per hash")
	}
	if !VerifyPassword([]byte("p@ssw0rd"), h1) {
		t.Fatalf("verify failed for correct password")
	}
	if VerifyPassword([]byte("wrong"), h1) {
		t.Fatalf("verify passed for wrong password")
	}
	if VerifyPassword([]byte("p@ssw0rd"), h1[:10]) {
		t.Fatalf("verify passed for truncated hash")
	}
}

func TestSealer_RoundTrip(t *testing.T) {
	t.Parallel()

	s := NewSealer("correct horse")
	blob, err := s.Seal([]byte(`{"access_token":"a"}`))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(blob, []byte("access_token")) {
		t.Fatalf("plaintext leaked into sealed blob")
	}

	// a fresh sealer with the same passphrase derives the key from the stored salt
	pt, err := NewSealer("correct horse").Open(blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(pt) != `{"access_token":"a"}` {
		t.Fatalf("plaintext mismatch: %s", pt)
	}

	// subsequent seals reuse the salt
	blob2, _ := s.Seal([]byte("x"))
	if !bytes.Equal(blob[:SaltLen], blob2[:SaltLen]) {
		t.Fatalf("salt should be stable per sealer")
	}
}

func TestSealer_WrongPassphraseAndTamper(t *testing.T) {
	t.Parallel()

	blob, err := NewSealer("pw").Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := NewSealer("other").Open(blob); !errors.Is(err, ErrSealed) {
		t.Fatalf("want ErrSealed for wrong passphrase, got %v", err)
	}

	bad := append([]byte(nil), blob...)
	bad[len(bad)-1] ^= 0xFF
	if _, err := NewSealer("pw").Open(bad); !errors.Is(err, ErrSealed) {
		t.Fatalf("want ErrSealed for tampered blob, got %v", err)
	}
	if _, err := NewSealer("pw").Open([]byte("short")); !errors.Is(err, ErrSealed) {
		t.Fatalf("want ErrSealed for short blob, got %v", err)
	}
}
