// Package crypto implements password hashing for the dev backend and passphrase sealing for session files.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters shared by password hashing and passphrase key derivation.
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32

	SaltLen = 16
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// HashPassword returns salt||Argon2id(password, salt) with a fresh random salt.
func HashPassword(password []byte) ([]byte, error) {
	salt, err := RandBytes(SaltLen)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, SaltLen+int(argonKeyLen))
	out = append(out, salt...)
	return append(out, deriveKey(password, salt)...), nil
}

// VerifyPassword checks password against an encoded hash produced by HashPassword.
func VerifyPassword(password, encoded []byte) bool {
	if len(encoded) != SaltLen+int(argonKeyLen) {
		return false
	}
	got := deriveKey(password, encoded[:SaltLen])
	return subtle.ConstantTimeCompare(got, encoded[SaltLen:]) == 1
}

func deriveKey(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}
