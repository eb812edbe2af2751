package crypto

import (
	"bytes"
	"errors"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrSealed is returned when a sealed blob cannot be opened with the passphrase.
var ErrSealed = errors.New("sealed data: wrong passphrase or corrupted")

var sealAAD = []byte("market-client/session/v1")

// Sealer encrypts session documents with XChaCha20-Poly1305 under an Argon2id passphrase key.
// Layout: salt(16) || nonce(24) || ciphertext.
type Sealer struct {
	passphrase []byte

	mu   sync.Mutex
	salt []byte
	key  []byte
}

// NewSealer returns a Sealer for passphrase.
func NewSealer(passphrase string) *Sealer {
	return &Sealer{passphrase: []byte(passphrase)}
}

// keyFor returns the key for salt, deriving it only when the salt changes.
func (s *Sealer) keyFor(salt []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil || !bytes.Equal(s.salt, salt) {
		s.salt = append([]byte(nil), salt...)
		s.key = deriveKey(s.passphrase, salt)
	}
	return s.key
}

func (s *Sealer) currentSalt() ([]byte, error) {
	s.mu.Lock()
	salt := s.salt
	s.mu.Unlock()
	if salt != nil {
		return salt, nil
	}
	return RandBytes(SaltLen)
}

// Seal encrypts plaintext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	salt, err := s.currentSalt()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(s.keyFor(salt))
	if err != nil {
		return nil, err
	}
	nonce, err := RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, SaltLen+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, sealAAD), nil
}

// Open decrypts a blob produced by Seal.
func (s *Sealer) Open(blob []byte) ([]byte, error) {
	if len(blob) < SaltLen+chacha20poly1305.NonceSizeX {
		return nil, ErrSealed
	}
	salt := blob[:SaltLen]
	nonce := blob[SaltLen : SaltLen+chacha20poly1305.NonceSizeX]
	aead, err := chacha20poly1305.NewX(s.keyFor(salt))
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, blob[SaltLen+chacha20poly1305.NonceSizeX:], sealAAD)
	if err != nil {
		return nil, ErrSealed
	}
	return pt, nil
}
