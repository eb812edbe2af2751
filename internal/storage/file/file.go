// Package file stores the session document as JSON on disk, optionally sealed with a passphrase.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/and161185/market-client/internal/crypto"
	"github.com/and161185/market-client/internal/storage"
)

// Store is a Storage backed by a single file. Writes replace the file atomically.
type Store struct {
	path   string
	sealer *crypto.Sealer // nil → plain JSON

	mu sync.Mutex
}

var _ storage.Storage = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPassphrase seals the document with XChaCha20-Poly1305 under a passphrase-derived key.
func WithPassphrase(passphrase string) Option {
	return func(s *Store) {
		if passphrase != "" {
			s.sealer = crypto.NewSealer(passphrase)
		}
	}
}

// New returns a Store writing to path.
func New(path string, opts ...Option) *Store {
	s := &Store{path: path}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Path returns the backing file location.
func (s *Store) Path() string { return s.path }

// Load reads the document; a missing file is an empty store.
func (s *Store) Load(context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Put merges kv into the document.
func (s *Store) Put(_ context.Context, kv map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	maps.Copy(doc, kv)
	return s.write(doc)
}

// Delete removes keys from the document.
func (s *Store) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	for _, k := range keys {
		delete(doc, k)
	}
	return s.write(doc)
}

func (s *Store) read() (map[string]string, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	if s.sealer != nil {
		if b, err = s.sealer.Open(b); err != nil {
			return nil, fmt.Errorf("open %s: %w", s.path, err)
		}
	}
	doc := map[string]string{}
	if len(b) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return doc, nil
}

func (s *Store) write(doc map[string]string) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if s.sealer != nil {
		if b, err = s.sealer.Seal(b); err != nil {
			return err
		}
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
