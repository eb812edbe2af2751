package postgres

import (
	"context"
	"fmt"
	"slices"

	"github.com/and161185/market-client/internal/storage"
)

// Store keeps one profile's keys in the client_storage table.
type Store struct {
	db      *DB
	profile string
}

var _ storage.Storage = (*Store)(nil)

// New returns a Store scoped to profile.
func New(db *DB, profile string) *Store { return &Store{db: db, profile: profile} }

// Load selects all keys of the profile.
func (s *Store) Load(ctx context.Context) (map[string]string, error) {
	const q = `SELECT key, value FROM client_storage WHERE profile=$1`
	rows, err := s.db.Pool.Query(ctx, q, s.profile)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", s.profile, err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Put upserts all pairs in a single statement.
func (s *Store) Put(ctx context.Context, kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}
	keys := sortedKeys(kv)
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = kv[k]
	}
	const q = `
INSERT INTO client_storage (profile, key, value, updated_at)
SELECT $1, k, v, now() FROM unnest($2::text[], $3::text[]) AS t(k, v)
ON CONFLICT (profile, key)
DO UPDATE SET value=EXCLUDED.value, updated_at=now()`
	_, err := s.db.Pool.Exec(ctx, q, s.profile, keys, vals)
	return err
}

// Delete removes keys in a single statement.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	const q = `DELETE FROM client_storage WHERE profile=$1 AND key = ANY($2)`
	_, err := s.db.Pool.Exec(ctx, q, s.profile, keys)
	return err
}

func sortedKeys(kv map[string]string) []string {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
