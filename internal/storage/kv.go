package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trustgate/internal/domain"
	"trustgate/internal/security"
)

var _ domain.StorageEngine = (*KVStore)(nil)

// KVStore is the per-plugin key/value engine. Values are sealed when an
// encryptor is attached; sizes are always plaintext sizes.
type KVStore struct {
	db  *sql.DB
	enc *security.BlobEncryptor
}

// NewKVStore returns a store over d. enc may be nil.
func NewKVStore(d *DB, enc *security.BlobEncryptor) *KVStore {
	return &KVStore{db: d.db, enc: enc}
}

func additional(pluginID, key string) []byte {
	return []byte(pluginID + "\x00" + key)
}

// Put stores value under key for pluginID, replacing any previous value.
func (s *KVStore) Put(ctx context.Context, pluginID, key string, value []byte) error {
	if key == "" {
		return domain.NewSubSystemError("storage", "KVStore.Put", domain.ErrInvalidInput, "empty key")
	}
	stored := value
	if s.enc != nil {
		sealed, err := s.enc.Seal(value, additional(pluginID, key))
		if err != nil {
			return err
		}
		stored = sealed
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_kv (plugin_id, key, value, size, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(plugin_id, key) DO UPDATE SET value = excluded.value, size = excluded.size, updated_at = excluded.updated_at`,
		pluginID, key, stored, len(value), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: put: %v", domain.ErrStorage, err)
	}
	return nil
}

// Get returns the value under key, or ErrNotFound.
func (s *KVStore) Get(ctx context.Context, pluginID, key string) ([]byte, error) {
	var stored []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM plugin_kv WHERE plugin_id = ? AND key = ?", pluginID, key).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewSubSystemError("storage", "KVStore.Get", domain.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", domain.ErrStorage, err)
	}
	if s.enc == nil {
		return stored, nil
	}
	return s.enc.Open(stored, additional(pluginID, key))
}

// Delete removes key. Deleting a missing key is not an error.
func (s *KVStore) Delete(ctx context.Context, pluginID, key string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM plugin_kv WHERE plugin_id = ? AND key = ?", pluginID, key); err != nil {
		return fmt.Errorf("%w: delete: %v", domain.ErrStorage, err)
	}
	return nil
}

// Size returns the total plaintext bytes stored by pluginID.
func (s *KVStore) Size(ctx context.Context, pluginID string) (int64, error) {
	var total sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		"SELECT SUM(size) FROM plugin_kv WHERE plugin_id = ?", pluginID).Scan(&total); err != nil {
		return 0, fmt.Errorf("%w: size: %v", domain.ErrStorage, err)
	}
	return total.Int64, nil
}

// SizeOf returns the plaintext size of one key, 0 when absent.
func (s *KVStore) SizeOf(ctx context.Context, pluginID, key string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT size FROM plugin_kv WHERE plugin_id = ? AND key = ?", pluginID, key).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: size: %v", domain.ErrStorage, err)
	}
	return n, nil
}

// Keys lists pluginID's keys in order.
func (s *KVStore) Keys(ctx context.Context, pluginID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM plugin_kv WHERE plugin_id = ? ORDER BY key", pluginID)
	if err != nil {
		return nil, fmt.Errorf("%w: keys: %v", domain.ErrStorage, err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Purge drops every key of pluginID.
func (s *KVStore) Purge(ctx context.Context, pluginID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM plugin_kv WHERE plugin_id = ?", pluginID); err != nil {
		return fmt.Errorf("%w: purge: %v", domain.ErrStorage, err)
	}
	return nil
}
