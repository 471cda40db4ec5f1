package services

import (
	"context"
	"log/slog"
	"sync"

	"trustgate/internal/domain"
	"trustgate/internal/sandbox"
)

// KV is the storage engine the service writes through.
type KV interface {
	domain.StorageEngine
	SizeOf(ctx context.Context, pluginID, key string) (int64, error)
	Keys(ctx context.Context, pluginID string) ([]string, error)
	Purge(ctx context.Context, pluginID string) error
}

// Storage meters plugin key/value writes against the storage quota.
type Storage struct {
	kv     KV
	quotas *sandbox.QuotaManager
	logger *slog.Logger

	// Writes are serialized so the size delta of a put is computed against
	// the value it actually replaces.
	mu sync.Mutex
}

// NewStorage creates a storage service.
func NewStorage(kv KV, quotas *sandbox.QuotaManager, logger *slog.Logger) *Storage {
	return &Storage{kv: kv, quotas: quotas, logger: logger}
}

// Get returns the value under key. A missing key yields ErrNotFound.
func (s *Storage) Get(ctx context.Context, pluginID, key string) ([]byte, error) {
	return s.kv.Get(ctx, pluginID, key)
}

// Put stores value, reserving the growth against the storage quota first.
// Shrinking a value returns the difference.
func (s *Storage) Put(ctx context.Context, pluginID, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.kv.SizeOf(ctx, pluginID, key)
	if err != nil {
		return err
	}
	next := int64(len(value))
	if next > old {
		if err := s.quotas.Reserve(pluginID, domain.ResourceStorage, uint64(next-old)); err != nil {
			return err
		}
	}
	if err := s.kv.Put(ctx, pluginID, key, value); err != nil {
		if next > old {
			s.quotas.Release(pluginID, domain.ResourceStorage, uint64(next-old))
		}
		return err
	}
	if next < old {
		s.quotas.Release(pluginID, domain.ResourceStorage, uint64(old-next))
	}
	return nil
}

// Delete removes key and returns its bytes to the quota.
func (s *Storage) Delete(ctx context.Context, pluginID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.kv.SizeOf(ctx, pluginID, key)
	if err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, pluginID, key); err != nil {
		return err
	}
	s.quotas.Release(pluginID, domain.ResourceStorage, uint64(old))
	return nil
}

// Keys lists pluginID's keys.
func (s *Storage) Keys(ctx context.Context, pluginID string) ([]string, error) {
	return s.kv.Keys(ctx, pluginID)
}

// Clear drops all of pluginID's data.
func (s *Storage) Clear(ctx context.Context, pluginID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Purge(ctx, pluginID); err != nil {
		return err
	}
	s.quotas.UpdateStorage(pluginID, 0)
	s.logger.Info("plugin storage cleared", "plugin", pluginID)
	return nil
}

// Sync loads pluginID's persisted footprint into the quota manager. Called on
// load so data written in earlier runs counts against the quota.
func (s *Storage) Sync(ctx context.Context, pluginID string) (int64, error) {
	size, err := s.kv.Size(ctx, pluginID)
	if err != nil {
		return 0, err
	}
	s.quotas.UpdateStorage(pluginID, uint64(size))
	return size, nil
}
