package wasm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tetratelabs/wazero"

	"trustgate/internal/domain"
)

const (
	pageSize = 64 * 1024
	maxPages = 65536
)

// PagesFor converts a byte limit into 64KiB WASM pages, clamped to [1, 65536].
func PagesFor(limit uint64) uint32 {
	pages := limit / pageSize
	switch {
	case pages < 1:
		return 1
	case pages > maxPages:
		return maxPages
	default:
		return uint32(pages)
	}
}

// Runtime wraps a wazero.Runtime whose memory limit comes from one plugin's quota.
type Runtime struct {
	inner    wazero.Runtime
	maxPages uint32
	logger   *slog.Logger
}

// NewRuntime creates a runtime that caps guest memory at memoryLimit bytes.
// The caller must call Close when done.
func NewRuntime(ctx context.Context, memoryLimit uint64, logger *slog.Logger) *Runtime {
	pages := PagesFor(memoryLimit)
	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(pages)

	logger.Debug("wasm runtime created",
		"max_memory_pages", pages,
		"max_memory_mb", uint64(pages)*pageSize/(1<<20),
	)
	return &Runtime{
		inner:    wazero.NewRuntimeWithConfig(ctx, cfg),
		maxPages: pages,
		logger:   logger,
	}
}

// Inner returns the underlying wazero.Runtime.
func (r *Runtime) Inner() wazero.Runtime { return r.inner }

// MaxPages returns the memory limit in pages.
func (r *Runtime) MaxPages() uint32 { return r.maxPages }

// Close releases all resources held by the runtime.
func (r *Runtime) Close(ctx context.Context) error {
	if err := r.inner.Close(ctx); err != nil {
		return fmt.Errorf("%w: close runtime: %v", domain.ErrExecutionFailed, err)
	}
	return nil
}
