// Package services implements the capabilities a plugin may call back into:
// storage, network, system information, logging and the message bus.
package services

import "context"

// WorkerSlot is a unit of the gateway's execution pool held by the goroutine
// running a plugin.
type WorkerSlot interface {
	Release()
	Acquire(ctx context.Context) error
}

type slotKey struct{}

// WithWorkerSlot marks ctx as running on slot.
func WithWorkerSlot(ctx context.Context, slot WorkerSlot) context.Context {
	return context.WithValue(ctx, slotKey{}, slot)
}

// Blocking runs fn, which may block on I/O. When ctx carries a worker slot
// the slot is handed back for the duration of fn so other plugins can run,
// then reacquired before returning.
func Blocking(ctx context.Context, fn func() error) error {
	slot, ok := ctx.Value(slotKey{}).(WorkerSlot)
	if !ok {
		return fn()
	}
	slot.Release()
	err := fn()
	// The caller still owns a slot from the pool's point of view, so the
	// reacquire must not be abandoned on cancellation.
	if aerr := slot.Acquire(context.WithoutCancel(ctx)); aerr != nil && err == nil {
		err = aerr
	}
	return err
}
