// Package lock provides store-backed distributed locking and leader election
// shared by all engine replicas.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trading_engine/internal/core"
	"trading_engine/pkg/telemetry"
)

// ErrNotAcquired is returned when another pod holds an unexpired lease.
var ErrNotAcquired = errors.New("lock held by another pod")

// Manager acquires and releases named TTL leases through the document store.
type Manager struct {
	store  core.IDocumentStore
	podID  string
	ttl    time.Duration
	logger core.ILogger
}

// NewManager creates a lock manager for this pod.
func NewManager(store core.IDocumentStore, podID string, ttl time.Duration, logger core.ILogger) *Manager {
	return &Manager{
		store:  store,
		podID:  podID,
		ttl:    ttl,
		logger: logger.WithField("component", "lock_manager"),
	}
}

// Acquire attempts to take the named lease. Re-entry by this pod extends it.
func (m *Manager) Acquire(ctx context.Context, name string) (bool, error) {
	acquired, err := m.store.TryAcquireLock(ctx, name, m.podID, m.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return acquired, nil
}

// Release drops the lease if this pod still holds it. Releasing a lease held
// by another pod is a no-op.
func (m *Manager) Release(ctx context.Context, name string) error {
	if err := m.store.ReleaseLock(ctx, name, m.podID); err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

// ExecuteWithLock runs fn while holding the named lease and always releases
// it afterwards, even when fn fails. Returns ErrNotAcquired without running
// fn when the lease belongs to another pod.
func (m *Manager) ExecuteWithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	acquired, err := m.Acquire(ctx, name)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrNotAcquired, name)
	}
	defer func() {
		// Release on a fresh context so shutdown cancellation cannot leak the lease.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := m.Release(releaseCtx, name); rerr != nil {
			m.logger.Warn("Failed to release lock", "name", name, "error", rerr)
		}
	}()
	return fn(ctx)
}

// RunSweeper deletes expired leases on a fixed interval until ctx is done.
// Only the elected leader sweeps; followers idle through the same loop.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration, isLeader func() bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("Lock sweeper started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Lock sweeper stopped")
			return
		case <-ticker.C:
			if !isLeader() {
				continue
			}
			swept, err := m.store.DeleteExpiredLocks(ctx, time.Now().UTC())
			if err != nil {
				m.logger.Warn("Lock sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				telemetry.GetGlobalMetrics().LocksSweptTotal.Add(ctx, swept)
				m.logger.Info("Swept expired locks", "count", swept)
			}
		}
	}
}
