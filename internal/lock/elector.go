package lock

import (
	"context"
	"sync/atomic"
	"time"

	"trading_engine/internal/core"
	"trading_engine/pkg/telemetry"
)

// LeaderElector maintains this pod's claim on the singleton leader row.
// Leadership gates the lock sweeper and the periodic position store sync so
// exactly one replica runs them.
type LeaderElector struct {
	store      core.IDocumentStore
	podID      string
	heartbeat  time.Duration
	staleAfter time.Duration
	logger     core.ILogger

	leader atomic.Bool
}

// NewLeaderElector creates an elector for this pod.
func NewLeaderElector(store core.IDocumentStore, podID string, heartbeat, staleAfter time.Duration, logger core.ILogger) *LeaderElector {
	return &LeaderElector{
		store:      store,
		podID:      podID,
		heartbeat:  heartbeat,
		staleAfter: staleAfter,
		logger:     logger.WithField("component", "leader_elector"),
	}
}

// IsLeader reports whether this pod currently believes it is the leader.
func (e *LeaderElector) IsLeader() bool {
	return e.leader.Load()
}

// Run drives the election loop until ctx is done. While leading it heartbeats
// every interval; while following it challenges the incumbent, winning only
// when the incumbent's heartbeat has gone stale. On exit it resigns so a
// successor does not have to wait out the staleness window.
func (e *LeaderElector) Run(ctx context.Context) {
	e.tick(ctx)

	ticker := time.NewTicker(e.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.resign()
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *LeaderElector) tick(ctx context.Context) {
	if e.leader.Load() {
		err := e.store.HeartbeatLeader(ctx, e.podID)
		if err == nil {
			return
		}
		// Lost the row, either to a takeover or a store hiccup. Step down
		// and fall through to challenge again.
		e.setLeader(false)
		e.logger.Warn("Lost leadership", "error", err)
	}

	won, err := e.store.TryAcquireLeadership(ctx, e.podID, e.staleAfter)
	if err != nil {
		e.logger.Warn("Leadership challenge failed", "error", err)
		return
	}
	if won {
		e.setLeader(true)
		e.logger.Info("Acquired leadership", "pod_id", e.podID)
	}
}

func (e *LeaderElector) resign() {
	if !e.leader.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.ResignLeadership(ctx, e.podID); err != nil {
		e.logger.Warn("Failed to resign leadership", "error", err)
	}
	e.setLeader(false)
	e.logger.Info("Resigned leadership", "pod_id", e.podID)
}

func (e *LeaderElector) setLeader(isLeader bool) {
	e.leader.Store(isLeader)
	telemetry.GetGlobalMetrics().SetLeader(isLeader)
}
