package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"trading_engine/internal/core"
	"trading_engine/internal/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *GormStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "store.db")
	s, err := NewGormStore("sqlite", dsn, mock.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGormStoreRejectsUnknownDriver(t *testing.T) {
	_, err := NewGormStore("oracle", "dsn", mock.NewNopLogger())
	assert.Error(t, err)
}

func TestGormStorePositionRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	pos := &core.Position{
		PositionID:      "p1",
		Symbol:          "BTCUSDT",
		PositionSide:    core.PositionSideLong,
		Quantity:        decimal.NewFromFloat(1.5),
		AvgPrice:        decimal.NewFromFloat(100.25),
		TotalCost:       decimal.NewFromFloat(150.375),
		CommissionTotal: decimal.NewFromFloat(0.05),
		EntryTime:       time.Now().UTC(),
		LastUpdate:      time.Now().UTC(),
		Status:          core.PositionStatusOpen,
		EntryOrderID:    "o1",
		EntryTradeIDs:   []int64{11, 12},
	}
	require.NoError(t, s.SavePosition(ctx, pos))

	got, err := s.GetPosition(ctx, "BTCUSDT", core.PositionSideLong)
	require.NoError(t, err)
	assert.Equal(t, "p1", got.PositionID)
	assert.True(t, got.Quantity.Equal(pos.Quantity))
	assert.True(t, got.AvgPrice.Equal(pos.AvgPrice))
	assert.Equal(t, []int64{11, 12}, got.EntryTradeIDs)

	// Upsert on the same position id, not a second row.
	pos.Quantity = decimal.NewFromInt(3)
	require.NoError(t, s.SavePosition(ctx, pos))
	open, err := s.ListOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].Quantity.Equal(decimal.NewFromInt(3)))

	require.NoError(t, s.MarkPositionClosed(ctx, "p1", decimal.NewFromInt(7), time.Now().UTC()))
	_, err = s.GetPosition(ctx, "BTCUSDT", core.PositionSideLong)
	assert.ErrorIs(t, err, core.ErrRecordMissing)
}

func TestGormStoreDailyPnLUpsert(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddDailyPnL(ctx, "2026-08-24", decimal.NewFromFloat(2.5)))
	require.NoError(t, s.AddDailyPnL(ctx, "2026-08-24", decimal.NewFromFloat(-1.0)))

	total, err := s.GetDailyPnL(ctx, "2026-08-24")
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromFloat(1.5)), "got %s", total)

	total, err = s.GetDailyPnL(ctx, "2026-08-23")
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

func TestGormStoreLockContention(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	acquired, err := s.TryAcquireLock(ctx, "signal_x", "pod-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = s.TryAcquireLock(ctx, "signal_x", "pod-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	// Re-entry by the holder extends.
	acquired, err = s.TryAcquireLock(ctx, "signal_x", "pod-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	require.NoError(t, s.ReleaseLock(ctx, "signal_x", "pod-1"))
	acquired, err = s.TryAcquireLock(ctx, "signal_x", "pod-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestGormStoreLockExpiryAndSweep(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	acquired, err := s.TryAcquireLock(ctx, "signal_x", "pod-1", 5*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)
	time.Sleep(10 * time.Millisecond)

	// Expired leases are reacquirable by anyone.
	acquired, err = s.TryAcquireLock(ctx, "signal_x", "pod-2", 5*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, acquired)
	time.Sleep(10 * time.Millisecond)

	swept, err := s.DeleteExpiredLocks(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)
}

func TestGormStoreLeadership(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	won, err := s.TryAcquireLeadership(ctx, "pod-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.TryAcquireLeadership(ctx, "pod-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	require.NoError(t, s.HeartbeatLeader(ctx, "pod-1"))
	assert.ErrorIs(t, s.HeartbeatLeader(ctx, "pod-2"), core.ErrNotLeader)

	leader, err := s.GetLeader(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pod-1", leader.PodID)

	require.NoError(t, s.ResignLeadership(ctx, "pod-1"))
	_, err = s.GetLeader(ctx)
	assert.ErrorIs(t, err, core.ErrRecordMissing)
}

func TestGormStoreLeadershipStaleTakeover(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	won, err := s.TryAcquireLeadership(ctx, "pod-1", 5*time.Millisecond)
	require.NoError(t, err)
	require.True(t, won)
	time.Sleep(10 * time.Millisecond)

	won, err = s.TryAcquireLeadership(ctx, "pod-2", 5*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, won)
	assert.ErrorIs(t, s.HeartbeatLeader(ctx, "pod-1"), core.ErrNotLeader)
}

func TestGormStoreOCOPairs(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	pair := &core.OCOPair{
		PairID:       "pair-1",
		PositionID:   "p1",
		Symbol:       "ETHUSDT",
		PositionSide: core.PositionSideShort,
		Quantity:     decimal.NewFromInt(2),
		EntryPrice:   decimal.NewFromInt(2000),
		SLOrderID:    "sl-1",
		TPOrderID:    "tp-1",
		Status:       core.OCOStatusActive,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.SaveOCOPair(ctx, pair))

	active, err := s.ListActiveOCOPairs(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "sl-1", active[0].SLOrderID)
	assert.Equal(t, core.PositionSideShort, active[0].PositionSide)

	require.NoError(t, s.UpdateOCOPairStatus(ctx, "pair-1", core.OCOStatusCompleted, core.CloseReasonStopLoss))
	active, err = s.ListActiveOCOPairs(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestGormStoreTradingConfigs(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetTradingConfig(ctx, &core.TradingConfigRecord{
		Scope:  "BTCUSDT",
		Params: map[string]interface{}{"leverage": float64(4), "margin_type": "ISOLATED"},
	}))
	require.NoError(t, s.SetTradingConfig(ctx, &core.TradingConfigRecord{
		Scope:  "BTCUSDT",
		Params: map[string]interface{}{"leverage": float64(8)},
	}))

	recs, err := s.ListTradingConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, float64(8), recs[0].Params["leverage"])
}

func TestGormStoreAuditAppend(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendAudit(ctx, &core.AuditRecord{
		Event:     "order_executed",
		PodID:     "pod-1",
		Symbol:    "BTCUSDT",
		Detail:    map[string]interface{}{"order_id": "1"},
		CreatedAt: time.Now().UTC(),
	}))
}
