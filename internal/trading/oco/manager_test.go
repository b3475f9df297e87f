package oco

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"trading_engine/internal/config"
	"trading_engine/internal/core"
	"trading_engine/internal/mock"
	"trading_engine/internal/store"
	"trading_engine/internal/trading/order"
	apperrors "trading_engine/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingCloser captures CloseByOCO calls.
type recordingCloser struct {
	mu      sync.Mutex
	calls   []closeCall
	notify  chan struct{}
	initErr error
}

type closeCall struct {
	pair       *core.OCOPair
	reason     core.CloseReason
	exitPrice  decimal.Decimal
	commission decimal.Decimal
}

func newRecordingCloser() *recordingCloser {
	return &recordingCloser{notify: make(chan struct{}, 8)}
}

func (c *recordingCloser) CloseByOCO(ctx context.Context, pair *core.OCOPair, reason core.CloseReason, exitPrice, exitCommission decimal.Decimal) error {
	c.mu.Lock()
	c.calls = append(c.calls, closeCall{pair: pair, reason: reason, exitPrice: exitPrice, commission: exitCommission})
	c.mu.Unlock()
	c.notify <- struct{}{}
	return c.initErr
}

func (c *recordingCloser) Calls() []closeCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]closeCall, len(c.calls))
	copy(out, c.calls)
	return out
}

type nopLinker struct{}

func (nopLinker) UpdatePositionRiskOrders(ctx context.Context, positionID, slOrderID, tpOrderID string) error {
	return nil
}

func newTestSetup(t *testing.T, pollMs int) (*Manager, *mock.Exchange, *store.MemoryStore, *recordingCloser) {
	t.Helper()
	st := store.NewMemoryStore()
	ex := mock.NewExchange()
	orders := order.NewManager(ex, st, config.ExchangeConfig{
		CallTimeoutSeconds: 5,
		MaxRetryAttempts:   1,
		RetryBackoffMs:     50,
		OrderRateLimit:     1000,
		OrderRateBurst:     1000,
	}, "pod-test", mock.NewNopLogger())
	closer := newRecordingCloser()
	m := NewManager(orders, st, closer, nopLinker{}, config.OCOConfig{
		PollIntervalMs:     pollMs,
		CallTimeoutSeconds: 5,
	}, mock.NewNopLogger())
	return m, ex, st, closer
}

func longBracket() *BracketRequest {
	return &BracketRequest{
		PositionID:      "pos-1",
		Symbol:          "BTCUSDT",
		PositionSide:    core.PositionSideLong,
		SLQuantity:      decimal.NewFromInt(1),
		TPQuantity:      decimal.NewFromInt(1),
		EntryPrice:      decimal.NewFromInt(100),
		StopLossPrice:   decimal.NewFromInt(95),
		TakeProfitPrice: decimal.NewFromInt(110),
	}
}

func TestPlaceOCOOrdersPlacesBothLegs(t *testing.T) {
	m, ex, st, _ := newTestSetup(t, 2000)
	ctx := context.Background()

	pair, err := m.PlaceOCOOrders(ctx, longBracket())
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, core.OCOStatusActive, pair.Status)
	assert.NotEmpty(t, pair.SLOrderID)
	assert.NotEmpty(t, pair.TPOrderID)
	assert.NotEqual(t, pair.SLOrderID, pair.TPOrderID)

	// Both legs are reduce-only exits on the opposite side.
	require.Len(t, ex.Executed, 2)
	for _, ord := range ex.Executed {
		assert.Equal(t, core.SideSell, ord.Side)
		assert.Equal(t, core.PositionSideLong, ord.PositionSide)
		assert.True(t, ord.ReduceOnly)
	}
	assert.Equal(t, core.OrderTypeStop, ex.Executed[0].Type)
	assert.Equal(t, core.OrderTypeTakeProfit, ex.Executed[1].Type)

	// Persisted and monitored.
	active, err := st.ListActiveOCOPairs(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	assert.Len(t, m.ActivePairs(), 1)
}

func TestPlaceOCOOrdersShortFlipsExitSide(t *testing.T) {
	m, ex, _, _ := newTestSetup(t, 2000)

	req := longBracket()
	req.PositionSide = core.PositionSideShort
	req.StopLossPrice = decimal.NewFromInt(110)
	req.TakeProfitPrice = decimal.NewFromInt(90)

	_, err := m.PlaceOCOOrders(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, ex.Executed, 2)
	for _, ord := range ex.Executed {
		assert.Equal(t, core.SideBuy, ord.Side)
		assert.Equal(t, core.PositionSideShort, ord.PositionSide)
	}
}

func TestPlaceOCOOrdersCancelsOrphanedStopLoss(t *testing.T) {
	m, ex, _, _ := newTestSetup(t, 2000)

	// First leg succeeds, second fails permanently.
	ex.FailNextExecute(nil, assert.AnError)

	_, err := m.PlaceOCOOrders(context.Background(), longBracket())
	require.Error(t, err)

	// The placed stop-loss was cancelled so no naked leg survives.
	require.Len(t, ex.Cancelled, 1)
	open, err := ex.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Empty(t, m.ActivePairs())
}

func TestBracketRequestValidation(t *testing.T) {
	m, _, _, _ := newTestSetup(t, 2000)
	ctx := context.Background()

	req := longBracket()
	req.TPQuantity = decimal.NewFromInt(2)
	_, err := m.PlaceOCOOrders(ctx, req)
	assert.Error(t, err)

	req = longBracket()
	req.StopLossPrice = decimal.NewFromInt(120) // above TP on a long
	_, err = m.PlaceOCOOrders(ctx, req)
	assert.Error(t, err)

	req = longBracket()
	req.SLQuantity = decimal.Zero
	req.TPQuantity = decimal.Zero
	_, err = m.PlaceOCOOrders(ctx, req)
	assert.Error(t, err)
}

func TestMonitorResolvesTakeProfitFill(t *testing.T) {
	m, ex, st, closer := newTestSetup(t, 20)
	ctx := context.Background()

	pair, err := m.PlaceOCOOrders(ctx, longBracket())
	require.NoError(t, err)

	m.StartMonitoring(ctx)
	defer m.StopMonitoring()

	// Wait out the fresh-pair grace, then fill the take-profit leg.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ex.FillOrder(pair.TPOrderID, decimal.NewFromInt(110)))

	select {
	case <-closer.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("pair was not resolved within the poll budget")
	}

	calls := closer.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, core.CloseReasonTakeProfit, calls[0].reason)
	assert.Equal(t, "110", calls[0].exitPrice.String())

	// Surviving stop-loss leg was cancelled, pair left monitoring.
	assert.Contains(t, ex.Cancelled, pair.SLOrderID)
	assert.Empty(t, m.ActivePairs())

	active, err := st.ListActiveOCOPairs(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestMonitorResolvesStopLossFill(t *testing.T) {
	m, ex, _, closer := newTestSetup(t, 20)
	ctx := context.Background()

	pair, err := m.PlaceOCOOrders(ctx, longBracket())
	require.NoError(t, err)

	m.StartMonitoring(ctx)
	defer m.StopMonitoring()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ex.FillOrder(pair.SLOrderID, decimal.NewFromInt(95)))

	select {
	case <-closer.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("pair was not resolved within the poll budget")
	}

	calls := closer.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, core.CloseReasonStopLoss, calls[0].reason)
	assert.Contains(t, ex.Cancelled, pair.TPOrderID)
}

func TestMonitorIgnoresFreshPairs(t *testing.T) {
	m, _, _, closer := newTestSetup(t, 200)
	ctx := context.Background()

	_, err := m.PlaceOCOOrders(ctx, longBracket())
	require.NoError(t, err)

	// Poll inside the grace window: both legs are on the book, nothing resolves.
	m.pollOnce(ctx)
	assert.Empty(t, closer.Calls())
	assert.Len(t, m.ActivePairs(), 1)
}

func TestMonitorExternalCancellation(t *testing.T) {
	m, ex, st, closer := newTestSetup(t, 20)
	ctx := context.Background()

	pair, err := m.PlaceOCOOrders(ctx, longBracket())
	require.NoError(t, err)

	// Both legs vanish without fills, e.g. cancelled on the exchange UI.
	require.NoError(t, ex.CancelOrder(ctx, "BTCUSDT", pair.SLOrderID))
	require.NoError(t, ex.CancelOrder(ctx, "BTCUSDT", pair.TPOrderID))

	time.Sleep(50 * time.Millisecond)
	m.pollOnce(ctx)

	assert.Empty(t, closer.Calls())
	assert.Empty(t, m.ActivePairs())

	active, err := st.ListActiveOCOPairs(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestMonitorResolvesSingleLegCancellation(t *testing.T) {
	m, ex, st, closer := newTestSetup(t, 20)
	ctx := context.Background()

	pair, err := m.PlaceOCOOrders(ctx, longBracket())
	require.NoError(t, err)

	// Only the stop-loss vanishes; the take-profit must not be left naked.
	require.NoError(t, ex.CancelOrder(ctx, "BTCUSDT", pair.SLOrderID))

	time.Sleep(50 * time.Millisecond)
	m.pollOnce(ctx)

	assert.Empty(t, closer.Calls())
	assert.Contains(t, ex.Cancelled, pair.TPOrderID)
	assert.Empty(t, m.ActivePairs())

	active, err := st.ListActiveOCOPairs(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestMultiplePairsPerPositionAreIndependent(t *testing.T) {
	m, ex, _, closer := newTestSetup(t, 20)
	ctx := context.Background()

	first, err := m.PlaceOCOOrders(ctx, longBracket())
	require.NoError(t, err)
	second, err := m.PlaceOCOOrders(ctx, longBracket())
	require.NoError(t, err)
	require.NotEqual(t, first.PairID, second.PairID)
	assert.Len(t, m.ActivePairs(), 2)

	// Filling one pair's leg leaves the other pair untouched.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ex.FillOrder(first.TPOrderID, decimal.NewFromInt(110)))
	m.pollOnce(ctx)

	require.Len(t, closer.Calls(), 1)
	assert.Contains(t, ex.Cancelled, first.SLOrderID)
	assert.NotContains(t, ex.Cancelled, second.SLOrderID)
	assert.NotContains(t, ex.Cancelled, second.TPOrderID)

	pairs := m.ActivePairs()
	require.Len(t, pairs, 1)
	assert.Equal(t, second.PairID, pairs[0].PairID)
}

func TestCancelOCOPairCancelsBothLegs(t *testing.T) {
	m, ex, st, _ := newTestSetup(t, 2000)
	ctx := context.Background()

	pair, err := m.PlaceOCOOrders(ctx, longBracket())
	require.NoError(t, err)

	require.NoError(t, m.CancelOCOPair(ctx, pair.PairID))

	assert.Contains(t, ex.Cancelled, pair.SLOrderID)
	assert.Contains(t, ex.Cancelled, pair.TPOrderID)
	assert.Empty(t, m.ActivePairs())

	active, err := st.ListActiveOCOPairs(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	err = m.CancelOCOPair(ctx, "unknown")
	assert.ErrorIs(t, err, core.ErrRecordMissing)
}

func TestCancelOtherOrderMatchesFilledLeg(t *testing.T) {
	m, ex, _, _ := newTestSetup(t, 2000)
	ctx := context.Background()

	pair, err := m.PlaceOCOOrders(ctx, longBracket())
	require.NoError(t, err)

	ok, reason, err := m.CancelOtherOrder(ctx, pair.PairID, pair.TPOrderID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, core.CloseReasonTakeProfit, reason)
	assert.Contains(t, ex.Cancelled, pair.SLOrderID)

	// A surviving leg that already left the book still counts as cancelled.
	ex.FailNextCancel(fmt.Errorf("call: %w", apperrors.ErrOrderNotFound))
	ok, reason, err = m.CancelOtherOrder(ctx, pair.PairID, pair.SLOrderID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, core.CloseReasonStopLoss, reason)

	_, _, err = m.CancelOtherOrder(ctx, pair.PairID, "not-a-leg")
	assert.Error(t, err)

	_, _, err = m.CancelOtherOrder(ctx, "unknown", pair.SLOrderID)
	assert.ErrorIs(t, err, core.ErrRecordMissing)
}

func TestLoadActivePairsRestoresMonitoring(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.SaveOCOPair(ctx, &core.OCOPair{
		PairID:       "pair-9",
		PositionID:   "pos-9",
		Symbol:       "ETHUSDT",
		PositionSide: core.PositionSideLong,
		Quantity:     decimal.NewFromInt(1),
		SLOrderID:    "sl-9",
		TPOrderID:    "tp-9",
		Status:       core.OCOStatusActive,
		CreatedAt:    time.Now().UTC().Add(-time.Minute),
	}))

	ex := mock.NewExchange()
	orders := order.NewManager(ex, st, config.ExchangeConfig{
		CallTimeoutSeconds: 5, MaxRetryAttempts: 1, RetryBackoffMs: 50,
		OrderRateLimit: 1000, OrderRateBurst: 1000,
	}, "pod-test", mock.NewNopLogger())
	m := NewManager(orders, st, newRecordingCloser(), nopLinker{}, config.OCOConfig{
		PollIntervalMs: 2000, CallTimeoutSeconds: 5,
	}, mock.NewNopLogger())

	require.NoError(t, m.LoadActivePairs(ctx))
	pairs := m.ActivePairs()
	require.Len(t, pairs, 1)
	assert.Equal(t, "pair-9", pairs[0].PairID)
	assert.Equal(t, "pos-9", pairs[0].PositionID)
}
