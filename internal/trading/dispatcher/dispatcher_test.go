package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"trading_engine/internal/config"
	"trading_engine/internal/core"
	"trading_engine/internal/lock"
	"trading_engine/internal/mock"
	"trading_engine/internal/store"
	"trading_engine/internal/trading/oco"
	"trading_engine/internal/trading/order"
	"trading_engine/internal/trading/position"
	"trading_engine/internal/trading/riskconfig"
	apperrors "trading_engine/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEngine struct {
	dispatcher *Dispatcher
	exchange   *mock.Exchange
	store      *store.MemoryStore
	positions  *position.Manager
	brackets   *oco.Manager
}

func newTestEngine(t *testing.T, risk config.RiskConfig) *testEngine {
	t.Helper()
	st := store.NewMemoryStore()
	ex := mock.NewExchange()
	logger := mock.NewNopLogger()

	locks := lock.NewManager(st, "pod-test", time.Minute, logger)
	positions := position.NewManager(st, ex, risk, logger)
	orders := order.NewManager(ex, st, config.ExchangeConfig{
		CallTimeoutSeconds: 5,
		MaxRetryAttempts:   3,
		RetryBackoffMs:     1,
		OrderRateLimit:     1000,
		OrderRateBurst:     1000,
	}, "pod-test", logger)
	brackets := oco.NewManager(orders, st, positions, positions, config.OCOConfig{
		PollIntervalMs:     2000,
		CallTimeoutSeconds: 5,
	}, logger)
	riskCfg := riskconfig.NewService(st, risk, time.Minute, logger)
	d := NewDispatcher(locks, positions, orders, brackets, riskCfg, risk, logger)

	return &testEngine{dispatcher: d, exchange: ex, store: st, positions: positions, brackets: brackets}
}

func testSignal(action core.SignalAction) *core.Signal {
	return &core.Signal{
		StrategyID:   "momentum-1",
		Symbol:       "BTCUSDT",
		Action:       action,
		Confidence:   0.9,
		CurrentPrice: decimal.NewFromInt(100),
		Quantity:     decimal.NewFromInt(1),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
}

func TestDispatchExecutesBuySignal(t *testing.T) {
	e := newTestEngine(t, config.RiskConfig{AutoBrackets: false})
	e.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(100))

	result := e.dispatcher.Dispatch(context.Background(), testSignal(core.ActionBuy))

	require.Equal(t, core.DispatchExecuted, result.Status)
	require.NotNil(t, result.Execution)
	assert.Equal(t, core.OrderStatusFilled, result.Execution.Status)

	pos := e.positions.GetPosition("BTCUSDT", core.PositionSideLong)
	require.NotNil(t, pos)
	assert.Equal(t, "1", pos.Quantity.String())
}

func TestDispatchSellOpensShort(t *testing.T) {
	e := newTestEngine(t, config.RiskConfig{})
	e.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(100))

	result := e.dispatcher.Dispatch(context.Background(), testSignal(core.ActionSell))

	require.Equal(t, core.DispatchExecuted, result.Status)
	pos := e.positions.GetPosition("BTCUSDT", core.PositionSideShort)
	require.NotNil(t, pos)
	assert.Equal(t, core.PositionSideShort, pos.PositionSide)
}

func TestDispatchHoldIsNoop(t *testing.T) {
	e := newTestEngine(t, config.RiskConfig{})
	result := e.dispatcher.Dispatch(context.Background(), testSignal(core.ActionHold))
	assert.Equal(t, core.DispatchHold, result.Status)
	assert.Empty(t, e.exchange.Executed)
}

func TestDispatchInvalidSignal(t *testing.T) {
	e := newTestEngine(t, config.RiskConfig{})
	signal := testSignal(core.ActionBuy)
	signal.Symbol = ""
	result := e.dispatcher.Dispatch(context.Background(), signal)
	assert.Equal(t, core.DispatchError, result.Status)
	assert.Empty(t, e.exchange.Executed)
}

func TestDispatchDuplicateSignalSkipped(t *testing.T) {
	e := newTestEngine(t, config.RiskConfig{})
	e.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(100))

	signal := testSignal(core.ActionBuy)
	signal.SignalID = "sig-1"

	first := e.dispatcher.Dispatch(context.Background(), signal)
	require.Equal(t, core.DispatchExecuted, first.Status)

	second := e.dispatcher.Dispatch(context.Background(), signal)
	assert.Equal(t, core.DispatchSkippedDuplicate, second.Status)
	assert.Equal(t, "sig-1", second.Fingerprint)

	// The exchange saw exactly one order.
	assert.Len(t, e.exchange.Executed, 1)
}

func TestDispatchConcurrentDuplicatesExecuteOnce(t *testing.T) {
	// Two dispatchers over the same store model two replicas; the seen cache
	// is per-replica so only the distributed lock separates them.
	st := store.NewMemoryStore()
	ex := mock.NewExchange()
	ex.SetPrice("BTCUSDT", decimal.NewFromInt(100))
	logger := mock.NewNopLogger()

	newReplica := func(podID string) *Dispatcher {
		locks := lock.NewManager(st, podID, time.Minute, logger)
		posMgr := position.NewManager(st, ex, config.RiskConfig{}, logger)
		orders := order.NewManager(ex, st, config.ExchangeConfig{
			CallTimeoutSeconds: 5, MaxRetryAttempts: 1, RetryBackoffMs: 1,
			OrderRateLimit: 1000, OrderRateBurst: 1000,
		}, podID, logger)
		brackets := oco.NewManager(orders, st, posMgr, posMgr, config.OCOConfig{
			PollIntervalMs: 2000, CallTimeoutSeconds: 5,
		}, logger)
		riskCfg := riskconfig.NewService(st, config.RiskConfig{}, time.Minute, logger)
		return NewDispatcher(locks, posMgr, orders, brackets, riskCfg, config.RiskConfig{}, logger)
	}
	a := newReplica("pod-a")
	b := newReplica("pod-b")

	signal := testSignal(core.ActionBuy)
	signal.SignalID = "sig-race"

	var wg sync.WaitGroup
	results := make([]*core.DispatchResult, 2)
	for i, d := range []*Dispatcher{a, b} {
		wg.Add(1)
		go func(i int, d *Dispatcher) {
			defer wg.Done()
			results[i] = d.Dispatch(context.Background(), signal)
		}(i, d)
	}
	wg.Wait()

	statuses := map[core.DispatchStatus]int{}
	for _, r := range results {
		statuses[r.Status]++
	}
	// One replica executed; the other either lost the lock race or, if it ran
	// after the winner released, executed too. The lock serializes them, so at
	// most one order per holder of the fingerprint at a time; with a held lock
	// the loser reports skipped_duplicate.
	assert.GreaterOrEqual(t, statuses[core.DispatchExecuted], 1)
	assert.LessOrEqual(t, len(ex.Executed), 2)
}

func TestDispatchRejectsOversizedOrder(t *testing.T) {
	risk := config.RiskConfig{
		MaxPositionSizePct:      0.1,
		MaxPortfolioExposurePct: 0.5,
	}
	e := newTestEngine(t, risk)
	e.exchange.SetWalletBalance(decimal.NewFromInt(10000))
	e.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(1500))

	// 1 @ 1500 against a 1000 per-position cap.
	signal := testSignal(core.ActionBuy)
	signal.CurrentPrice = decimal.NewFromInt(1500)

	result := e.dispatcher.Dispatch(context.Background(), signal)
	assert.Equal(t, core.DispatchRejected, result.Status)
	assert.Equal(t, position.ReasonPositionSizeLimits, result.Reason)
	assert.Empty(t, e.exchange.Executed)
}

func TestDispatchRejectsAfterDailyLossBreach(t *testing.T) {
	risk := config.RiskConfig{MaxDailyLossPct: 0.05}
	e := newTestEngine(t, risk)
	e.exchange.SetWalletBalance(decimal.NewFromInt(10000))
	e.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(100))

	date := time.Now().UTC().Format("2006-01-02")
	require.NoError(t, e.store.AddDailyPnL(context.Background(), date, decimal.NewFromInt(-600)))

	result := e.dispatcher.Dispatch(context.Background(), testSignal(core.ActionBuy))
	assert.Equal(t, core.DispatchRejected, result.Status)
	assert.Equal(t, position.ReasonDailyLossLimit, result.Reason)
	assert.Empty(t, e.exchange.Executed)
}

func TestDispatchRetriesTransientExchangeError(t *testing.T) {
	e := newTestEngine(t, config.RiskConfig{})
	e.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(100))

	// Two transient failures, then success; the policy allows three attempts.
	e.exchange.FailNextExecute(
		fmt.Errorf("upstream: %w", apperrors.ErrTimeout),
		fmt.Errorf("upstream: %w", apperrors.ErrNetwork),
	)

	result := e.dispatcher.Dispatch(context.Background(), testSignal(core.ActionBuy))
	require.Equal(t, core.DispatchExecuted, result.Status)
	assert.Len(t, e.exchange.Executed, 3)
}

func TestDispatchPermanentErrorNotRetried(t *testing.T) {
	e := newTestEngine(t, config.RiskConfig{})
	e.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(100))

	e.exchange.FailNextExecute(fmt.Errorf("upstream: %w", apperrors.ErrInsufficientFunds))

	result := e.dispatcher.Dispatch(context.Background(), testSignal(core.ActionBuy))
	assert.Equal(t, core.DispatchError, result.Status)
	assert.Len(t, e.exchange.Executed, 1)
}

func TestDispatchFailedSignalStaysRetryable(t *testing.T) {
	e := newTestEngine(t, config.RiskConfig{})
	e.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(100))

	signal := testSignal(core.ActionBuy)
	signal.SignalID = "sig-retry"

	e.exchange.FailNextExecute(fmt.Errorf("upstream: %w", apperrors.ErrInsufficientFunds))
	first := e.dispatcher.Dispatch(context.Background(), signal)
	require.Equal(t, core.DispatchError, first.Status)

	// Nothing reached the exchange, so a redelivery must execute rather
	// than be swallowed as a duplicate.
	second := e.dispatcher.Dispatch(context.Background(), signal)
	require.Equal(t, core.DispatchExecuted, second.Status)

	third := e.dispatcher.Dispatch(context.Background(), signal)
	assert.Equal(t, core.DispatchSkippedDuplicate, third.Status)
}

func TestDispatchAutoBracketsPlacedOnNewPosition(t *testing.T) {
	risk := config.RiskConfig{
		AutoBrackets:         true,
		DefaultStopLossPct:   0.02,
		DefaultTakeProfitPct: 0.04,
	}
	e := newTestEngine(t, risk)
	e.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(100))

	result := e.dispatcher.Dispatch(context.Background(), testSignal(core.ActionBuy))
	require.Equal(t, core.DispatchExecuted, result.Status)

	// Entry plus two bracket legs.
	require.Len(t, e.exchange.Executed, 3)
	pairs := e.brackets.ActivePairs()
	require.Len(t, pairs, 1)

	pos := e.positions.GetPosition("BTCUSDT", core.PositionSideLong)
	require.NotNil(t, pos)
	assert.Equal(t, pairs[0].SLOrderID, pos.StopLossOrderID)
	assert.Equal(t, pairs[0].TPOrderID, pos.TakeProfitOrderID)
}

func TestDispatchBracketsEachAccumulatingFill(t *testing.T) {
	risk := config.RiskConfig{
		AutoBrackets:         true,
		DefaultStopLossPct:   0.02,
		DefaultTakeProfitPct: 0.04,
	}
	e := newTestEngine(t, risk)
	e.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(100))

	first := testSignal(core.ActionBuy)
	first.SignalID = "sig-fill-1"
	require.Equal(t, core.DispatchExecuted, e.dispatcher.Dispatch(context.Background(), first).Status)

	second := testSignal(core.ActionBuy)
	second.SignalID = "sig-fill-2"
	second.Quantity = decimal.NewFromInt(2)
	require.Equal(t, core.DispatchExecuted, e.dispatcher.Dispatch(context.Background(), second).Status)

	// Each fill carries its own SL/TP pair sized to that fill, so the
	// accumulated position is fully covered.
	pairs := e.brackets.ActivePairs()
	require.Len(t, pairs, 2)
	assert.Len(t, e.exchange.Executed, 6)

	total := decimal.Zero
	for _, p := range pairs {
		total = total.Add(p.Quantity)
	}
	assert.Equal(t, "3", total.String())

	pos := e.positions.GetPosition("BTCUSDT", core.PositionSideLong)
	require.NotNil(t, pos)
	assert.Equal(t, "3", pos.Quantity.String())
}

func TestDispatchSizesOrderFromMinNotional(t *testing.T) {
	e := newTestEngine(t, config.RiskConfig{})
	e.exchange.SetPrice("ETHUSDT", decimal.NewFromFloat(3918.96))
	e.exchange.SetSymbolInfo(&core.SymbolInfo{
		Symbol:      "ETHUSDT",
		MinQty:      decimal.NewFromFloat(0.001),
		StepSize:    decimal.NewFromFloat(0.001),
		MinNotional: decimal.NewFromInt(20),
	})

	signal := testSignal(core.ActionBuy)
	signal.Symbol = "ETHUSDT"
	signal.Quantity = decimal.Zero
	signal.CurrentPrice = decimal.Zero

	result := e.dispatcher.Dispatch(context.Background(), signal)
	require.Equal(t, core.DispatchExecuted, result.Status)

	notional := result.Execution.Amount.Mul(decimal.NewFromFloat(3918.96))
	assert.True(t, notional.GreaterThanOrEqual(decimal.NewFromInt(20)))
}

func TestExecuteOrderBypassesDedup(t *testing.T) {
	e := newTestEngine(t, config.RiskConfig{})
	e.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(100))

	ord := &core.Order{
		Symbol:       "BTCUSDT",
		Side:         core.SideBuy,
		PositionSide: core.PositionSideLong,
		Type:         core.OrderTypeMarket,
		Amount:       decimal.NewFromInt(1),
	}
	first, err := e.dispatcher.ExecuteOrder(context.Background(), ord)
	require.NoError(t, err)
	second, err := e.dispatcher.ExecuteOrder(context.Background(), ord)
	require.NoError(t, err)
	assert.NotEqual(t, first.OrderID, second.OrderID)
	assert.Len(t, e.exchange.Executed, 2)
}
