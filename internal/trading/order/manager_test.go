package order

import (
	"context"
	"fmt"
	"testing"

	"trading_engine/internal/config"
	"trading_engine/internal/core"
	"trading_engine/internal/mock"
	"trading_engine/internal/store"
	apperrors "trading_engine/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrderManager(t *testing.T, attempts int) (*Manager, *mock.Exchange, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	ex := mock.NewExchange()
	m := NewManager(ex, st, config.ExchangeConfig{
		CallTimeoutSeconds: 5,
		MaxRetryAttempts:   attempts,
		RetryBackoffMs:     1,
		OrderRateLimit:     1000,
		OrderRateBurst:     1000,
	}, "pod-test", mock.NewNopLogger())
	return m, ex, st
}

func marketBuy() *core.Order {
	return &core.Order{
		Symbol:       "BTCUSDT",
		Side:         core.SideBuy,
		PositionSide: core.PositionSideLong,
		Type:         core.OrderTypeMarket,
		Amount:       decimal.NewFromInt(1),
	}
}

func TestExecuteRecordsAndAudits(t *testing.T) {
	m, ex, st := newTestOrderManager(t, 3)
	ex.SetPrice("BTCUSDT", decimal.NewFromInt(100))

	result, err := m.Execute(context.Background(), marketBuy())
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusFilled, result.Status)
	assert.Equal(t, "100", result.FillPrice.String())

	rec, ok := m.Get(result.OrderID)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", rec.Order.Symbol)

	audits := st.Audits()
	require.Len(t, audits, 1)
	assert.Equal(t, "order_executed", audits[0].Event)
	assert.Equal(t, "pod-test", audits[0].PodID)
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	m, ex, _ := newTestOrderManager(t, 3)
	ex.SetPrice("BTCUSDT", decimal.NewFromInt(100))
	ex.FailNextExecute(
		fmt.Errorf("call: %w", apperrors.ErrNetwork),
		fmt.Errorf("call: %w", apperrors.ErrRateLimitExceeded),
	)

	result, err := m.Execute(context.Background(), marketBuy())
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusFilled, result.Status)
	assert.Len(t, ex.Executed, 3)
}

func TestExecuteGivesUpAfterMaxAttempts(t *testing.T) {
	m, ex, _ := newTestOrderManager(t, 2)
	ex.FailNextExecute(
		fmt.Errorf("call: %w", apperrors.ErrTimeout),
		fmt.Errorf("call: %w", apperrors.ErrTimeout),
	)

	_, err := m.Execute(context.Background(), marketBuy())
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
	assert.Len(t, ex.Executed, 2)
}

func TestExecutePermanentErrorFailsFast(t *testing.T) {
	m, ex, _ := newTestOrderManager(t, 3)
	ex.FailNextExecute(fmt.Errorf("call: %w", apperrors.ErrInsufficientFunds))

	_, err := m.Execute(context.Background(), marketBuy())
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	assert.Len(t, ex.Executed, 1)
}

func TestCancelRetriesAndAudits(t *testing.T) {
	m, ex, st := newTestOrderManager(t, 3)
	ex.SetPrice("BTCUSDT", decimal.NewFromInt(100))

	result, err := m.Execute(context.Background(), marketBuy())
	require.NoError(t, err)

	ex.FailNextCancel(fmt.Errorf("call: %w", apperrors.ErrNetwork))
	require.NoError(t, m.Cancel(context.Background(), "BTCUSDT", result.OrderID))

	events := make([]string, 0, 2)
	for _, a := range st.Audits() {
		events = append(events, a.Event)
	}
	assert.Contains(t, events, "order_cancelled")
}

func TestStatusAndOpenOrders(t *testing.T) {
	m, _, _ := newTestOrderManager(t, 1)

	// A stop order rests on the mock book.
	stop := marketBuy()
	stop.Type = core.OrderTypeStop
	stop.TargetPrice = decimal.NewFromInt(95)
	result, err := m.Execute(context.Background(), stop)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusNew, result.Status)

	status, err := m.Status(context.Background(), "BTCUSDT", result.OrderID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusNew, status.Status)

	open, err := m.OpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, result.OrderID, open[0].OrderID)
}
