// Package order wraps exchange calls with rate limiting, retries and an
// audit trail.
package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trading_engine/internal/config"
	"trading_engine/internal/core"
	apperrors "trading_engine/pkg/errors"
	"trading_engine/pkg/retry"
	"trading_engine/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// Record is the local memory of a dispatched order.
type Record struct {
	Order     *core.Order
	Result    *core.ExecutionResult
	CreatedAt time.Time
}

// Manager executes orders against the exchange. All outbound calls share one
// token bucket so bracket placement and dispatch cannot jointly exceed the
// exchange's order rate.
type Manager struct {
	exchange    core.IExchange
	store       core.IDocumentStore
	limiter     *rate.Limiter
	policy      retry.Policy
	callTimeout time.Duration
	podID       string
	name        string
	logger      core.ILogger

	mu     sync.RWMutex
	orders map[string]*Record
}

// NewManager creates an order manager from the exchange config section.
func NewManager(exchange core.IExchange, store core.IDocumentStore, cfg config.ExchangeConfig, podID string, logger core.ILogger) *Manager {
	return &Manager{
		exchange: exchange,
		store:    store,
		limiter:  rate.NewLimiter(rate.Limit(cfg.OrderRateLimit), cfg.OrderRateBurst),
		policy: retry.Policy{
			MaxAttempts:    cfg.MaxRetryAttempts,
			InitialBackoff: time.Duration(cfg.RetryBackoffMs) * time.Millisecond,
			MaxBackoff:     retry.DefaultPolicy.MaxBackoff,
		},
		callTimeout: cfg.CallTimeout(),
		podID:       podID,
		name:        cfg.Name,
		logger:      logger.WithField("component", "order_manager"),
		orders:      make(map[string]*Record),
	}
}

// ExchangeName reports the configured exchange, used as a metric label.
func (m *Manager) ExchangeName() string {
	return m.name
}

// Execute places the order, retrying transient exchange failures. Permanent
// rejections surface immediately.
func (m *Manager) Execute(ctx context.Context, order *core.Order) (*core.ExecutionResult, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("order rate limiter: %w", err)
	}

	onRetry := func(err error) {
		telemetry.GetGlobalMetrics().OrderRetriesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", order.Symbol),
			attribute.String("operation", "execute"),
		))
		m.logger.Warn("Retrying order execution", "symbol", order.Symbol, "error", err)
	}

	result, err := retry.Do(ctx, m.policy, apperrors.IsTransient, onRetry, func() (*core.ExecutionResult, error) {
		callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
		defer cancel()
		return m.exchange.Execute(callCtx, order)
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.orders[result.OrderID] = &Record{Order: order, Result: result, CreatedAt: time.Now().UTC()}
	m.mu.Unlock()

	m.audit(ctx, "order_executed", order.Symbol, map[string]interface{}{
		"order_id":   result.OrderID,
		"side":       string(order.Side),
		"type":       string(order.Type),
		"amount":     result.Amount.String(),
		"fill_price": result.FillPrice.String(),
		"status":     string(result.Status),
	})
	return result, nil
}

// Cancel cancels an order, retrying transient failures. Unknown orders are
// not an error, the exchange binding already treats them as cancelled.
func (m *Manager) Cancel(ctx context.Context, symbol, orderID string) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("order rate limiter: %w", err)
	}
	onRetry := func(err error) {
		telemetry.GetGlobalMetrics().OrderRetriesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", symbol),
			attribute.String("operation", "cancel"),
		))
	}
	_, err := retry.Do(ctx, m.policy, apperrors.IsTransient, onRetry, func() (struct{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
		defer cancel()
		return struct{}{}, m.exchange.CancelOrder(callCtx, symbol, orderID)
	})
	if err != nil {
		return err
	}
	m.audit(ctx, "order_cancelled", symbol, map[string]interface{}{"order_id": orderID})
	return nil
}

// Status fetches the exchange-side view of an order.
func (m *Manager) Status(ctx context.Context, symbol, orderID string) (*core.ExchangeOrder, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	return m.exchange.GetOrderStatus(callCtx, symbol, orderID)
}

// OpenOrders fetches all open orders on a symbol.
func (m *Manager) OpenOrders(ctx context.Context, symbol string) ([]*core.ExchangeOrder, error) {
	return m.exchange.GetOpenOrders(ctx, symbol)
}

// SymbolPrice fetches the current mark price.
func (m *Manager) SymbolPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	return m.exchange.GetSymbolPrice(callCtx, symbol)
}

// SymbolInfo fetches the exchange trading filters for a symbol.
func (m *Manager) SymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	return m.exchange.GetSymbolInfo(callCtx, symbol)
}

// Get returns the local record of a dispatched order, if any.
func (m *Manager) Get(orderID string) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.orders[orderID]
	return rec, ok
}

// audit appends a trail entry, best effort.
func (m *Manager) audit(ctx context.Context, event, symbol string, detail map[string]interface{}) {
	rec := &core.AuditRecord{
		Event:     event,
		PodID:     m.podID,
		Symbol:    symbol,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.AppendAudit(ctx, rec); err != nil {
		m.logger.Warn("Audit append failed", "event", event, "error", err)
	}
}
