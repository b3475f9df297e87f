// Package core defines the domain types and interfaces of the trading engine
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IExchange is the futures exchange binding consumed by the engine.
// Implementations must be safe for concurrent use.
type IExchange interface {
	GetName() string
	CheckHealth(ctx context.Context) error

	// Execute places the order and returns the fill outcome.
	Execute(ctx context.Context, order *Order) (*ExecutionResult, error)
	// CancelOrder must be idempotent: an unknown order id is not an error.
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*ExchangeOrder, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]*ExchangeOrder, error)

	GetSymbolPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)
	GetAccountInfo(ctx context.Context) (*AccountInfo, error)
	GetPositionInfo(ctx context.Context) ([]*ExchangePosition, error)
	VerifyHedgeMode(ctx context.Context) (bool, error)
}

// IDocumentStore is the shared store replicas coordinate through.
// Every method is a single atomic operation; the engine holds no transactions.
type IDocumentStore interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Positions
	SavePosition(ctx context.Context, p *Position) error
	GetPosition(ctx context.Context, symbol string, side PositionSide) (*Position, error)
	ListOpenPositions(ctx context.Context) ([]*Position, error)
	MarkPositionClosed(ctx context.Context, positionID string, realizedPnL decimal.Decimal, closedAt time.Time) error

	// Daily P&L, keyed by UTC ISO date
	AddDailyPnL(ctx context.Context, date string, delta decimal.Decimal) error
	GetDailyPnL(ctx context.Context, date string) (decimal.Decimal, error)

	// Distributed locks. TryAcquireLock succeeds when no unexpired lease is
	// held by a different pod; re-entry by the same pod extends the lease.
	TryAcquireLock(ctx context.Context, name, podID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, podID string) error
	DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error)

	// Leader election over the singleton status=leader row.
	TryAcquireLeadership(ctx context.Context, podID string, staleAfter time.Duration) (bool, error)
	HeartbeatLeader(ctx context.Context, podID string) error
	GetLeader(ctx context.Context) (*LeaderRecord, error)
	ResignLeadership(ctx context.Context, podID string) error

	// OCO pairs
	SaveOCOPair(ctx context.Context, pair *OCOPair) error
	UpdateOCOPairStatus(ctx context.Context, pairID string, status OCOStatus, reason CloseReason) error
	ListActiveOCOPairs(ctx context.Context) ([]*OCOPair, error)

	// Trading configs
	ListTradingConfigs(ctx context.Context) ([]*TradingConfigRecord, error)
	SetTradingConfig(ctx context.Context, rec *TradingConfigRecord) error

	// Audit trail, best effort
	AppendAudit(ctx context.Context, rec *AuditRecord) error
}

// PositionCloser is the narrow position-manager surface the OCO manager
// cross-calls; it keeps the two managers free of mutual ownership.
type PositionCloser interface {
	CloseByOCO(ctx context.Context, pair *OCOPair, reason CloseReason, exitPrice, exitCommission decimal.Decimal) error
}

// RiskOrderLinker links bracket order ids back to a persisted position.
type RiskOrderLinker interface {
	UpdatePositionRiskOrders(ctx context.Context, positionID, slOrderID, tpOrderID string) error
}

// IHealthMonitor aggregates component health checks.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
