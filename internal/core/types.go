package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SignalAction is the recommendation carried by an inbound signal.
type SignalAction string

const (
	ActionBuy  SignalAction = "buy"
	ActionSell SignalAction = "sell"
	ActionHold SignalAction = "hold"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// PositionSide distinguishes hedge-mode positions on the same symbol.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// OrderType is the order-type family supported by the engine.
type OrderType string

const (
	OrderTypeMarket          OrderType = "market"
	OrderTypeLimit           OrderType = "limit"
	OrderTypeStop            OrderType = "stop"
	OrderTypeStopLimit       OrderType = "stop_limit"
	OrderTypeTakeProfit      OrderType = "take_profit"
	OrderTypeTakeProfitLimit OrderType = "take_profit_limit"
)

// TimeInForce values accepted by the exchange.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderStatus is the exchange-reported state of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// DispatchStatus is the outcome of a Dispatch call.
type DispatchStatus string

const (
	DispatchExecuted         DispatchStatus = "executed"
	DispatchRejected         DispatchStatus = "rejected"
	DispatchSkippedDuplicate DispatchStatus = "skipped_duplicate"
	DispatchHold             DispatchStatus = "hold"
	DispatchError            DispatchStatus = "error"
)

// CloseReason records which leg of an OCO pair (or which manual path) closed a position.
type CloseReason string

const (
	CloseReasonStopLoss   CloseReason = "stop_loss"
	CloseReasonTakeProfit CloseReason = "take_profit"
	CloseReasonManual     CloseReason = "manual"
)

// OCOStatus is the lifecycle state of an OCO pair.
type OCOStatus string

const (
	OCOStatusActive    OCOStatus = "active"
	OCOStatusCompleted OCOStatus = "completed"
	OCOStatusCancelled OCOStatus = "cancelled"
)

// PositionStatus marks a persisted position record as open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Signal is an inbound trading recommendation. Immutable once decoded.
type Signal struct {
	StrategyID      string                 `json:"strategy_id"`
	Symbol          string                 `json:"symbol"`
	Action          SignalAction           `json:"action"`
	Confidence      float64                `json:"confidence"`
	Price           decimal.Decimal        `json:"price"`
	Quantity        decimal.Decimal        `json:"quantity"`
	CurrentPrice    decimal.Decimal        `json:"current_price"`
	StopLoss        decimal.Decimal        `json:"stop_loss"`
	TakeProfit      decimal.Decimal        `json:"take_profit"`
	Timeframe       string                 `json:"timeframe"`
	Timestamp       string                 `json:"timestamp"`
	SignalID        string                 `json:"signal_id,omitempty"`
	OrderType       OrderType              `json:"order_type,omitempty"`
	TimeInForce     TimeInForce            `json:"time_in_force,omitempty"`
	PositionSizePct float64                `json:"position_size_pct,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	TraceContext    map[string]string      `json:"_otel_trace_context,omitempty"`
	TraceHeaders    map[string]string      `json:"_otel_trace_headers,omitempty"`
}

// signalTimeLayouts are accepted in order. Upstream strategies emit RFC3339,
// legacy ones a bare timestamp without zone.
var signalTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParsedTimestamp parses the signal timestamp, which is required.
func (s *Signal) ParsedTimestamp() (time.Time, error) {
	if s.Timestamp == "" {
		return time.Time{}, fmt.Errorf("signal timestamp is missing")
	}
	for _, layout := range signalTimeLayouts {
		if t, err := time.Parse(layout, s.Timestamp); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable signal timestamp: %q", s.Timestamp)
}

// Order is the internal order representation, immutable once dispatched.
type Order struct {
	OrderID          string                 `json:"order_id"`
	PositionID       string                 `json:"position_id"`
	Symbol           string                 `json:"symbol"`
	Side             OrderSide              `json:"side"`
	PositionSide     PositionSide           `json:"position_side"`
	Type             OrderType              `json:"type"`
	Amount           decimal.Decimal        `json:"amount"`
	TargetPrice      decimal.Decimal        `json:"target_price"`
	StopLoss         decimal.Decimal        `json:"stop_loss"`
	TakeProfit       decimal.Decimal        `json:"take_profit"`
	TimeInForce      TimeInForce            `json:"time_in_force"`
	ReduceOnly       bool                   `json:"reduce_only"`
	StrategyMetadata map[string]interface{} `json:"strategy_metadata,omitempty"`
}

// Fill is a single execution reported by the exchange.
type Fill struct {
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commission_asset"`
	TradeID         int64           `json:"trade_id"`
}

// ExecutionResult is the exchange's response to an executed order.
type ExecutionResult struct {
	OrderID         string          `json:"order_id"`
	Status          OrderStatus     `json:"status"`
	FillPrice       decimal.Decimal `json:"fill_price"`
	Amount          decimal.Decimal `json:"amount"`
	Symbol          string          `json:"symbol"`
	Fills           []Fill          `json:"fills,omitempty"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commission_asset"`
	TradeIDs        []int64         `json:"trade_ids,omitempty"`
}

// DispatchResult is the structured outcome the dispatcher always returns.
type DispatchResult struct {
	Status      DispatchStatus   `json:"status"`
	Reason      string           `json:"reason,omitempty"`
	Fingerprint string           `json:"fingerprint,omitempty"`
	OrderType   OrderType        `json:"order_type,omitempty"`
	Execution   *ExecutionResult `json:"execution_result,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Position is the net exposure on (symbol, position side).
type Position struct {
	PositionID        string          `json:"position_id"`
	Symbol            string          `json:"symbol"`
	PositionSide      PositionSide    `json:"position_side"`
	Quantity          decimal.Decimal `json:"quantity"`
	AvgPrice          decimal.Decimal `json:"avg_price"`
	TotalCost         decimal.Decimal `json:"total_cost"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
	CommissionTotal   decimal.Decimal `json:"commission_total"`
	EntryTime         time.Time       `json:"entry_time"`
	LastUpdate        time.Time       `json:"last_update"`
	Status            PositionStatus  `json:"status"`
	EntryOrderID      string          `json:"entry_order_id"`
	StopLossOrderID   string          `json:"stop_loss_order_id,omitempty"`
	TakeProfitOrderID string          `json:"take_profit_order_id,omitempty"`
	EntryTradeIDs     []int64         `json:"entry_trade_ids,omitempty"`
}

// PositionKey is the exchange position key: symbol_positionSide.
func PositionKey(symbol string, side PositionSide) string {
	return symbol + "_" + string(side)
}

// OCOPair links a stop-loss and a take-profit order on one exchange position.
type OCOPair struct {
	PairID             string          `json:"pair_id"`
	PositionID         string          `json:"position_id"`
	StrategyPositionID string          `json:"strategy_position_id"`
	Symbol             string          `json:"symbol"`
	PositionSide       PositionSide    `json:"position_side"`
	Quantity           decimal.Decimal `json:"quantity"`
	EntryPrice         decimal.Decimal `json:"entry_price"`
	SLOrderID          string          `json:"sl_order_id"`
	TPOrderID          string          `json:"tp_order_id"`
	Status             OCOStatus       `json:"status"`
	CloseReason        CloseReason     `json:"close_reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	CompletedAt        time.Time       `json:"completed_at,omitempty"`
}

// Key returns the activePairs key the pair is monitored under.
func (p *OCOPair) Key() string {
	return PositionKey(p.Symbol, p.PositionSide)
}

// LockRecord is a TTL lease row in the distributed_locks table.
type LockRecord struct {
	Name       string    `json:"name"`
	PodID      string    `json:"pod_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// LeaderRecord is the singleton leader-election row.
type LeaderRecord struct {
	PodID         string    `json:"pod_id"`
	ElectedAt     time.Time `json:"elected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// TradingConfigRecord is one scope of risk/trading parameters.
// Scope is "global", a symbol, or "symbol:SIDE".
type TradingConfigRecord struct {
	Scope     string                 `json:"scope"`
	Params    map[string]interface{} `json:"params"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// AuditRecord is a best-effort trail entry for executions and OCO completions.
type AuditRecord struct {
	Event     string                 `json:"event"`
	PodID     string                 `json:"pod_id"`
	Symbol    string                 `json:"symbol"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// ExchangeOrder is an order as reported by the exchange.
type ExchangeOrder struct {
	OrderID      string          `json:"order_id"`
	Symbol       string          `json:"symbol"`
	Side         OrderSide       `json:"side"`
	PositionSide PositionSide    `json:"position_side"`
	Type         OrderType       `json:"type"`
	Status       OrderStatus     `json:"status"`
	Price        decimal.Decimal `json:"price"`
	StopPrice    decimal.Decimal `json:"stop_price"`
	OrigQty      decimal.Decimal `json:"orig_qty"`
	ExecutedQty  decimal.Decimal `json:"executed_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Commission   decimal.Decimal `json:"commission"`
	ReduceOnly   bool            `json:"reduce_only"`
}

// SymbolInfo carries the exchange filters needed for order sizing.
type SymbolInfo struct {
	Symbol       string          `json:"symbol"`
	MinQty       decimal.Decimal `json:"min_qty"`
	StepSize     decimal.Decimal `json:"step_size"`
	MinNotional  decimal.Decimal `json:"min_notional"`
	TickSize     decimal.Decimal `json:"tick_size"`
	PricePrec    int             `json:"price_precision"`
	QuantityPrec int             `json:"quantity_precision"`
	BaseAsset    string          `json:"base_asset"`
	QuoteAsset   string          `json:"quote_asset"`
}

// AssetBalance is a single asset entry in the account snapshot.
type AssetBalance struct {
	Asset            string          `json:"asset"`
	WalletBalance    decimal.Decimal `json:"wallet_balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
}

// AccountInfo is the futures account snapshot.
type AccountInfo struct {
	TotalWalletBalance decimal.Decimal `json:"total_wallet_balance"`
	AvailableBalance   decimal.Decimal `json:"available_balance"`
	Assets             []AssetBalance  `json:"assets,omitempty"`
}

// ExchangePosition is a position as reported by the exchange risk endpoint.
type ExchangePosition struct {
	Symbol           string          `json:"symbol"`
	PositionSide     PositionSide    `json:"position_side"`
	PositionAmt      decimal.Decimal `json:"position_amt"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	UnrealizedProfit decimal.Decimal `json:"unrealized_profit"`
	Leverage         int             `json:"leverage"`
}

// PortfolioSummary aggregates open exposure for the admin API.
type PortfolioSummary struct {
	PortfolioValue decimal.Decimal      `json:"portfolio_value"`
	OpenPositions  int                  `json:"open_positions"`
	TotalExposure  decimal.Decimal      `json:"total_exposure"`
	DailyPnL       decimal.Decimal      `json:"daily_pnl"`
	UnrealizedPnL  decimal.Decimal      `json:"unrealized_pnl"`
	Positions      map[string]*Position `json:"positions"`
}
