// Package dispatcher turns inbound signals into exchange orders. It is the
// only writer on the execution path: dedup, distributed locking, risk checks,
// execution, position bookkeeping and bracket placement all funnel through
// Dispatch.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"trading_engine/internal/config"
	"trading_engine/internal/core"
	"trading_engine/internal/lock"
	"trading_engine/internal/trading/oco"
	"trading_engine/internal/trading/order"
	"trading_engine/internal/trading/position"
	"trading_engine/internal/trading/riskconfig"
	"trading_engine/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	signalLockPrefix = "signal_"
	dedupWindow      = 5 * time.Minute
)

// Dispatcher coordinates one signal through the execution pipeline.
type Dispatcher struct {
	locks     *lock.Manager
	positions *position.Manager
	orders    *order.Manager
	brackets  *oco.Manager
	riskCfg   *riskconfig.Service
	risk      config.RiskConfig
	logger    core.ILogger
	tracer    trace.Tracer
	seen      *seenCache
}

// NewDispatcher wires the pipeline.
func NewDispatcher(locks *lock.Manager, positions *position.Manager, orders *order.Manager, brackets *oco.Manager, riskCfg *riskconfig.Service, risk config.RiskConfig, logger core.ILogger) *Dispatcher {
	return &Dispatcher{
		locks:     locks,
		positions: positions,
		orders:    orders,
		brackets:  brackets,
		riskCfg:   riskCfg,
		risk:      risk,
		logger:    logger.WithField("component", "dispatcher"),
		tracer:    telemetry.GetTracer("dispatcher"),
		seen:      newSeenCache(dedupWindow),
	}
}

// Dispatch processes one signal end to end and always returns a structured
// result; failures are reported in the result, not as a Go error, so the
// consumer can reply to the bus uniformly.
func (d *Dispatcher) Dispatch(ctx context.Context, signal *core.Signal) *core.DispatchResult {
	started := time.Now()
	ctx, span := d.tracer.Start(ctx, "dispatch_signal", trace.WithAttributes(
		attribute.String("signal.symbol", signal.Symbol),
		attribute.String("signal.action", string(signal.Action)),
		attribute.String("signal.strategy_id", signal.StrategyID),
	))
	defer span.End()

	result := d.dispatch(ctx, signal)

	span.SetAttributes(attribute.String("dispatch.status", string(result.Status)))
	if result.Status == core.DispatchError {
		span.SetStatus(codes.Error, result.Error)
	}

	orderType := result.OrderType
	if orderType == "" {
		orderType = signal.OrderType
	}
	metrics := telemetry.GetGlobalMetrics()
	metrics.TradesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(result.Status)),
		attribute.String("type", string(orderType)),
		attribute.String("symbol", signal.Symbol),
	))
	metrics.LatencySeconds.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(
		attribute.String("status", string(result.Status)),
	))
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, signal *core.Signal) *core.DispatchResult {
	if err := validateSignal(signal); err != nil {
		d.logger.Warn("Invalid signal dropped", "symbol", signal.Symbol, "error", err)
		return &core.DispatchResult{Status: core.DispatchError, Error: err.Error()}
	}
	if signal.Action == core.ActionHold {
		return &core.DispatchResult{Status: core.DispatchHold, Reason: "hold signal"}
	}

	fp := Fingerprint(signal)
	if d.seen.Seen(fp) {
		d.logger.Info("Duplicate signal skipped locally", "symbol", signal.Symbol, "fingerprint", fp)
		return &core.DispatchResult{Status: core.DispatchSkippedDuplicate, Fingerprint: fp, Reason: "already processed on this replica"}
	}

	var result *core.DispatchResult
	err := d.locks.ExecuteWithLock(ctx, signalLockPrefix+fp, func(ctx context.Context) error {
		result = d.executeSignal(ctx, signal, fp)
		return nil
	})
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			d.logger.Info("Duplicate signal skipped, another replica holds the lock",
				"symbol", signal.Symbol, "fingerprint", fp)
			return &core.DispatchResult{Status: core.DispatchSkippedDuplicate, Fingerprint: fp, Reason: "in flight on another replica"}
		}
		return &core.DispatchResult{Status: core.DispatchError, Fingerprint: fp, Error: err.Error()}
	}
	return result
}

func (d *Dispatcher) executeSignal(ctx context.Context, signal *core.Signal, fp string) *core.DispatchResult {
	// Re-check under the lock: another goroutine may have executed the same
	// fingerprint between the advisory check and lock acquisition.
	if d.seen.Seen(fp) {
		return &core.DispatchResult{Status: core.DispatchSkippedDuplicate, Fingerprint: fp, Reason: "already processed on this replica"}
	}

	metrics := telemetry.GetGlobalMetrics()
	reject := func(reason string) *core.DispatchResult {
		metrics.RiskRejectionsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", signal.Symbol),
			attribute.String("reason", reason),
			attribute.String("exchange", d.orders.ExchangeName()),
		))
		d.logger.Warn("Signal rejected by risk checks", "symbol", signal.Symbol, "reason", reason)
		return &core.DispatchResult{Status: core.DispatchRejected, Fingerprint: fp, Reason: reason}
	}
	fail := func(err error) *core.DispatchResult {
		metrics.ErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "dispatch")))
		d.logger.Error("Signal dispatch failed", "symbol", signal.Symbol, "error", err)
		return &core.DispatchResult{Status: core.DispatchError, Fingerprint: fp, Error: err.Error()}
	}

	ok, reason, err := d.positions.CheckDailyLossLimits(ctx)
	if err != nil {
		return fail(err)
	}
	if !ok {
		return reject(reason)
	}

	posSide := core.PositionSideLong
	if signal.Action == core.ActionSell {
		posSide = core.PositionSideShort
	}

	orderType := signal.OrderType
	if orderType == "" {
		orderType = d.riskCfg.DefaultOrderType(ctx, signal.Symbol, posSide)
	}
	tif := signal.TimeInForce
	if tif == "" {
		tif = d.riskCfg.TimeInForce(ctx, signal.Symbol, posSide)
	}

	refPrice := signal.CurrentPrice
	if !refPrice.IsPositive() {
		refPrice, err = d.orders.SymbolPrice(ctx, signal.Symbol)
		if err != nil {
			return fail(err)
		}
	}

	amount := signal.Quantity
	if !amount.IsPositive() {
		info, err := d.orders.SymbolInfo(ctx, signal.Symbol)
		if err != nil {
			return fail(err)
		}
		amount, err = CalculateMinOrderAmount(info, refPrice)
		if err != nil {
			return fail(err)
		}
	}

	slPct := d.riskCfg.StopLossPct(ctx, signal.Symbol, posSide)
	tpPct := d.riskCfg.TakeProfitPct(ctx, signal.Symbol, posSide)
	ord, err := buildOrder(signal, orderType, tif, amount, refPrice, slPct, tpPct)
	if err != nil {
		return fail(err)
	}

	ok, reason, err = d.positions.CheckPositionLimits(ctx, ord, refPrice)
	if err != nil {
		return fail(err)
	}
	if !ok {
		return reject(reason)
	}

	execution, err := d.orders.Execute(ctx, ord)
	if err != nil {
		return fail(err)
	}
	// The exchange accepted the order; from here the fingerprint must never
	// be re-executed, even if bookkeeping below fails.
	d.seen.Mark(fp)

	pos, _, err := d.positions.ApplyFill(ctx, ord, execution)
	if err != nil {
		// The order filled; surface the bookkeeping failure but keep the
		// execution in the result.
		d.logger.Error("Fill applied on exchange but position update failed",
			"symbol", signal.Symbol, "order_id", execution.OrderID, "error", err)
		return &core.DispatchResult{Status: core.DispatchError, Fingerprint: fp, OrderType: ord.Type, Execution: execution, Error: err.Error()}
	}

	if d.risk.AutoBrackets {
		if err := d.placeBrackets(ctx, signal, pos, ord, execution); err != nil {
			d.logger.Error("Bracket placement failed, position is unprotected",
				"symbol", signal.Symbol, "position_id", pos.PositionID, "error", err)
		}
	}

	d.logger.Info("Signal executed",
		"symbol", signal.Symbol,
		"action", string(signal.Action),
		"order_id", execution.OrderID,
		"amount", execution.Amount.String(),
		"fill_price", execution.FillPrice.String())
	return &core.DispatchResult{Status: core.DispatchExecuted, Fingerprint: fp, OrderType: ord.Type, Execution: execution}
}

// placeBrackets protects one fill with its own SL/TP pair. Accumulating
// fills on an existing position each get a pair for their own quantity.
func (d *Dispatcher) placeBrackets(ctx context.Context, signal *core.Signal, pos *core.Position, ord *core.Order, execution *core.ExecutionResult) error {
	sl, tp := ord.StopLoss, ord.TakeProfit
	if !sl.IsPositive() || !tp.IsPositive() {
		return nil
	}
	entryPrice := execution.FillPrice
	if !entryPrice.IsPositive() {
		entryPrice = pos.AvgPrice
	}
	_, err := d.brackets.PlaceOCOOrders(ctx, &oco.BracketRequest{
		PositionID:         pos.PositionID,
		StrategyPositionID: signal.StrategyID,
		Symbol:             pos.Symbol,
		PositionSide:       pos.PositionSide,
		SLQuantity:         execution.Amount,
		TPQuantity:         execution.Amount,
		EntryPrice:         entryPrice,
		StopLossPrice:      sl,
		TakeProfitPrice:    tp,
	})
	return err
}

// ExecuteOrder is the admin bypass of the signal path: risk checks and
// execution without dedup or locking.
func (d *Dispatcher) ExecuteOrder(ctx context.Context, ord *core.Order) (*core.ExecutionResult, error) {
	refPrice := ord.TargetPrice
	if !refPrice.IsPositive() {
		var err error
		refPrice, err = d.orders.SymbolPrice(ctx, ord.Symbol)
		if err != nil {
			return nil, err
		}
	}
	if ok, reason, err := d.positions.CheckPositionLimits(ctx, ord, refPrice); err != nil {
		return nil, err
	} else if !ok {
		return nil, errors.New(reason)
	}
	execution, err := d.orders.Execute(ctx, ord)
	if err != nil {
		return nil, err
	}
	if _, _, err := d.positions.ApplyFill(ctx, ord, execution); err != nil {
		return execution, err
	}
	return execution, nil
}
