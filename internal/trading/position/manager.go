// Package position tracks net exposure per (symbol, position side), persists
// it through the document store and enforces portfolio risk limits.
package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trading_engine/internal/config"
	"trading_engine/internal/core"
	"trading_engine/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Risk rejection reasons returned by the limit checks.
const (
	ReasonPositionSizeLimits = "position_size_limits_exceeded"
	ReasonDailyLossLimit     = "daily_loss_limit_exceeded"
	ReasonPortfolioExposure  = "portfolio_exposure_exceeded"
)

// Manager is the in-memory position book backed by the document store.
// The store is authoritative; the cache exists for the hot dispatch path.
type Manager struct {
	store    core.IDocumentStore
	exchange core.IExchange
	risk     config.RiskConfig
	logger   core.ILogger

	mu        sync.RWMutex
	positions map[string]*core.Position // keyed by core.PositionKey
	gaugeSyms map[string]struct{}       // symbols ever published to the open-positions gauge
}

// NewManager creates a position manager. Call LoadOpenPositions before
// serving traffic so the cache reflects positions from earlier runs.
func NewManager(store core.IDocumentStore, exchange core.IExchange, risk config.RiskConfig, logger core.ILogger) *Manager {
	return &Manager{
		store:     store,
		exchange:  exchange,
		risk:      risk,
		logger:    logger.WithField("component", "position_manager"),
		positions: make(map[string]*core.Position),
		gaugeSyms: make(map[string]struct{}),
	}
}

// LoadOpenPositions primes the cache from the store.
func (m *Manager) LoadOpenPositions(ctx context.Context) error {
	open, err := m.store.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	m.mu.Lock()
	m.positions = make(map[string]*core.Position, len(open))
	for _, p := range open {
		m.positions[core.PositionKey(p.Symbol, p.PositionSide)] = p
	}
	m.mu.Unlock()
	m.publishGauges()
	m.logger.Info("Loaded open positions", "count", len(open))
	return nil
}

// ApplyFill folds an execution into the position book. A fill on the
// position's own direction opens or accumulates; the opposite direction
// reduces and realizes P&L net of commissions. Returns the updated position
// and the realized P&L of this fill.
func (m *Manager) ApplyFill(ctx context.Context, order *core.Order, result *core.ExecutionResult) (*core.Position, decimal.Decimal, error) {
	if result.Status != core.OrderStatusFilled && result.Status != core.OrderStatusPartiallyFilled {
		return nil, decimal.Zero, fmt.Errorf("cannot apply fill with status %s", result.Status)
	}

	increases := (order.PositionSide == core.PositionSideLong && order.Side == core.SideBuy) ||
		(order.PositionSide == core.PositionSideShort && order.Side == core.SideSell)

	key := core.PositionKey(order.Symbol, order.PositionSide)
	now := time.Now().UTC()

	m.mu.Lock()
	pos := m.positions[key]

	var realized decimal.Decimal
	var closed bool
	if increases {
		if pos == nil {
			pos = &core.Position{
				PositionID:   uuid.NewString(),
				Symbol:       order.Symbol,
				PositionSide: order.PositionSide,
				EntryTime:    now,
				Status:       core.PositionStatusOpen,
				EntryOrderID: result.OrderID,
			}
			m.positions[key] = pos
		}
		cost := result.FillPrice.Mul(result.Amount)
		pos.TotalCost = pos.TotalCost.Add(cost)
		pos.Quantity = pos.Quantity.Add(result.Amount)
		pos.AvgPrice = pos.TotalCost.Div(pos.Quantity)
		pos.CommissionTotal = pos.CommissionTotal.Add(result.Commission)
		pos.EntryTradeIDs = append(pos.EntryTradeIDs, result.TradeIDs...)
		pos.LastUpdate = now
	} else {
		if pos == nil || pos.Quantity.IsZero() {
			m.mu.Unlock()
			return nil, decimal.Zero, fmt.Errorf("no open %s position for reducing fill on %s", order.PositionSide, order.Symbol)
		}
		qty := decimal.Min(result.Amount, pos.Quantity)
		realized = m.reduceLocked(pos, qty, result.FillPrice, result.Commission)
		pos.LastUpdate = now
		closed = pos.Quantity.IsZero()
		if closed {
			pos.Status = core.PositionStatusClosed
			delete(m.positions, key)
		}
	}
	snapshot := *pos
	m.mu.Unlock()

	if err := m.persist(ctx, &snapshot, realized, closed, now); err != nil {
		return &snapshot, realized, err
	}

	metrics := telemetry.GetGlobalMetrics()
	if increases && snapshot.EntryOrderID == result.OrderID {
		metrics.PositionsOpenedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", order.Symbol),
			attribute.String("side", string(order.PositionSide)),
		))
	}
	m.publishGauges()
	return &snapshot, realized, nil
}

// reduceLocked realizes P&L for qty leaving the position at fillPrice,
// net of the exit commission and a proportional share of entry commissions.
// Caller holds m.mu.
func (m *Manager) reduceLocked(pos *core.Position, qty, fillPrice, exitCommission decimal.Decimal) decimal.Decimal {
	gross := fillPrice.Sub(pos.AvgPrice).Mul(qty)
	if pos.PositionSide == core.PositionSideShort {
		gross = gross.Neg()
	}
	entryFee := decimal.Zero
	if pos.Quantity.IsPositive() {
		entryFee = pos.CommissionTotal.Mul(qty).Div(pos.Quantity)
	}
	realized := gross.Sub(exitCommission).Sub(entryFee)

	pos.Quantity = pos.Quantity.Sub(qty)
	pos.TotalCost = pos.AvgPrice.Mul(pos.Quantity)
	pos.CommissionTotal = pos.CommissionTotal.Sub(entryFee)
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	return realized
}

func (m *Manager) persist(ctx context.Context, pos *core.Position, realized decimal.Decimal, closed bool, now time.Time) error {
	if err := m.store.SavePosition(ctx, pos); err != nil {
		return fmt.Errorf("save position %s: %w", pos.PositionID, err)
	}
	if !realized.IsZero() {
		date := now.Format("2006-01-02")
		if err := m.store.AddDailyPnL(ctx, date, realized); err != nil {
			return fmt.Errorf("add daily pnl: %w", err)
		}
		if total, err := m.store.GetDailyPnL(ctx, date); err == nil {
			telemetry.GetGlobalMetrics().SetDailyPnL(total.InexactFloat64())
		}
	}
	if closed {
		if err := m.store.MarkPositionClosed(ctx, pos.PositionID, pos.RealizedPnL, now); err != nil {
			return fmt.Errorf("mark position closed: %w", err)
		}
	}
	return nil
}

// CloseByOCO reduces the position behind a completed OCO pair by the pair's
// quantity at the surviving leg's exit price, closing the record when the
// position goes flat. Implements core.PositionCloser.
func (m *Manager) CloseByOCO(ctx context.Context, pair *core.OCOPair, reason core.CloseReason, exitPrice, exitCommission decimal.Decimal) error {
	key := pair.Key()
	now := time.Now().UTC()

	m.mu.Lock()
	pos := m.positions[key]
	if pos == nil {
		m.mu.Unlock()
		m.logger.Warn("OCO close for unknown position", "key", key, "reason", string(reason))
		return nil
	}
	qty := decimal.Min(pair.Quantity, pos.Quantity)
	realized := m.reduceLocked(pos, qty, exitPrice, exitCommission)
	pos.LastUpdate = now
	closed := pos.Quantity.IsZero()
	if closed {
		pos.Status = core.PositionStatusClosed
		delete(m.positions, key)
	}
	snapshot := *pos
	m.mu.Unlock()

	if err := m.persist(ctx, &snapshot, realized, closed, now); err != nil {
		return err
	}

	telemetry.GetGlobalMetrics().PositionsClosedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", pair.Symbol),
		attribute.String("side", string(pair.PositionSide)),
		attribute.String("close_reason", string(reason)),
	))
	m.publishGauges()
	m.logger.Info("Position reduced by bracket",
		"symbol", pair.Symbol,
		"position_side", string(pair.PositionSide),
		"close_reason", string(reason),
		"exit_price", exitPrice.String(),
		"realized_pnl", realized.String(),
		"remaining_quantity", snapshot.Quantity.String())
	return nil
}

// UpdatePositionRiskOrders links bracket order ids back to the persisted
// position. Implements core.RiskOrderLinker.
func (m *Manager) UpdatePositionRiskOrders(ctx context.Context, positionID, slOrderID, tpOrderID string) error {
	m.mu.Lock()
	var snapshot *core.Position
	for _, pos := range m.positions {
		if pos.PositionID == positionID {
			pos.StopLossOrderID = slOrderID
			pos.TakeProfitOrderID = tpOrderID
			cp := *pos
			snapshot = &cp
			break
		}
	}
	m.mu.Unlock()
	if snapshot == nil {
		return fmt.Errorf("link risk orders: %w: %s", core.ErrRecordMissing, positionID)
	}
	return m.store.SavePosition(ctx, snapshot)
}

// GetPosition returns the cached open position for the key, or nil.
func (m *Manager) GetPosition(symbol string, side core.PositionSide) *core.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if pos, ok := m.positions[core.PositionKey(symbol, side)]; ok {
		cp := *pos
		return &cp
	}
	return nil
}

// GetPositions returns a snapshot of all cached open positions.
func (m *Manager) GetPositions() map[string]*core.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*core.Position, len(m.positions))
	for key, pos := range m.positions {
		cp := *pos
		out[key] = &cp
	}
	return out
}

// GetDailyPnL returns today's realized P&L (UTC day) from the store.
func (m *Manager) GetDailyPnL(ctx context.Context) (decimal.Decimal, error) {
	return m.store.GetDailyPnL(ctx, time.Now().UTC().Format("2006-01-02"))
}

// GetPortfolioSummary aggregates wallet balance, open exposure and P&L for
// the admin API.
func (m *Manager) GetPortfolioSummary(ctx context.Context) (*core.PortfolioSummary, error) {
	account, err := m.exchange.GetAccountInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("account info: %w", err)
	}
	daily, err := m.GetDailyPnL(ctx)
	if err != nil {
		return nil, err
	}

	positions := m.GetPositions()
	exposure := decimal.Zero
	unrealized := decimal.Zero
	for _, pos := range positions {
		exposure = exposure.Add(pos.AvgPrice.Mul(pos.Quantity).Abs())
		unrealized = unrealized.Add(pos.UnrealizedPnL)
	}
	return &core.PortfolioSummary{
		PortfolioValue: account.TotalWalletBalance,
		OpenPositions:  len(positions),
		TotalExposure:  exposure,
		DailyPnL:       daily,
		UnrealizedPnL:  unrealized,
		Positions:      positions,
	}, nil
}

// CheckPositionLimits verifies the order keeps per-position and portfolio
// exposure under the configured fractions of wallet balance. The cache is
// refreshed first so fills from other replicas count.
func (m *Manager) CheckPositionLimits(ctx context.Context, order *core.Order, price decimal.Decimal) (bool, string, error) {
	if err := m.refreshFromStore(ctx); err != nil {
		return false, "", err
	}
	account, err := m.exchange.GetAccountInfo(ctx)
	if err != nil {
		return false, "", fmt.Errorf("account info: %w", err)
	}
	portfolioValue := account.TotalWalletBalance
	if !portfolioValue.IsPositive() {
		return false, ReasonPositionSizeLimits, nil
	}

	notional := order.Amount.Mul(price)

	existing := decimal.Zero
	totalExposure := decimal.Zero
	for _, pos := range m.GetPositions() {
		posNotional := pos.AvgPrice.Mul(pos.Quantity).Abs()
		totalExposure = totalExposure.Add(posNotional)
		if pos.Symbol == order.Symbol && pos.PositionSide == order.PositionSide {
			existing = posNotional
		}
	}

	maxPosition := portfolioValue.Mul(decimal.NewFromFloat(m.risk.MaxPositionSizePct))
	if m.risk.MaxPositionSizePct > 0 && existing.Add(notional).GreaterThan(maxPosition) {
		return false, ReasonPositionSizeLimits, nil
	}

	maxExposure := portfolioValue.Mul(decimal.NewFromFloat(m.risk.MaxPortfolioExposurePct))
	if m.risk.MaxPortfolioExposurePct > 0 && totalExposure.Add(notional).GreaterThan(maxExposure) {
		return false, ReasonPortfolioExposure, nil
	}
	return true, "", nil
}

// CheckDailyLossLimits verifies today's realized loss has not crossed the
// configured fraction of wallet balance.
func (m *Manager) CheckDailyLossLimits(ctx context.Context) (bool, string, error) {
	if m.risk.MaxDailyLossPct <= 0 {
		return true, "", nil
	}
	daily, err := m.GetDailyPnL(ctx)
	if err != nil {
		return false, "", err
	}
	if !daily.IsNegative() {
		return true, "", nil
	}
	account, err := m.exchange.GetAccountInfo(ctx)
	if err != nil {
		return false, "", fmt.Errorf("account info: %w", err)
	}
	maxLoss := account.TotalWalletBalance.Mul(decimal.NewFromFloat(m.risk.MaxDailyLossPct))
	if daily.Neg().GreaterThanOrEqual(maxLoss) {
		return false, ReasonDailyLossLimit, nil
	}
	return true, "", nil
}

// RunStoreSync reconciles the cache from the store on a fixed interval so
// fills applied by other replicas become visible between risk checks.
func (m *Manager) RunStoreSync(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.refreshFromStore(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Warn("Position store sync failed", "error", err)
			}
		}
	}
}

func (m *Manager) refreshFromStore(ctx context.Context) error {
	open, err := m.store.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("refresh positions: %w", err)
	}
	fresh := make(map[string]*core.Position, len(open))
	for _, p := range open {
		fresh[core.PositionKey(p.Symbol, p.PositionSide)] = p
	}
	m.mu.Lock()
	m.positions = fresh
	m.mu.Unlock()
	m.publishGauges()
	return nil
}

func (m *Manager) publishGauges() {
	counts := make(map[string]int64)
	m.mu.Lock()
	for _, pos := range m.positions {
		counts[pos.Symbol]++
	}
	for symbol := range m.gaugeSyms {
		if _, ok := counts[symbol]; !ok {
			counts[symbol] = 0
		}
	}
	for symbol := range counts {
		m.gaugeSyms[symbol] = struct{}{}
	}
	m.mu.Unlock()
	metrics := telemetry.GetGlobalMetrics()
	for symbol, count := range counts {
		metrics.SetOpenPositions(symbol, count)
	}
}
