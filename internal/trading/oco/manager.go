// Package oco places and monitors one-cancels-the-other bracket pairs. Each
// pair is a reduce-only stop-loss and take-profit on one exchange position;
// when one leg fills the other is cancelled and the position is closed.
package oco

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trading_engine/internal/config"
	"trading_engine/internal/core"
	"trading_engine/internal/trading/order"
	apperrors "trading_engine/pkg/errors"
	"trading_engine/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BracketRequest describes the pair to place around a filled entry.
type BracketRequest struct {
	PositionID         string
	StrategyPositionID string
	Symbol             string
	PositionSide       core.PositionSide
	SLQuantity         decimal.Decimal
	TPQuantity         decimal.Decimal
	EntryPrice         decimal.Decimal
	StopLossPrice      decimal.Decimal
	TakeProfitPrice    decimal.Decimal
}

func (r *BracketRequest) validate() error {
	if !r.SLQuantity.Equal(r.TPQuantity) {
		return fmt.Errorf("bracket leg quantities differ: sl=%s tp=%s", r.SLQuantity, r.TPQuantity)
	}
	if !r.SLQuantity.IsPositive() {
		return fmt.Errorf("bracket quantity must be positive, got %s", r.SLQuantity)
	}
	if !r.StopLossPrice.IsPositive() || !r.TakeProfitPrice.IsPositive() {
		return fmt.Errorf("bracket prices must be positive: sl=%s tp=%s", r.StopLossPrice, r.TakeProfitPrice)
	}
	switch r.PositionSide {
	case core.PositionSideLong:
		if r.StopLossPrice.GreaterThanOrEqual(r.TakeProfitPrice) {
			return fmt.Errorf("long bracket requires sl below tp: sl=%s tp=%s", r.StopLossPrice, r.TakeProfitPrice)
		}
	case core.PositionSideShort:
		if r.StopLossPrice.LessThanOrEqual(r.TakeProfitPrice) {
			return fmt.Errorf("short bracket requires sl above tp: sl=%s tp=%s", r.StopLossPrice, r.TakeProfitPrice)
		}
	default:
		return fmt.Errorf("unknown position side %q", r.PositionSide)
	}
	return nil
}

// Manager owns all active pairs on this replica and the monitor goroutine
// that resolves them.
type Manager struct {
	orders *order.Manager
	store  core.IDocumentStore
	closer core.PositionCloser
	linker core.RiskOrderLinker
	cfg    config.OCOConfig
	logger core.ILogger

	mu          sync.Mutex
	activePairs map[string]*core.OCOPair // keyed by pair id
	placedAt    map[string]time.Time
	gaugeKeys   map[string]struct{}

	cancelMonitor context.CancelFunc
	monitorDone   chan struct{}
}

// NewManager creates an OCO manager.
func NewManager(orders *order.Manager, store core.IDocumentStore, closer core.PositionCloser, linker core.RiskOrderLinker, cfg config.OCOConfig, logger core.ILogger) *Manager {
	return &Manager{
		orders:      orders,
		store:       store,
		closer:      closer,
		linker:      linker,
		cfg:         cfg,
		logger:      logger.WithField("component", "oco_manager"),
		activePairs: make(map[string]*core.OCOPair),
		placedAt:    make(map[string]time.Time),
		gaugeKeys:   make(map[string]struct{}),
	}
}

// LoadActivePairs restores pairs persisted by earlier runs so their legs are
// monitored again after a restart.
func (m *Manager) LoadActivePairs(ctx context.Context) error {
	pairs, err := m.store.ListActiveOCOPairs(ctx)
	if err != nil {
		return fmt.Errorf("load active oco pairs: %w", err)
	}
	m.mu.Lock()
	for _, pair := range pairs {
		m.activePairs[pair.PairID] = pair
		m.placedAt[pair.PairID] = pair.CreatedAt
	}
	count := len(m.activePairs)
	m.mu.Unlock()
	m.publishGauge()
	m.logger.Info("Restored active OCO pairs", "count", count)
	return nil
}

// PlaceOCOOrders places both bracket legs. If the take-profit leg fails the
// already-placed stop-loss is cancelled so no naked leg survives.
func (m *Manager) PlaceOCOOrders(ctx context.Context, req *BracketRequest) (*core.OCOPair, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	exitSide := core.SideSell
	if req.PositionSide == core.PositionSideShort {
		exitSide = core.SideBuy
	}

	slResult, err := m.orders.Execute(ctx, &core.Order{
		PositionID:   req.PositionID,
		Symbol:       req.Symbol,
		Side:         exitSide,
		PositionSide: req.PositionSide,
		Type:         core.OrderTypeStop,
		Amount:       req.SLQuantity,
		TargetPrice:  req.StopLossPrice,
		ReduceOnly:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("place stop-loss: %w", err)
	}

	tpResult, err := m.orders.Execute(ctx, &core.Order{
		PositionID:   req.PositionID,
		Symbol:       req.Symbol,
		Side:         exitSide,
		PositionSide: req.PositionSide,
		Type:         core.OrderTypeTakeProfit,
		Amount:       req.TPQuantity,
		TargetPrice:  req.TakeProfitPrice,
		ReduceOnly:   true,
	})
	if err != nil {
		if cerr := m.orders.Cancel(ctx, req.Symbol, slResult.OrderID); cerr != nil {
			m.logger.Error("Failed to cancel orphaned stop-loss leg",
				"symbol", req.Symbol, "order_id", slResult.OrderID, "error", cerr)
		}
		return nil, fmt.Errorf("place take-profit: %w", err)
	}

	pair := &core.OCOPair{
		PairID:             uuid.NewString(),
		PositionID:         req.PositionID,
		StrategyPositionID: req.StrategyPositionID,
		Symbol:             req.Symbol,
		PositionSide:       req.PositionSide,
		Quantity:           req.SLQuantity,
		EntryPrice:         req.EntryPrice,
		SLOrderID:          slResult.OrderID,
		TPOrderID:          tpResult.OrderID,
		Status:             core.OCOStatusActive,
		CreatedAt:          time.Now().UTC(),
	}
	if err := m.store.SaveOCOPair(ctx, pair); err != nil {
		return nil, fmt.Errorf("save oco pair: %w", err)
	}
	if m.linker != nil {
		if err := m.linker.UpdatePositionRiskOrders(ctx, req.PositionID, pair.SLOrderID, pair.TPOrderID); err != nil {
			m.logger.Warn("Failed to link bracket orders to position",
				"position_id", req.PositionID, "error", err)
		}
	}

	m.mu.Lock()
	m.activePairs[pair.PairID] = pair
	m.placedAt[pair.PairID] = pair.CreatedAt
	m.mu.Unlock()
	m.publishGauge()

	m.logger.Info("Placed OCO bracket",
		"symbol", pair.Symbol,
		"position_side", string(pair.PositionSide),
		"sl_order_id", pair.SLOrderID,
		"tp_order_id", pair.TPOrderID)
	return pair, nil
}

// CancelOCOPair cancels both legs of an active pair and marks it cancelled
// with a manual close reason. Used by the admin API.
func (m *Manager) CancelOCOPair(ctx context.Context, pairID string) error {
	m.mu.Lock()
	pair, ok := m.activePairs[pairID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("oco pair: %w: %s", core.ErrRecordMissing, pairID)
	}

	if err := m.cancelLeg(ctx, pair.Symbol, pair.SLOrderID); err != nil {
		return fmt.Errorf("cancel stop-loss leg: %w", err)
	}
	if err := m.cancelLeg(ctx, pair.Symbol, pair.TPOrderID); err != nil {
		return fmt.Errorf("cancel take-profit leg: %w", err)
	}

	m.mu.Lock()
	pair.Status = core.OCOStatusCancelled
	pair.CloseReason = core.CloseReasonManual
	pair.CompletedAt = time.Now().UTC()
	delete(m.activePairs, pairID)
	delete(m.placedAt, pairID)
	m.mu.Unlock()
	m.publishGauge()

	if err := m.store.UpdateOCOPairStatus(ctx, pairID, core.OCOStatusCancelled, core.CloseReasonManual); err != nil {
		return fmt.Errorf("persist oco cancellation: %w", err)
	}
	m.logger.Info("Cancelled OCO bracket", "symbol", pair.Symbol, "pair_id", pairID)
	return nil
}

// CancelOtherOrder cancels the leg opposite the filled one and reports the
// close reason matching the fill. Used on the fills path by the monitor.
func (m *Manager) CancelOtherOrder(ctx context.Context, pairID, filledOrderID string) (bool, core.CloseReason, error) {
	m.mu.Lock()
	pair, ok := m.activePairs[pairID]
	if !ok {
		m.mu.Unlock()
		return false, "", fmt.Errorf("oco pair: %w: %s", core.ErrRecordMissing, pairID)
	}
	cp := *pair
	m.mu.Unlock()

	var survivingID string
	var reason core.CloseReason
	switch filledOrderID {
	case cp.SLOrderID:
		survivingID, reason = cp.TPOrderID, core.CloseReasonStopLoss
	case cp.TPOrderID:
		survivingID, reason = cp.SLOrderID, core.CloseReasonTakeProfit
	default:
		return false, "", fmt.Errorf("order %s does not belong to pair %s", filledOrderID, pairID)
	}
	if err := m.cancelLeg(ctx, cp.Symbol, survivingID); err != nil {
		return false, reason, fmt.Errorf("cancel surviving leg: %w", err)
	}
	return true, reason, nil
}

// cancelLeg cancels a bracket leg, treating an already-gone order as
// cancelled so resolution stays idempotent across polls.
func (m *Manager) cancelLeg(ctx context.Context, symbol, orderID string) error {
	err := m.orders.Cancel(ctx, symbol, orderID)
	if err != nil && !errors.Is(err, apperrors.ErrOrderNotFound) {
		return err
	}
	return nil
}

// ActivePairs returns a snapshot of the pairs currently monitored.
func (m *Manager) ActivePairs() []*core.OCOPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.OCOPair, 0, len(m.activePairs))
	for _, pair := range m.activePairs {
		cp := *pair
		out = append(out, &cp)
	}
	return out
}

// StartMonitoring launches the monitor goroutine.
func (m *Manager) StartMonitoring(ctx context.Context) {
	monitorCtx, cancel := context.WithCancel(ctx)
	m.cancelMonitor = cancel
	m.monitorDone = make(chan struct{})
	go func() {
		defer close(m.monitorDone)
		m.monitorLoop(monitorCtx)
	}()
}

// StopMonitoring stops the monitor goroutine and waits for it to drain.
func (m *Manager) StopMonitoring() {
	if m.cancelMonitor == nil {
		return
	}
	m.cancelMonitor()
	<-m.monitorDone
	m.cancelMonitor = nil
}

func (m *Manager) monitorLoop(ctx context.Context) {
	interval := time.Duration(m.cfg.PollIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("OCO monitor started", "poll_interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("OCO monitor stopped")
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

// pollOnce resolves pairs whose legs left the open-order book. Exchange calls
// run outside the mutex; pair state transitions happen under it.
func (m *Manager) pollOnce(ctx context.Context) {
	grace := 2 * time.Duration(m.cfg.PollIntervalMs) * time.Millisecond
	now := time.Now().UTC()

	m.mu.Lock()
	snapshot := make([]*core.OCOPair, 0, len(m.activePairs))
	for id, pair := range m.activePairs {
		// Freshly placed legs may not be visible on the book yet.
		if now.Sub(m.placedAt[id]) < grace {
			continue
		}
		cp := *pair
		snapshot = append(snapshot, &cp)
	}
	m.mu.Unlock()

	openBySymbol := make(map[string]map[string]bool)
	for _, pair := range snapshot {
		if _, ok := openBySymbol[pair.Symbol]; ok {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, time.Duration(m.cfg.CallTimeoutSeconds)*time.Second)
		orders, err := m.orders.OpenOrders(callCtx, pair.Symbol)
		cancel()
		if err != nil {
			m.logger.Warn("Open-orders poll failed", "symbol", pair.Symbol, "error", err)
			continue
		}
		ids := make(map[string]bool, len(orders))
		for _, o := range orders {
			ids[o.OrderID] = true
		}
		openBySymbol[pair.Symbol] = ids
	}

	for _, pair := range snapshot {
		openIDs, polled := openBySymbol[pair.Symbol]
		if !polled {
			continue
		}
		slOpen := openIDs[pair.SLOrderID]
		tpOpen := openIDs[pair.TPOrderID]
		if slOpen && tpOpen {
			continue
		}
		m.resolvePair(ctx, pair, slOpen, tpOpen)
	}
}

// resolvePair classifies which leg left the book and completes the pair.
func (m *Manager) resolvePair(ctx context.Context, pair *core.OCOPair, slOpen, tpOpen bool) {
	var filled *core.ExchangeOrder
	var reason core.CloseReason
	legCancelled := false

	if !slOpen {
		status, err := m.orders.Status(ctx, pair.Symbol, pair.SLOrderID)
		if err != nil {
			m.logger.Warn("Failed to fetch stop-loss status", "order_id", pair.SLOrderID, "error", err)
			return
		}
		switch status.Status {
		case core.OrderStatusFilled:
			filled = status
			reason = core.CloseReasonStopLoss
		case core.OrderStatusCancelled, core.OrderStatusRejected:
			legCancelled = true
		}
	}
	if filled == nil && !tpOpen {
		status, err := m.orders.Status(ctx, pair.Symbol, pair.TPOrderID)
		if err != nil {
			m.logger.Warn("Failed to fetch take-profit status", "order_id", pair.TPOrderID, "error", err)
			return
		}
		switch status.Status {
		case core.OrderStatusFilled:
			filled = status
			reason = core.CloseReasonTakeProfit
		case core.OrderStatusCancelled, core.OrderStatusRejected:
			legCancelled = true
		}
	}

	if filled == nil {
		switch {
		case !slOpen && !tpOpen:
			// Both legs gone without a fill means they were cancelled out of band.
			m.complete(ctx, pair, core.OCOStatusCancelled, core.CloseReasonManual)
			m.logger.Warn("OCO pair cancelled externally", "symbol", pair.Symbol, "pair_id", pair.PairID)
		case legCancelled:
			// One leg was cancelled out of band, leaving the other naked on
			// the book. Cancel the survivor and retire the pair.
			m.logger.Error("OCO leg cancelled externally, cancelling surviving leg",
				"symbol", pair.Symbol, "pair_id", pair.PairID,
				"sl_open", slOpen, "tp_open", tpOpen)
			survivingID := pair.TPOrderID
			if slOpen {
				survivingID = pair.SLOrderID
			}
			if err := m.cancelLeg(ctx, pair.Symbol, survivingID); err != nil {
				m.logger.Error("Failed to cancel surviving leg, will retry next poll",
					"symbol", pair.Symbol, "order_id", survivingID, "error", err)
				return
			}
			m.complete(ctx, pair, core.OCOStatusCancelled, core.CloseReasonManual)
		}
		return
	}

	if _, _, err := m.CancelOtherOrder(ctx, pair.PairID, filled.OrderID); err != nil {
		m.logger.Error("Failed to cancel surviving leg, will retry next poll",
			"symbol", pair.Symbol, "pair_id", pair.PairID, "error", err)
		return
	}

	m.complete(ctx, pair, core.OCOStatusCompleted, reason)

	exitPrice := filled.AvgFillPrice
	if exitPrice.IsZero() {
		exitPrice = filled.StopPrice
	}
	if err := m.closer.CloseByOCO(ctx, pair, reason, exitPrice, filled.Commission); err != nil {
		m.logger.Error("Failed to close position for completed pair",
			"position_id", pair.PositionID, "error", err)
	}
}

// complete sets the terminal status under the mutex, removes the pair from
// monitoring and persists the transition.
func (m *Manager) complete(ctx context.Context, pair *core.OCOPair, status core.OCOStatus, reason core.CloseReason) {
	m.mu.Lock()
	if live, ok := m.activePairs[pair.PairID]; ok {
		live.Status = status
		live.CloseReason = reason
		live.CompletedAt = time.Now().UTC()
		pair.Status = live.Status
		pair.CloseReason = live.CloseReason
		pair.CompletedAt = live.CompletedAt
		delete(m.activePairs, pair.PairID)
		delete(m.placedAt, pair.PairID)
	}
	m.mu.Unlock()
	m.publishGauge()

	if err := m.store.UpdateOCOPairStatus(ctx, pair.PairID, status, reason); err != nil {
		m.logger.Warn("Failed to persist OCO completion", "pair_id", pair.PairID, "error", err)
	}
}

func (m *Manager) publishGauge() {
	counts := make(map[string]int64)
	m.mu.Lock()
	for _, pair := range m.activePairs {
		counts[pair.Key()]++
	}
	for key := range m.gaugeKeys {
		if _, ok := counts[key]; !ok {
			counts[key] = 0
		}
	}
	for key := range counts {
		m.gaugeKeys[key] = struct{}{}
	}
	m.mu.Unlock()
	metrics := telemetry.GetGlobalMetrics()
	for key, count := range counts {
		metrics.SetActiveOCOPairs(key, count)
	}
}
