// Package riskconfig resolves per-symbol trading parameters from the shared
// document store, layered over static configuration defaults.
package riskconfig

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"trading_engine/internal/config"
	"trading_engine/internal/core"

	"github.com/shopspring/decimal"
)

// Parameter names recognized in trading config scopes.
const (
	ParamLeverage              = "leverage"
	ParamMarginType            = "margin_type"
	ParamDefaultOrderType      = "default_order_type"
	ParamTimeInForce           = "time_in_force"
	ParamPositionMode          = "position_mode"
	ParamPositionSizePct       = "position_size_pct"
	ParamStopLossPct           = "stop_loss_pct"
	ParamTakeProfitPct         = "take_profit_pct"
	ParamMaxPositionSize       = "max_position_size"
	ParamMaxAccumulations      = "max_accumulations"
	ParamAccumulationCooldownS = "accumulation_cooldown_seconds"
)

// ScopeGlobal holds parameters applying to every symbol.
const ScopeGlobal = "global"

// Service resolves parameters with scope precedence
// symbol:SIDE over symbol over global over static defaults.
// Store reads are cached with a short TTL so the hot dispatch path does not
// hit the store per signal.
type Service struct {
	store    core.IDocumentStore
	defaults config.RiskConfig
	cacheTTL time.Duration
	logger   core.ILogger

	mu        sync.RWMutex
	scopes    map[string]map[string]interface{}
	fetchedAt time.Time
}

// NewService creates a risk config service.
func NewService(store core.IDocumentStore, defaults config.RiskConfig, cacheTTL time.Duration, logger core.ILogger) *Service {
	return &Service{
		store:    store,
		defaults: defaults,
		cacheTTL: cacheTTL,
		logger:   logger.WithField("component", "risk_config"),
		scopes:   make(map[string]map[string]interface{}),
	}
}

// SideScope builds the most specific scope key for a symbol and side.
func SideScope(symbol string, side core.PositionSide) string {
	return symbol + ":" + string(side)
}

// Refresh forces a reload of all scopes from the store.
func (s *Service) Refresh(ctx context.Context) error {
	records, err := s.store.ListTradingConfigs(ctx)
	if err != nil {
		return fmt.Errorf("list trading configs: %w", err)
	}
	scopes := make(map[string]map[string]interface{}, len(records))
	for _, rec := range records {
		scopes[rec.Scope] = rec.Params
	}
	s.mu.Lock()
	s.scopes = scopes
	s.fetchedAt = time.Now()
	s.mu.Unlock()
	return nil
}

// Set writes one scope's parameters through to the store and invalidates the
// cache so the next resolution sees them.
func (s *Service) Set(ctx context.Context, scope string, params map[string]interface{}) error {
	if err := s.store.SetTradingConfig(ctx, &core.TradingConfigRecord{Scope: scope, Params: params}); err != nil {
		return err
	}
	s.mu.Lock()
	s.fetchedAt = time.Time{}
	s.mu.Unlock()
	return nil
}

// Scopes returns a snapshot of all configured scopes.
func (s *Service) Scopes(ctx context.Context) (map[string]map[string]interface{}, error) {
	s.ensureFresh(ctx)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]interface{}, len(s.scopes))
	for scope, params := range s.scopes {
		cp := make(map[string]interface{}, len(params))
		for k, v := range params {
			cp[k] = v
		}
		out[scope] = cp
	}
	return out, nil
}

func (s *Service) ensureFresh(ctx context.Context) {
	s.mu.RLock()
	fresh := time.Since(s.fetchedAt) < s.cacheTTL
	s.mu.RUnlock()
	if fresh {
		return
	}
	if err := s.Refresh(ctx); err != nil {
		// Keep serving the stale cache rather than failing the dispatch.
		s.logger.Warn("Trading config refresh failed, serving cached values", "error", err)
	}
}

// lookup walks the precedence chain and returns the first scope that defines
// the parameter.
func (s *Service) lookup(ctx context.Context, symbol string, side core.PositionSide, param string) (interface{}, bool) {
	s.ensureFresh(ctx)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, scope := range []string{SideScope(symbol, side), symbol, ScopeGlobal} {
		if params, ok := s.scopes[scope]; ok {
			if v, ok := params[param]; ok {
				return v, true
			}
		}
	}
	return nil, false
}

func (s *Service) floatParam(ctx context.Context, symbol string, side core.PositionSide, param string, fallback float64) float64 {
	v, ok := s.lookup(ctx, symbol, side, param)
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		if d, err := decimal.NewFromString(n); err == nil {
			return d.InexactFloat64()
		}
	}
	return fallback
}

func (s *Service) intParam(ctx context.Context, symbol string, side core.PositionSide, param string, fallback int) int {
	return int(s.floatParam(ctx, symbol, side, param, float64(fallback)))
}

func (s *Service) stringParam(ctx context.Context, symbol string, side core.PositionSide, param, fallback string) string {
	if v, ok := s.lookup(ctx, symbol, side, param); ok {
		if str, ok := v.(string); ok && str != "" {
			return str
		}
	}
	return fallback
}

// Leverage returns the configured leverage for the symbol, default 1.
func (s *Service) Leverage(ctx context.Context, symbol string, side core.PositionSide) int {
	return s.intParam(ctx, symbol, side, ParamLeverage, 1)
}

// MarginType returns "ISOLATED" or "CROSSED", default ISOLATED.
func (s *Service) MarginType(ctx context.Context, symbol string, side core.PositionSide) string {
	return strings.ToUpper(s.stringParam(ctx, symbol, side, ParamMarginType, "ISOLATED"))
}

// DefaultOrderType returns the order type used when the signal names none.
func (s *Service) DefaultOrderType(ctx context.Context, symbol string, side core.PositionSide) core.OrderType {
	return core.OrderType(s.stringParam(ctx, symbol, side, ParamDefaultOrderType, string(core.OrderTypeMarket)))
}

// TimeInForce returns the default time in force for resting orders.
func (s *Service) TimeInForce(ctx context.Context, symbol string, side core.PositionSide) core.TimeInForce {
	return core.TimeInForce(s.stringParam(ctx, symbol, side, ParamTimeInForce, string(core.TimeInForceGTC)))
}

// PositionMode returns "hedge" or "one_way", default hedge.
func (s *Service) PositionMode(ctx context.Context, symbol string, side core.PositionSide) string {
	return s.stringParam(ctx, symbol, side, ParamPositionMode, "hedge")
}

// PositionSizePct returns the fraction of portfolio value a new position may take.
func (s *Service) PositionSizePct(ctx context.Context, symbol string, side core.PositionSide) float64 {
	return s.floatParam(ctx, symbol, side, ParamPositionSizePct, s.defaults.MaxPositionSizePct)
}

// StopLossPct returns the bracket stop-loss distance as a fraction of entry.
func (s *Service) StopLossPct(ctx context.Context, symbol string, side core.PositionSide) float64 {
	return s.floatParam(ctx, symbol, side, ParamStopLossPct, s.defaults.DefaultStopLossPct)
}

// TakeProfitPct returns the bracket take-profit distance as a fraction of entry.
func (s *Service) TakeProfitPct(ctx context.Context, symbol string, side core.PositionSide) float64 {
	return s.floatParam(ctx, symbol, side, ParamTakeProfitPct, s.defaults.DefaultTakeProfitPct)
}

// MaxPositionSize returns the absolute quantity cap for one position, zero
// meaning uncapped.
func (s *Service) MaxPositionSize(ctx context.Context, symbol string, side core.PositionSide) decimal.Decimal {
	return decimal.NewFromFloat(s.floatParam(ctx, symbol, side, ParamMaxPositionSize, 0))
}

// MaxAccumulations returns how many times a position may be added to, zero
// meaning unlimited.
func (s *Service) MaxAccumulations(ctx context.Context, symbol string, side core.PositionSide) int {
	return s.intParam(ctx, symbol, side, ParamMaxAccumulations, 0)
}

// AccumulationCooldown returns the minimum interval between accumulating
// fills on one position.
func (s *Service) AccumulationCooldown(ctx context.Context, symbol string, side core.PositionSide) time.Duration {
	return time.Duration(s.intParam(ctx, symbol, side, ParamAccumulationCooldownS, 0)) * time.Second
}
