package store

import (
	"encoding/json"
	"time"
	"trading_engine/internal/core"

	"github.com/shopspring/decimal"
)

// Row types mirror the core domain records. JSON-valued fields are stored as
// JSON strings since the store is a SQL engine.

type positionRow struct {
	PositionID        string          `gorm:"column:position_id;primaryKey"`
	Symbol            string          `gorm:"column:symbol;index:idx_positions_key"`
	PositionSide      string          `gorm:"column:position_side;index:idx_positions_key"`
	Quantity          decimal.Decimal `gorm:"column:quantity;type:numeric"`
	AvgPrice          decimal.Decimal `gorm:"column:avg_price;type:numeric"`
	TotalCost         decimal.Decimal `gorm:"column:total_cost;type:numeric"`
	RealizedPnL       decimal.Decimal `gorm:"column:realized_pnl;type:numeric"`
	UnrealizedPnL     decimal.Decimal `gorm:"column:unrealized_pnl;type:numeric"`
	CommissionTotal   decimal.Decimal `gorm:"column:commission_total;type:numeric"`
	EntryTime         time.Time       `gorm:"column:entry_time"`
	LastUpdate        time.Time       `gorm:"column:last_update"`
	Status            string          `gorm:"column:status;index"`
	EntryOrderID      string          `gorm:"column:entry_order_id"`
	StopLossOrderID   string          `gorm:"column:stop_loss_order_id"`
	TakeProfitOrderID string          `gorm:"column:take_profit_order_id"`
	EntryTradeIDs     string          `gorm:"column:entry_trade_ids"`
}

func (positionRow) TableName() string { return "positions" }

type dailyPnLRow struct {
	Date     string          `gorm:"column:date;primaryKey"`
	DailyPnL decimal.Decimal `gorm:"column:daily_pnl;type:numeric"`
}

func (dailyPnLRow) TableName() string { return "daily_pnl" }

type lockRow struct {
	Name       string    `gorm:"column:name;primaryKey"`
	PodID      string    `gorm:"column:pod_id"`
	AcquiredAt time.Time `gorm:"column:acquired_at"`
	ExpiresAt  time.Time `gorm:"column:expires_at;index"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (lockRow) TableName() string { return "distributed_locks" }

type leaderRow struct {
	Status        string    `gorm:"column:status;primaryKey"` // always "leader"
	PodID         string    `gorm:"column:pod_id"`
	ElectedAt     time.Time `gorm:"column:elected_at"`
	LastHeartbeat time.Time `gorm:"column:last_heartbeat"`
}

func (leaderRow) TableName() string { return "leader_election" }

type ocoPairRow struct {
	PairID             string          `gorm:"column:pair_id;primaryKey"`
	PositionID         string          `gorm:"column:position_id;index"`
	StrategyPositionID string          `gorm:"column:strategy_position_id"`
	Symbol             string          `gorm:"column:symbol;index"`
	PositionSide       string          `gorm:"column:position_side"`
	Quantity           decimal.Decimal `gorm:"column:quantity;type:numeric"`
	EntryPrice         decimal.Decimal `gorm:"column:entry_price;type:numeric"`
	SLOrderID          string          `gorm:"column:sl_order_id"`
	TPOrderID          string          `gorm:"column:tp_order_id"`
	Status             string          `gorm:"column:status;index"`
	CloseReason        string          `gorm:"column:close_reason"`
	CreatedAt          time.Time       `gorm:"column:created_at"`
	CompletedAt        time.Time       `gorm:"column:completed_at"`
}

func (ocoPairRow) TableName() string { return "oco_pairs" }

type tradingConfigRow struct {
	Scope     string    `gorm:"column:scope;primaryKey"`
	Params    string    `gorm:"column:params"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (tradingConfigRow) TableName() string { return "trading_configs" }

type auditRow struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	Event     string    `gorm:"column:event;index"`
	PodID     string    `gorm:"column:pod_id"`
	Symbol    string    `gorm:"column:symbol"`
	Detail    string    `gorm:"column:detail"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (auditRow) TableName() string { return "audit_logs" }

func toPositionRow(p *core.Position) *positionRow {
	tradeIDs, _ := json.Marshal(p.EntryTradeIDs)
	return &positionRow{
		PositionID:        p.PositionID,
		Symbol:            p.Symbol,
		PositionSide:      string(p.PositionSide),
		Quantity:          p.Quantity,
		AvgPrice:          p.AvgPrice,
		TotalCost:         p.TotalCost,
		RealizedPnL:       p.RealizedPnL,
		UnrealizedPnL:     p.UnrealizedPnL,
		CommissionTotal:   p.CommissionTotal,
		EntryTime:         p.EntryTime,
		LastUpdate:        p.LastUpdate,
		Status:            string(p.Status),
		EntryOrderID:      p.EntryOrderID,
		StopLossOrderID:   p.StopLossOrderID,
		TakeProfitOrderID: p.TakeProfitOrderID,
		EntryTradeIDs:     string(tradeIDs),
	}
}

func fromPositionRow(r *positionRow) *core.Position {
	var tradeIDs []int64
	if r.EntryTradeIDs != "" {
		_ = json.Unmarshal([]byte(r.EntryTradeIDs), &tradeIDs)
	}
	return &core.Position{
		PositionID:        r.PositionID,
		Symbol:            r.Symbol,
		PositionSide:      core.PositionSide(r.PositionSide),
		Quantity:          r.Quantity,
		AvgPrice:          r.AvgPrice,
		TotalCost:         r.TotalCost,
		RealizedPnL:       r.RealizedPnL,
		UnrealizedPnL:     r.UnrealizedPnL,
		CommissionTotal:   r.CommissionTotal,
		EntryTime:         r.EntryTime,
		LastUpdate:        r.LastUpdate,
		Status:            core.PositionStatus(r.Status),
		EntryOrderID:      r.EntryOrderID,
		StopLossOrderID:   r.StopLossOrderID,
		TakeProfitOrderID: r.TakeProfitOrderID,
		EntryTradeIDs:     tradeIDs,
	}
}

func toOCOPairRow(p *core.OCOPair) *ocoPairRow {
	return &ocoPairRow{
		PairID:             p.PairID,
		PositionID:         p.PositionID,
		StrategyPositionID: p.StrategyPositionID,
		Symbol:             p.Symbol,
		PositionSide:       string(p.PositionSide),
		Quantity:           p.Quantity,
		EntryPrice:         p.EntryPrice,
		SLOrderID:          p.SLOrderID,
		TPOrderID:          p.TPOrderID,
		Status:             string(p.Status),
		CloseReason:        string(p.CloseReason),
		CreatedAt:          p.CreatedAt,
		CompletedAt:        p.CompletedAt,
	}
}

func fromOCOPairRow(r *ocoPairRow) *core.OCOPair {
	return &core.OCOPair{
		PairID:             r.PairID,
		PositionID:         r.PositionID,
		StrategyPositionID: r.StrategyPositionID,
		Symbol:             r.Symbol,
		PositionSide:       core.PositionSide(r.PositionSide),
		Quantity:           r.Quantity,
		EntryPrice:         r.EntryPrice,
		SLOrderID:          r.SLOrderID,
		TPOrderID:          r.TPOrderID,
		Status:             core.OCOStatus(r.Status),
		CloseReason:        core.CloseReason(r.CloseReason),
		CreatedAt:          r.CreatedAt,
		CompletedAt:        r.CompletedAt,
	}
}
