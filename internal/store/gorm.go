// Package store implements the shared document store the replica fleet
// coordinates through. The SQL binding is gorm over postgres or sqlite; every
// exported method is a single atomic operation.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"trading_engine/internal/core"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const leaderKey = "leader"

// GormStore implements core.IDocumentStore over a SQL engine.
type GormStore struct {
	db     *gorm.DB
	logger core.ILogger
}

// NewGormStore opens the store. driver is "postgres" or "sqlite".
func NewGormStore(driver, dsn string, log core.ILogger) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver: %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	return &GormStore{
		db:     db,
		logger: log.WithField("component", "document_store"),
	}, nil
}

// Migrate creates the coordination tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&positionRow{},
		&dailyPnLRow{},
		&lockRow{},
		&leaderRow{},
		&ocoPairRow{},
		&tradingConfigRow{},
		&auditRow{},
	)
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Positions ---

func (s *GormStore) SavePosition(ctx context.Context, p *core.Position) error {
	row := toPositionRow(p)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "position_id"}},
			UpdateAll: true,
		}).
		Create(row).Error
}

func (s *GormStore) GetPosition(ctx context.Context, symbol string, side core.PositionSide) (*core.Position, error) {
	var row positionRow
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND position_side = ? AND status = ?", symbol, string(side), string(core.PositionStatusOpen)).
		Order("last_update DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrRecordMissing
	}
	if err != nil {
		return nil, err
	}
	return fromPositionRow(&row), nil
}

func (s *GormStore) ListOpenPositions(ctx context.Context) ([]*core.Position, error) {
	var rows []positionRow
	err := s.db.WithContext(ctx).
		Where("status = ?", string(core.PositionStatusOpen)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	positions := make([]*core.Position, 0, len(rows))
	for i := range rows {
		positions = append(positions, fromPositionRow(&rows[i]))
	}
	return positions, nil
}

func (s *GormStore) MarkPositionClosed(ctx context.Context, positionID string, realizedPnL decimal.Decimal, closedAt time.Time) error {
	return s.db.WithContext(ctx).
		Model(&positionRow{}).
		Where("position_id = ?", positionID).
		Updates(map[string]interface{}{
			"status":       string(core.PositionStatusClosed),
			"quantity":     decimal.Zero,
			"realized_pnl": realizedPnL,
			"last_update":  closedAt,
		}).Error
}

// --- Daily P&L ---

func (s *GormStore) AddDailyPnL(ctx context.Context, date string, delta decimal.Decimal) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "date"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"daily_pnl": gorm.Expr("daily_pnl + ?", delta),
			}),
		}).
		Create(&dailyPnLRow{Date: date, DailyPnL: delta}).Error
}

func (s *GormStore) GetDailyPnL(ctx context.Context, date string) (decimal.Decimal, error) {
	var row dailyPnLRow
	err := s.db.WithContext(ctx).Where("date = ?", date).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return row.DailyPnL, nil
}

// --- Distributed locks ---

// TryAcquireLock is the atomic upsert at the heart of replica coordination.
// The eligibility predicate (expired lease OR own lease) gates the UPDATE; a
// missed UPDATE falls through to an INSERT whose unique-key failure means a
// competing pod won the race.
func (s *GormStore) TryAcquireLock(ctx context.Context, name, podID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	acquired := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&lockRow{}).
			Where("name = ? AND (expires_at < ? OR pod_id = ?)", name, now, podID).
			Updates(map[string]interface{}{
				"pod_id":      podID,
				"acquired_at": now,
				"expires_at":  now.Add(ttl),
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			acquired = true
			return nil
		}

		// No eligible row; either the lock does not exist yet or another pod
		// holds an unexpired lease.
		var existing lockRow
		err := tx.Where("name = ?", name).First(&existing).Error
		if err == nil {
			acquired = existing.PodID == podID && existing.ExpiresAt.After(now)
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		createErr := tx.Create(&lockRow{
			Name:       name,
			PodID:      podID,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
			UpdatedAt:  now,
		}).Error
		if createErr != nil {
			if errors.Is(createErr, gorm.ErrDuplicatedKey) {
				return nil // lost the race
			}
			return createErr
		}
		acquired = true
		return nil
	})

	return acquired, err
}

func (s *GormStore) ReleaseLock(ctx context.Context, name, podID string) error {
	return s.db.WithContext(ctx).
		Where("name = ? AND pod_id = ?", name, podID).
		Delete(&lockRow{}).Error
}

func (s *GormStore) DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at < ?", now.UTC()).
		Delete(&lockRow{})
	return res.RowsAffected, res.Error
}

// --- Leader election ---

func (s *GormStore) TryAcquireLeadership(ctx context.Context, podID string, staleAfter time.Duration) (bool, error) {
	now := time.Now().UTC()
	stale := now.Add(-staleAfter)
	acquired := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&leaderRow{}).
			Where("status = ? AND (last_heartbeat < ? OR pod_id = ?)", leaderKey, stale, podID).
			Updates(map[string]interface{}{
				"pod_id":         podID,
				"elected_at":     now,
				"last_heartbeat": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			acquired = true
			return nil
		}

		var existing leaderRow
		err := tx.Where("status = ?", leaderKey).First(&existing).Error
		if err == nil {
			return nil // fresh leader held by another pod
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		createErr := tx.Create(&leaderRow{
			Status:        leaderKey,
			PodID:         podID,
			ElectedAt:     now,
			LastHeartbeat: now,
		}).Error
		if createErr != nil {
			if errors.Is(createErr, gorm.ErrDuplicatedKey) {
				return nil
			}
			return createErr
		}
		acquired = true
		return nil
	})

	return acquired, err
}

func (s *GormStore) HeartbeatLeader(ctx context.Context, podID string) error {
	res := s.db.WithContext(ctx).
		Model(&leaderRow{}).
		Where("status = ? AND pod_id = ?", leaderKey, podID).
		Update("last_heartbeat", time.Now().UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrNotLeader
	}
	return nil
}

func (s *GormStore) GetLeader(ctx context.Context) (*core.LeaderRecord, error) {
	var row leaderRow
	err := s.db.WithContext(ctx).Where("status = ?", leaderKey).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrRecordMissing
	}
	if err != nil {
		return nil, err
	}
	return &core.LeaderRecord{
		PodID:         row.PodID,
		ElectedAt:     row.ElectedAt,
		LastHeartbeat: row.LastHeartbeat,
	}, nil
}

func (s *GormStore) ResignLeadership(ctx context.Context, podID string) error {
	return s.db.WithContext(ctx).
		Where("status = ? AND pod_id = ?", leaderKey, podID).
		Delete(&leaderRow{}).Error
}

// --- OCO pairs ---

func (s *GormStore) SaveOCOPair(ctx context.Context, pair *core.OCOPair) error {
	row := toOCOPairRow(pair)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pair_id"}},
			UpdateAll: true,
		}).
		Create(row).Error
}

func (s *GormStore) UpdateOCOPairStatus(ctx context.Context, pairID string, status core.OCOStatus, reason core.CloseReason) error {
	return s.db.WithContext(ctx).
		Model(&ocoPairRow{}).
		Where("pair_id = ?", pairID).
		Updates(map[string]interface{}{
			"status":       string(status),
			"close_reason": string(reason),
			"completed_at": time.Now().UTC(),
		}).Error
}

func (s *GormStore) ListActiveOCOPairs(ctx context.Context) ([]*core.OCOPair, error) {
	var rows []ocoPairRow
	err := s.db.WithContext(ctx).
		Where("status = ?", string(core.OCOStatusActive)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	pairs := make([]*core.OCOPair, 0, len(rows))
	for i := range rows {
		pairs = append(pairs, fromOCOPairRow(&rows[i]))
	}
	return pairs, nil
}

// --- Trading configs ---

func (s *GormStore) ListTradingConfigs(ctx context.Context) ([]*core.TradingConfigRecord, error) {
	var rows []tradingConfigRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	recs := make([]*core.TradingConfigRecord, 0, len(rows))
	for i := range rows {
		params := map[string]interface{}{}
		if rows[i].Params != "" {
			if err := json.Unmarshal([]byte(rows[i].Params), &params); err != nil {
				s.logger.Warn("Skipping malformed trading config", "scope", rows[i].Scope, "error", err)
				continue
			}
		}
		recs = append(recs, &core.TradingConfigRecord{
			Scope:     rows[i].Scope,
			Params:    params,
			UpdatedAt: rows[i].UpdatedAt,
		})
	}
	return recs, nil
}

func (s *GormStore) SetTradingConfig(ctx context.Context, rec *core.TradingConfigRecord) error {
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("failed to encode trading config params: %w", err)
	}
	row := &tradingConfigRow{
		Scope:     rec.Scope,
		Params:    string(params),
		UpdatedAt: time.Now().UTC(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scope"}},
			UpdateAll: true,
		}).
		Create(row).Error
}

// --- Audit trail ---

func (s *GormStore) AppendAudit(ctx context.Context, rec *core.AuditRecord) error {
	detail, _ := json.Marshal(rec.Detail)
	return s.db.WithContext(ctx).Create(&auditRow{
		Event:     rec.Event,
		PodID:     rec.PodID,
		Symbol:    rec.Symbol,
		Detail:    string(detail),
		CreatedAt: rec.CreatedAt,
	}).Error
}
