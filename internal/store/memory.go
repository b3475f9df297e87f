package store

import (
	"context"
	"sync"
	"time"
	"trading_engine/internal/core"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process core.IDocumentStore used by tests and local
// single-replica runs. Atomicity is a single mutex.
type MemoryStore struct {
	mu        sync.Mutex
	positions map[string]*core.Position // position_id -> record
	dailyPnL  map[string]decimal.Decimal
	locks     map[string]*core.LockRecord
	leader    *core.LeaderRecord
	ocoPairs  map[string]*core.OCOPair
	configs   map[string]*core.TradingConfigRecord
	audits    []*core.AuditRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]*core.Position),
		dailyPnL:  make(map[string]decimal.Decimal),
		locks:     make(map[string]*core.LockRecord),
		ocoPairs:  make(map[string]*core.OCOPair),
		configs:   make(map[string]*core.TradingConfigRecord),
	}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Ping(ctx context.Context) error    { return nil }
func (s *MemoryStore) Close() error                      { return nil }

func (s *MemoryStore) SavePosition(ctx context.Context, p *core.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.positions[p.PositionID] = &cp
	return nil
}

func (s *MemoryStore) GetPosition(ctx context.Context, symbol string, side core.PositionSide) (*core.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *core.Position
	for _, p := range s.positions {
		if p.Symbol != symbol || p.PositionSide != side || p.Status != core.PositionStatusOpen {
			continue
		}
		if latest == nil || p.LastUpdate.After(latest.LastUpdate) {
			latest = p
		}
	}
	if latest == nil {
		return nil, core.ErrRecordMissing
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) ListOpenPositions(ctx context.Context) ([]*core.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Position
	for _, p := range s.positions {
		if p.Status == core.PositionStatusOpen {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkPositionClosed(ctx context.Context, positionID string, realizedPnL decimal.Decimal, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.positions[positionID]; ok {
		p.Status = core.PositionStatusClosed
		p.Quantity = decimal.Zero
		p.RealizedPnL = realizedPnL
		p.LastUpdate = closedAt
	}
	return nil
}

func (s *MemoryStore) AddDailyPnL(ctx context.Context, date string, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dailyPnL[date] = s.dailyPnL[date].Add(delta)
	return nil
}

func (s *MemoryStore) GetDailyPnL(ctx context.Context, date string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dailyPnL[date], nil
}

func (s *MemoryStore) TryAcquireLock(ctx context.Context, name, podID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	existing, ok := s.locks[name]
	if ok && existing.ExpiresAt.After(now) && existing.PodID != podID {
		return false, nil
	}
	acquiredAt := now
	if ok && existing.PodID == podID && existing.ExpiresAt.After(now) {
		acquiredAt = existing.AcquiredAt
	}
	s.locks[name] = &core.LockRecord{
		Name:       name,
		PodID:      podID,
		AcquiredAt: acquiredAt,
		ExpiresAt:  now.Add(ttl),
		UpdatedAt:  now,
	}
	return true, nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, name, podID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.locks[name]; ok && existing.PodID == podID {
		delete(s.locks, name)
	}
	return nil
}

func (s *MemoryStore) DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var swept int64
	for name, lock := range s.locks {
		if lock.ExpiresAt.Before(now) {
			delete(s.locks, name)
			swept++
		}
	}
	return swept, nil
}

func (s *MemoryStore) TryAcquireLeadership(ctx context.Context, podID string, staleAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if s.leader != nil && s.leader.PodID != podID && now.Sub(s.leader.LastHeartbeat) < staleAfter {
		return false, nil
	}
	s.leader = &core.LeaderRecord{
		PodID:         podID,
		ElectedAt:     now,
		LastHeartbeat: now,
	}
	return true, nil
}

func (s *MemoryStore) HeartbeatLeader(ctx context.Context, podID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leader == nil || s.leader.PodID != podID {
		return core.ErrNotLeader
	}
	s.leader.LastHeartbeat = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetLeader(ctx context.Context) (*core.LeaderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leader == nil {
		return nil, core.ErrRecordMissing
	}
	cp := *s.leader
	return &cp, nil
}

func (s *MemoryStore) ResignLeadership(ctx context.Context, podID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leader != nil && s.leader.PodID == podID {
		s.leader = nil
	}
	return nil
}

func (s *MemoryStore) SaveOCOPair(ctx context.Context, pair *core.OCOPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pair
	s.ocoPairs[pair.PairID] = &cp
	return nil
}

func (s *MemoryStore) UpdateOCOPairStatus(ctx context.Context, pairID string, status core.OCOStatus, reason core.CloseReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.ocoPairs[pairID]; ok {
		p.Status = status
		p.CloseReason = reason
		p.CompletedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) ListActiveOCOPairs(ctx context.Context) ([]*core.OCOPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.OCOPair
	for _, p := range s.ocoPairs {
		if p.Status == core.OCOStatusActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTradingConfigs(ctx context.Context) ([]*core.TradingConfigRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.TradingConfigRecord
	for _, c := range s.configs {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) SetTradingConfig(ctx context.Context, rec *core.TradingConfigRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.UpdatedAt = time.Now().UTC()
	s.configs[rec.Scope] = &cp
	return nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, rec *core.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.audits = append(s.audits, &cp)
	return nil
}

// Audits returns a snapshot of the audit trail, for tests.
func (s *MemoryStore) Audits() []*core.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.AuditRecord, len(s.audits))
	copy(out, s.audits)
	return out
}
