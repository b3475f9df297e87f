package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metric names
const (
	MetricTradesTotal            = "trades_total"
	MetricErrorsTotal            = "errors_total"
	MetricLatencySeconds         = "latency_seconds"
	MetricRiskRejectionsTotal    = "risk_rejections_total"
	MetricPositionsOpenedTotal   = "positions_opened_total"
	MetricPositionsClosedTotal   = "positions_closed_total"
	MetricNatsMessagesProcessed  = "nats_messages_processed_total"
	MetricNatsErrorsTotal        = "nats_errors_total"
	MetricOrderRetriesTotal      = "order_retries_total"
	MetricOpenPositions          = "open_positions"
	MetricActiveOCOPairs         = "active_oco_pairs"
	MetricDailyPnL               = "daily_pnl"
	MetricDistributedLocksSwept  = "distributed_locks_swept_total"
	MetricLeaderElected          = "leader_elected"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	TradesTotal           metric.Int64Counter
	ErrorsTotal           metric.Int64Counter
	LatencySeconds        metric.Float64Histogram
	RiskRejectionsTotal   metric.Int64Counter
	PositionsOpenedTotal  metric.Int64Counter
	PositionsClosedTotal  metric.Int64Counter
	NatsMessagesProcessed metric.Int64Counter
	NatsErrorsTotal       metric.Int64Counter
	OrderRetriesTotal     metric.Int64Counter
	LocksSweptTotal       metric.Int64Counter
	OpenPositions         metric.Int64ObservableGauge
	ActiveOCOPairs        metric.Int64ObservableGauge
	DailyPnL              metric.Float64ObservableGauge
	LeaderElected         metric.Int64ObservableGauge

	// State for observable gauges
	mu               sync.RWMutex
	openPositionsMap map[string]int64
	activePairsMap   map[string]int64
	dailyPnL         float64
	isLeader         int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder. Instruments start
// on the noop meter; Setup rebinds them to the Prometheus-backed meter.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			openPositionsMap: make(map[string]int64),
			activePairsMap:   make(map[string]int64),
		}
		_ = globalMetrics.InitMetrics(noop.NewMeterProvider().Meter("trading_engine"))
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.TradesTotal, err = meter.Int64Counter(MetricTradesTotal, metric.WithDescription("Trades dispatched, by outcome status and order type"))
	if err != nil {
		return err
	}

	m.ErrorsTotal, err = meter.Int64Counter(MetricErrorsTotal, metric.WithDescription("Engine errors by type"))
	if err != nil {
		return err
	}

	m.LatencySeconds, err = meter.Float64Histogram(MetricLatencySeconds, metric.WithDescription("Dispatch wall-clock latency"), metric.WithUnit("s"))
	if err != nil {
		return err
	}

	m.RiskRejectionsTotal, err = meter.Int64Counter(MetricRiskRejectionsTotal, metric.WithDescription("Orders rejected by risk checks"))
	if err != nil {
		return err
	}

	m.PositionsOpenedTotal, err = meter.Int64Counter(MetricPositionsOpenedTotal, metric.WithDescription("Positions opened"))
	if err != nil {
		return err
	}

	m.PositionsClosedTotal, err = meter.Int64Counter(MetricPositionsClosedTotal, metric.WithDescription("Positions closed, by close reason"))
	if err != nil {
		return err
	}

	m.NatsMessagesProcessed, err = meter.Int64Counter(MetricNatsMessagesProcessed, metric.WithDescription("Signal bus messages processed"))
	if err != nil {
		return err
	}

	m.NatsErrorsTotal, err = meter.Int64Counter(MetricNatsErrorsTotal, metric.WithDescription("Signal bus errors by type"))
	if err != nil {
		return err
	}

	m.OrderRetriesTotal, err = meter.Int64Counter(MetricOrderRetriesTotal, metric.WithDescription("Exchange call retries"))
	if err != nil {
		return err
	}

	m.LocksSweptTotal, err = meter.Int64Counter(MetricDistributedLocksSwept, metric.WithDescription("Expired distributed locks deleted by the sweeper"))
	if err != nil {
		return err
	}

	// Observables
	m.OpenPositions, err = meter.Int64ObservableGauge(MetricOpenPositions, metric.WithDescription("Currently open positions"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.openPositionsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ActiveOCOPairs, err = meter.Int64ObservableGauge(MetricActiveOCOPairs, metric.WithDescription("Active OCO bracket pairs"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.activePairsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("position_key", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.DailyPnL, err = meter.Float64ObservableGauge(MetricDailyPnL, metric.WithDescription("Realized P&L accumulated today (UTC)"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.dailyPnL)
			return nil
		}))
	if err != nil {
		return err
	}

	m.LeaderElected, err = meter.Int64ObservableGauge(MetricLeaderElected, metric.WithDescription("1 when this replica is the elected leader"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.isLeader)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetOpenPositions(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositionsMap[symbol] = count
}

func (m *MetricsHolder) SetActiveOCOPairs(positionKey string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activePairsMap[positionKey] = count
}

func (m *MetricsHolder) SetDailyPnL(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = value
}

func (m *MetricsHolder) SetLeader(isLeader bool) {
	val := int64(0)
	if isLeader {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isLeader = val
}
