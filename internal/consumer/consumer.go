// Package consumer subscribes to the signal subject on NATS and feeds decoded
// signals into the dispatcher through a worker pool.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trading_engine/internal/config"
	"trading_engine/internal/core"
	"trading_engine/pkg/concurrency"
	"trading_engine/pkg/telemetry"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// SignalDispatcher is the downstream the consumer feeds.
type SignalDispatcher interface {
	Dispatch(ctx context.Context, signal *core.Signal) *core.DispatchResult
}

// Consumer owns the NATS connection and subscription. Every replica
// subscribes without a queue group: each one sees every signal and
// deduplication happens in the dispatcher, not on the bus.
type Consumer struct {
	cfg        config.NATSConfig
	dispatcher SignalDispatcher
	pool       *concurrency.WorkerPool
	logger     core.ILogger
	tracer     trace.Tracer

	conn *nats.Conn
	sub  *nats.Subscription

	baseCtx context.Context
}

// NewConsumer creates a consumer; Start connects and subscribes.
func NewConsumer(cfg config.NATSConfig, dispatcher SignalDispatcher, pool *concurrency.WorkerPool, logger core.ILogger) *Consumer {
	return &Consumer{
		cfg:        cfg,
		dispatcher: dispatcher,
		pool:       pool,
		logger:     logger.WithField("component", "signal_consumer"),
		tracer:     telemetry.GetTracer("signal_consumer"),
	}
}

// Start connects to NATS and subscribes to the signal subject. The connection
// reconnects forever; missed signals during an outage are not replayed.
func (c *Consumer) Start(ctx context.Context) error {
	c.baseCtx = ctx

	conn, err := nats.Connect(c.cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Duration(c.cfg.ReconnectWait)*time.Second),
		nats.PingInterval(time.Duration(c.cfg.PingInterval)*time.Second),
		nats.MaxPingsOutstanding(c.cfg.MaxPingsOutstanding),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.logger.Error("NATS async error", "error", err)
			telemetry.GetGlobalMetrics().NatsErrorsTotal.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("type", "async")))
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to nats at %s: %w", c.cfg.URL, err)
	}
	c.conn = conn

	sub, err := conn.Subscribe(c.cfg.SignalsSubject, c.handleMessage)
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribe to %s: %w", c.cfg.SignalsSubject, err)
	}
	c.sub = sub

	c.logger.Info("Signal consumer started", "subject", c.cfg.SignalsSubject, "url", c.cfg.URL)
	return nil
}

// Stop unsubscribes, drains the connection and waits for in-flight dispatches.
func (c *Consumer) Stop() {
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			c.logger.Warn("Unsubscribe failed", "error", err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Drain(); err != nil {
			c.logger.Warn("NATS drain failed", "error", err)
		}
		c.conn.Close()
	}
	c.pool.Stop()
	c.logger.Info("Signal consumer stopped")
}

func (c *Consumer) handleMessage(msg *nats.Msg) {
	metrics := telemetry.GetGlobalMetrics()

	var signal core.Signal
	if err := json.Unmarshal(msg.Data, &signal); err != nil {
		c.logger.Warn("Dropping undecodable signal message", "subject", msg.Subject, "error", err)
		metrics.NatsErrorsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("type", "decode")))
		return
	}

	err := c.pool.Submit(func() {
		c.processSignal(&signal, msg)
	})
	if err != nil {
		c.logger.Error("Signal dropped, worker pool saturated", "symbol", signal.Symbol, "error", err)
		metrics.NatsErrorsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("type", "pool_full")))
	}
}

func (c *Consumer) processSignal(signal *core.Signal, msg *nats.Msg) {
	ctx := c.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = c.extractTraceContext(ctx, signal)

	ctx, span := c.tracer.Start(ctx, "process_trading_signal",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", msg.Subject),
			attribute.String("signal.symbol", signal.Symbol),
			attribute.String("signal.action", string(signal.Action)),
			attribute.String("signal.strategy_id", signal.StrategyID),
			attribute.Float64("signal.confidence", signal.Confidence),
		))
	defer span.End()

	result := c.dispatcher.Dispatch(ctx, signal)

	telemetry.GetGlobalMetrics().NatsMessagesProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(result.Status)),
	))

	if msg.Reply != "" {
		c.reply(msg, signal, result)
	}
}

// extractTraceContext continues the upstream strategy's trace when the signal
// carries W3C tracecontext fields.
func (c *Consumer) extractTraceContext(ctx context.Context, signal *core.Signal) context.Context {
	carrier := signal.TraceContext
	if len(carrier) == 0 {
		carrier = signal.TraceHeaders
	}
	if len(carrier) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
}

// dispatchReply is the bus response published when the signal carried a
// reply subject.
type dispatchReply struct {
	Status   string               `json:"status"`
	SignalID string               `json:"signal_id,omitempty"`
	Result   *core.DispatchResult `json:"result,omitempty"`
	Error    string               `json:"error,omitempty"`
}

func (c *Consumer) reply(msg *nats.Msg, signal *core.Signal, result *core.DispatchResult) {
	out := dispatchReply{
		Status:   string(result.Status),
		SignalID: signal.SignalID,
		Result:   result,
		Error:    result.Error,
	}
	payload, err := json.Marshal(out)
	if err != nil {
		c.logger.Error("Failed to encode dispatch result", "error", err)
		return
	}
	if err := msg.Respond(payload); err != nil {
		c.logger.Warn("Failed to publish dispatch reply", "error", err)
	}
}
