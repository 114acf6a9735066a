// Package ingest consumes trade-created events and runs them through the
// risk evaluator, publishing every resulting breach.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sentinel/risk-engine/internal/metrics"
	"github.com/sentinel/risk-engine/internal/model"
	"github.com/sentinel/risk-engine/internal/transport"
)

// ConsumerGroup is the subscription group for trade-created events.
const ConsumerGroup = "risk-limit-service"

// Evaluator is the risk pipeline.
type Evaluator interface {
	ProcessTrade(ctx context.Context, t model.Trade) ([]model.Breach, error)
}

const (
	publishAttempts = 3
	publishBackoff  = 50 * time.Millisecond
)

// Processor is the trade-created handler.
type Processor struct {
	eval     Evaluator
	pub      transport.Publisher
	logger   *slog.Logger
	attempts int
	backoff  time.Duration
}

// NewProcessor creates a processor publishing breaches through pub.
func NewProcessor(eval Evaluator, pub transport.Publisher, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		eval:     eval,
		pub:      pub,
		logger:   logger,
		attempts: publishAttempts,
		backoff:  publishBackoff,
	}
}

// HandleTrade decodes, validates and evaluates one trade. Invalid payloads
// are counted and dropped without error so they are not redelivered.
func (p *Processor) HandleTrade(ctx context.Context, msg transport.Message) error {
	var t model.Trade
	if err := msg.Decode(&t); err != nil {
		metrics.TradesEvaluated.WithLabelValues(metrics.ResultRejected).Inc()
		p.logger.Warn("dropping undecodable trade", "key", msg.Key, "err", err)
		return nil
	}

	_, err := p.Process(ctx, t)
	if errors.Is(err, model.ErrInvalidTrade) {
		return nil
	}
	return err
}

// Process validates and evaluates t, then publishes each breach to
// limit-breached keyed by trader. It returns the breaches it published.
//
// The evaluator has already recorded the trade id, so a redelivery would be
// absorbed as a duplicate. Each breach is therefore retried here, and one
// that still fails does not stop the rest.
func (p *Processor) Process(ctx context.Context, t model.Trade) ([]model.Breach, error) {
	t = t.Normalize()
	if err := t.Validate(); err != nil {
		metrics.TradesEvaluated.WithLabelValues(metrics.ResultRejected).Inc()
		p.logger.Warn("rejected trade", "trade_id", t.ID, "err", err)
		return nil, err
	}

	start := time.Now()
	breaches, err := p.eval.ProcessTrade(ctx, t)
	metrics.EvaluationLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TradesEvaluated.WithLabelValues(metrics.ResultFailed).Inc()
		p.logger.Error("risk evaluation failed", "trade_id", t.ID, "trader", t.Trader, "symbol", t.Symbol, "err", err)
		return nil, err
	}

	// A duplicate looks the same as a clean trade: no breaches.
	metrics.TradesEvaluated.WithLabelValues(metrics.ResultEvaluated).Inc()

	sent := make([]model.Breach, 0, len(breaches))
	var errs []error
	for i := range breaches {
		b := &breaches[i]
		if err := p.publish(ctx, b); err != nil {
			p.logger.Error("breach publish failed",
				"breach_id", b.ID,
				"trade_id", b.TradeID,
				"limit_type", b.Type.String(),
				"err", err,
			)
			errs = append(errs, fmt.Errorf("ingest: publish breach %s: %w", b.ID, err))
			continue
		}
		metrics.BreachesTotal.WithLabelValues(b.Type.String(), b.Severity.String()).Inc()
		p.logger.Info("limit breached",
			"breach_id", b.ID,
			"trade_id", b.TradeID,
			"limit_type", b.Type.String(),
			"severity", b.Severity.String(),
			"trader", b.Trader,
			"symbol", b.Symbol,
		)
		sent = append(sent, *b)
	}
	return sent, errors.Join(errs...)
}

// publish sends b to limit-breached, retrying with a linear backoff.
func (p *Processor) publish(ctx context.Context, b *model.Breach) error {
	var err error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err = p.pub.Publish(ctx, transport.TopicLimitBreached, b.Trader, b); err == nil {
			return nil
		}
		if attempt == p.attempts {
			break
		}
		p.logger.Warn("breach publish retry", "breach_id", b.ID, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(time.Duration(attempt) * p.backoff):
		}
	}
	return err
}
