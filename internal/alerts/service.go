// Package alerts is the compliance side of the engine: it records emitted
// breaches, pushes them to dashboards and moves them through their review
// lifecycle.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sentinel/risk-engine/internal/metrics"
	"github.com/sentinel/risk-engine/internal/model"
	"github.com/sentinel/risk-engine/internal/store"
	"github.com/sentinel/risk-engine/internal/transport"
)

// ConsumerGroup is the subscription group for limit-breached events.
const ConsumerGroup = "alerts-service"

// Broadcast message types.
const (
	MsgBreach        = "breach"
	MsgBreachUpdated = "breach-updated"
)

var ErrInvalidTransition = errors.New("alerts: invalid status transition")

// transitionAttempts bounds retries when a concurrent update wins the race.
const transitionAttempts = 3

// Broadcaster pushes a typed message to connected dashboards.
type Broadcaster interface {
	Broadcast(msgType string, payload any)
}

// Service records and manages breaches.
type Service struct {
	store  store.Store
	hub    Broadcaster
	logger *slog.Logger
}

// NewService creates an alerts service.
func NewService(st store.Store, hub Broadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, hub: hub, logger: logger}
}

// HandleBreach consumes one limit-breached event: persist, push, and log
// critical breaches. A redelivered breach is acknowledged without a second
// push.
func (s *Service) HandleBreach(ctx context.Context, msg transport.Message) error {
	var b model.Breach
	if err := msg.Decode(&b); err != nil {
		return err
	}
	if b.Status == "" {
		b.Status = model.StatusNew
	}

	if err := s.store.InsertBreach(ctx, &b); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			s.logger.Debug("breach already recorded", "breach_id", b.ID)
			return nil
		}
		return fmt.Errorf("alerts: record breach %s: %w", b.ID, err)
	}

	s.hub.Broadcast(MsgBreach, b)

	if b.Severity == model.SeverityCritical {
		s.logger.Warn("critical limit breach",
			"breach_id", b.ID,
			"limit_type", b.Type.String(),
			"trader", b.Trader,
			"symbol", b.Symbol,
			"actual", b.Actual.String(),
			"threshold", b.Threshold.String(),
		)
	}
	return nil
}

// Active returns breaches still awaiting review.
func (s *Service) Active(ctx context.Context) ([]model.Breach, error) {
	return s.List(ctx, model.StatusNew)
}

// List returns breaches in status, newest first; empty status lists all.
func (s *Service) List(ctx context.Context, status model.BreachStatus) ([]model.Breach, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("alerts: unknown status %q", status)
	}
	return s.store.ListBreaches(ctx, status)
}

// Get returns one breach.
func (s *Service) Get(ctx context.Context, id string) (*model.Breach, error) {
	return s.store.GetBreach(ctx, id)
}

// Acknowledge moves a NEW breach to ACKNOWLEDGED.
func (s *Service) Acknowledge(ctx context.Context, id string) (*model.Breach, error) {
	return s.transition(ctx, id, model.StatusAcknowledged)
}

// Resolve moves a NEW or ACKNOWLEDGED breach to RESOLVED.
func (s *Service) Resolve(ctx context.Context, id string) (*model.Breach, error) {
	return s.transition(ctx, id, model.StatusResolved)
}

func (s *Service) transition(ctx context.Context, id string, to model.BreachStatus) (*model.Breach, error) {
	for attempt := 1; ; attempt++ {
		b, err := s.store.GetBreach(ctx, id)
		if err != nil {
			return nil, err
		}
		if !b.Status.CanTransition(to) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, to)
		}

		err = s.store.UpdateBreachStatus(ctx, id, b.Status, to)
		if errors.Is(err, store.ErrStatusConflict) && attempt < transitionAttempts {
			continue
		}
		if err != nil {
			return nil, err
		}

		b.Status = to
		metrics.BreachTransitions.WithLabelValues(string(to)).Inc()
		s.logger.Info("breach status changed", "breach_id", id, "status", string(to))
		s.hub.Broadcast(MsgBreachUpdated, b)
		return b, nil
	}
}
