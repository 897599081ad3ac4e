package store

import (
	"context"
	"fmt"
	"time"

	"eventbus/internal/config"
	"eventbus/pkg/circuitbreaker"
	apperrors "eventbus/pkg/errors"
	"eventbus/pkg/models"
)

// CircuitBreakerGateway guards the dispatch bookkeeping writes so that an
// unhealthy database fails them fast instead of stalling every delivery.
// All other operations pass straight through to the wrapped gateway.
type CircuitBreakerGateway struct {
	Gateway
	cb *circuitbreaker.Wrapper
}

func NewCircuitBreakerGateway(inner Gateway, cfg config.CircuitBreakerConfig) Gateway {
	if !cfg.Enabled {
		return inner
	}

	cbConfig := circuitbreaker.FromConfig("postgres-bookkeeping", cfg)
	cbConfig.IsSuccessful = func(err error) bool {
		return err == nil || apperrors.IsNotFound(err)
	}

	return &CircuitBreakerGateway{
		Gateway: inner,
		cb:      circuitbreaker.NewWrapper(cbConfig),
	}
}

func (g *CircuitBreakerGateway) run(ctx context.Context, fn func() error) error {
	err := g.cb.Run(ctx, fn)
	if err != nil && g.cb.IsOpen() {
		return fmt.Errorf("circuit breaker is open for %s: %w", g.cb.Name(), err)
	}
	return err
}

func (g *CircuitBreakerGateway) InsertDelivery(ctx context.Context, d *models.Delivery) error {
	return g.run(ctx, func() error { return g.Gateway.InsertDelivery(ctx, d) })
}

func (g *CircuitBreakerGateway) RecordSubscriptionOutcome(ctx context.Context, id string, success bool, at time.Time) error {
	return g.run(ctx, func() error { return g.Gateway.RecordSubscriptionOutcome(ctx, id, success, at) })
}

func (g *CircuitBreakerGateway) MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	return g.run(ctx, func() error { return g.Gateway.MarkEventProcessed(ctx, eventID, at) })
}

func (g *CircuitBreakerGateway) IncrementReceived(ctx context.Context, pluginID string) error {
	return g.run(ctx, func() error { return g.Gateway.IncrementReceived(ctx, pluginID) })
}

func (g *CircuitBreakerGateway) UpsertDeadLetter(ctx context.Context, d *models.DeadLetter) (int, error) {
	var count int
	err := g.run(ctx, func() error {
		var err error
		count, err = g.Gateway.UpsertDeadLetter(ctx, d)
		return err
	})
	return count, err
}

func (g *CircuitBreakerGateway) State() string {
	return g.cb.State().String()
}
