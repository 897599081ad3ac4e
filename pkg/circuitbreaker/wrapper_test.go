package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"

	"eventbus/internal/config"
)

func TestWrapper_OpensAfterFailures(t *testing.T) {
	cfg := FromConfig("test-store", config.CircuitBreakerConfig{
		MinRequests:  2,
		FailureRatio: 0.5,
		Timeout:      time.Minute,
	})
	w := NewWrapper(cfg)

	boom := errors.New("connection reset")
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, w.Run(context.Background(), func() error { return boom }), boom)
	}

	assert.True(t, w.IsOpen())
	err := w.Run(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestWrapper_CancelledContext(t *testing.T) {
	w := NewWrapper(DefaultConfig("cancelled"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := w.Run(ctx, func() error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Equal(t, gobreaker.StateClosed, w.State())
}
