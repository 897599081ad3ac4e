package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type busState bool

func (b busState) Degraded() bool { return bool(b) }

func TestCheckerRegistry(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name     string
		checkers []Checker
		want     Status
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Checker{NewPingChecker("store", ok), NewBusChecker(busState(false))}, StatusHealthy},
		{"degraded bus", []Checker{NewPingChecker("store", ok), NewBusChecker(busState(true))}, StatusDegraded},
		{"store down", []Checker{NewPingChecker("store", down), NewBusChecker(busState(true))}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewCheckerRegistry()
			for _, c := range tt.checkers {
				r.Register(c)
			}
			h := r.Check(context.Background())
			assert.Equal(t, tt.want, h.Status)
			assert.Len(t, h.Checks, len(tt.checkers))
		})
	}
}

func TestPingChecker_WrapsError(t *testing.T) {
	c := NewPingChecker("store", pingFunc(func(context.Context) error { return errors.New("boom") }))
	err := c.Check(context.Background())
	assert.EqualError(t, err, "store ping failed: boom")
	assert.Equal(t, "store", c.Name())
}
