package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/contract-catalog/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRemote = errors.New("gateway 502")

func testBreaker(now *time.Time) *CircuitBreaker {
	cb := NewCircuitBreaker(&Config{
		Name:             "ipfs.io",
		MinCalls:         10,
		FailureThreshold: 0.5,
		ConsecutiveFails: 3,
		Timeout:          time.Minute,
		HalfOpenMaxCalls: 1,
	})
	cb.now = func() time.Time { return *now }
	return cb
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	ctx := logging.WithLogger(context.Background(), logging.NewDiscardLogger())
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := testBreaker(&clock)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errRemote })
	}
	require.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "open circuit must not call through")

	clock = clock.Add(2 * time.Minute)
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	ctx := logging.WithLogger(context.Background(), logging.NewDiscardLogger())
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := testBreaker(&clock)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errRemote })
	}
	clock = clock.Add(2 * time.Minute)

	assert.ErrorIs(t, cb.Execute(ctx, func() error { return errRemote }), errRemote)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_CancelledCallsDoNotCount(t *testing.T) {
	clock := time.Now()
	cb := testBreaker(&clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, func() error { return ctx.Err() })
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestManager_ReusesBreakers(t *testing.T) {
	m := NewManager(nil)
	a := m.Get("gateway.pinata.cloud")
	b := m.Get("gateway.pinata.cloud")
	assert.Same(t, a, b)
	assert.Equal(t, map[string]State{"gateway.pinata.cloud": StateClosed}, m.States())
}
