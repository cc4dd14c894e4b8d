package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errDown     = errors.New("connection refused")
	errNotFound = errors.New("not found")
)

func newBreaker(t *testing.T, gauge *prometheus.GaugeVec) *CircuitBreaker {
	t.Helper()
	cfg := DefaultConfig("store")
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, errNotFound) }
	cfg.StateGauge = gauge
	cb, err := New(cfg, nil)
	require.NoError(t, err)
	return cb
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "cb_state"}, []string{"name"})
	cb := newBreaker(t, gauge)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := Do(ctx, cb, func(context.Context) (int, error) { return 0, errDown })
		assert.ErrorIs(t, err, errDown)
	}
	assert.True(t, cb.IsOpen())
	assert.Equal(t, float64(1), testutil.ToFloat64(gauge.WithLabelValues("store")))

	called := false
	_, err := Do(ctx, cb, func(context.Context) (int, error) { called = true; return 1, nil })
	assert.True(t, IsOpenError(err))
	assert.False(t, called)
}

func TestDomainErrorsDoNotTrip(t *testing.T) {
	cb := newBreaker(t, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := Do(ctx, cb, func(context.Context) (string, error) { return "", errNotFound })
		assert.ErrorIs(t, err, errNotFound)
	}
	assert.True(t, cb.IsClosed())
}

func TestDoReturnsTypedValue(t *testing.T) {
	cb := newBreaker(t, nil)
	got, err := Do(context.Background(), cb, func(context.Context) ([]string, error) {
		return []string{"a"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got)
}

func TestManagerReusesBreakers(t *testing.T) {
	m := NewManager(nil)
	a, err := m.GetOrCreate("postgres", DefaultConfig(""))
	require.NoError(t, err)
	b, err := m.GetOrCreate("postgres", DefaultConfig(""))
	require.NoError(t, err)
	assert.Same(t, a, b)

	statuses := m.GetHealthStatus()
	require.Len(t, statuses, 1)
	assert.Equal(t, "postgres", statuses[0].Name)
	assert.True(t, statuses[0].Healthy)
}
