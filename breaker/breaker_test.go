package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/internal/clock"
)

func newTestBreaker(t *testing.T) (*Breaker, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := New(Config{Name: "deepseek", BaseThreshold: 5, BaseTimeout: 30 * time.Second}, fc, nil, zap.NewNop())
	return b, fc
}

func TestBreaker_ClosedAllowsUntilThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)
	// Every sample is an error (rate 1.0 > 0.5), so the adaptive threshold
	// is base 5 halved to 2: the first failure stays closed, the second trips.
	for i := 0; i < 1; i++ {
		require.NoError(t, b.Allow())
		b.Record(false, 10)
	}
	assert.Equal(t, Closed, b.Snapshot().State)

	require.NoError(t, b.Allow())
	b.Record(false, 10)
	assert.Equal(t, Open, b.Snapshot().State)
}

func TestBreaker_OpenRejectsUntilTimeoutElapses(t *testing.T) {
	b, fc := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		b.Record(false, 10)
	}
	require.Equal(t, Open, b.Snapshot().State)

	err := b.Allow()
	require.Error(t, err)

	// error rate 1.0 triples the 30s base to 90s, times the 1.5 backoff = 135s
	fc.Advance(136 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, HalfOpen, b.Snapshot().State)
}

func TestBreaker_HalfOpenClosesAfterQuorum(t *testing.T) {
	b, fc := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		b.Record(false, 10)
	}
	fc.Advance(136 * time.Second) // 30s * 3 (error rate 1.0) * 1.5 backoff
	require.NoError(t, b.Allow())
	require.Equal(t, HalfOpen, b.Snapshot().State)

	// first trip: quorum = min(3, 1+1) = 2
	b.Record(true, 5)
	assert.Equal(t, HalfOpen, b.Snapshot().State)
	b.Record(true, 5)
	assert.Equal(t, Closed, b.Snapshot().State)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, fc := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		b.Record(false, 10)
	}
	fc.Advance(136 * time.Second) // 30s * 3 (error rate 1.0) * 1.5 backoff
	require.NoError(t, b.Allow())

	b.Record(false, 10)
	assert.Equal(t, Open, b.Snapshot().State)
	assert.Equal(t, 2, b.Snapshot().TripCount)
}

func TestBreaker_BackoffMultiplierGrowsAndShrinks(t *testing.T) {
	b, fc := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		b.Record(false, 10)
	}
	s := b.Snapshot()
	assert.InDelta(t, 1.5, s.BackoffMultiplier, 0.001)

	fc.Advance(136 * time.Second) // 30s * 3 (error rate 1.0) * 1.5 backoff
	require.NoError(t, b.Allow())
	b.Record(true, 5)
	b.Record(true, 5)
	s = b.Snapshot()
	assert.Equal(t, Closed, s.State)
	assert.InDelta(t, 1.0, s.BackoffMultiplier, 0.001)
}

func TestAdaptiveThreshold(t *testing.T) {
	tests := []struct {
		name      string
		errorRate float64
		samples   int
		want      int
	}{
		{"high error rate halves and floors at 2", 0.6, 10, 2},
		{"elevated error rate scales by 0.7", 0.3, 10, 3},
		{"low error rate with enough samples doubles", 0.01, 60, 10},
		{"nominal unchanged", 0.1, 10, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBreaker(t)
			nErr := int(float64(tt.samples) * tt.errorRate)
			for i := 0; i < tt.samples; i++ {
				b.samples = append(b.samples, sample{isError: i < nErr})
			}
			got := b.adaptiveThresholdLocked()
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHalfOpenQuorum(t *testing.T) {
	assert.Equal(t, 1, halfOpenQuorum(0))
	assert.Equal(t, 2, halfOpenQuorum(1))
	assert.Equal(t, 3, halfOpenQuorum(2))
	assert.Equal(t, 3, halfOpenQuorum(10))
}
