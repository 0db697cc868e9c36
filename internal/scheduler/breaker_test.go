package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBreakerOpensOnErrorRate(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(BreakerConfig{Window: time.Minute, MinRequests: 4, ErrorRateThreshold: 0.5, Cooldown: 30 * time.Second}, clock.now)

	b.Record(true)
	b.Record(true)
	b.Record(true)
	assert.Equal(t, BreakerClosed, b.State(), "below MinRequests")

	b.Record(false)
	assert.Equal(t, BreakerOpen, b.State(), "3/4 failures exceeds 0.5")
	assert.False(t, b.Allow())

	clock.advance(30 * time.Second)
	assert.True(t, b.Allow(), "one trial after cooldown")
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one trial")

	b.Record(true)
	assert.Equal(t, BreakerOpen, b.State())
	clock.advance(30 * time.Second)
	assert.True(t, b.Allow())
	b.Record(false)
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerWindowForgetsOldFailures(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(BreakerConfig{Window: time.Minute, MinRequests: 2, ErrorRateThreshold: 0.5, Cooldown: time.Second}, clock.now)

	b.Record(true)
	clock.advance(2 * time.Minute)
	b.Record(false)
	b.Record(true)
	assert.Equal(t, BreakerClosed, b.State(), "1/2 does not exceed 0.5 once the old failure ages out")
}

func TestBreakerReplacesLostTrial(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(BreakerConfig{Window: time.Minute, MinRequests: 1, ErrorRateThreshold: 0.1, Cooldown: time.Second}, clock.now)
	b.Record(true)
	clock.advance(time.Second)
	assert.True(t, b.Allow())
	assert.False(t, b.Allow())
	clock.advance(time.Second)
	assert.True(t, b.Allow())
}

func TestBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Jitter: 0.2}
	zero := func() float64 { return 0 }
	full := func() float64 { return 1 }

	assert.Equal(t, 100*time.Millisecond, p.Backoff(1, zero))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2, zero))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(3, zero), "capped")
	assert.Equal(t, 360*time.Millisecond, p.Backoff(5, full), "cap plus 20% jitter")
	assert.Equal(t, 120*time.Millisecond, p.Backoff(1, full))
}
