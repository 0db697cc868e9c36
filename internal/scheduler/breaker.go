package scheduler

import (
	"sync"
	"time"
)

// BreakerState is the state of a capability circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the rolling error-rate window.
type BreakerConfig struct {
	// Window is how far back outcomes are counted.
	Window time.Duration
	// MinRequests is the minimum number of outcomes in the window before the rate is judged.
	MinRequests int
	// ErrorRateThreshold opens the breaker when the failure ratio exceeds it.
	ErrorRateThreshold float64
	// Cooldown is how long the breaker stays open before admitting one trial call.
	Cooldown time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Window:             time.Minute,
		MinRequests:        10,
		ErrorRateThreshold: 0.5,
		Cooldown:           30 * time.Second,
	}
}

type outcome struct {
	at     time.Time
	failed bool
}

// Breaker is a per-capability circuit breaker over a rolling error-rate window.
//
// Closed admits everything. Open rejects until Cooldown has elapsed, then admits a single
// trial and moves to half-open. The trial's result closes or reopens the breaker.
//
// Safe for concurrent use.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu         sync.Mutex
	state      BreakerState
	outcomes   []outcome
	openedAt   time.Time
	trialSince time.Time
}

func NewBreaker(cfg BreakerConfig, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	if cfg.MinRequests < 1 {
		cfg.MinRequests = 1
	}
	return &Breaker{cfg: cfg, now: now}
}

// Allow reports whether a new submission may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if now.Sub(b.openedAt) >= b.cfg.Cooldown {
			b.state = BreakerHalfOpen
			b.trialSince = now
			return true
		}
		return false
	case BreakerHalfOpen:
		// A trial that never reported back (cancelled while queued) is replaced after another cooldown.
		if now.Sub(b.trialSince) >= b.cfg.Cooldown {
			b.trialSince = now
			return true
		}
		return false
	}
	return false
}

// Record feeds the outcome of one capability call.
func (b *Breaker) Record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	switch b.state {
	case BreakerHalfOpen:
		if failed {
			b.state = BreakerOpen
			b.openedAt = now
			return
		}
		b.state = BreakerClosed
		b.outcomes = b.outcomes[:0]
	case BreakerOpen:
		// Calls admitted before the breaker opened do not change its state.
	case BreakerClosed:
		b.outcomes = append(b.outcomes, outcome{at: now, failed: failed})
		b.prune(now)
		if len(b.outcomes) < b.cfg.MinRequests {
			return
		}
		if b.errorRate() > b.cfg.ErrorRateThreshold {
			b.state = BreakerOpen
			b.openedAt = now
		}
	}
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.outcomes) && b.outcomes[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.outcomes = append(b.outcomes[:0], b.outcomes[i:]...)
	}
}

func (b *Breaker) errorRate() float64 {
	if len(b.outcomes) == 0 {
		return 0
	}
	failures := 0
	for _, o := range b.outcomes {
		if o.failed {
			failures++
		}
	}
	return float64(failures) / float64(len(b.outcomes))
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
