package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Default backoff policy values.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 5 * time.Second
	DefaultMaxDelay   = 5 * time.Minute
	DefaultMultiplier = 2.0

	jitterFraction = 0.10
)

// Policy is the retry/backoff policy: delay grows exponentially with the
// attempt number, capped at MaxDelay, optionally widened by up to +10%
// uniform jitter to avoid synchronized retry storms.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool

	mu  sync.Mutex
	rnd *rand.Rand
}

// DefaultPolicy returns the stock policy.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Multiplier: DefaultMultiplier,
		Jitter:     true,
	}
}

func (p *Policy) normalize() {
	if p.MaxRetries < 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
}

// Delay computes the backoff before retry number attempt (zero-based). The
// un-jittered delay is monotonically non-decreasing in attempt and never
// exceeds MaxDelay; jitter adds at most 10% on top.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	raw := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if raw > float64(p.MaxDelay) || math.IsInf(raw, 1) {
		raw = float64(p.MaxDelay)
	}
	delay := time.Duration(raw)
	if !p.Jitter {
		return delay
	}
	return delay + p.jitterFor(delay)
}

func (p *Policy) jitterFor(delay time.Duration) time.Duration {
	span := int64(float64(delay) * jitterFraction)
	if span <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return time.Duration(p.rnd.Int63n(span + 1))
}
