package session

import (
	"math/rand/v2"
	"time"
)

// Backoff defaults.
const (
	defaultBackoffInitial     = time.Second
	defaultBackoffMax         = 60 * time.Second
	defaultBackoffMultiplier  = 2.0
	defaultBackoffStableReset = time.Minute
)

// BackoffConfig controls reconnect delays.
type BackoffConfig struct {
	// Initial is the first delay after a failure. Default: 1 second.
	Initial time.Duration

	// Max caps the delay. Default: 60 seconds.
	Max time.Duration

	// Multiplier grows the delay after each failed attempt. Default: 2.
	Multiplier float64

	// StableReset is how long a connection must stay ACTIVE before the
	// delay returns to Initial. Default: 1 minute.
	StableReset time.Duration
}

func (c *BackoffConfig) applyDefaults() {
	if c.Initial <= 0 {
		c.Initial = defaultBackoffInitial
	}
	if c.Max <= 0 {
		c.Max = defaultBackoffMax
	}
	if c.Max < c.Initial {
		c.Max = c.Initial
	}
	if c.Multiplier < 1 {
		c.Multiplier = defaultBackoffMultiplier
	}
	if c.StableReset <= 0 {
		c.StableReset = defaultBackoffStableReset
	}
}

// backoff produces exponentially growing delays with equal jitter: each
// delay is drawn from [base/2, base], where base doubles up to Max.
//
// Not safe for concurrent use; only the worker goroutine touches it.
type backoff struct {
	cfg     BackoffConfig
	current time.Duration
	jitter  func() float64
}

func newBackoff(cfg BackoffConfig) *backoff {
	cfg.applyDefaults()
	return &backoff{cfg: cfg, current: cfg.Initial, jitter: rand.Float64}
}

// Next returns the delay before the next attempt and advances the base.
func (b *backoff) Next() time.Duration {
	base := b.current

	next := time.Duration(float64(b.current) * b.cfg.Multiplier)
	if next > b.cfg.Max || next <= 0 {
		next = b.cfg.Max
	}
	b.current = next

	half := base / 2
	return half + time.Duration(b.jitter()*float64(base-half))
}

// Reset returns the base delay to Initial.
func (b *backoff) Reset() {
	b.current = b.cfg.Initial
}

// Stable reports whether an ACTIVE period of d earns a reset.
func (b *backoff) Stable(d time.Duration) bool {
	return d >= b.cfg.StableReset
}

// Current returns the base of the next delay.
func (b *backoff) Current() time.Duration {
	return b.current
}
