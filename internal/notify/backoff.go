package notify

import (
	"math/rand"
	"time"
)

type Rand interface {
	Intn(n int) int
}

type BackoffConfig struct {
	Initial    time.Duration // default: 5 seconds
	Multiplier float64       // default: 1 (fixed delay)
	Max        time.Duration // default: 60 seconds, caps exponential growth
	Jitter     float64       // 0..1, fraction of the delay added at random; default 0

	// MaxAttempts bounds consecutive failed attempts; 0 means retry forever.
	MaxAttempts int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    5 * time.Second,
		Multiplier: 1,
		Max:        60 * time.Second,
	}
}

type Backoff struct {
	cfg BackoffConfig
	r   Rand
}

func NewBackoff(cfg BackoffConfig, r Rand) *Backoff {
	def := DefaultBackoffConfig()
	if cfg.Initial <= 0 {
		cfg.Initial = def.Initial
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter > 1 {
		cfg.Jitter = 1
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Backoff{cfg: cfg, r: r}
}

// Delay returns the wait before reconnect attempt n (1-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	d := b.cfg.Initial
	for i := 1; i < attempt && d < b.cfg.Max; i++ {
		d = time.Duration(float64(d) * b.cfg.Multiplier)
	}
	if d > b.cfg.Max {
		d = b.cfg.Max
	}
	if b.cfg.Jitter > 0 {
		span := int(float64(d) * b.cfg.Jitter / float64(time.Millisecond))
		if span > 0 {
			d += time.Duration(b.r.Intn(span+1)) * time.Millisecond
		}
	}
	return d
}

// Exhausted reports whether attempt n is past the configured bound.
func (b *Backoff) Exhausted(attempt int) bool {
	return b.cfg.MaxAttempts > 0 && attempt > b.cfg.MaxAttempts
}
