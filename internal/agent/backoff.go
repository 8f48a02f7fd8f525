package agent

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/postalsys/kestrel/internal/config"
)

// Backoff computes reconnect delays: InitialDelay * Multiplier^attempt,
// capped at MaxDelay, then spread by +/- Jitter.
type Backoff struct {
	cfg config.ReconnectConfig

	// rand returns a value in [0, 1). Replaced in tests.
	rand func() float64
}

// NewBackoff creates a backoff calculator. Zero fields fall back to the
// agent defaults.
func NewBackoff(cfg config.ReconnectConfig) *Backoff {
	def := config.DefaultAgent().Reconnect
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	return &Backoff{cfg: cfg, rand: rand.Float64}
}

// Base returns the un-jittered delay for attempt (0-indexed).
func (b *Backoff) Base(attempt int) time.Duration {
	if attempt <= 0 {
		return b.cfg.InitialDelay
	}

	delay := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(attempt))
	if delay > float64(b.cfg.MaxDelay) {
		delay = float64(b.cfg.MaxDelay)
	}
	return time.Duration(delay)
}

// Delay returns the jittered delay for attempt.
func (b *Backoff) Delay(attempt int) time.Duration {
	return b.jitter(b.Base(attempt))
}

// Exhausted reports whether attempt exceeds MaxRetries (0 = never).
func (b *Backoff) Exhausted(attempt int) bool {
	return b.cfg.MaxRetries > 0 && attempt >= b.cfg.MaxRetries
}

func (b *Backoff) jitter(d time.Duration) time.Duration {
	if b.cfg.Jitter <= 0 {
		return d
	}

	jitterRange := float64(d) * b.cfg.Jitter
	offset := (b.rand()*2 - 1) * jitterRange

	result := time.Duration(float64(d) + offset)
	if result < 0 {
		result = d
	}
	return result
}
