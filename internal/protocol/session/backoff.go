package session

import (
	"math"
	"math/rand"
	"time"
)

// largest delay that survives float64 -> time.Duration conversion
const delayCeiling = float64(1 << 62)

// NextBackoffDelay returns the retry delay for attempt N (1-based):
// InitialDelay * Multiplier^(N-1), capped at MaxDelay when set.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if delay > delayCeiling {
		delay = delayCeiling
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = math.Min(delay*f, delayCeiling)
	}
	return time.Duration(delay)
}

// BackoffSchedule lists the delays for attempts 1..attempts without jitter.
func BackoffSchedule(cfg BackoffConfig, attempts int) []time.Duration {
	cfg.Jitter = false
	out := make([]time.Duration, 0, max(attempts, 0))
	for attempt := 1; attempt <= attempts; attempt++ {
		out = append(out, NextBackoffDelay(cfg, attempt, nil))
	}
	return out
}
