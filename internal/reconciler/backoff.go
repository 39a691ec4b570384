package reconciler

import (
	"math"
	"time"
)

const (
	defaultInitialDelay = 2 * time.Second
	defaultMultiplier   = 2.0
)

// backoffConfig shapes the delay between backend write retries. Zero values
// fall back to the defaults above; Jitter is a fraction of the computed
// delay and is clamped to [0, 1].
type backoffConfig struct {
	Initial    time.Duration
	Multiplier float64
	Jitter     float64
	Max        time.Duration
}

func (cfg backoffConfig) normalized() backoffConfig {
	if cfg.Initial <= 0 {
		cfg.Initial = defaultInitialDelay
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = defaultMultiplier
	}
	if cfg.Jitter > 1 {
		cfg.Jitter = 1
	}
	return cfg
}

// nextDelay returns the wait before retry number attempt (zero-based). rng
// is a uniform sample in [0, 1) supplied by the caller so tests can pin the
// jitter.
func (cfg backoffConfig) nextDelay(attempt int, rng float64) time.Duration {
	c := cfg.normalized()
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(c.Initial) * math.Pow(c.Multiplier, float64(attempt))
	if c.Jitter > 0 {
		// Spread the delay across [delay*(1-j), delay*(1+j)] to keep
		// restarting clients from retrying in lockstep.
		delay *= 1 + (rng*2-1)*c.Jitter
	}
	if c.Max > 0 && delay > float64(c.Max) {
		delay = float64(c.Max)
	}
	return time.Duration(delay)
}
