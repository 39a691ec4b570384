package reconciler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelayGrowsExponentially(t *testing.T) {
	cfg := backoffConfig{Initial: 2 * time.Second, Multiplier: 2, Max: 30 * time.Second}

	assert.Equal(t, 2*time.Second, cfg.nextDelay(0, 0.5))
	assert.Equal(t, 4*time.Second, cfg.nextDelay(1, 0.5))
	assert.Equal(t, 8*time.Second, cfg.nextDelay(2, 0.5))
	assert.Equal(t, 30*time.Second, cfg.nextDelay(10, 0.5), "capped at Max")
}

func TestNextDelayJitterBounds(t *testing.T) {
	cfg := backoffConfig{Initial: 2 * time.Second, Multiplier: 2, Jitter: 0.2, Max: time.Minute}

	low := cfg.nextDelay(0, 0)  // rng 0 pulls the delay down by the full jitter
	high := cfg.nextDelay(0, 1) // rng 1 pushes it up by the full jitter
	assert.Equal(t, 1600*time.Millisecond, low)
	assert.Equal(t, 2400*time.Millisecond, high)
}

func TestNextDelayDefaults(t *testing.T) {
	cfg := backoffConfig{}
	assert.Equal(t, 2*time.Second, cfg.nextDelay(0, 0.5))
	assert.Equal(t, 4*time.Second, cfg.nextDelay(1, 0.5))
	assert.Equal(t, 2*time.Second, cfg.nextDelay(-3, 0.5), "negative attempts clamp to zero")
}
