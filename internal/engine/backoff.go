package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// BackoffConfig shapes the deferred-run retry delays.
type BackoffConfig struct {
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	Jitter       bool
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 5 * time.Second
	}
	if c.Factor <= 0 {
		c.Factor = 2.0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	return c
}

// DelayForAttempt computes the delay before retry `attempt` (1-indexed).
// base = initial * factor^(attempt-1), capped, then jittered into
// [0.5x, 1.5x]. The jitter is derived from the seed so a given run retries
// on a reproducible schedule.
func DelayForAttempt(attempt int, cfg BackoffConfig, seed string) time.Duration {
	cfg = cfg.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	base := float64(cfg.InitialDelay) * math.Pow(cfg.Factor, float64(attempt-1))
	base = math.Min(base, float64(cfg.MaxDelay))
	if cfg.Jitter {
		base *= 0.5 + jitterUnit(seed)
	}
	return time.Duration(base)
}

// DeferralDelay is the schedule for breaker-deferred runs.
func DeferralDelay(runID string, attempt int, cfg BackoffConfig) time.Duration {
	return DelayForAttempt(attempt, cfg, fmt.Sprintf("%s:%d", runID, attempt))
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}
