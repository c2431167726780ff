package viewer

import "time"

// BackoffConfig paces reconnect attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Second,
	}
}

// Delay returns the wait before reconnect attempt n (1-based). The delay
// grows by Multiplier per failed attempt and is clamped to MaxDelay.
func (c BackoffConfig) Delay(n int) time.Duration {
	if c.InitialDelay <= 0 {
		return 0
	}
	mult := max(c.Multiplier, 1.0)
	delay := c.InitialDelay
	for i := 1; i < n; i++ {
		next := time.Duration(float64(delay) * mult)
		if c.MaxDelay > 0 && next >= c.MaxDelay {
			return c.MaxDelay
		}
		if next < delay {
			// overflow
			return delay
		}
		delay = next
	}
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}
