package connection

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Unlimited retries reconnection forever.
const Unlimited = -1

// Policy controls how failed connection attempts are retried.
type Policy struct {
	// MaxAttempts is the number of failed opens after which the manager
	// gives up, or Unlimited.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Exponential bool
	Jitter      bool
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 10,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Exponential: true,
		Jitter:      true,
	}
}

// Validate reports the first invalid field.
func (p Policy) Validate() error {
	if p.MaxAttempts == 0 || p.MaxAttempts < Unlimited {
		return fmt.Errorf("max_attempts must be >= 1 or %d, got %d", Unlimited, p.MaxAttempts)
	}
	if p.BaseDelay <= 0 {
		return errors.New("base_delay must be > 0")
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max_delay (%v) cannot be less than base_delay (%v)", p.MaxDelay, p.BaseDelay)
	}
	return nil
}

// Exhausted reports whether failures failed opens use up the policy.
func (p Policy) Exhausted(failures int) bool {
	return p.MaxAttempts != Unlimited && failures >= p.MaxAttempts
}

// Delay returns the wait before retry number n (starting at 0). rnd must
// return values in [0,1); it is only consulted when Jitter is set.
func (p Policy) Delay(n int, rnd func() float64) time.Duration {
	d := p.BaseDelay
	if p.Exponential && n > 0 {
		scaled := float64(p.BaseDelay) * math.Pow(2, float64(n))
		if scaled >= float64(p.MaxDelay) {
			d = p.MaxDelay
		} else {
			d = time.Duration(scaled)
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && rnd != nil {
		d = time.Duration(float64(d) * (0.5 + rnd()))
	}
	return d
}
