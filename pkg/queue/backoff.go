package queue

import (
	"math/rand"
	"strconv"
	"time"
)

// Backoff computes retry delays: Base doubled per attempt, capped at Max,
// with +/- Jitter applied so synchronized failures do not retry in lockstep.
type Backoff struct {
	Base   time.Duration `mapstructure:"base"`
	Max    time.Duration `mapstructure:"max"`
	Jitter float64       `mapstructure:"jitter"`
}

func (b *Backoff) applyDefaults() {
	if b.Base <= 0 {
		b.Base = 5 * time.Second
	}
	if b.Max <= 0 {
		b.Max = 15 * time.Minute
	}
	if b.Jitter <= 0 || b.Jitter > 1 {
		b.Jitter = 0.2
	}
}

// Delay returns the backoff before the next attempt, given the number of
// attempts already made (>= 1).
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	d := b.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	if d > b.Max {
		d = b.Max
	}

	spread := float64(d) * b.Jitter
	jittered := float64(d) + (rand.Float64()*2-1)*spread
	if jittered < float64(b.Base) {
		jittered = float64(b.Base)
	}
	return time.Duration(jittered)
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
