package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, Jitter: 0}

	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 32*time.Second, b.Delay(6))
	assert.Equal(t, time.Minute, b.Delay(7))
	assert.Equal(t, time.Minute, b.Delay(50))
}

func TestBackoffJitterBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.2}

	for i := 0; i < 200; i++ {
		d := b.Delay(4) // nominal 8s
		assert.GreaterOrEqual(t, d, time.Duration(float64(8*time.Second)*0.8)-time.Millisecond)
		assert.LessOrEqual(t, d, time.Duration(float64(8*time.Second)*1.2)+time.Millisecond)
	}
}

func TestBackoffNeverBelowBase(t *testing.T) {
	b := Backoff{Base: 10 * time.Second, Max: time.Minute, Jitter: 1}

	for i := 0; i < 200; i++ {
		assert.GreaterOrEqual(t, b.Delay(1), 10*time.Second)
	}
}

func TestBackoffDefaults(t *testing.T) {
	var b Backoff
	b.applyDefaults()

	assert.Equal(t, 5*time.Second, b.Base)
	assert.Equal(t, 15*time.Minute, b.Max)
	assert.Equal(t, 0.2, b.Jitter)
}

func TestBackoffClampsBadAttempts(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, Jitter: 0}
	assert.Equal(t, b.Delay(1), b.Delay(0))
	assert.Equal(t, b.Delay(1), b.Delay(-5))
}
