package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	ceiling := 2 * time.Second

	for attempt := 1; attempt < 10; attempt++ {
		want := min(base<<(attempt-1), ceiling)
		slack := want/5 + time.Nanosecond
		for i := 0; i < 50; i++ {
			d := ExponentialJitter(base, ceiling, attempt)
			assert.GreaterOrEqual(t, d, want-slack, "attempt %d", attempt)
			assert.LessOrEqual(t, d, want+slack, "attempt %d", attempt)
		}
	}
}

func TestExponentialJitterTreatsZeroAttemptAsFirst(t *testing.T) {
	d := ExponentialJitter(time.Second, time.Minute, 0)
	assert.LessOrEqual(t, d, 1200*time.Millisecond)
	assert.GreaterOrEqual(t, d, 800*time.Millisecond)
}

func TestExponentialJitterZeroBase(t *testing.T) {
	assert.Equal(t, time.Duration(0), ExponentialJitter(0, time.Second, 3))
}
