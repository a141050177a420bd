package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayCapsAtMax(t *testing.T) {
	s := Schedule{Base: time.Second, Cap: 30 * time.Second, Jitter: 0}
	assert.Equal(t, time.Second, s.Delay(1))
	assert.Equal(t, 2*time.Second, s.Delay(2))
	assert.Equal(t, 4*time.Second, s.Delay(3))
	assert.Equal(t, 30*time.Second, s.Delay(10))
}

func TestDelayJitterBounded(t *testing.T) {
	s := Schedule{Base: time.Second, Cap: 30 * time.Second, Jitter: 0.2}
	for i := 0; i < 100; i++ {
		d := s.Delay(1)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestJobLevelScheduleMatchesSpec(t *testing.T) {
	// 5s * 2^(n-1), per §4.E job-level retry delay.
	s := Schedule{Base: 5 * time.Second, Cap: time.Hour, Jitter: 0}
	assert.Equal(t, 5*time.Second, s.Delay(1))
	assert.Equal(t, 10*time.Second, s.Delay(2))
	assert.Equal(t, 20*time.Second, s.Delay(3))
}
