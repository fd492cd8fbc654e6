package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultStrategy(t *testing.T) {
	strategy := DefaultStrategy()

	assert.Equal(t, 60*time.Second, strategy.LeaseDuration)
	assert.Equal(t, 30*time.Second, strategy.RenewalLookahead)
	assert.Equal(t, 5, strategy.MaxDeliveries)
	assert.Equal(t, 1*time.Second, strategy.BaseDelay)
	assert.Equal(t, 30*time.Second, strategy.MaxDelay)
	assert.Equal(t, 2.0, strategy.ExponentialBase)
}

func TestStrategy_CalculateBackoff(t *testing.T) {
	strategy := DefaultStrategy()

	tests := []struct {
		name          string
		attemptNumber int
		expectedDelay time.Duration
	}{
		{"zero attempts returns base delay", 0, 1 * time.Second},
		{"first attempt doubles", 1, 2 * time.Second},
		{"second attempt", 2, 4 * time.Second},
		{"third attempt", 3, 8 * time.Second},
		{"fourth attempt", 4, 16 * time.Second},
		{"fifth attempt capped", 5, 30 * time.Second},
		{"large attempt number still capped", 100, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedDelay, strategy.CalculateBackoff(tt.attemptNumber))
		})
	}
}

func TestStrategy_CalculateBackoff_CustomStrategy(t *testing.T) {
	strategy := Strategy{
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        1 * time.Second,
		ExponentialBase: 3.0,
	}

	assert.Equal(t, 100*time.Millisecond, strategy.CalculateBackoff(0))
	assert.Equal(t, 300*time.Millisecond, strategy.CalculateBackoff(1))
	assert.Equal(t, 900*time.Millisecond, strategy.CalculateBackoff(2))
	assert.Equal(t, 1*time.Second, strategy.CalculateBackoff(3))
}

func TestStrategy_ShouldDeadLetter(t *testing.T) {
	strategy := DefaultStrategy()

	assert.False(t, strategy.ShouldDeadLetter(0))
	assert.False(t, strategy.ShouldDeadLetter(4))
	assert.True(t, strategy.ShouldDeadLetter(5))
	assert.True(t, strategy.ShouldDeadLetter(6))
}
