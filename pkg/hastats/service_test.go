package hastats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelayFor(t *testing.T) {
	assert.Equal(t, 2*time.Second, retryDelayFor(0))
	assert.Equal(t, 4*time.Second, retryDelayFor(1))
	assert.Equal(t, 32*time.Second, retryDelayFor(4))
	assert.Equal(t, maxRetryDelay, retryDelayFor(5))
}

func TestRetryDelayForLongOutage(t *testing.T) {
	// A shift past 62 bits would go negative without the clamp.
	for _, count := range []int{62, 63, 64, 1000} {
		assert.Equal(t, maxRetryDelay, retryDelayFor(count))
	}
}
