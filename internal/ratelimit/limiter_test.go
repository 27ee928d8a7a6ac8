package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalLimiter_OncePerInterval(t *testing.T) {
	l := NewIntervalLimiter(time.Hour)

	assert.True(t, l.Allow("s1"))
	assert.False(t, l.Allow("s1"))
	assert.True(t, l.Allow("s2"), "keys are independent")
}

func TestIntervalLimiter_RefillsAfterInterval(t *testing.T) {
	l := NewIntervalLimiter(20 * time.Millisecond)

	assert.True(t, l.Allow("s1"))
	assert.False(t, l.Allow("s1"))
	time.Sleep(30 * time.Millisecond)
	assert.True(t, l.Allow("s1"))
}

func TestLimiter_BurstAndForget(t *testing.T) {
	l := NewLimiter(1, 2)

	assert.True(t, l.Allow("k"))
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))

	l.Forget("k")
	assert.True(t, l.Allow("k"))
}
