package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowWithinBurst(t *testing.T) {
	l := NewLimiter(10, 5)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow(), "request %d within burst should pass", i)
	}
	assert.False(t, l.Allow(), "request past the burst should be rejected")
}

func TestTokensRefill(t *testing.T) {
	l := NewLimiter(100, 2)

	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	// 100 tokens/s means ~50ms buys back a few tokens.
	time.Sleep(50 * time.Millisecond)
	assert.True(t, l.Allow())
}

func TestRefillCapsAtBurst(t *testing.T) {
	l := NewLimiter(10, 3)

	// Half a second buys 5 tokens but the bucket holds only 3.
	time.Sleep(500 * time.Millisecond)

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow() {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
}
