package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowLimiterAllowsUpToLimit(t *testing.T) {
	l := NewWindowLimiter(3, time.Minute)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("10.0.0.1")
		assert.True(t, ok, "request %d", i)
	}
	ok, reset := l.Allow("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, now.Add(time.Minute), reset)

	ok, _ = l.Allow("10.0.0.2")
	assert.True(t, ok, "keys are limited independently")
}

func TestWindowLimiterResetsAfterWindow(t *testing.T) {
	l := NewWindowLimiter(1, 15*time.Minute)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	ok, _ := l.Allow("ip")
	assert.True(t, ok)
	ok, _ = l.Allow("ip")
	assert.False(t, ok)

	now = now.Add(15 * time.Minute)
	ok, _ = l.Allow("ip")
	assert.True(t, ok)
}
