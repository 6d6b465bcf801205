package rtp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStallDetectorEscalatesAfterStrikeRun(t *testing.T) {
	var failed int
	sd := NewStallDetector(func() { failed++ })
	now := time.Now()

	for i := 0; i < stallEscalateStrikes; i++ {
		sd.Strike(now)
		now = now.Add(100 * time.Millisecond)
	}
	assert.True(t, sd.Failed())
	assert.Equal(t, 1, failed)

	// Further strikes do not re-fire the notifier.
	sd.Strike(now)
	assert.Equal(t, 1, failed)
}

func TestStallDetectorGraceAbsorbsSporadicErrors(t *testing.T) {
	var failed int
	sd := NewStallDetector(func() { failed++ })
	now := time.Now()

	sd.Strike(now)
	sd.Strike(now.Add(time.Millisecond))
	assert.False(t, sd.Failed())
	assert.Equal(t, 0, failed)

	sd.Success()
	assert.False(t, sd.Failed())
}

func TestStallDetectorTimerExpiryDisarms(t *testing.T) {
	var failed int
	sd := NewStallDetector(func() { failed++ })
	now := time.Now()

	// Three strikes arm the timer, then the next strike lands after the
	// window: sporadic errors, no escalation.
	for i := 0; i < 3; i++ {
		sd.Strike(now)
	}
	late := now.Add(stallTimerWindow + time.Second)
	sd.Strike(late)
	assert.False(t, sd.Failed())
	assert.Equal(t, 0, failed)
}

func TestStallDetectorSuccessResets(t *testing.T) {
	sd := NewStallDetector(nil)
	now := time.Now()
	for i := 0; i < stallEscalateStrikes; i++ {
		sd.Strike(now)
	}
	assert.True(t, sd.Failed())

	sd.Success()
	assert.False(t, sd.Failed())
	sd.Strike(now)
	assert.False(t, sd.Failed())
}
