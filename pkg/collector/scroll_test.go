package collector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		BatchSize:        50,
		MaxCommentLength: 500,
		BaseScrollStep:   600,
		MaxScrollStep:    4800,
		BurstThreshold:   10,
		BaseWait:         time.Second,
		MaxWait:          8 * time.Second,
		RecoveryAfter:    3,
		MaxScrollRounds:  200,
		GestureRate:      1000,
		CaptchaWait:      time.Minute,
		VideoWorkers:     1,
		Logger:           newTestLogger(),
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestScrollLadderGrowsOnEmptyRounds(t *testing.T) {
	l := newScrollLadder(testConfig(t))

	step, wait, recovery := l.advance(0)
	assert.Equal(t, 1200, step)
	assert.Equal(t, 2*time.Second, wait)
	assert.False(t, recovery)

	step, wait, recovery = l.advance(0)
	assert.Equal(t, 2400, step)
	assert.Equal(t, 4*time.Second, wait)
	assert.False(t, recovery)
}

func TestScrollLadderRecoveryAfterThreshold(t *testing.T) {
	l := newScrollLadder(testConfig(t))

	_, _, recovery := l.advance(0)
	assert.False(t, recovery)
	_, _, recovery = l.advance(0)
	assert.False(t, recovery)

	// Third consecutive empty round triggers the jump recovery and
	// resets the wait ladder.
	_, wait, recovery := l.advance(0)
	assert.True(t, recovery)
	assert.Equal(t, time.Second, wait)

	// The counter restarts after recovery.
	_, _, recovery = l.advance(0)
	assert.False(t, recovery)
}

func TestScrollLadderBurstResetsStep(t *testing.T) {
	l := newScrollLadder(testConfig(t))

	l.advance(0)
	l.advance(0)
	step, _, _ := l.advance(1) // trickle keeps the grown step
	assert.Equal(t, 2400, step)

	step, wait, recovery := l.advance(25) // burst resets everything
	assert.Equal(t, 600, step)
	assert.Equal(t, time.Second, wait)
	assert.False(t, recovery)
}

func TestScrollLadderBounds(t *testing.T) {
	l := newScrollLadder(testConfig(t))

	var step int
	var wait time.Duration
	for i := 0; i < 20; i++ {
		step, wait, _ = l.advance(0)
	}
	assert.Equal(t, 4800, step)
	assert.LessOrEqual(t, wait, 8*time.Second)
}
