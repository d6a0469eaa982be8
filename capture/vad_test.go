package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVADStartsQuiet(t *testing.T) {
	vad := NewVAD(0.02, 10)

	assert.False(t, vad.Speaking())
	assert.False(t, vad.Update(0.01))
	assert.False(t, vad.Speaking())
}

func TestVADOpensOnLoudFrame(t *testing.T) {
	vad := NewVAD(0.02, 10)

	assert.True(t, vad.Update(0.5))
	assert.True(t, vad.Speaking())
}

func TestVADHangoverDecaysByExactFrameCount(t *testing.T) {
	vad := NewVAD(0.02, 10)

	assert.True(t, vad.Update(0.5))

	// The gate stays open for exactly the hysteresis window of quiet
	// frames, then closes on the next one.
	for i := 0; i < 10; i++ {
		assert.True(t, vad.Update(0.0), "quiet frame %d should still be speaking", i)
	}
	assert.False(t, vad.Update(0.0))
	assert.False(t, vad.Speaking())
}

func TestVADLoudFrameRearmsFullWindow(t *testing.T) {
	vad := NewVAD(0.02, 10)

	assert.True(t, vad.Update(0.5))
	for i := 0; i < 5; i++ {
		assert.True(t, vad.Update(0.0))
	}

	// A loud frame mid-decay resets the full hangover window.
	assert.True(t, vad.Update(0.5))
	for i := 0; i < 10; i++ {
		assert.True(t, vad.Update(0.0))
	}
	assert.False(t, vad.Update(0.0))
}

func TestVADThresholdIsExclusive(t *testing.T) {
	vad := NewVAD(0.02, 3)

	assert.False(t, vad.Update(0.02))
	assert.True(t, vad.Update(0.021))
}

func TestVADReset(t *testing.T) {
	vad := NewVAD(0.02, 10)

	assert.True(t, vad.Update(0.5))
	vad.Reset()

	assert.False(t, vad.Speaking())
	assert.False(t, vad.Update(0.0))
}

func TestVADDefaults(t *testing.T) {
	vad := NewVAD(0, 0)

	assert.Equal(t, DefaultVADThreshold, vad.threshold)
	assert.Equal(t, DefaultVADHysteresisFrames, vad.window)
}
