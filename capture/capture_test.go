package capture

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosley/aide/media"
)

type chunkCollector struct {
	mu     sync.Mutex
	chunks []media.Chunk
}

func (c *chunkCollector) Write(chunk media.Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, chunk)
	return nil
}

func (c *chunkCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

func frameAt(amplitude int16) []int16 {
	frame := make([]int16, DefaultFrameSize)
	for i := range frame {
		frame[i] = amplitude
	}
	return frame
}

func TestProcessForwardsChunksWithMimeType(t *testing.T) {
	p, err := NewPipeline(Config{})
	require.NoError(t, err)

	sink := &chunkCollector{}
	p.process(sink, frameAt(10000))

	require.Equal(t, 1, sink.count())
	assert.Equal(t, media.KindAudio, sink.chunks[0].Kind)
	assert.Equal(t, "audio/pcm;rate=16000", sink.chunks[0].MimeType)
	assert.Len(t, sink.chunks[0].Data, DefaultFrameSize*2)
}

func TestProcessReportsLevelAndSpeaking(t *testing.T) {
	var levels []float64
	var transitions []bool

	p, err := NewPipeline(Config{
		OnLevel:    func(l float64) { levels = append(levels, l) },
		OnSpeaking: func(s bool) { transitions = append(transitions, s) },
	})
	require.NoError(t, err)

	sink := &chunkCollector{}
	p.process(sink, frameAt(10000))
	require.Len(t, levels, 1)
	assert.Greater(t, levels[0], DefaultVADThreshold)
	assert.Equal(t, []bool{true}, transitions)

	// The hysteresis window keeps the gate open across quiet frames.
	for i := 0; i < DefaultVADHysteresisFrames; i++ {
		p.process(sink, frameAt(0))
	}
	assert.Equal(t, []bool{true}, transitions)

	p.process(sink, frameAt(0))
	assert.Equal(t, []bool{true, false}, transitions)
	assert.False(t, p.Speaking())
}

func TestProcessMuteGatesTransmissionOnly(t *testing.T) {
	var levels int
	p, err := NewPipeline(Config{
		OnLevel: func(float64) { levels++ },
	})
	require.NoError(t, err)
	p.SetMuted(true)

	sink := &chunkCollector{}
	p.process(sink, frameAt(10000))

	assert.Equal(t, 0, sink.count())
	assert.Equal(t, 1, levels)
	assert.True(t, p.Speaking())
}

func TestInjectDropsFramesWhileStopped(t *testing.T) {
	p, err := NewPipeline(Config{})
	require.NoError(t, err)

	p.Inject(frameAt(100))
	assert.Empty(t, p.frames)
}
