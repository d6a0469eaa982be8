package playback

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

const deviceFramesPerBuffer = 1024

// Device is the speaker-backed Output. Scheduled PCM is appended to an
// internal buffer that the portaudio output callback drains; gaps are
// padded with silence so underruns click instead of crash.
type Device struct {
	mu     sync.Mutex
	buf    []int16
	stream *portaudio.Stream
	paInit bool
}

func NewDevice(sampleRate int) (*Device, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	d := &Device{}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	d.paInit = true

	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), deviceFramesPerBuffer, d.fill)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to start output stream: %w", err)
	}
	d.stream = stream
	return d, nil
}

func (d *Device) fill(out []int16) {
	d.mu.Lock()
	n := copy(out, d.buf)
	d.buf = d.buf[n:]
	d.mu.Unlock()

	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}

func (d *Device) Write(pcm []int16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf = append(d.buf, pcm...)
	return nil
}

func (d *Device) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf = nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stream != nil {
		d.stream.Stop()
		d.stream.Close()
		d.stream = nil
	}
	if d.paInit {
		portaudio.Terminate()
		d.paInit = false
	}
	return nil
}

// Discard is an Output that drops all samples; used when no speaker is
// available or wanted.
type Discard struct{}

func (Discard) Write(pcm []int16) error { return nil }

func (Discard) Flush() {}
