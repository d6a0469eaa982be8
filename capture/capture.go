// Package capture owns the microphone pipeline: a portaudio input stream
// whose realtime callback posts fixed-size frames onto a channel, and a
// control-side consumer that meters input level, runs voice activity
// detection, and hands PCM chunks to the outbound sink.
package capture

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/bosley/aide/audio"
	"github.com/bosley/aide/media"
)

const (
	DefaultSampleRate          = 16000
	DefaultFrameSize           = 2048
	DefaultVADThreshold        = 0.02
	DefaultVADHysteresisFrames = 10

	// Every 4th sample is enough for a stable level reading.
	rmsStride = 4

	// Frames the realtime callback may buffer ahead of the consumer
	// before dropping. At 2048 samples per frame this is ~4s of audio.
	frameChannelDepth = 32
)

type Config struct {
	SampleRate          int
	FrameSize           int
	VADThreshold        float64
	VADHysteresisFrames int

	// DeviceID selects an input device by index; 0 uses the default.
	DeviceID int

	// ArchiveDir, when set, records each speech segment as a WAV file.
	ArchiveDir string

	// OnLevel receives the 0..1 RMS level of every frame, muted or not.
	OnLevel func(float64)

	// OnSpeaking receives VAD state transitions.
	OnSpeaking func(bool)

	Logger *slog.Logger
}

// Pipeline is the microphone capture pipeline. The underlying device
// stream is opened on the first Start and deliberately kept open across
// Stop/Start cycles so a restart does not renegotiate the device; only
// the processing side is torn down.
type Pipeline struct {
	cfg     Config
	logger  *slog.Logger
	vad     *VAD
	archive *audio.SegmentArchive

	frames    chan []int16
	accepting atomic.Bool
	muted     atomic.Bool
	speaking  atomic.Bool

	mu       sync.Mutex
	stream   *portaudio.Stream
	paInit   bool
	running  bool
	quit     chan struct{}
	wg       sync.WaitGroup
	mimeType string
}

func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Pipeline{
		cfg:      cfg,
		logger:   cfg.Logger,
		vad:      NewVAD(cfg.VADThreshold, cfg.VADHysteresisFrames),
		frames:   make(chan []int16, frameChannelDepth),
		mimeType: fmt.Sprintf("audio/pcm;rate=%d", cfg.SampleRate),
	}

	if cfg.ArchiveDir != "" {
		archive, err := audio.NewSegmentArchive(cfg.ArchiveDir, cfg.SampleRate)
		if err != nil {
			return nil, err
		}
		p.archive = archive
	}

	return p, nil
}

// Start begins delivering frames to sink. It is invoked once per
// connection attempt; a second Start without an intervening Stop fails.
func (p *Pipeline) Start(sink media.Sink, muted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("capture pipeline already running")
	}
	if sink == nil {
		return fmt.Errorf("capture sink must not be nil")
	}

	if err := p.ensureStreamLocked(); err != nil {
		return err
	}

	// Discard frames buffered while stopped.
	for {
		select {
		case <-p.frames:
			continue
		default:
		}
		break
	}

	p.vad.Reset()
	p.speaking.Store(false)
	p.muted.Store(muted)
	p.quit = make(chan struct{})
	p.running = true
	p.accepting.Store(true)

	if err := p.stream.Start(); err != nil {
		p.running = false
		p.accepting.Store(false)
		return fmt.Errorf("failed to start audio stream: %w", err)
	}

	p.wg.Add(1)
	go p.consume(sink, p.quit)

	p.logger.Debug("Capture pipeline started",
		"sampleRate", p.cfg.SampleRate,
		"frameSize", p.cfg.FrameSize,
		"muted", muted)
	return nil
}

// Stop detaches the realtime callback, quiesces the stream, and waits for
// the consumer to exit. No frame reaches the sink after Stop returns. The
// device stream stays open for a fast, permission-free restart. Stop is
// idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	// Detach before quiescing the graph: the callback must not post once
	// shutdown begins.
	p.accepting.Store(false)
	stream := p.stream
	quit := p.quit
	p.mu.Unlock()

	if stream != nil {
		if err := stream.Stop(); err != nil {
			p.logger.Error("Failed to stop audio stream", "error", err)
		}
	}
	close(quit)
	p.wg.Wait()

	if err := p.archive.Close(); err != nil {
		p.logger.Error("Failed to close archive segment", "error", err)
	}

	p.logger.Debug("Capture pipeline stopped")
}

// Close releases the device stream and portaudio itself. The pipeline
// cannot be restarted afterwards.
func (p *Pipeline) Close() {
	p.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		if err := p.stream.Close(); err != nil {
			p.logger.Error("Failed to close audio stream", "error", err)
		}
		p.stream = nil
	}
	if p.paInit {
		portaudio.Terminate()
		p.paInit = false
	}
}

// SetMuted gates outbound transmission. Level and VAD reporting continue
// while muted.
func (p *Pipeline) SetMuted(muted bool) {
	p.muted.Store(muted)
}

func (p *Pipeline) Muted() bool {
	return p.muted.Load()
}

// Speaking reports the current VAD state.
func (p *Pipeline) Speaking() bool {
	return p.speaking.Load()
}

// Inject feeds an externally produced frame (the mixer's secondary audio
// source) into the same level/VAD/encode path as microphone frames.
// Frames are dropped while the pipeline is stopped.
func (p *Pipeline) Inject(frame []int16) {
	if !p.accepting.Load() {
		return
	}
	select {
	case p.frames <- frame:
	default:
		p.logger.Warn("Dropping injected frame, channel full")
	}
}

func (p *Pipeline) ensureStreamLocked() error {
	if p.stream != nil {
		return nil
	}

	if !p.paInit {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize PortAudio: %w", err)
		}
		p.paInit = true
	}

	// The realtime callback only copies the frame and posts it; all state
	// lives with the consumer goroutine.
	callback := func(in []int16) {
		if !p.accepting.Load() {
			return
		}
		frame := make([]int16, len(in))
		copy(frame, in)
		select {
		case p.frames <- frame:
		default:
			// Never block the audio thread.
		}
	}

	if p.cfg.DeviceID > 0 {
		devices, err := portaudio.Devices()
		if err != nil {
			return fmt.Errorf("failed to get audio devices: %w", err)
		}
		if p.cfg.DeviceID >= len(devices) {
			return fmt.Errorf("invalid device ID %d", p.cfg.DeviceID)
		}
		device := devices[p.cfg.DeviceID]
		if device.MaxInputChannels == 0 {
			return fmt.Errorf("device %d (%s) is not an input device", p.cfg.DeviceID, device.Name)
		}

		p.logger.Info("Using specified audio device",
			"deviceID", p.cfg.DeviceID,
			"deviceName", device.Name,
			"sampleRate", device.DefaultSampleRate)

		params := portaudio.StreamParameters{
			Input: portaudio.StreamDeviceParameters{
				Device:   device,
				Channels: 1,
				Latency:  device.DefaultLowInputLatency,
			},
			SampleRate:      float64(p.cfg.SampleRate),
			FramesPerBuffer: p.cfg.FrameSize,
		}
		stream, err := portaudio.OpenStream(params, callback)
		if err != nil {
			return fmt.Errorf("failed to open audio stream: %w", err)
		}
		p.stream = stream
		return nil
	}

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(p.cfg.SampleRate), p.cfg.FrameSize, callback)
	if err != nil {
		return fmt.Errorf("failed to open audio stream: %w", err)
	}
	p.stream = stream
	return nil
}

func (p *Pipeline) consume(sink media.Sink, quit chan struct{}) {
	defer p.wg.Done()

	for {
		select {
		case <-quit:
			return
		case frame := <-p.frames:
			select {
			case <-quit:
				return
			default:
			}
			p.process(sink, frame)
		}
	}
}

func (p *Pipeline) process(sink media.Sink, frame []int16) {
	level := audio.RMSStride(frame, rmsStride)
	if p.cfg.OnLevel != nil {
		p.cfg.OnLevel(level)
	}

	speaking := p.vad.Update(level)
	if speaking != p.speaking.Load() {
		p.speaking.Store(speaking)
		if p.cfg.OnSpeaking != nil {
			p.cfg.OnSpeaking(speaking)
		}
		if speaking {
			if err := p.archive.Open(); err != nil {
				p.logger.Error("Failed to open archive segment", "error", err)
			}
		} else {
			if err := p.archive.Close(); err != nil {
				p.logger.Error("Failed to close archive segment", "error", err)
			}
		}
	}
	if speaking {
		if err := p.archive.Write(frame); err != nil {
			p.logger.Error("Failed to archive frame", "error", err)
		}
	}

	// Muting gates transmission only; level and VAD stay live above.
	if p.muted.Load() {
		return
	}
	if err := sink.Write(media.AudioChunk(audio.Int16ToBytes(frame), p.mimeType)); err != nil {
		p.logger.Error("Failed to deliver audio chunk", "error", err)
	}
}

// ListInputDevices returns the available audio input devices.
func ListInputDevices() ([]portaudio.DeviceInfo, error) {
	err := portaudio.Initialize()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}

	inputDevices := make([]portaudio.DeviceInfo, 0)
	for _, device := range devices {
		if device.MaxInputChannels > 0 {
			inputDevices = append(inputDevices, *device)
		}
	}

	return inputDevices, nil
}
