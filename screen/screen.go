// Package screen samples the shared screen at a fixed processing rate,
// detects meaningful change by strided pixel diffing, and emits changed
// frames as JPEG chunks. The diff is statistical: it samples a stride of
// the pixel buffer rather than comparing every pixel, trading exactness
// for a bounded per-tick cost.
package screen

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/bosley/aide/media"
)

const (
	DefaultInterval     = 100 * time.Millisecond
	DefaultMaxDimension = 768
	DefaultJPEGQuality  = 70
	DefaultHeartbeat    = 3 * time.Second

	// Pixels examined by the diff: every 16th.
	sampleStride = 16
)

// Preset pairs the change-ratio threshold with the per-channel
// sensitivity.
type Preset struct {
	// ChangeRatio is the fraction of sampled pixels that must differ for
	// a frame to count as changed.
	ChangeRatio float64

	// Sensitivity is the per-channel delta below which a pixel is
	// considered unchanged.
	Sensitivity int
}

var (
	PresetCoarse = Preset{ChangeRatio: 0.05, Sensitivity: 25}
	PresetFine   = Preset{ChangeRatio: 0.01, Sensitivity: 12}
)

type Config struct {
	Interval     time.Duration
	MaxDimension int
	JPEGQuality  int
	Heartbeat    time.Duration
	Preset       Preset

	// NewSource acquires the capture device on Start. Defaults to
	// display 0.
	NewSource func() (FrameSource, error)

	// OnStop is invoked when the sampler stops itself, e.g. because the
	// capture source failed (sharing revoked). Nil error means a clean
	// Stop.
	OnStop func(error)

	Logger *slog.Logger
}

type Sampler struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	src     FrameSource
	running bool
	quit    chan struct{}
	wg      sync.WaitGroup

	// Diff state, touched only by the tick loop (and tests).
	prev     []byte
	prevW    int
	prevH    int
	lastSent time.Time
	now      func() time.Time
}

func NewSampler(cfg Config) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = DefaultMaxDimension
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = DefaultJPEGQuality
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.Preset == (Preset{}) {
		cfg.Preset = PresetCoarse
	}
	if cfg.NewSource == nil {
		cfg.NewSource = func() (FrameSource, error) { return NewDisplaySource(0) }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Sampler{
		cfg:    cfg,
		logger: cfg.Logger,
		now:    time.Now,
	}
}

// Start acquires the capture source and begins the sampling loop.
func (s *Sampler) Start(sink media.Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("screen sampler already running")
	}
	if sink == nil {
		return fmt.Errorf("screen sink must not be nil")
	}

	src, err := s.cfg.NewSource()
	if err != nil {
		return fmt.Errorf("failed to acquire capture source: %w", err)
	}

	s.src = src
	s.prev = nil
	s.prevW, s.prevH = 0, 0
	s.lastSent = time.Time{}
	s.quit = make(chan struct{})
	s.running = true

	s.wg.Add(1)
	go s.loop(src, sink, s.quit)

	s.logger.Debug("Screen sampler started",
		"interval", s.cfg.Interval,
		"maxDimension", s.cfg.MaxDimension)
	return nil
}

// Stop halts the loop, releases the capture source, and clears all
// buffers. Idempotent.
func (s *Sampler) Stop() {
	s.stop(nil)
}

// Running reports whether the sampling loop is active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sampler) stop(cause error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	quit := s.quit
	src := s.src
	s.src = nil
	s.mu.Unlock()

	close(quit)
	s.wg.Wait()

	if src != nil {
		if err := src.Close(); err != nil {
			s.logger.Error("Failed to close capture source", "error", err)
		}
	}

	s.mu.Lock()
	s.prev = nil
	s.prevW, s.prevH = 0, 0
	s.mu.Unlock()

	s.logger.Debug("Screen sampler stopped")
	if s.cfg.OnStop != nil {
		s.cfg.OnStop(cause)
	}
}

// loop ticks at the processing rate. Work on a tick is synchronous, so a
// slow diff or encode delays the next tick rather than queueing frames.
func (s *Sampler) loop(src FrameSource, sink media.Sink, quit chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			frame, err := src.Grab()
			if err != nil {
				// The source ended underneath us (sharing revoked or
				// device lost); take the same path as an explicit Stop.
				s.logger.Error("Capture source failed", "error", err)
				go s.stop(err)
				return
			}
			if err := s.processFrame(frame, sink); err != nil {
				s.logger.Error("Failed to process frame", "error", err)
			}
		}
	}
}

// processFrame downscales, diffs and conditionally emits one frame.
func (s *Sampler) processFrame(frame *image.RGBA, sink media.Sink) error {
	bounds := frame.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil
	}

	tw, th := fitWithin(w, h, s.cfg.MaxDimension)
	if tw != s.prevW || th != s.prevH {
		// Resolution changed; the old baseline is meaningless.
		s.prev = nil
		s.prevW, s.prevH = tw, th
	}

	scaled := frame
	if tw != w || th != h {
		scaled = scaleRGBA(frame, tw, th)
	}

	sample := samplePixels(scaled.Pix)
	now := s.now()

	if !s.changed(sample, now) {
		return nil
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: s.cfg.JPEGQuality}); err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if err := sink.Write(media.ImageChunk(buf.Bytes(), "image/jpeg")); err != nil {
		return fmt.Errorf("failed to deliver frame: %w", err)
	}

	s.prev = sample
	s.lastSent = now
	return nil
}

// changed applies the three-way test: no baseline, heartbeat elapsed, or
// the diff ratio over the threshold.
func (s *Sampler) changed(sample []byte, now time.Time) bool {
	if s.prev == nil {
		return true
	}
	if now.Sub(s.lastSent) > s.cfg.Heartbeat {
		// Liveness: even a perfectly static screen refreshes eventually.
		return true
	}
	return diffRatio(sample, s.prev, s.cfg.Preset.Sensitivity) > s.cfg.Preset.ChangeRatio
}

// fitWithin shrinks (never grows) w x h to fit the bound, preserving
// aspect ratio.
func fitWithin(w, h, bound int) (int, int) {
	if w <= bound && h <= bound {
		return w, h
	}
	if w >= h {
		return bound, h * bound / w
	}
	return w * bound / h, bound
}

// scaleRGBA is a nearest-neighbour downscale into a fresh buffer.
func scaleRGBA(src *image.RGBA, tw, th int) *image.RGBA {
	bounds := src.Bounds()
	sw, sh := bounds.Dx(), bounds.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, tw, th))

	for y := 0; y < th; y++ {
		sy := bounds.Min.Y + y*sh/th
		for x := 0; x < tw; x++ {
			sx := bounds.Min.X + x*sw/tw
			si := src.PixOffset(sx, sy)
			di := dst.PixOffset(x, y)
			copy(dst.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
	return dst
}

// samplePixels collects the RGB channels of every sampleStride-th pixel.
func samplePixels(pix []byte) []byte {
	n := len(pix) / 4
	out := make([]byte, 0, (n/sampleStride+1)*3)
	for i := 0; i < n; i += sampleStride {
		off := i * 4
		out = append(out, pix[off], pix[off+1], pix[off+2])
	}
	return out
}

// diffRatio returns the fraction of sampled pixels whose any channel
// moved more than the sensitivity.
func diffRatio(cur, prev []byte, sensitivity int) float64 {
	if len(cur) != len(prev) {
		return 1
	}
	pixels := len(cur) / 3
	if pixels == 0 {
		return 0
	}
	changed := 0
	for i := 0; i < pixels; i++ {
		off := i * 3
		if absDelta(cur[off], prev[off]) > sensitivity ||
			absDelta(cur[off+1], prev[off+1]) > sensitivity ||
			absDelta(cur[off+2], prev[off+2]) > sensitivity {
			changed++
		}
	}
	return float64(changed) / float64(pixels)
}

func absDelta(a, b byte) int {
	d := int(a) - int(b)
	if d < 0 {
		return -d
	}
	return d
}
