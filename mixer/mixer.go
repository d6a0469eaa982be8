// Package mixer routes a secondary audio source into the capture
// pipeline's processing graph. Routed audio is injected as ordinary
// frames, so it passes through the same level/VAD/mute/encode path as the
// microphone; it never talks to the session directly.
package mixer

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Source yields mono PCM at the capture rate. ReadFrame fills buf and
// returns the number of samples written; io.EOF ends the route.
type Source interface {
	ReadFrame(buf []int16) (int, error)
	Close() error
}

// Injector is the capture pipeline's frame entry point.
type Injector interface {
	Inject(frame []int16)
}

type Config struct {
	SampleRate int
	FrameSize  int
	Logger     *slog.Logger
}

type Mixer struct {
	cfg    Config
	logger *slog.Logger
	inj    Injector

	mu   sync.Mutex
	quit chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config, inj Injector) *Mixer {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = 2048
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Mixer{cfg: cfg, logger: cfg.Logger, inj: inj}
}

// Route attaches src, detaching any previous source first. Route(nil)
// tears down the existing route only.
func (m *Mixer) Route(src Source) {
	m.detach()

	if src == nil {
		return
	}

	m.mu.Lock()
	quit := make(chan struct{})
	m.quit = quit
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(src, quit)
	m.logger.Debug("Mixer source routed")
}

// Active reports whether a source is currently routed.
func (m *Mixer) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quit != nil
}

func (m *Mixer) detach() {
	m.mu.Lock()
	quit := m.quit
	m.quit = nil
	m.mu.Unlock()

	if quit != nil {
		close(quit)
	}
	m.wg.Wait()
}

// run paces frames at realtime so injected audio interleaves naturally
// with microphone frames.
func (m *Mixer) run(src Source, quit chan struct{}) {
	defer m.wg.Done()
	defer func() {
		if err := src.Close(); err != nil {
			m.logger.Error("Failed to close mixer source", "error", err)
		}
	}()

	frameDur := time.Duration(m.cfg.FrameSize) * time.Second / time.Duration(m.cfg.SampleRate)
	ticker := time.NewTicker(frameDur)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			frame := make([]int16, m.cfg.FrameSize)
			n, err := src.ReadFrame(frame)
			if n > 0 {
				// Short reads keep their frame size; the tail is silence.
				m.inj.Inject(frame)
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					m.logger.Error("Mixer source read failed", "error", err)
				} else {
					m.logger.Debug("Mixer source drained")
				}
				m.clearRoute(quit)
				return
			}
		}
	}
}

// clearRoute drops the quit reference if it still belongs to this run, so
// Active() reads false after a source self-terminates.
func (m *Mixer) clearRoute(quit chan struct{}) {
	m.mu.Lock()
	if m.quit == quit {
		m.quit = nil
	}
	m.mu.Unlock()
}
