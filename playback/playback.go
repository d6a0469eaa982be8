// Package playback decodes inbound audio payloads and schedules them
// back-to-back on an output clock. A single worker drains an ordered job
// queue, so chunks are decoded and scheduled strictly in arrival order no
// matter how enqueues interleave.
package playback

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bosley/aide/audio"
)

const (
	DefaultSampleRate = 24000
	DefaultGuard      = 20 * time.Millisecond

	jobQueueDepth = 128
)

// Clock abstracts the scheduling clock so tests can drive time manually.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Output receives decoded PCM in schedule order. Flush discards anything
// not yet played.
type Output interface {
	Write(pcm []int16) error
	Flush()
}

type Config struct {
	SampleRate int
	Guard      time.Duration
	Logger     *slog.Logger

	// Clock defaults to the wall clock; tests substitute a fake.
	Clock Clock
}

type job struct {
	payload string
	onStart func()
	onStop  func()
	gen     int
}

// source is one scheduled buffer: its computed start time and end timer.
// Membership in the scheduler's active set drives the aggregate speaking
// callbacks.
type source struct {
	start    time.Time
	duration time.Duration
	endTimer Timer
}

type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	clock  Clock
	out    Output

	jobs chan job
	quit chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	nextFree time.Time
	active   map[*source]struct{}
	gen      int
	closed   bool
}

func NewScheduler(cfg Config, out Output) *Scheduler {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Guard <= 0 {
		cfg.Guard = DefaultGuard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}

	s := &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
		out:    out,
		jobs:   make(chan job, jobQueueDepth),
		quit:   make(chan struct{}),
		active: make(map[*source]struct{}),
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

// Enqueue submits a base64 PCM payload for playback. onStart fires when
// the active set transitions from empty, onStop when it empties again.
// A malformed payload is logged and dropped without jamming the queue.
func (s *Scheduler) Enqueue(payload string, onStart, onStop func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	gen := s.gen
	s.mu.Unlock()

	select {
	case s.jobs <- job{payload: payload, onStart: onStart, onStop: onStop, gen: gen}:
	default:
		s.logger.Warn("Playback queue full, dropping chunk")
	}
}

// StopAll forcibly halts every active source, clears the queue, and
// resets the schedule clock. Used on interruption and disconnect.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	s.gen++
	for src := range s.active {
		if src.endTimer != nil {
			src.endTimer.Stop()
		}
	}
	s.active = make(map[*source]struct{})
	s.nextFree = time.Time{}
	s.mu.Unlock()

	// Discard anything the worker has not picked up; its generation is
	// stale now regardless.
	for {
		select {
		case <-s.jobs:
			continue
		default:
		}
		break
	}

	s.out.Flush()
}

// Active reports the number of currently scheduled sources.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NextFree exposes the schedule horizon for inspection.
func (s *Scheduler) NextFree() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextFree
}

// Close stops the worker. The scheduler cannot be reused afterwards.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.quit)
	s.wg.Wait()
	s.StopAll()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case j := <-s.jobs:
			s.handle(j)
		}
	}
}

func (s *Scheduler) handle(j job) {
	pcm, err := decodePayload(j.payload)
	if err != nil {
		// One bad chunk must not halt playback of the rest.
		s.logger.Error("Failed to decode audio payload", "error", err)
		return
	}
	duration := time.Duration(len(pcm)) * time.Second / time.Duration(s.cfg.SampleRate)

	s.mu.Lock()
	if j.gen != s.gen {
		// StopAll ran while this chunk was in flight.
		s.mu.Unlock()
		return
	}

	now := s.clock.Now()
	start := s.nextFree
	if start.Before(now) {
		// The free slot is in the past; nudge forward so the buffer does
		// not land on top of whatever is still draining.
		start = now.Add(s.cfg.Guard)
	}
	s.nextFree = start.Add(duration)

	src := &source{start: start, duration: duration}
	wasEmpty := len(s.active) == 0
	s.active[src] = struct{}{}

	gen := s.gen
	endAt := s.nextFree.Sub(now)
	src.endTimer = s.clock.AfterFunc(endAt, func() {
		s.sourceEnded(src, gen, j.onStop)
	})
	s.mu.Unlock()

	if wasEmpty && j.onStart != nil {
		j.onStart()
	}

	if err := s.out.Write(pcm); err != nil {
		s.logger.Error("Failed to write playback samples", "error", err)
	}
}

func (s *Scheduler) sourceEnded(src *source, gen int, onStop func()) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	delete(s.active, src)
	empty := len(s.active) == 0
	s.mu.Unlock()

	if empty && onStop != nil {
		onStop()
	}
}

func decodePayload(payload string) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 payload: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty audio payload")
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("odd PCM payload length %d", len(raw))
	}
	return audio.BytesToInt16(raw), nil
}
