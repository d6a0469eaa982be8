// Package outbox watches a drop directory and submits files placed
// there into the live session: text files as typed input, WAV files as
// PCM audio, images as image chunks. It is the file-based side channel
// next to the microphone and screen streams.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bosley/aide/media"
)

// Submitter is the session surface the outbox feeds.
type Submitter interface {
	SendChunk(chunk media.Chunk) error
}

type Config struct {
	// Dir is the watched drop directory. Created if missing.
	Dir string

	// Workers processing submitted files.
	Workers int

	// SampleRate for decoded WAV audio.
	SampleRate int

	Logger *slog.Logger
}

type job struct {
	path      string
	timestamp time.Time
}

// Outbox runs the watcher and worker pool for one drop directory.
type Outbox struct {
	config Config
	logger *slog.Logger
	sess   Submitter

	watcher  *fsnotify.Watcher
	watching sync.WaitGroup
	queue    chan job
	workers  sync.WaitGroup
}

func New(cfg Config, sess Submitter) (*Outbox, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("outbox directory must not be empty")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Outbox{
		config:  cfg,
		logger:  cfg.Logger,
		sess:    sess,
		watcher: watcher,
		queue:   make(chan job, 100),
	}, nil
}

// Start launches the worker pool and the directory watcher. Returns
// once watching is established; runs until ctx is cancelled.
func (o *Outbox) Start(ctx context.Context) error {
	for i := 0; i < o.config.Workers; i++ {
		o.workers.Add(1)
		go o.worker(ctx)
	}

	return o.watchFiles(ctx)
}

// Stop retires the watcher, then drains the worker pool. Intake must
// end before the queue closes so a file dropped mid-shutdown cannot
// land on a closed channel.
func (o *Outbox) Stop(ctx context.Context) error {
	werr := o.watcher.Close()
	o.watching.Wait()
	close(o.queue)

	done := make(chan struct{})
	go func() {
		o.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("outbox shutdown timed out")
	}

	if werr != nil {
		return fmt.Errorf("failed to close file watcher: %w", werr)
	}
	return nil
}
