package outbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// submittable file extensions; everything else is ignored.
var supportedExts = map[string]bool{
	".txt":  true,
	".md":   true,
	".wav":  true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

func (o *Outbox) watchFiles(ctx context.Context) error {
	if err := os.MkdirAll(o.config.Dir, 0755); err != nil {
		return err
	}
	if err := o.watcher.Add(o.config.Dir); err != nil {
		return err
	}

	o.logger.Info("Watching outbox directory", "path", o.config.Dir)

	o.watching.Add(1)
	go func() {
		defer o.watching.Done()
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-o.watcher.Events:
				if !ok {
					return
				}
				o.handleFSEvent(event)

			case err, ok := <-o.watcher.Errors:
				if !ok {
					return
				}
				o.logger.Error("File watcher error", "error", err)
			}
		}
	}()

	return nil
}

func (o *Outbox) handleFSEvent(event fsnotify.Event) {
	// Skip temporary files and non-create events; writers should move
	// finished files into the directory atomically.
	if strings.HasSuffix(event.Name, ".tmp") || event.Op != fsnotify.Create {
		return
	}

	ext := strings.ToLower(filepath.Ext(event.Name))
	if !supportedExts[ext] {
		return
	}

	if info, err := os.Stat(event.Name); err != nil || info.IsDir() {
		return
	}

	select {
	case o.queue <- job{path: event.Name, timestamp: time.Now()}:
		o.logger.Info("Queued outbox file", "file", filepath.Base(event.Name))
	default:
		o.logger.Warn("Outbox queue is full, dropping file",
			"file", filepath.Base(event.Name))
	}
}
