package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bosley/aide/audio"
	"github.com/bosley/aide/media"
	"github.com/bosley/aide/mixer"
)

const wavFrameChunk = 4096

func (o *Outbox) worker(ctx context.Context) {
	defer o.workers.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case j, ok := <-o.queue:
			if !ok {
				return
			}
			if err := o.processJob(j); err != nil {
				o.logger.Error("Failed to submit outbox file",
					"error", err,
					"file", j.path)
			}
		}
	}
}

func (o *Outbox) processJob(j job) error {
	chunk, err := o.loadChunk(j.path)
	if err != nil {
		return err
	}

	if err := o.sess.SendChunk(chunk); err != nil {
		return fmt.Errorf("failed to deliver chunk: %w", err)
	}

	// Mark the file so a restart does not resubmit it. The rename fires
	// a Create for an unsupported extension, which the watcher skips.
	if err := os.Rename(j.path, j.path+".sent"); err != nil {
		o.logger.Warn("Failed to mark outbox file as sent",
			"error", err,
			"file", j.path)
	}

	o.logger.Info("Submitted outbox file", "file", filepath.Base(j.path))
	return nil
}

func (o *Outbox) loadChunk(path string) (media.Chunk, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".txt", ".md":
		data, err := os.ReadFile(path)
		if err != nil {
			return media.Chunk{}, fmt.Errorf("failed to read text file: %w", err)
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			return media.Chunk{}, fmt.Errorf("text file is empty")
		}
		return media.TextChunk(text), nil

	case ".wav":
		pcm, err := o.decodeWav(path)
		if err != nil {
			return media.Chunk{}, err
		}
		mime := fmt.Sprintf("audio/pcm;rate=%d", o.config.SampleRate)
		return media.AudioChunk(audio.Int16ToBytes(pcm), mime), nil

	case ".png", ".jpg", ".jpeg":
		data, err := os.ReadFile(path)
		if err != nil {
			return media.Chunk{}, fmt.Errorf("failed to read image file: %w", err)
		}
		mime := "image/png"
		if ext != ".png" {
			mime = "image/jpeg"
		}
		return media.ImageChunk(data, mime), nil
	}

	return media.Chunk{}, fmt.Errorf("unsupported file type %q", ext)
}

// decodeWav reads the whole file as mono PCM at the session rate,
// reusing the mixer's resampling reader.
func (o *Outbox) decodeWav(path string) ([]int16, error) {
	src, err := mixer.OpenWavFile(path, o.config.SampleRate)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	var pcm []int16
	buf := make([]int16, wavFrameChunk)
	for {
		n, err := src.ReadFrame(buf)
		if n > 0 {
			pcm = append(pcm, buf[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode WAV file: %w", err)
		}
		if n == 0 {
			break
		}
	}

	if len(pcm) == 0 {
		return nil, fmt.Errorf("WAV file contains no audio")
	}
	return pcm, nil
}
