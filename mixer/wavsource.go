package mixer

import (
	"fmt"
	"io"
	"os"

	"github.com/youpy/go-wav"
)

const wavReadChunk = 2048

// WavFileSource reads a WAV file, mixes it to mono, and linearly
// resamples it to the target rate so it can feed the capture graph.
type WavFileSource struct {
	file     *os.File
	reader   *wav.Reader
	srcRate  int
	dstRate  int
	channels int

	// pending holds mono source samples; pos is the fractional read
	// position used by the interpolator.
	pending []int16
	pos     float64
	eof     bool
}

func OpenWavFile(path string, targetRate int) (*WavFileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}

	reader := wav.NewReader(file)
	format, err := reader.Format()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read WAV format: %w", err)
	}
	if format.SampleRate == 0 {
		file.Close()
		return nil, fmt.Errorf("WAV file has no sample rate")
	}

	channels := int(format.NumChannels)
	if channels < 1 {
		channels = 1
	}

	return &WavFileSource{
		file:     file,
		reader:   reader,
		srcRate:  int(format.SampleRate),
		dstRate:  targetRate,
		channels: channels,
	}, nil
}

func (s *WavFileSource) ReadFrame(out []int16) (int, error) {
	step := float64(s.srcRate) / float64(s.dstRate)

	n := 0
	for n < len(out) {
		need := int(s.pos) + 2
		for len(s.pending) < need && !s.eof {
			if err := s.fill(); err != nil {
				return n, err
			}
		}
		if int(s.pos)+1 >= len(s.pending) {
			break
		}

		i := int(s.pos)
		frac := s.pos - float64(i)
		v := float64(s.pending[i])*(1-frac) + float64(s.pending[i+1])*frac
		out[n] = int16(v)
		n++
		s.pos += step
	}

	// Drop consumed samples so the buffer stays bounded.
	if drop := int(s.pos); drop > 0 && drop <= len(s.pending) {
		s.pending = s.pending[drop:]
		s.pos -= float64(drop)
	}

	if n == 0 && s.eof {
		return 0, io.EOF
	}
	return n, nil
}

func (s *WavFileSource) fill() error {
	samples, err := s.reader.ReadSamples(wavReadChunk)
	for _, sample := range samples {
		// Average the channels down to mono.
		var sum int
		for ch := 0; ch < s.channels; ch++ {
			sum += s.reader.IntValue(sample, uint(ch))
		}
		s.pending = append(s.pending, int16(sum/s.channels))
	}
	if err == io.EOF {
		s.eof = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read WAV samples: %w", err)
	}
	return nil
}

func (s *WavFileSource) Close() error {
	return s.file.Close()
}
