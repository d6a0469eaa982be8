package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const bitsPerSample = 16

type WavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

func WriteWavHeader(file *os.File, sampleRate uint32, channels uint16, dataSize uint32) error {
	header := WavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     dataSize + 36,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   channels,
		SampleRate:    sampleRate,
		ByteRate:      sampleRate * uint32(channels) * bitsPerSample / 8,
		BlockAlign:    channels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	return binary.Write(file, binary.LittleEndian, header)
}

func UpdateWavHeader(file *os.File, dataSize uint32) error {
	// Update ChunkSize (file size - 8)
	if _, err := file.Seek(4, 0); err != nil {
		return fmt.Errorf("failed to seek to ChunkSize: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, uint32(dataSize+36)); err != nil {
		return fmt.Errorf("failed to write ChunkSize: %w", err)
	}

	// Update Subchunk2Size (data size)
	if _, err := file.Seek(40, 0); err != nil {
		return fmt.Errorf("failed to seek to Subchunk2Size: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, dataSize); err != nil {
		return fmt.Errorf("failed to write Subchunk2Size: %w", err)
	}

	return nil
}

// SegmentArchive writes each speech segment to its own WAV file under a
// base directory. Open starts a segment, Write appends PCM frames, and
// Close patches the header with the final data size. All methods are
// no-ops on a nil archive so callers can leave archiving unconfigured.
type SegmentArchive struct {
	dir        string
	sampleRate uint32

	file    *os.File
	written uint32
}

func NewSegmentArchive(dir string, sampleRate int) (*SegmentArchive, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &SegmentArchive{dir: dir, sampleRate: uint32(sampleRate)}, nil
}

func (a *SegmentArchive) Open() error {
	if a == nil || a.file != nil {
		return nil
	}
	name := filepath.Join(a.dir, time.Now().Format("20060102_150405.000")+".wav")
	file, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("failed to create segment file: %w", err)
	}
	if err := WriteWavHeader(file, a.sampleRate, 1, 0); err != nil {
		file.Close()
		return fmt.Errorf("failed to write segment header: %w", err)
	}
	a.file = file
	a.written = 0
	return nil
}

func (a *SegmentArchive) Write(samples []int16) error {
	if a == nil || a.file == nil {
		return nil
	}
	raw := Int16ToBytes(samples)
	if _, err := a.file.Write(raw); err != nil {
		return fmt.Errorf("failed to write segment data: %w", err)
	}
	a.written += uint32(len(raw))
	return nil
}

func (a *SegmentArchive) Close() error {
	if a == nil || a.file == nil {
		return nil
	}
	err := UpdateWavHeader(a.file, a.written)
	closeErr := a.file.Close()
	a.file = nil
	if err != nil {
		return err
	}
	return closeErr
}
