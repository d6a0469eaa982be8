package audio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/youpy/go-wav"
)

func TestSegmentArchiveWritesReadableWav(t *testing.T) {
	dir := t.TempDir()
	archive, err := NewSegmentArchive(dir, 16000)
	require.NoError(t, err)

	require.NoError(t, archive.Open())
	samples := []int16{0, 1000, -1000, 32767, -32768}
	require.NoError(t, archive.Write(samples))
	require.NoError(t, archive.Write(samples))
	require.NoError(t, archive.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".wav", filepath.Ext(entries[0].Name()))

	file, err := os.Open(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	defer file.Close()

	reader := wav.NewReader(file)
	format, err := reader.Format()
	require.NoError(t, err)
	assert.Equal(t, uint32(16000), format.SampleRate)
	assert.Equal(t, uint16(1), format.NumChannels)
	assert.Equal(t, uint16(16), format.BitsPerSample)

	decoded, err := reader.ReadSamples(uint32(len(samples) * 2))
	require.NoError(t, err)
	require.Len(t, decoded, len(samples)*2)
	assert.Equal(t, 1000, reader.IntValue(decoded[1], 0))
	assert.Equal(t, -1000, reader.IntValue(decoded[2], 0))
}

func TestSegmentArchiveSecondOpenIsNoop(t *testing.T) {
	dir := t.TempDir()
	archive, err := NewSegmentArchive(dir, 16000)
	require.NoError(t, err)

	require.NoError(t, archive.Open())
	require.NoError(t, archive.Open())
	require.NoError(t, archive.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSegmentArchiveNilSafe(t *testing.T) {
	var archive *SegmentArchive

	assert.NoError(t, archive.Open())
	assert.NoError(t, archive.Write([]int16{1, 2}))
	assert.NoError(t, archive.Close())
}

func TestSegmentArchiveWriteWithoutOpen(t *testing.T) {
	dir := t.TempDir()
	archive, err := NewSegmentArchive(dir, 16000)
	require.NoError(t, err)

	assert.NoError(t, archive.Write([]int16{1}))
	assert.NoError(t, archive.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
