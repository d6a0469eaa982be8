package audio

import (
	"encoding/binary"
	"math"
)

// Int16ToBytes converts samples to little-endian PCM bytes.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16 converts little-endian PCM bytes to samples. The trailing
// odd byte, if any, is dropped.
func BytesToInt16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// RMSStride computes the root-mean-square level over every stride-th
// sample, scaled to 0..1. Sampling a stride keeps the per-frame cost low
// without materially changing the reading.
func RMSStride(samples []int16, stride int) float64 {
	if len(samples) == 0 {
		return 0
	}
	if stride < 1 {
		stride = 1
	}
	var sum float64
	var n int
	for i := 0; i < len(samples); i += stride {
		v := float64(samples[i]) / 32768.0
		sum += v * v
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}
