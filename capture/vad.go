package capture

// VAD is a voice activity detector over per-frame RMS levels. A frame
// above the threshold arms the hysteresis counter to the full window;
// quiet frames decay it by one. Speaking holds true until the counter
// reaches zero, which keeps the indicator from flickering across short
// pauses.
type VAD struct {
	threshold float64
	window    int
	counter   int
}

func NewVAD(threshold float64, window int) *VAD {
	if threshold <= 0 {
		threshold = DefaultVADThreshold
	}
	if window <= 0 {
		window = DefaultVADHysteresisFrames
	}
	return &VAD{threshold: threshold, window: window}
}

// Update feeds one frame's RMS level and returns the speaking state.
func (v *VAD) Update(rms float64) bool {
	if rms > v.threshold {
		v.counter = v.window
		return true
	}
	if v.counter > 0 {
		v.counter--
		return true
	}
	return false
}

// Speaking reports the current state without consuming a frame.
func (v *VAD) Speaking() bool {
	return v.counter > 0
}

// Reset clears the hysteresis counter.
func (v *VAD) Reset() {
	v.counter = 0
}
