package screen

import (
	"fmt"
	"image"

	"github.com/kbinani/screenshot"
)

// FrameSource produces raw frames for the sampler. Close releases the
// underlying device; a closed source must not be reused.
type FrameSource interface {
	Grab() (*image.RGBA, error)
	Close() error
}

// displaySource grabs frames from a physical display.
type displaySource struct {
	display int
	closed  bool
}

// NewDisplaySource opens a capture source for the given display index.
func NewDisplaySource(display int) (FrameSource, error) {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return nil, fmt.Errorf("no active displays")
	}
	if display < 0 || display >= n {
		return nil, fmt.Errorf("invalid display index %d (have %d)", display, n)
	}
	return &displaySource{display: display}, nil
}

func (d *displaySource) Grab() (*image.RGBA, error) {
	if d.closed {
		return nil, fmt.Errorf("display source is closed")
	}
	img, err := screenshot.CaptureDisplay(d.display)
	if err != nil {
		return nil, fmt.Errorf("failed to capture display %d: %w", d.display, err)
	}
	return img, nil
}

func (d *displaySource) Close() error {
	d.closed = true
	return nil
}
