// Package frame owns the pixel planes of a streaming session and the
// greyscale/delta/compress stages that run over them.
package frame

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// maxPixels caps the session resolution so a corrupt config cannot ask for
// a multi-gigabyte allocation. 4096x4096 is far above any device preset.
const maxPixels = 4096 * 4096

// Buffers holds the three pixel planes of a session (current, previous,
// delta) plus the LZ4 scratch buffer. All four are allocated once at session
// start and reused for every frame; nothing here allocates afterwards.
type Buffers struct {
	width  int
	height int

	current  []byte
	previous []byte
	delta    []byte
	scratch  []byte
}

// NewBuffers allocates planes for a w×h session. The scratch buffer is sized
// to the LZ4 worst case for the pixel count.
func NewBuffers(w, h int) (*Buffers, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("frame: invalid dimensions %dx%d", w, h)
	}
	n := w * h
	if n > maxPixels {
		return nil, fmt.Errorf("frame: resolution %dx%d exceeds supported pixel count", w, h)
	}

	return &Buffers{
		width:    w,
		height:   h,
		current:  make([]byte, n),
		previous: make([]byte, n),
		delta:    make([]byte, n),
		scratch:  make([]byte, lz4.CompressBlockBound(n)),
	}, nil
}

// Width returns the plane width in pixels.
func (b *Buffers) Width() int { return b.width }

// Height returns the plane height in pixels.
func (b *Buffers) Height() int { return b.height }

// PixelCount returns the number of luminance samples per plane.
func (b *Buffers) PixelCount() int { return b.width * b.height }

// Current returns the plane holding the frame being processed.
func (b *Buffers) Current() []byte { return b.current }

// Previous returns the plane of the last emitted frame (all zeros before
// the first emission).
func (b *Buffers) Previous() []byte { return b.previous }

// Delta returns the XOR scratch plane.
func (b *Buffers) Delta() []byte { return b.delta }

// Scratch returns the compression output buffer.
func (b *Buffers) Scratch() []byte { return b.scratch }

// SwapCurrentPrevious exchanges the current and previous planes. Called by
// the coordinator after a frame is emitted so that the next delta is taken
// against the last emitted frame.
func (b *Buffers) SwapCurrentPrevious() {
	b.current, b.previous = b.previous, b.current
}
