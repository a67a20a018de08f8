package frame

import (
	"encoding/binary"
	"errors"

	"github.com/pierrec/lz4/v4"
)

// ErrCompress is returned when LZ4 produces no output for a plane. The
// coordinator treats it as fatal for the frame: drop and force a keyframe
// so receivers resynchronize at the next emission.
var ErrCompress = errors.New("frame: lz4 produced no output")

// Codec compresses planes into wire payloads. It carries the LZ4 compressor
// state so repeated frames reuse its hash table allocation.
type Codec struct {
	c lz4.Compressor
}

// EncodeKeyframe LZ4-compresses the current plane into scratch and returns
// the compressed payload (a sub-slice of scratch, valid until the next call).
func (c *Codec) EncodeKeyframe(b *Buffers) ([]byte, error) {
	n, err := c.c.CompressBlock(b.Current(), b.Scratch())
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, ErrCompress
	}
	return b.Scratch()[:n], nil
}

// EncodeDelta XORs current against previous into the delta plane, then
// LZ4-compresses the delta into scratch. An unchanged frame XORs to zeros;
// the LZ4 block format spends one byte per 255 bytes of a long match, so an
// all-zero 1280×960 delta still compresses to roughly 4.8 KB.
func (c *Codec) EncodeDelta(b *Buffers) ([]byte, error) {
	xorPlanes(b.Delta(), b.Current(), b.Previous())
	n, err := c.c.CompressBlock(b.Delta(), b.Scratch())
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, ErrCompress
	}
	return b.Scratch()[:n], nil
}

// xorPlanes writes dst[i] = a[i] ^ b[i]. The hot loop works in 8-byte words,
// four at a time, so each iteration covers a 32-byte span; the scalar tail
// handles lengths that are not word-aligned. All three slices must be the
// same length.
func xorPlanes(dst, a, b []byte) {
	n := len(dst)
	i := 0

	for ; i+32 <= n; i += 32 {
		w0 := binary.LittleEndian.Uint64(a[i:]) ^ binary.LittleEndian.Uint64(b[i:])
		w1 := binary.LittleEndian.Uint64(a[i+8:]) ^ binary.LittleEndian.Uint64(b[i+8:])
		w2 := binary.LittleEndian.Uint64(a[i+16:]) ^ binary.LittleEndian.Uint64(b[i+16:])
		w3 := binary.LittleEndian.Uint64(a[i+24:]) ^ binary.LittleEndian.Uint64(b[i+24:])
		binary.LittleEndian.PutUint64(dst[i:], w0)
		binary.LittleEndian.PutUint64(dst[i+8:], w1)
		binary.LittleEndian.PutUint64(dst[i+16:], w2)
		binary.LittleEndian.PutUint64(dst[i+24:], w3)
	}
	for ; i < n; i++ {
		dst[i] = a[i] ^ b[i]
	}
}

// ApplyDelta XORs a decompressed delta plane into prev in place, yielding
// the current plane. Used by tests and the replay tooling to mirror what
// the device renderer does.
func ApplyDelta(prev, delta []byte) {
	xorPlanes(prev, prev, delta)
}

// Decompress expands an LZ4 payload into dst and returns the plane length.
func Decompress(payload, dst []byte) (int, error) {
	return lz4.UncompressBlock(payload, dst)
}
