// Package record persists an emitted packet stream to disk and replays it.
// Recordings are zstd-compressed: a short plain header, then a compressed
// stream of [u32 LE length][u64 LE unix-nano][packet] records.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/daylight-mirror/host/internal/logging"
)

var log = logging.L("record")

var fileMagic = [4]byte{'D', 'M', 'R', 'C'}

const fileVersion = 1

// maxRecordLen bounds a single packet record when reading, so a truncated
// or corrupt file cannot demand an absurd allocation.
const maxRecordLen = 64 << 20

// ErrBadHeader is returned when a file does not start with the recording
// magic or carries an unknown version.
var ErrBadHeader = errors.New("record: not a mirror recording")

// Writer appends packets to a recording file. Safe for use from the
// pipeline thread only; Close flushes the zstd stream.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	zw   *zstd.Encoder
	hdr  [12]byte
	n    uint64
	done bool
}

// NewWriter creates (truncates) a recording at path.
func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("record: create: %w", err)
	}

	var hdr [6]byte
	copy(hdr[:4], fileMagic[:])
	binary.LittleEndian.PutUint16(hdr[4:6], fileVersion)
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("record: write header: %w", err)
	}

	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("record: zstd: %w", err)
	}

	log.Info("recording started", "path", path)
	return &Writer{f: f, zw: zw}, nil
}

// WritePacket appends one packet with its emission timestamp.
func (w *Writer) WritePacket(pkt []byte, at time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return errors.New("record: writer closed")
	}

	binary.LittleEndian.PutUint32(w.hdr[0:4], uint32(len(pkt)))
	binary.LittleEndian.PutUint64(w.hdr[4:12], uint64(at.UnixNano()))
	if _, err := w.zw.Write(w.hdr[:]); err != nil {
		return fmt.Errorf("record: write: %w", err)
	}
	if _, err := w.zw.Write(pkt); err != nil {
		return fmt.Errorf("record: write: %w", err)
	}
	w.n++
	return nil
}

// Count returns the number of packets written so far.
func (w *Writer) Count() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// Close flushes and closes the recording.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return nil
	}
	w.done = true

	if err := w.zw.Close(); err != nil {
		w.f.Close()
		return fmt.Errorf("record: flush: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("record: close: %w", err)
	}
	log.Info("recording closed", "packets", w.n)
	return nil
}

// Reader iterates over a recording's packets.
type Reader struct {
	f  *os.File
	zr *zstd.Decoder
}

// NewReader opens a recording and validates its header.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("record: open: %w", err)
	}

	var hdr [6]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("record: read header: %w", err)
	}
	if [4]byte(hdr[:4]) != fileMagic {
		f.Close()
		return nil, ErrBadHeader
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != fileVersion {
		f.Close()
		return nil, fmt.Errorf("%w: version %d", ErrBadHeader, v)
	}

	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("record: zstd: %w", err)
	}
	return &Reader{f: f, zr: zr}, nil
}

// Next returns the next packet and its recorded timestamp, or io.EOF at
// the end of the recording.
func (r *Reader) Next() ([]byte, time.Time, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r.zr, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, time.Time{}, io.EOF
		}
		return nil, time.Time{}, fmt.Errorf("record: read: %w", err)
	}

	length := binary.LittleEndian.Uint32(hdr[0:4])
	if length > maxRecordLen {
		return nil, time.Time{}, fmt.Errorf("record: packet length %d exceeds limit", length)
	}
	at := time.Unix(0, int64(binary.LittleEndian.Uint64(hdr[4:12])))

	pkt := make([]byte, length)
	if _, err := io.ReadFull(r.zr, pkt); err != nil {
		return nil, time.Time{}, fmt.Errorf("record: read packet: %w", err)
	}
	return pkt, at, nil
}

// Close releases the reader.
func (r *Reader) Close() error {
	r.zr.Close()
	return r.f.Close()
}
