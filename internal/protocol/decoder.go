package protocol

import "encoding/binary"

// DefaultMaxPayload bounds the frame payload length the decoder will accept.
// A length field above this is treated as garbage and resynced past, which
// stops a corrupt header from demanding a giant read.
const DefaultMaxPayload = 1 << 24

// Decoder is an incremental byte-stream parser. Feed it arbitrary chunks
// with Write and pull complete packets with Next; partial packets stay
// buffered until more bytes arrive. Bytes that do not start a well-formed
// packet are skipped while scanning forward for the next magic byte.
type Decoder struct {
	buf        []byte
	off        int
	discarded  uint64
	maxPayload uint32
}

// NewDecoder returns a decoder with the default payload bound.
func NewDecoder() *Decoder {
	return &Decoder{maxPayload: DefaultMaxPayload}
}

// Write appends raw bytes from the transport to the decode buffer.
func (d *Decoder) Write(p []byte) {
	d.compact()
	d.buf = append(d.buf, p...)
}

// Discarded returns the total number of garbage bytes skipped during resync.
func (d *Decoder) Discarded() uint64 { return d.discarded }

// Buffered returns the number of bytes awaiting a complete packet.
func (d *Decoder) Buffered() int { return len(d.buf) - d.off }

// Next returns the next complete packet, or ok=false when the buffer holds
// no complete packet yet. A returned Frame's payload aliases the internal
// buffer and is valid only until the next Write or Next call.
func (d *Decoder) Next() (pkt Packet, ok bool) {
	for {
		b := d.buf[d.off:]

		// Scan forward for a plausible packet start. A lone trailing magic
		// byte is kept: it may be the start of a packet split across reads.
		start := 0
		for start < len(b) && b[start] != magic {
			start++
		}
		if start > 0 {
			d.discarded += uint64(start)
			d.off += start
			b = b[start:]
		}
		if len(b) < 2 {
			return nil, false
		}

		switch b[1] {
		case typeFrame:
			if len(b) < FrameHeaderLen {
				return nil, false
			}
			length := binary.LittleEndian.Uint32(b[7:11])
			if length > d.maxPayload {
				d.skipGarbage()
				continue
			}
			total := FrameHeaderLen + int(length)
			if len(b) < total {
				return nil, false
			}
			f := Frame{
				Flags:   b[2],
				Seq:     binary.LittleEndian.Uint32(b[3:7]),
				Payload: b[FrameHeaderLen:total],
			}
			d.off += total
			return f, true

		case typeAck:
			if len(b) < AckLen {
				return nil, false
			}
			a := Ack{Seq: binary.LittleEndian.Uint32(b[2:6])}
			d.off += AckLen
			return a, true

		case typeCommand:
			if len(b) < CommandLen {
				return nil, false
			}
			c := Command{Cmd: b[2], Value: b[3]}
			d.off += CommandLen
			return c, true

		default:
			// Magic byte followed by an unknown type: not a packet start.
			d.skipGarbage()
		}
	}
}

// skipGarbage advances past the current magic byte so the scan resumes at
// the following byte.
func (d *Decoder) skipGarbage() {
	d.discarded++
	d.off++
}

// compact drops consumed bytes once they dominate the buffer, so a
// long-lived decoder does not grow without bound.
func (d *Decoder) compact() {
	if d.off == 0 {
		return
	}
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
		return
	}
	if d.off > 4096 && d.off > len(d.buf)/2 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
}
