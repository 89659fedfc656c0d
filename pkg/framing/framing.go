// Package framing implements the length-prefixed TCP frame format: a 4-byte
// big-endian payload length followed by the payload bytes.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the length-prefix width in bytes.
	HeaderSize = 4

	// MaxFrameSize bounds a single frame payload. Anything larger is a
	// corrupt or hostile stream.
	MaxFrameSize = 16 * 1024
)

var (
	// ErrFrameTooLarge is returned when a header announces a payload over
	// MaxFrameSize. The stream is unrecoverable past this point.
	ErrFrameTooLarge = errors.New("framing: frame too large")

	// ErrInvalidLength is returned for a zero-length frame.
	ErrInvalidLength = errors.New("framing: invalid frame length")
)

// AppendFrame appends a length header and the payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// Decoder reassembles frames from an incoming byte stream. Bytes arrive in
// arbitrary chunks via Feed; complete payloads come out of Next. A Decoder
// is not safe for concurrent use.
type Decoder struct {
	buf     []byte
	need    int
	inBody  bool
	datalen int
}

// NewDecoder returns a decoder ready to read a header.
func NewDecoder() *Decoder {
	return &Decoder{need: HeaderSize}
}

// Feed appends raw stream bytes to the decoder.
func (d *Decoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Buffered returns the number of undecoded bytes held by the decoder.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame payload, or nil when more bytes are
// needed. The returned slice aliases the decoder's buffer and is only valid
// until the next call to Feed or Next. A non-nil error means the stream is
// corrupt and the connection should be dropped.
func (d *Decoder) Next() ([]byte, error) {
	if !d.inBody {
		if len(d.buf) < HeaderSize {
			return nil, nil
		}
		n := binary.BigEndian.Uint32(d.buf[:HeaderSize])
		if n == 0 {
			return nil, ErrInvalidLength
		}
		if n > MaxFrameSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
		}
		d.buf = d.buf[HeaderSize:]
		d.datalen = int(n)
		d.inBody = true
	}
	if len(d.buf) < d.datalen {
		return nil, nil
	}
	payload := d.buf[:d.datalen]
	d.buf = d.buf[d.datalen:]
	d.inBody = false
	if len(d.buf) == 0 {
		// Release the backing array once the stream is drained so a
		// long-lived connection does not pin its largest burst.
		d.buf = nil
	}
	return payload, nil
}
