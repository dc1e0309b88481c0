// Package framing implements the length-prefixed message stream used by the
// subscribe endpoint of the introspection server and its client.
//
// Each frame is a 4-byte little-endian unsigned length L followed by exactly
// L bytes of payload. A frame with L == 0 is the probe frame: the server
// writes one at the start of a stream to force the transport to deliver
// headers, and decoders discard it. Because of that, an empty payload cannot
// be carried as a message.
package framing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the size of the length prefix in bytes.
const HeaderSize = 4

// DefaultMaxFrameSize is the largest payload a [Decoder] accepts unless
// configured otherwise.
const DefaultMaxFrameSize = 64 << 20

// ErrFrameTooLarge is returned when a length prefix exceeds the configured
// limit, which usually means the stream is corrupt or misaligned.
var ErrFrameTooLarge = errors.New("framing: frame too large")

var probe [HeaderSize]byte

// AppendFrame appends the encoded frame for payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// WriteFrame writes payload to w as a single frame using one Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	_, err := w.Write(AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload))
	return err
}

// WriteProbe writes the zero-length probe frame.
func WriteProbe(w io.Writer) error {
	_, err := w.Write(probe[:])
	return err
}

// Decoder reassembles frames from chunks of arbitrary size and boundary.
//
// Decoder implements [io.Writer]; every complete frame available after a
// Write is delivered to the emit callback before Write returns. Probe frames
// are dropped. Once Write has returned an error the decoder stays failed.
type Decoder struct {
	emit    func([]byte)
	buf     []byte
	pending int
	max     int
	err     error
}

// NewDecoder returns a [Decoder] that passes each decoded payload to emit.
// The payload slice is owned by the callee.
func NewDecoder(emit func([]byte)) *Decoder {
	return &Decoder{emit: emit, pending: -1, max: DefaultMaxFrameSize}
}

// SetMaxFrameSize changes the payload limit. n <= 0 disables the limit.
func (d *Decoder) SetMaxFrameSize(n int) {
	d.max = n
}

// Write buffers p and emits all complete frames.
func (d *Decoder) Write(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	d.buf = append(d.buf, p...)

	for {
		if d.pending < 0 {
			if len(d.buf) < HeaderSize {
				break
			}
			n := binary.LittleEndian.Uint32(d.buf)
			d.buf = d.buf[HeaderSize:]
			if n == 0 {
				continue
			}
			if d.max > 0 && uint64(n) > uint64(d.max) {
				d.err = fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFrameTooLarge, n, d.max)
				return len(p), d.err
			}
			d.pending = int(n)
		}
		if len(d.buf) < d.pending {
			break
		}
		msg := bytes.Clone(d.buf[:d.pending])
		d.buf = d.buf[d.pending:]
		d.pending = -1
		d.emit(msg)
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return len(p), nil
}

// Partial reports whether a frame has been started but not completed.
func (d *Decoder) Partial() bool {
	return d.pending >= 0 || len(d.buf) > 0
}

// Reader yields one decoded message per call to [Reader.Next].
type Reader struct {
	r     io.Reader
	dec   *Decoder
	queue [][]byte
	chunk []byte
	err   error
}

// NewReader returns a [Reader] decoding frames from r.
func NewReader(r io.Reader) *Reader {
	fr := &Reader{r: r, chunk: make([]byte, 32<<10)}
	fr.dec = NewDecoder(func(msg []byte) {
		fr.queue = append(fr.queue, msg)
	})
	return fr
}

// SetMaxFrameSize changes the payload limit of the underlying [Decoder].
func (fr *Reader) SetMaxFrameSize(n int) {
	fr.dec.SetMaxFrameSize(n)
}

// Next returns the next message. It returns [io.EOF] when the stream ends on
// a frame boundary and [io.ErrUnexpectedEOF] when it ends inside a frame.
func (fr *Reader) Next() ([]byte, error) {
	for {
		if len(fr.queue) > 0 {
			msg := fr.queue[0]
			fr.queue[0] = nil
			fr.queue = fr.queue[1:]
			return msg, nil
		}
		if fr.err != nil {
			return nil, fr.err
		}

		n, err := fr.r.Read(fr.chunk)
		if n > 0 {
			if _, derr := fr.dec.Write(fr.chunk[:n]); derr != nil {
				fr.err = derr
				continue
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && fr.dec.Partial() {
				err = io.ErrUnexpectedEOF
			}
			fr.err = err
		}
	}
}
