package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"unicode/utf8"
)

const (
	// HeaderSize is the length of the little-endian uint32 body length prefix.
	HeaderSize = 4

	// MaxSenderSize is the largest sender identity, in bytes, a frame can carry.
	MaxSenderSize = 255

	// DefaultMaxFrameSize is the default body limit enforced by decoders.
	DefaultMaxFrameSize = 64 * 1024

	// HardMaxFrameSize caps any configured decoder limit and every encoded body.
	HardMaxFrameSize = 16 * 1024 * 1024

	// kind byte + sender length byte
	minBodySize = 2
	readChunk   = 4096
)

var (
	// ErrNeedMoreData means the decoder holds a partial frame and must be fed
	// more bytes before Next can return one.
	ErrNeedMoreData = errors.New("frame: need more data")

	// ErrMalformedFrame means the byte stream violates the protocol. It is
	// terminal for the stream: the decoder never resynchronizes.
	ErrMalformedFrame = errors.New("frame: malformed frame")

	// ErrInvalidFrame is returned by Encode for a frame that cannot be put on
	// the wire.
	ErrInvalidFrame = errors.New("frame: invalid frame")
)

// Encode serializes f into its wire form: a 4-byte little-endian body length
// followed by the kind byte, the sender length byte, the sender and the text.
//
// Parameters:
//   - f: The frame to encode
//
// Returns:
//   - The encoded bytes, ready to be written to a transport
//   - An error wrapping ErrInvalidFrame if the kind is unknown, the sender is
//     longer than MaxSenderSize, either string is not valid UTF-8, or the body
//     exceeds HardMaxFrameSize
func Encode(f Frame) ([]byte, error) {
	if !f.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidFrame, uint8(f.Kind))
	}

	if len(f.Sender) > MaxSenderSize {
		return nil, fmt.Errorf("%w: sender is %d bytes, max %d", ErrInvalidFrame, len(f.Sender), MaxSenderSize)
	}

	if !utf8.ValidString(f.Sender) || !utf8.ValidString(f.Text) {
		return nil, fmt.Errorf("%w: payload is not valid UTF-8", ErrInvalidFrame)
	}

	size := minBodySize + len(f.Sender) + len(f.Text)
	if size > HardMaxFrameSize {
		return nil, fmt.Errorf("%w: body is %d bytes, max %d", ErrInvalidFrame, size, HardMaxFrameSize)
	}

	buf := make([]byte, HeaderSize+size)
	binary.LittleEndian.PutUint32(buf, uint32(size))
	buf[HeaderSize] = byte(f.Kind)
	buf[HeaderSize+1] = byte(len(f.Sender))
	n := copy(buf[HeaderSize+minBodySize:], f.Sender)
	copy(buf[HeaderSize+minBodySize+n:], f.Text)

	return buf, nil
}

// Write encodes f and writes it to w in a single Write call.
func Write(w io.Writer, f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}

	_, err = w.Write(data)
	return err
}

// Decoder is a resumable cursor over a chunked byte stream. Feed appends
// whatever bytes arrived; Next extracts complete frames. A Decoder is not safe
// for concurrent use; each connection owns one.
type Decoder struct {
	buf     []byte
	maxSize int
	err     error
}

// NewDecoder creates a Decoder that rejects bodies larger than maxSize.
//
// Parameters:
//   - maxSize: Largest accepted body in bytes; values <= 0 select
//     DefaultMaxFrameSize and values above HardMaxFrameSize are clamped
//
// Returns:
//   - A new *Decoder with an empty buffer
func NewDecoder(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	if maxSize > HardMaxFrameSize {
		maxSize = HardMaxFrameSize
	}

	return &Decoder{maxSize: maxSize}
}

// Feed appends p to the pending input. p is copied and may be reused by the
// caller. Feeding a decoder that already failed is a no-op.
func (d *Decoder) Feed(p []byte) {
	if d.err != nil || len(p) == 0 {
		return
	}

	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes held that do not yet form a frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame.
//
// Returns:
//   - The decoded Frame and nil on success
//   - ErrNeedMoreData if the buffered bytes end mid-frame
//   - An error wrapping ErrMalformedFrame if the stream violates the
//     protocol; every later call returns the same error
func (d *Decoder) Next() (Frame, error) {
	if d.err != nil {
		return Frame{}, d.err
	}

	if len(d.buf) < HeaderSize {
		return Frame{}, ErrNeedMoreData
	}

	size := binary.LittleEndian.Uint32(d.buf)
	if size < minBodySize {
		return Frame{}, d.fail("declared length %d is below minimum %d", size, minBodySize)
	}

	if size > uint32(d.maxSize) {
		return Frame{}, d.fail("declared length %d exceeds limit %d", size, d.maxSize)
	}

	total := HeaderSize + int(size)
	if len(d.buf) < total {
		return Frame{}, ErrNeedMoreData
	}

	f, err := decodeBody(d.buf[HeaderSize:total])
	if err != nil {
		return Frame{}, d.fail("%v", err)
	}

	d.buf = append(d.buf[:0], d.buf[total:]...)
	return f, nil
}

func (d *Decoder) fail(format string, args ...any) error {
	d.err = fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
	d.buf = nil
	return d.err
}

func decodeBody(body []byte) (Frame, error) {
	kind := Kind(body[0])
	if !kind.Valid() {
		return Frame{}, fmt.Errorf("unknown kind %d", body[0])
	}

	senderLen := int(body[1])
	if minBodySize+senderLen > len(body) {
		return Frame{}, fmt.Errorf("sender length %d overruns body of %d bytes", senderLen, len(body))
	}

	sender := body[minBodySize : minBodySize+senderLen]
	text := body[minBodySize+senderLen:]
	if !utf8.Valid(sender) || !utf8.Valid(text) {
		return Frame{}, errors.New("payload is not valid UTF-8")
	}

	return Frame{Kind: kind, Sender: string(sender), Text: string(text)}, nil
}

// Reader reads frames from a byte stream such as a net.Conn.
type Reader struct {
	r       io.Reader
	dec     *Decoder
	chunk   []byte
	readErr error
}

// NewReader wraps r with a Decoder limited to maxSize body bytes.
func NewReader(r io.Reader, maxSize int) *Reader {
	return &Reader{
		r:     r,
		dec:   NewDecoder(maxSize),
		chunk: make([]byte, readChunk),
	}
}

// ReadFrame blocks until a full frame is available.
//
// Returns:
//   - The next Frame and nil on success
//   - io.EOF if the stream ended on a frame boundary
//   - io.ErrUnexpectedEOF if the stream ended mid-frame
//   - An error wrapping ErrMalformedFrame on protocol violations
//   - A net.Error with Timeout() true when a read deadline passes; the
//     Reader stays usable
//   - Any other error from the underlying reader
func (r *Reader) ReadFrame() (Frame, error) {
	for {
		f, err := r.dec.Next()
		if err == nil {
			return f, nil
		}

		if !errors.Is(err, ErrNeedMoreData) {
			return Frame{}, err
		}

		if r.readErr != nil {
			if errors.Is(r.readErr, io.EOF) && r.dec.Buffered() > 0 {
				return Frame{}, io.ErrUnexpectedEOF
			}

			return Frame{}, r.readErr
		}

		n, err := r.r.Read(r.chunk)
		r.dec.Feed(r.chunk[:n])
		if err != nil {
			// A deadline leaves the stream intact; partial bytes stay buffered
			// and the next call resumes.
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return Frame{}, err
			}

			r.readErr = err
		}
	}
}
