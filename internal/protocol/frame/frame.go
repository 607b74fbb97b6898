package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the fixed wire header size: status, length, length repeated.
const HeaderLen = 12

// StatusOK is the only status value ever written by this codec.
const StatusOK uint32 = 0

var (
	ErrShortRead        = errors.New("frame: short header read")
	ErrConnectionClosed = errors.New("frame: connection closed before payload completed")
	ErrPayloadTooLarge  = errors.New("frame: payload too large")
	ErrShortWrite       = errors.New("frame: transport accepted no bytes")
)

// byteOrder matches the native little-endian layout produced by the engine
// clients.
var byteOrder = binary.LittleEndian

// Header is the fixed wire header. The two length fields are carried as
// received; the codec never checks that they agree.
type Header struct {
	Status           uint32
	PayloadLen       uint32
	PayloadLenRepeat uint32
}

// Limits constrains decode memory use. A zero MaxPayloadBytes means the
// declared length is trusted as-is.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{}
}

// Check reports ErrPayloadTooLarge when h declares more than the limit allows.
func (l Limits) Check(h Header) error {
	if l.MaxPayloadBytes == 0 {
		return nil
	}
	if h.PayloadLen > l.MaxPayloadBytes {
		return fmt.Errorf("%w: declared=%d max=%d", ErrPayloadTooLarge, h.PayloadLen, l.MaxPayloadBytes)
	}
	return nil
}

// CheckInflated applies the limit to PayloadLenRepeat, the size a compressed
// body claims to expand to.
func (l Limits) CheckInflated(h Header) error {
	if l.MaxPayloadBytes == 0 {
		return nil
	}
	if h.PayloadLenRepeat > l.MaxPayloadBytes {
		return fmt.Errorf("%w: inflated=%d max=%d", ErrPayloadTooLarge, h.PayloadLenRepeat, l.MaxPayloadBytes)
	}
	return nil
}

// ReadHeader reads exactly HeaderLen bytes from r. A stream that ends before
// the first byte yields an error matching both ErrShortRead and io.EOF, which
// callers treat as an orderly disconnect between frames.
func ReadHeader(r io.Reader) (Header, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Header{}, fmt.Errorf("%w: %w", ErrShortRead, io.EOF)
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, ErrShortRead
		}
		return Header{}, err
	}
	return DecodeHeader(fixed[:])
}

// ReadExactly reads n bytes, looping over partial reads.
func ReadExactly(r io.Reader, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("frame: negative read size %d", n)
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrConnectionClosed
		}
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes the header (status, len, len) followed by payload.
// Header and payload are joined into one buffer so a single logical write
// reaches the transport.
func WriteFrame(w io.Writer, status uint32, payload []byte) error {
	n := uint32(len(payload))
	return Write(w, Header{Status: status, PayloadLen: n, PayloadLenRepeat: n}, payload)
}

// Write sends h verbatim followed by payload. h.PayloadLen must equal
// len(payload); PayloadLenRepeat is left to the caller.
func Write(w io.Writer, h Header, payload []byte) error {
	if int(h.PayloadLen) != len(payload) {
		return fmt.Errorf("frame: header declares %d bytes, payload has %d", h.PayloadLen, len(payload))
	}
	buf := make([]byte, HeaderLen+len(payload))
	copy(buf, EncodeHeader(h))
	copy(buf[HeaderLen:], payload)
	return writeAll(w, buf)
}

// writeAll retries short writes until buf is drained or w fails.
func writeAll(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrShortWrite
		}
		buf = buf[n:]
	}
	return nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	byteOrder.PutUint32(buf[0:4], h.Status)
	byteOrder.PutUint32(buf[4:8], h.PayloadLen)
	byteOrder.PutUint32(buf[8:12], h.PayloadLenRepeat)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		Status:           byteOrder.Uint32(b[0:4]),
		PayloadLen:       byteOrder.Uint32(b[4:8]),
		PayloadLenRepeat: byteOrder.Uint32(b[8:12]),
	}, nil
}
