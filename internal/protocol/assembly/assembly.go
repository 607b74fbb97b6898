// Package assembly collects fragmented panorama payloads into whole requests.
package assembly

import (
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/panostream/internal/protocol"
	"github.com/danmuck/panostream/internal/protocol/frame"
)

// DefaultChunkSize bounds one receive call while assembling.
const DefaultChunkSize = 64 * 1024

// initialCap bounds the up-front allocation so a corrupt declared length does
// not reserve memory before any bytes arrive.
const initialCap = 1 << 20

// Assemble collects exactly bytesLeft bytes from r, receiving at most chunk
// bytes per call, and returns them as one contiguous buffer.
func Assemble(r io.Reader, bytesLeft, chunk int) ([]byte, error) {
	if bytesLeft < 0 {
		return nil, fmt.Errorf("assembly: negative byte count %d", bytesLeft)
	}
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	out := make([]byte, 0, min(bytesLeft, initialCap))
	scratch := make([]byte, min(chunk, max(bytesLeft, 1)))
	for bytesLeft > 0 {
		n := min(chunk, bytesLeft, len(scratch))
		if _, err := io.ReadFull(r, scratch[:n]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, frame.ErrConnectionClosed
			}
			return nil, err
		}
		out = append(out, scratch[:n]...)
		bytesLeft -= n
	}
	return out, nil
}

// Reader reads whole panorama requests from a byte stream.
type Reader struct {
	Profile   protocol.Profile
	Limits    frame.Limits
	ChunkSize int
}

// ReadRequest reads one framed request. Every returned error is classified:
// stream failures as transport, impossible sizes as protocol.
func (rd Reader) ReadRequest(r io.Reader) (protocol.Request, error) {
	h, err := frame.ReadHeader(r)
	if err != nil {
		return protocol.Request{}, protocol.Transport("read header", err)
	}
	if err := rd.Limits.Check(h); err != nil {
		return protocol.Request{}, protocol.Protocol("check limits", err)
	}

	if rd.Profile.Compressed && h.PayloadLen != h.PayloadLenRepeat {
		if err := rd.Limits.CheckInflated(h); err != nil {
			return protocol.Request{}, protocol.Protocol("check inflated size", err)
		}
		raw, err := Assemble(r, int(h.PayloadLen), rd.ChunkSize)
		if err != nil {
			return protocol.Request{}, protocol.Transport("assemble compressed body", err)
		}
		body, err := Inflate(raw, int(h.PayloadLenRepeat))
		if err != nil {
			return protocol.Request{}, protocol.Protocol("inflate body", err)
		}
		req, err := protocol.DecodeRequestBody(rd.Profile, h, body)
		if err != nil {
			return protocol.Request{}, protocol.Protocol("decode body", err)
		}
		return req, nil
	}

	req := protocol.Request{Header: h}
	bytesLeft := int(h.PayloadLen)
	if rd.Profile.TextureSizeHeader {
		if bytesLeft < protocol.TextureSizeLen {
			return protocol.Request{}, protocol.Protocol("read texture size",
				fmt.Errorf("%w: declared=%d", protocol.ErrBodyTooShort, bytesLeft))
		}
		sub, err := frame.ReadExactly(r, protocol.TextureSizeLen)
		if err != nil {
			return protocol.Request{}, protocol.Transport("read texture size", err)
		}
		req.Width, req.Height, _ = protocol.DecodeTextureSize(sub)
		bytesLeft -= protocol.TextureSizeLen
	}
	pixels, err := Assemble(r, bytesLeft, rd.ChunkSize)
	if err != nil {
		return protocol.Request{}, protocol.Transport("assemble body", err)
	}
	req.Pixels = pixels
	return req, nil
}
