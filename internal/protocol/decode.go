package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/panostream/internal/protocol/frame"
)

// DecodeTextureSize parses the 8-byte (width, height) sub-header.
func DecodeTextureSize(b []byte) (uint32, uint32, error) {
	if len(b) < TextureSizeLen {
		return 0, 0, fmt.Errorf("%w: have %d bytes", ErrBodyTooShort, len(b))
	}
	return binary.LittleEndian.Uint32(b[0:4]), binary.LittleEndian.Uint32(b[4:8]), nil
}

// DecodeRequestBody splits an uncompressed request body per p.
func DecodeRequestBody(p Profile, h frame.Header, body []byte) (Request, error) {
	req := Request{Header: h, Pixels: body}
	if !p.TextureSizeHeader {
		return req, nil
	}
	w, hh, err := DecodeTextureSize(body)
	if err != nil {
		return Request{}, err
	}
	req.Width, req.Height = w, hh
	req.Pixels = body[TextureSizeLen:]
	return req, nil
}

// DecodeResponseBody splits a response body per p. When the profile echoes
// the size, the echoed values are returned; otherwise width and height are
// returned as given.
func DecodeResponseBody(p Profile, body []byte, width, height int) ([]byte, int, int, error) {
	if !p.EchoSize {
		return body, width, height, nil
	}
	w, h, err := DecodeTextureSize(body)
	if err != nil {
		return nil, 0, 0, err
	}
	return body[TextureSizeLen:], int(w), int(h), nil
}

// ValidatePanorama checks that pixels holds exactly one width x height RGBA
// image.
func ValidatePanorama(pixels []byte, width, height int) error {
	want := PanoramaSize(width, height)
	if len(pixels) != want {
		return fmt.Errorf("%w: got=%d want=%d (%dx%d)", ErrSizeMismatch, len(pixels), want, width, height)
	}
	return nil
}
