package protocol

import (
	"encoding/binary"
	"io"

	"github.com/danmuck/panostream/internal/protocol/frame"
)

// EncodeRequestBody lays out a request body for p. The result is the frame
// payload before any compression.
func EncodeRequestBody(p Profile, width, height int, pixels []byte) []byte {
	return encodeBody(p.TextureSizeHeader, width, height, pixels)
}

// EncodeResponseBody lays out a response body for p.
func EncodeResponseBody(p Profile, width, height int, pixels []byte) []byte {
	return encodeBody(p.EchoSize, width, height, pixels)
}

// WriteResponse frames one response and writes it to w.
func WriteResponse(w io.Writer, p Profile, width, height int, pixels []byte) error {
	return frame.WriteFrame(w, frame.StatusOK, EncodeResponseBody(p, width, height, pixels))
}

func encodeBody(withSize bool, width, height int, pixels []byte) []byte {
	if !withSize {
		out := make([]byte, len(pixels))
		copy(out, pixels)
		return out
	}
	out := make([]byte, TextureSizeLen+len(pixels))
	putTextureSize(out, uint32(width), uint32(height))
	copy(out[TextureSizeLen:], pixels)
	return out
}

func putTextureSize(b []byte, width, height uint32) {
	binary.LittleEndian.PutUint32(b[0:4], width)
	binary.LittleEndian.PutUint32(b[4:8], height)
}
