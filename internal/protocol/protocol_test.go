package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/danmuck/panostream/internal/protocol/frame"
	"github.com/danmuck/panostream/internal/testutil/testlog"
)

func TestRequestBodyRoundTrip(t *testing.T) {
	testlog.Start(t)
	pixels := bytes.Repeat([]byte{1, 2, 3, 4}, 6)
	for _, p := range []Profile{ProfileStitching, ProfileBare} {
		body := EncodeRequestBody(p, 3, 2, pixels)
		h := frame.Header{PayloadLen: uint32(len(body)), PayloadLenRepeat: uint32(len(body))}
		req, err := DecodeRequestBody(p, h, body)
		if err != nil {
			t.Fatalf("%s: decode: %v", p.Name, err)
		}
		if !bytes.Equal(req.Pixels, pixels) {
			t.Fatalf("%s: pixel mismatch", p.Name)
		}
		if p.TextureSizeHeader && (req.Width != 3 || req.Height != 2) {
			t.Fatalf("%s: unexpected texture size %dx%d", p.Name, req.Width, req.Height)
		}
		if err := ValidatePanorama(req.Pixels, 3, 2); err != nil {
			t.Fatalf("%s: validate: %v", p.Name, err)
		}
	}
}

func TestDecodeRequestBodyTooShort(t *testing.T) {
	testlog.Start(t)
	_, err := DecodeRequestBody(ProfileStitching, frame.Header{}, []byte{1, 2, 3})
	if !errors.Is(err, ErrBodyTooShort) {
		t.Fatalf("expected ErrBodyTooShort, got %v", err)
	}
}

func TestWriteResponseEchoesSize(t *testing.T) {
	testlog.Start(t)
	pixels := bytes.Repeat([]byte{9}, PanoramaSize(4, 2))
	var buf bytes.Buffer
	if err := WriteResponse(&buf, ProfileStitching, 4, 2, pixels); err != nil {
		t.Fatalf("write response: %v", err)
	}
	h, err := frame.ReadHeader(&buf)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if int(h.PayloadLen) != len(pixels)+TextureSizeLen || h.PayloadLenRepeat != h.PayloadLen {
		t.Fatalf("unexpected header: %+v", h)
	}
	body, _ := io.ReadAll(&buf)
	out, w, hh, err := DecodeResponseBody(ProfileStitching, body, 0, 0)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if w != 4 || hh != 2 || !bytes.Equal(out, pixels) {
		t.Fatalf("unexpected response w=%d h=%d", w, hh)
	}
}

func TestBareResponseHasNoSizePrefix(t *testing.T) {
	testlog.Start(t)
	pixels := bytes.Repeat([]byte{7}, PanoramaSize(2, 2))
	var buf bytes.Buffer
	if err := WriteResponse(&buf, ProfileBare, 2, 2, pixels); err != nil {
		t.Fatalf("write response: %v", err)
	}
	h, err := frame.ReadHeader(&buf)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if int(h.PayloadLen) != len(pixels) {
		t.Fatalf("unexpected payload length: %d", h.PayloadLen)
	}
}

func TestValidatePanoramaMismatch(t *testing.T) {
	testlog.Start(t)
	err := ValidatePanorama(make([]byte, 10), 256, 128)
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
}

func TestParseProfile(t *testing.T) {
	testlog.Start(t)
	p, err := ParseProfile(" Stitching ")
	if err != nil {
		t.Fatalf("parse profile: %v", err)
	}
	if !p.TextureSizeHeader || !p.EchoSize || p.Compressed {
		t.Fatalf("unexpected stitching flags: %+v", p)
	}
	if _, err := ParseProfile("slam-v2"); err == nil {
		t.Fatalf("expected unknown profile error")
	}
}

func TestErrorClassification(t *testing.T) {
	testlog.Start(t)
	base := errors.New("boom")
	err := Transport("read header", base)
	if KindOf(err) != KindTransport {
		t.Fatalf("unexpected kind: %v", KindOf(err))
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped base error")
	}
	again := Protocol("validate", err)
	if KindOf(again) != KindTransport {
		t.Fatalf("reclassification should keep first kind, got %v", KindOf(again))
	}
	wrapped := fmt.Errorf("session 3: %w", Inference("infer", base))
	if KindOf(wrapped) != KindInference {
		t.Fatalf("unexpected kind through fmt wrap: %v", KindOf(wrapped))
	}
	if KindOf(base) != KindUnknown {
		t.Fatalf("unclassified error should be unknown")
	}
	if Persistence("save", nil) != nil {
		t.Fatalf("nil error must stay nil")
	}
}
