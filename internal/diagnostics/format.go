package diagnostics

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	xdraw "golang.org/x/image/draw"

	"github.com/danmuck/panostream/internal/imaging"
	"github.com/danmuck/panostream/internal/protocol"
)

// Format selects the on-disk encoding of a snapshot.
type Format string

const (
	// FormatPNG writes the six diagnostic panels stacked top to bottom.
	FormatPNG Format = "png"
	// FormatZstd and FormatLZ4 write the same panel stack as a stitching
	// response body: (width, 6*height) followed by raw RGBA, compressed.
	FormatZstd Format = "rgba.zst"
	FormatLZ4  Format = "rgba.lz4"
)

// PanelCount is the number of stacked panels in every snapshot.
const PanelCount = 6

func ParseFormat(raw string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(raw)))
	switch f {
	case "":
		return FormatPNG, nil
	case FormatPNG, FormatZstd, FormatLZ4:
		return f, nil
	case "zst", "zstd":
		return FormatZstd, nil
	case "lz4":
		return FormatLZ4, nil
	}
	return "", fmt.Errorf("diagnostics: unknown format %q", raw)
}

func (f Format) Ext() string {
	return string(f)
}

type encodeFunc func(Snapshot) ([]byte, error)

func (f Format) encoder() (encodeFunc, error) {
	switch f {
	case FormatPNG:
		return encodePNG, nil
	case FormatZstd:
		return encodeZstd, nil
	case FormatLZ4:
		return encodeLZ4, nil
	}
	return nil, fmt.Errorf("diagnostics: unknown format %q", string(f))
}

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("diagnostics: zstd encoder initialization failed: " + err.Error())
	}
}

func encodePNG(snap Snapshot) ([]byte, error) {
	canvas, err := Panels(snap)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("diagnostics: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func rawPanels(snap Snapshot) ([]byte, error) {
	canvas, err := Panels(snap)
	if err != nil {
		return nil, err
	}
	b := canvas.Bounds()
	return protocol.EncodeResponseBody(protocol.ProfileStitching, b.Dx(), b.Dy(), canvas.Pix), nil
}

func encodeZstd(snap Snapshot) ([]byte, error) {
	raw, err := rawPanels(snap)
	if err != nil {
		return nil, err
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

func encodeLZ4(snap Snapshot) ([]byte, error) {
	raw, err := rawPanels(snap)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("diagnostics: lz4 write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("diagnostics: lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

// Panels renders the six diagnostic panels stacked vertically, each at wire
// resolution:
//
//	original, original alpha, composited input, binarized mask, output,
//	original drawn over output.
func Panels(snap Snapshot) (*image.RGBA, error) {
	c := snap.Composite
	if c == nil || c.Original == nil || c.Mask == nil || c.Input == nil {
		return nil, fmt.Errorf("diagnostics: snapshot %d has no composite", snap.Sequence)
	}
	w, h := snap.Width, snap.Height
	if err := protocol.ValidatePanorama(snap.Output, w, h); err != nil {
		return nil, fmt.Errorf("diagnostics: output: %w", err)
	}
	if c.Original.Bounds().Dx() != w || c.Original.Bounds().Dy() != h {
		return nil, fmt.Errorf("diagnostics: composite is %v, want %dx%d", c.Original.Bounds().Size(), w, h)
	}

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	copy(out.Pix, snap.Output)
	if snap.Flipped {
		imaging.FlipRows(out.Pix, out.Stride, h)
	}

	alpha := image.NewGray(c.Original.Bounds())
	for i := 0; i < w*h; i++ {
		alpha.Pix[i] = c.Original.Pix[i*4+3]
	}

	overlay := image.NewRGBA(out.Bounds())
	xdraw.Copy(overlay, image.Point{}, out, out.Bounds(), xdraw.Src, nil)
	xdraw.Copy(overlay, image.Point{}, c.Original, c.Original.Bounds(), xdraw.Over, nil)

	panels := [PanelCount]image.Image{c.Original, alpha, c.Input, c.Mask, out, overlay}
	canvas := image.NewRGBA(image.Rect(0, 0, w, h*PanelCount))
	for i, p := range panels {
		xdraw.Copy(canvas, image.Pt(0, i*h), p, p.Bounds(), xdraw.Src, nil)
	}
	return canvas, nil
}
