// Package imaging turns wire panoramas into model tensors and back.
//
// Preprocess: flip, binarize alpha, composite over white, resize, normalize.
// Postprocess: denormalize, resize, add opaque alpha, flip back.
package imaging

import (
	"image"
	"image/color"
	"math"

	xdraw "golang.org/x/image/draw"

	"github.com/danmuck/panostream/internal/protocol"
)

const (
	// AlphaThreshold splits binarized alpha: below is background.
	AlphaThreshold = 0.5

	normMean  = 0.5
	normScale = 0.5
)

// Background is the opaque colour masked pixels are composited over.
var Background = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// Options controls the conversion between wire and model resolutions.
type Options struct {
	FlipVertical bool
	// AlphaAnyNonZero treats every pixel with non-zero alpha as foreground
	// instead of thresholding at AlphaThreshold.
	AlphaAnyNonZero bool
	// ModelWidth and ModelHeight are the network input resolution. Zero
	// means the wire resolution.
	ModelWidth  int
	ModelHeight int
}

func (o Options) modelSize(width, height int) (int, int) {
	w, h := o.ModelWidth, o.ModelHeight
	if w <= 0 {
		w = width
	}
	if h <= 0 {
		h = height
	}
	return w, h
}

// Composite holds the intermediate images of one preprocessing pass, in wire
// resolution and after the optional flip.
type Composite struct {
	// Original is the received panorama.
	Original *image.NRGBA
	// Mask is the binarized alpha channel, 0 or 255.
	Mask *image.Gray
	// Input is the original composited over Background, fully opaque.
	Input *image.RGBA
}

// BinarizeAlpha maps a 0..1 alpha to 0 or 1.
func BinarizeAlpha(a float32) float32 {
	if a < AlphaThreshold {
		return 0
	}
	return 1
}

// maskAlpha binarizes an alpha byte under the rule opts selects.
func (o Options) maskAlpha(a uint8) float32 {
	if o.AlphaAnyNonZero {
		if a != 0 {
			return 1
		}
		return 0
	}
	return BinarizeAlpha(float32(a) / 255)
}

// CompositeRGBA interprets raw as height rows of width RGBA pixels, flips the
// rows if opts asks for it, and composites it over Background with a hard
// alpha mask. Only FlipVertical and AlphaAnyNonZero are consulted.
func CompositeRGBA(raw []byte, width, height int, opts Options) (*Composite, error) {
	if err := protocol.ValidatePanorama(raw, width, height); err != nil {
		return nil, err
	}
	orig := image.NewNRGBA(image.Rect(0, 0, width, height))
	copy(orig.Pix, raw)
	if opts.FlipVertical {
		FlipRows(orig.Pix, orig.Stride, height)
	}

	mask := image.NewGray(orig.Rect)
	in := image.NewRGBA(orig.Rect)
	bg := [3]float32{float32(Background.R), float32(Background.G), float32(Background.B)}
	for y := 0; y < height; y++ {
		row := orig.Pix[y*orig.Stride : y*orig.Stride+width*4]
		dst := in.Pix[y*in.Stride : y*in.Stride+width*4]
		for x := 0; x < width; x++ {
			p := row[x*4 : x*4+4]
			a := opts.maskAlpha(p[3])
			for c := 0; c < 3; c++ {
				dst[x*4+c] = uint8(float32(p[c])*a + bg[c]*(1-a))
			}
			dst[x*4+3] = 255
			mask.Pix[y*mask.Stride+x] = uint8(a * 255)
		}
	}
	return &Composite{Original: orig, Mask: mask, Input: in}, nil
}

// Preprocess converts a raw RGBA panorama into the normalized RGB tensor the
// model expects.
func Preprocess(raw []byte, width, height int, opts Options) (Tensor, error) {
	comp, err := CompositeRGBA(raw, width, height, opts)
	if err != nil {
		return Tensor{}, err
	}
	return comp.Tensor(opts), nil
}

// Tensor resizes the composited input to the model resolution and
// normalizes it.
func (c *Composite) Tensor(opts Options) Tensor {
	b := c.Input.Bounds()
	mw, mh := opts.modelSize(b.Dx(), b.Dy())
	src := Resize(c.Input, mw, mh)

	t := NewTensor(3, mh, mw)
	for y := 0; y < mh; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < mw; x++ {
			for ch := 0; ch < 3; ch++ {
				t.Set(ch, y, x, Normalize(row[x*4+ch]))
			}
		}
	}
	return t
}

// Postprocess converts a model output tensor into a width x height RGBA
// buffer with opaque alpha.
func Postprocess(t Tensor, width, height int, opts Options) ([]byte, error) {
	img, err := TensorImage(t)
	if err != nil {
		return nil, err
	}
	out := Resize(img, width, height)
	if opts.FlipVertical {
		FlipRows(out.Pix, out.Stride, height)
	}
	return out.Pix, nil
}

// TensorImage denormalizes a 3-channel tensor into an opaque RGBA image at
// the tensor's resolution.
func TensorImage(t Tensor) (*image.RGBA, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.Channels != 3 {
		return nil, ErrTensorShape
	}
	img := image.NewRGBA(image.Rect(0, 0, t.Width, t.Height))
	for y := 0; y < t.Height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < t.Width; x++ {
			for ch := 0; ch < 3; ch++ {
				row[x*4+ch] = Denormalize(t.At(ch, y, x))
			}
			row[x*4+3] = 255
		}
	}
	return img, nil
}

// Normalize maps a 0..255 channel value to (v/255 - mean) / scale.
func Normalize(v uint8) float32 {
	return (float32(v)/255 - normMean) / normScale
}

// Denormalize inverts Normalize, clamping to 0..255 and rounding to the
// nearest integer.
func Denormalize(v float32) uint8 {
	f := float64(v)*normScale + normMean
	if f <= 0 || math.IsNaN(f) {
		return 0
	}
	if f >= 1 {
		return 255
	}
	return uint8(math.Round(f * 255))
}

// Resize returns src scaled to w x h with a Catmull-Rom (bicubic) kernel.
// When the size already matches, a copy is returned.
func Resize(src *image.RGBA, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if src.Bounds().Dx() == w && src.Bounds().Dy() == h {
		xdraw.Copy(dst, image.Point{}, src, src.Bounds(), xdraw.Src, nil)
		return dst
	}
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

// FlipRows reverses the row order of a packed pixel buffer in place.
func FlipRows(pix []byte, stride, height int) {
	tmp := make([]byte, stride)
	for top, bottom := 0, height-1; top < bottom; top, bottom = top+1, bottom-1 {
		a := pix[top*stride : (top+1)*stride]
		b := pix[bottom*stride : (bottom+1)*stride]
		copy(tmp, a)
		copy(a, b)
		copy(b, tmp)
	}
}
