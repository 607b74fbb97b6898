package imaging

import (
	"errors"
	"fmt"
)

var ErrTensorShape = errors.New("imaging: tensor shape mismatch")

// Tensor is a planar CHW float32 image.
type Tensor struct {
	Channels int
	Height   int
	Width    int
	Data     []float32
}

func NewTensor(channels, height, width int) Tensor {
	return Tensor{
		Channels: channels,
		Height:   height,
		Width:    width,
		Data:     make([]float32, channels*height*width),
	}
}

func (t Tensor) index(c, y, x int) int {
	return (c*t.Height+y)*t.Width + x
}

func (t Tensor) At(c, y, x int) float32 {
	return t.Data[t.index(c, y, x)]
}

func (t Tensor) Set(c, y, x int, v float32) {
	t.Data[t.index(c, y, x)] = v
}

// Validate checks that the dimensions are positive and agree with Data.
func (t Tensor) Validate() error {
	if t.Channels <= 0 || t.Height <= 0 || t.Width <= 0 {
		return fmt.Errorf("%w: non-positive dims %dx%dx%d", ErrTensorShape, t.Channels, t.Height, t.Width)
	}
	if len(t.Data) != t.Channels*t.Height*t.Width {
		return fmt.Errorf("%w: %d values for %dx%dx%d", ErrTensorShape, len(t.Data), t.Channels, t.Height, t.Width)
	}
	return nil
}

// SameShape reports whether t and o have identical dimensions.
func (t Tensor) SameShape(o Tensor) bool {
	return t.Channels == o.Channels && t.Height == o.Height && t.Width == o.Width
}

func (t Tensor) Clone() Tensor {
	out := t
	out.Data = make([]float32, len(t.Data))
	copy(out.Data, t.Data)
	return out
}
