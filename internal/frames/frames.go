// Package frames converts raw uint8 frames into normalized float32 tensors.
package frames

import (
	"fmt"
	"image"

	"github.com/anthonynsimon/bild/transform"

	"github.com/cartridge/selfsup/internal/episode"
)

// Normalizer turns a raw frame into a channel-major float32 buffer.
// The returned shape is (channels, height, width).
type Normalizer interface {
	Normalize(f episode.Frame) ([]float32, [3]int, error)
}

// Size is a target (height, width). Height or width of -1 keeps the
// source dimensions.
type Size struct {
	Height int
	Width  int
}

// NoResize keeps frames at their recorded size.
var NoResize = Size{Height: -1, Width: -1}

// Resizer resizes frames with a linear filter and maps pixels to [-1, 1].
type Resizer struct {
	Size Size
}

// NewResizer returns a Resizer targeting size.
func NewResizer(size Size) *Resizer {
	return &Resizer{Size: size}
}

// Normalize implements Normalizer.
func (r *Resizer) Normalize(f episode.Frame) ([]float32, [3]int, error) {
	if err := f.Validate(); err != nil {
		return nil, [3]int{}, err
	}
	if f.Channels != 1 && f.Channels != 3 {
		return nil, [3]int{}, fmt.Errorf("unsupported channel count %d", f.Channels)
	}

	h, w := f.Height, f.Width
	pix := f.Pix
	if r.needsResize(h, w) {
		resized := transform.Resize(toRGBA(f), r.Size.Width, r.Size.Height, transform.Linear)
		h, w = r.Size.Height, r.Size.Width
		pix = fromRGBA(resized, f.Channels)
	}

	c := f.Channels
	out := make([]float32, c*h*w)
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			src := (y*w + x) * c
			for ch := 0; ch < c; ch++ {
				out[ch*plane+y*w+x] = (float32(pix[src+ch])/255 - 0.5) / 0.5
			}
		}
	}
	return out, [3]int{c, h, w}, nil
}

func (r *Resizer) needsResize(h, w int) bool {
	if r.Size.Height <= 0 || r.Size.Width <= 0 {
		return false
	}
	return r.Size.Height != h || r.Size.Width != w
}

func toRGBA(f episode.Frame) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i := 0; i < f.Height*f.Width; i++ {
		var r, g, b uint8
		if f.Channels == 1 {
			r = f.Pix[i]
			g, b = r, r
		} else {
			r, g, b = f.Pix[i*3], f.Pix[i*3+1], f.Pix[i*3+2]
		}
		img.Pix[i*4] = r
		img.Pix[i*4+1] = g
		img.Pix[i*4+2] = b
		img.Pix[i*4+3] = 0xff
	}
	return img
}

func fromRGBA(img *image.RGBA, channels int) []uint8 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]uint8, w*h*channels)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			src := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			dst := (y*w + x) * channels
			if channels == 1 {
				out[dst] = img.Pix[src]
				continue
			}
			out[dst] = img.Pix[src]
			out[dst+1] = img.Pix[src+1]
			out[dst+2] = img.Pix[src+2]
		}
	}
	return out
}
