// Package frame maps viewport selections onto captured frames.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"math"
)

// ErrEmptyImage is returned when the source frame has no pixels.
var ErrEmptyImage = errors.New("empty image")

// Rect is a rectangle in viewport CSS pixels.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// SelectionRect is a viewport rectangle together with the page metrics
// needed to map it into source pixels.
type SelectionRect struct {
	Rect
	ScrollX          float64 `json:"scrollX"`
	ScrollY          float64 `json:"scrollY"`
	DevicePixelRatio float64 `json:"devicePixelRatio"`
}

// Full is the selection covering an entire frame.
var Full = SelectionRect{}

// IsFull reports whether s selects the whole frame.
func (s SelectionRect) IsFull() bool {
	return s.W == 0 && s.H == 0
}

// TooSmall reports whether either side is below min viewport pixels.
func (s SelectionRect) TooSmall(min float64) bool {
	return s.W < min || s.H < min
}

// Source returns the selection in source-pixel space. Coordinates are
// rounded to the nearest pixel and each side is at least one pixel.
func (s SelectionRect) Source() image.Rectangle {
	dpr := s.DevicePixelRatio
	if dpr <= 0 {
		dpr = 1
	}
	x := int(math.Round((s.X + s.ScrollX) * dpr))
	y := int(math.Round((s.Y + s.ScrollY) * dpr))
	w := max(1, int(math.Round(s.W*dpr)))
	h := max(1, int(math.Round(s.H*dpr)))
	return image.Rect(x, y, x+w, y+h)
}

// Crop decodes a PNG frame, cuts out sel, and re-encodes the result as PNG.
// Destination pixels that fall outside the source stay transparent.
func Crop(src []byte, sel SelectionRect) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}
	if sel.IsFull() {
		return encode(img)
	}
	return encode(CropImage(img, sel))
}

// CropImage is Crop on a decoded image.
func CropImage(img image.Image, sel SelectionRect) *image.NRGBA {
	r := sel.Source()
	dst := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	b := img.Bounds()
	sp := image.Pt(b.Min.X+r.Min.X, b.Min.Y+r.Min.Y)
	draw.Draw(dst, dst.Bounds(), img, sp, draw.Src)
	return dst
}

func encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}
	return buf.Bytes(), nil
}
