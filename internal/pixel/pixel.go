// Package pixel expands grayscale frames into displayable RGBA buffers.
package pixel

import (
	"errors"
	"fmt"
	"image"
	"math"
)

var ErrSize = errors.New("pixel: frame is not a perfect square")

// Buffer is a Side x Side RGBA image, 4 bytes per pixel, row-major.
type Buffer struct {
	Side int
	Pix  []byte
}

// Side returns s such that s*s == n, or ErrSize.
func Side(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("%w: %d bytes", ErrSize, n)
	}
	s := int(math.Round(math.Sqrt(float64(n))))
	if s*s != n {
		return 0, fmt.Errorf("%w: %d bytes", ErrSize, n)
	}
	return s, nil
}

// Expand maps each luma byte Y to RGBA {Y, Y, Y, 255}.
func Expand(luma []byte) (Buffer, error) {
	side, err := Side(len(luma))
	if err != nil {
		return Buffer{}, err
	}
	pix := make([]byte, 4*len(luma))
	for i, y := range luma {
		j := 4 * i
		pix[j] = y
		pix[j+1] = y
		pix[j+2] = y
		pix[j+3] = 255
	}
	return Buffer{Side: side, Pix: pix}, nil
}

// Image wraps the buffer without copying.
func (b Buffer) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    b.Pix,
		Stride: 4 * b.Side,
		Rect:   image.Rect(0, 0, b.Side, b.Side),
	}
}

// Luma returns the gray value of each pixel, the inverse of Expand.
func (b Buffer) Luma() []byte {
	out := make([]byte, len(b.Pix)/4)
	for i := range out {
		out[i] = b.Pix[4*i]
	}
	return out
}
