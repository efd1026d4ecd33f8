// Package thumbnail holds the raw raster operations used to build the small
// square preview images embedded in package archives.
package thumbnail

import (
	"fmt"
	"math"
)

// Image is a tightly packed 8-bit raster. Pix holds Height rows of
// Width*Channels samples. Channels is 3 (RGB) or 4 (RGBA).
type Image struct {
	Pix      []byte
	Width    int
	Height   int
	Channels int
}

// New allocates a zeroed image.
func New(w, h, c int) *Image {
	return &Image{
		Pix:      make([]byte, w*h*c),
		Width:    w,
		Height:   h,
		Channels: c,
	}
}

// Validate checks that the dimensions agree with the pixel buffer.
func (img *Image) Validate() error {
	if img.Channels != 3 && img.Channels != 4 {
		return fmt.Errorf("unsupported channel count: %d", img.Channels)
	}
	if img.Width <= 0 || img.Height <= 0 {
		return fmt.Errorf("invalid dimensions: %dx%d", img.Width, img.Height)
	}
	if len(img.Pix) != img.Width*img.Height*img.Channels {
		return fmt.Errorf("pixel buffer size %d does not match %dx%dx%d",
			len(img.Pix), img.Width, img.Height, img.Channels)
	}
	return nil
}

func (img *Image) at(x, y int) []byte {
	x = clampInt(x, 0, img.Width-1)
	y = clampInt(y, 0, img.Height-1)
	i := (y*img.Width + x) * img.Channels
	return img.Pix[i : i+img.Channels]
}

// Resize returns a copy of img scaled to w x h. Shrinking uses box
// filtering, enlarging on either axis uses bicubic interpolation.
func Resize(img *Image, w, h int) (*Image, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid target size: %dx%d", w, h)
	}

	if w == img.Width && h == img.Height {
		out := New(w, h, img.Channels)
		copy(out.Pix, img.Pix)
		return out, nil
	}

	if w > img.Width || h > img.Height {
		return upsample(img, w, h), nil
	}
	return downsample(img, w, h), nil
}

// downsample averages every source pixel covered by each destination pixel.
func downsample(img *Image, w, h int) *Image {
	out := New(w, h, img.Channels)
	c := img.Channels
	sum := make([]float64, c)

	for y := 0; y < h; y++ {
		y0 := y * img.Height / h
		y1 := max((y+1)*img.Height/h, y0+1)
		for x := 0; x < w; x++ {
			x0 := x * img.Width / w
			x1 := max((x+1)*img.Width/w, x0+1)

			clear(sum)
			for sy := y0; sy < y1; sy++ {
				for sx := x0; sx < x1; sx++ {
					px := img.at(sx, sy)
					for k := 0; k < c; k++ {
						sum[k] += float64(px[k])
					}
				}
			}

			n := float64((y1 - y0) * (x1 - x0))
			dp := out.Pix[(y*w+x)*c:]
			for k := 0; k < c; k++ {
				dp[k] = clampSample(sum[k] / n)
			}
		}
	}
	return out
}

// cubic evaluates a Catmull-Rom spline between b and c at phase t.
func cubic(a, b, c, d, t float64) float64 {
	return b + 0.5*t*(c-a+t*(2.0*a-5.0*b+4.0*c-d+t*(3.0*(b-c)+d-a)))
}

func upsample(img *Image, w, h int) *Image {
	out := New(w, h, img.Channels)
	c := img.Channels
	col := make([]float64, 4)

	for y := 0; y < h; y++ {
		sy := (float64(y)+0.5)*float64(img.Height)/float64(h) - 0.5
		iy := int(math.Floor(sy))
		fy := sy - float64(iy)
		for x := 0; x < w; x++ {
			sx := (float64(x)+0.5)*float64(img.Width)/float64(w) - 0.5
			ix := int(math.Floor(sx))
			fx := sx - float64(ix)

			dp := out.Pix[(y*w+x)*c:]
			for k := 0; k < c; k++ {
				for j := 0; j < 4; j++ {
					row := iy - 1 + j
					col[j] = cubic(
						float64(img.at(ix-1, row)[k]),
						float64(img.at(ix, row)[k]),
						float64(img.at(ix+1, row)[k]),
						float64(img.at(ix+2, row)[k]),
						fx)
				}
				dp[k] = clampSample(cubic(col[0], col[1], col[2], col[3], fy))
			}
		}
	}
	return out
}

// Crop returns the w x h region whose top-left corner is (x, y).
func Crop(img *Image, x, y, w, h int) (*Image, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if x < 0 || y < 0 || w <= 0 || h <= 0 || x+w > img.Width || y+h > img.Height {
		return nil, fmt.Errorf("crop rectangle %d,%d %dx%d outside %dx%d image",
			x, y, w, h, img.Width, img.Height)
	}

	out := New(w, h, img.Channels)
	rowBytes := w * img.Channels
	for j := 0; j < h; j++ {
		src := ((y+j)*img.Width + x) * img.Channels
		copy(out.Pix[j*rowBytes:(j+1)*rowBytes], img.Pix[src:src+rowBytes])
	}
	return out, nil
}

// Square scales img so that its shorter edge equals size and crops the
// centre to a size x size square.
func Square(img *Image, size int) (*Image, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid thumbnail size: %d", size)
	}

	w, h := size, size
	aspect := float64(img.Width) / float64(img.Height)
	if aspect > 1 {
		w = int(math.Round(float64(size) * aspect))
	} else if aspect < 1 {
		h = int(math.Round(float64(size) / aspect))
	}

	scaled, err := Resize(img, w, h)
	if err != nil {
		return nil, err
	}
	if w == h {
		return scaled, nil
	}
	return Crop(scaled, (w-size)/2, (h-size)/2, size, size)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampSample(v float64) byte {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return byte(v + 0.5)
}
