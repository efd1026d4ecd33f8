package thumbnail

import (
	"bytes"
	"testing"
)

func solid(w, h, c int, v byte) *Image {
	img := New(w, h, c)
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func TestResize(t *testing.T) {
	tests := []struct {
		name  string
		src   *Image
		w, h  int
		value byte
	}{
		{name: "box filter shrink keeps flat colour", src: solid(8, 8, 3, 200), w: 2, h: 2, value: 200},
		{name: "bicubic enlarge keeps flat colour", src: solid(2, 2, 4, 17), w: 9, h: 5, value: 17},
		{name: "same size is a copy", src: solid(3, 3, 3, 99), w: 3, h: 3, value: 99},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Resize(tt.src, tt.w, tt.h)
			if err != nil {
				t.Fatalf("Resize() error = %v", err)
			}
			if out.Width != tt.w || out.Height != tt.h {
				t.Fatalf("size = %dx%d, want %dx%d", out.Width, out.Height, tt.w, tt.h)
			}
			for i, v := range out.Pix {
				if v != tt.value {
					t.Fatalf("Pix[%d] = %d, want %d", i, v, tt.value)
				}
			}
		})
	}
}

func TestResize_BoxAverages(t *testing.T) {
	src := New(2, 1, 3)
	copy(src.Pix, []byte{0, 0, 0, 200, 100, 50})

	out, err := Resize(src, 1, 1)
	if err != nil {
		t.Fatalf("Resize() error = %v", err)
	}
	want := []byte{100, 50, 25}
	if !bytes.Equal(out.Pix, want) {
		t.Errorf("Pix = %v, want %v", out.Pix, want)
	}
}

func TestResize_BicubicClamps(t *testing.T) {
	// A hard edge overshoots with Catmull-Rom; samples must stay in range.
	src := New(4, 1, 3)
	copy(src.Pix, []byte{0, 0, 0, 0, 0, 0, 255, 255, 255, 255, 255, 255})

	out, err := Resize(src, 16, 2)
	if err != nil {
		t.Fatalf("Resize() error = %v", err)
	}
	if out.Pix[0] != 0 {
		t.Errorf("left edge = %d, want 0", out.Pix[0])
	}
	if last := out.Pix[15*3]; last != 255 {
		t.Errorf("right edge = %d, want 255", last)
	}
}

func TestResize_Invalid(t *testing.T) {
	if _, err := Resize(&Image{Width: 2, Height: 2, Channels: 3, Pix: make([]byte, 5)}, 1, 1); err == nil {
		t.Error("expected error for short pixel buffer")
	}
	if _, err := Resize(solid(2, 2, 3, 0), 0, 1); err == nil {
		t.Error("expected error for zero target width")
	}
	if _, err := Resize(solid(2, 2, 2, 0), 1, 1); err == nil {
		t.Error("expected error for two channel image")
	}
}

func TestCrop(t *testing.T) {
	src := New(3, 3, 3)
	for i := 0; i < 9; i++ {
		src.Pix[i*3] = byte(i)
	}

	out, err := Crop(src, 1, 1, 2, 2)
	if err != nil {
		t.Fatalf("Crop() error = %v", err)
	}
	got := []byte{out.Pix[0], out.Pix[3], out.Pix[6], out.Pix[9]}
	want := []byte{4, 5, 7, 8}
	if !bytes.Equal(got, want) {
		t.Errorf("cropped = %v, want %v", got, want)
	}

	if _, err := Crop(src, 2, 2, 2, 2); err == nil {
		t.Error("expected error for rectangle outside image")
	}
}

func TestSquare(t *testing.T) {
	tests := []struct {
		name string
		w, h int
	}{
		{"landscape", 300, 100},
		{"portrait", 50, 400},
		{"square larger", 256, 256},
		{"smaller than target", 20, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Square(solid(tt.w, tt.h, 4, 80), 64)
			if err != nil {
				t.Fatalf("Square() error = %v", err)
			}
			if out.Width != 64 || out.Height != 64 {
				t.Errorf("size = %dx%d, want 64x64", out.Width, out.Height)
			}
			if out.Channels != 4 {
				t.Errorf("Channels = %d, want 4", out.Channels)
			}
		})
	}
}

func TestSquare_CropsCentre(t *testing.T) {
	// Left third black, middle white, right third black.
	src := New(3, 1, 3)
	copy(src.Pix[3:6], []byte{255, 255, 255})

	out, err := Square(src, 1)
	if err != nil {
		t.Fatalf("Square() error = %v", err)
	}
	if out.Pix[0] != 255 {
		t.Errorf("centre sample = %d, want 255", out.Pix[0])
	}
}

func TestConvertChannelOrder(t *testing.T) {
	tests := []struct {
		name     string
		src      []byte
		from, to Layout
		want     []byte
	}{
		{"rgb to bgr", []byte{1, 2, 3, 4, 5, 6}, RGB, BGR, []byte{3, 2, 1, 6, 5, 4}},
		{"bgra to rgba", []byte{1, 2, 3, 4}, BGRA, RGBA, []byte{3, 2, 1, 4}},
		{"rgb to rgba adds opaque alpha", []byte{1, 2, 3}, RGB, RGBA, []byte{1, 2, 3, 255}},
		{"rgba to bgr drops alpha", []byte{1, 2, 3, 4}, RGBA, BGR, []byte{3, 2, 1}},
		{"identity", []byte{9, 8, 7}, RGB, RGB, []byte{9, 8, 7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([]byte, len(tt.want))
			if err := ConvertChannelOrder(dst, tt.src, tt.from, tt.to); err != nil {
				t.Fatalf("ConvertChannelOrder() error = %v", err)
			}
			if !bytes.Equal(dst, tt.want) {
				t.Errorf("dst = %v, want %v", dst, tt.want)
			}
		})
	}

	t.Run("rejects short destination", func(t *testing.T) {
		if err := ConvertChannelOrder(make([]byte, 3), []byte{1, 2, 3}, RGB, RGBA); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("rejects ragged source", func(t *testing.T) {
		if err := ConvertChannelOrder(make([]byte, 8), []byte{1, 2, 3, 4}, RGB, RGB); err == nil {
			t.Error("expected error")
		}
	})
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	src := New(2, 2, 4)
	copy(src.Pix, []byte{
		255, 0, 0, 255, 0, 255, 0, 255,
		0, 0, 255, 255, 10, 20, 30, 255,
	})

	var buf bytes.Buffer
	if err := EncodePNG(&buf, src); err != nil {
		t.Fatalf("EncodePNG() error = %v", err)
	}

	got, err := DecodeBytes(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeBytes() error = %v", err)
	}
	if !bytes.Equal(got.Pix, src.Pix) {
		t.Errorf("Pix = %v, want %v", got.Pix, src.Pix)
	}
}
