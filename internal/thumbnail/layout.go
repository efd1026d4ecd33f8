package thumbnail

import "fmt"

// Layout names the order of samples inside one pixel.
type Layout int

const (
	RGB Layout = iota
	BGR
	RGBA
	BGRA
)

func (l Layout) String() string {
	switch l {
	case RGB:
		return "RGB"
	case BGR:
		return "BGR"
	case RGBA:
		return "RGBA"
	case BGRA:
		return "BGRA"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// Channels returns the number of samples per pixel.
func (l Layout) Channels() int {
	if l == RGBA || l == BGRA {
		return 4
	}
	return 3
}

// order maps a layout to the source index of R, G, B and (optionally) A.
func (l Layout) order() []int {
	switch l {
	case BGR:
		return []int{2, 1, 0}
	case RGBA:
		return []int{0, 1, 2, 3}
	case BGRA:
		return []int{2, 1, 0, 3}
	default:
		return []int{0, 1, 2}
	}
}

// ConvertChannelOrder writes the pixels of src, laid out as from, into dst
// laid out as to. When to has an alpha channel and from does not, alpha is
// set to opaque; alpha is dropped in the opposite case. src and dst must not
// overlap.
func ConvertChannelOrder(dst, src []byte, from, to Layout) error {
	fc, tc := from.Channels(), to.Channels()
	if len(src)%fc != 0 {
		return fmt.Errorf("source length %d is not a multiple of %d", len(src), fc)
	}
	n := len(src) / fc
	if len(dst) < n*tc {
		return fmt.Errorf("destination too small: %d < %d", len(dst), n*tc)
	}

	fo, to2 := from.order(), to.order()
	var rgba [4]byte
	for i := 0; i < n; i++ {
		sp := src[i*fc : (i+1)*fc]
		for k := 0; k < fc; k++ {
			rgba[k] = sp[fo[k]]
		}
		if fc == 3 {
			rgba[3] = 0xff
		}
		dp := dst[i*tc : (i+1)*tc]
		for k := 0; k < tc; k++ {
			dp[to2[k]] = rgba[k]
		}
	}
	return nil
}
