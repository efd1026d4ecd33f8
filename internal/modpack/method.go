package modpack

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz/lzma"
)

// Method is the payload encoding of one entry.
type Method uint8

const (
	Store Method = iota
	Deflate
	LZMA
	LZMA2
	Zstd
)

var methodNames = map[Method]string{
	Store:   "store",
	Deflate: "deflate",
	LZMA:    "lzma",
	LZMA2:   "lzma2",
	Zstd:    "zstd",
}

func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return fmt.Sprintf("method(%d)", uint8(m))
}

// Valid reports whether the codec can read and write m.
func (m Method) Valid() bool {
	_, ok := methodNames[m]
	return ok
}

// ParseMethod converts a method name such as "zstd" into a Method.
func ParseMethod(s string) (Method, error) {
	for m, name := range methodNames {
		if strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedMethod, s)
}

// Level trades compression ratio for speed.
type Level uint8

const (
	LevelNone Level = iota
	LevelFast
	LevelNormal
	LevelBest
)

var levelNames = map[Level]string{
	LevelNone:   "none",
	LevelFast:   "fast",
	LevelNormal: "normal",
	LevelBest:   "best",
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// ParseLevel converts a level name such as "best" into a Level.
func ParseLevel(s string) (Level, error) {
	for l, name := range levelNames {
		if strings.EqualFold(s, name) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown compression level %q", s)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// newCompressor wraps w so that bytes written are encoded with m at level l.
// Close must be called to flush the stream; it does not close w.
func newCompressor(w io.Writer, m Method, l Level) (io.WriteCloser, error) {
	switch m {
	case Store:
		return nopWriteCloser{w}, nil

	case Deflate:
		lvl := flate.DefaultCompression
		switch l {
		case LevelNone:
			lvl = flate.NoCompression
		case LevelFast:
			lvl = flate.BestSpeed
		case LevelBest:
			lvl = flate.BestCompression
		}
		return flate.NewWriter(w, lvl)

	case Zstd:
		lvl := zstd.SpeedDefault
		switch l {
		case LevelNone, LevelFast:
			lvl = zstd.SpeedFastest
		case LevelBest:
			lvl = zstd.SpeedBestCompression
		}
		return zstd.NewWriter(w, zstd.WithEncoderLevel(lvl), zstd.WithEncoderConcurrency(1))

	case LZMA:
		cfg := lzma.WriterConfig{DictCap: lzmaDictCap(l), EOSMarker: true}
		return cfg.NewWriter(w)

	case LZMA2:
		cfg := lzma.Writer2Config{DictCap: lzmaDictCap(l)}
		return cfg.NewWriter2(w)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, m)
}

func lzmaDictCap(l Level) int {
	switch l {
	case LevelNone, LevelFast:
		return 1 << 16
	case LevelBest:
		return 1 << 24
	default:
		return 1 << 22
	}
}

// newDecompressor returns a reader producing the decoded bytes of r.
func newDecompressor(r io.Reader, m Method) (io.ReadCloser, error) {
	switch m {
	case Store:
		return io.NopCloser(r), nil

	case Deflate:
		return flate.NewReader(r), nil

	case Zstd:
		d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil

	case LZMA:
		lr, err := lzma.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(lr), nil

	case LZMA2:
		lr, err := lzma.NewReader2(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(lr), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, m)
}
