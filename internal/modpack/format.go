package modpack

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"modman/internal/thumbnail"
)

// Container layout, all integers little-endian:
//
//	header   magic[8] | version u16 | flags u16 | metaLen u32
//	metadata metaLen bytes of tag/length/value records, never compressed
//	payloads entry data, each encoded with its own method
//	table    per entry: pathLen u16 | path | attr u8 | method u8 |
//	         size u64 | csize u64 | checksum u64 | offset u64
//	trailer  tableOffset u64 | entryCount u32 | endMagic[8]
const (
	formatVersion = 1
	headerSize    = 16
	trailerSize   = 20
	entryFixed    = 2 + 1 + 1 + 8*4
)

var (
	headerMagic  = [8]byte{'M', 'O', 'D', 'P', 'A', 'C', 'K', 0x1a}
	trailerMagic = [8]byte{'M', 'P', 'K', 'E', 'N', 'D', 0, 0}
)

// Metadata record tags. Unknown tags are skipped by readers.
const (
	tagCategory    = 1
	tagDescription = 2
	tagDepend      = 3
	tagThumbnail   = 4
)

func encodeHeader(metaLen int) []byte {
	b := make([]byte, headerSize)
	copy(b, headerMagic[:])
	binary.LittleEndian.PutUint16(b[8:], formatVersion)
	binary.LittleEndian.PutUint16(b[10:], 0)
	binary.LittleEndian.PutUint32(b[12:], uint32(metaLen))
	return b
}

func encodeTrailer(tableOffset int64, count int) []byte {
	b := make([]byte, trailerSize)
	binary.LittleEndian.PutUint64(b, uint64(tableOffset))
	binary.LittleEndian.PutUint32(b[8:], uint32(count))
	copy(b[12:], trailerMagic[:])
	return b
}

func encodeEntry(buf *bytes.Buffer, e *Entry) {
	var b [8]byte
	binary.LittleEndian.PutUint16(b[:2], uint16(len(e.Path)))
	buf.Write(b[:2])
	buf.WriteString(e.Path)
	buf.WriteByte(byte(e.Attr))
	buf.WriteByte(byte(e.Method))
	for _, v := range []uint64{uint64(e.Size), uint64(e.CompressedSize), e.Checksum, uint64(e.offset)} {
		binary.LittleEndian.PutUint64(b[:], v)
		buf.Write(b[:])
	}
}

// decodeTable parses count entries from b. A count that b cannot hold is
// rejected before anything is allocated for it.
func decodeTable(b []byte, count int) ([]*Entry, error) {
	if count > len(b)/entryFixed {
		return nil, ErrTruncated
	}
	entries := make([]*Entry, 0, count)
	for i := 0; i < count; i++ {
		if len(b) < 2 {
			return nil, ErrTruncated
		}
		n := int(binary.LittleEndian.Uint16(b))
		if len(b) < entryFixed+n {
			return nil, ErrTruncated
		}
		e := &Entry{Path: string(b[2 : 2+n])}
		b = b[2+n:]
		e.Attr = Attr(b[0])
		e.Method = Method(b[1])
		e.Size = int64(binary.LittleEndian.Uint64(b[2:]))
		e.CompressedSize = int64(binary.LittleEndian.Uint64(b[10:]))
		e.Checksum = binary.LittleEndian.Uint64(b[18:])
		e.offset = int64(binary.LittleEndian.Uint64(b[26:]))
		b = b[34:]
		entries = append(entries, e)
	}
	return entries, nil
}

func appendRecord(buf *bytes.Buffer, tag byte, value []byte) {
	var b [4]byte
	buf.WriteByte(tag)
	binary.LittleEndian.PutUint32(b[:], uint32(len(value)))
	buf.Write(b[:])
	buf.Write(value)
}

func (p *Package) encodeMetadata() []byte {
	var buf bytes.Buffer
	if p.Category != "" {
		appendRecord(&buf, tagCategory, []byte(p.Category))
	}
	if p.Description != "" {
		appendRecord(&buf, tagDescription, []byte(p.Description))
	}
	for _, d := range p.Depends {
		appendRecord(&buf, tagDepend, []byte(d))
	}
	if img := p.Thumbnail; img != nil {
		v := make([]byte, 5, 5+len(img.Pix))
		binary.LittleEndian.PutUint16(v, uint16(img.Width))
		binary.LittleEndian.PutUint16(v[2:], uint16(img.Height))
		v[4] = byte(img.Channels)
		appendRecord(&buf, tagThumbnail, append(v, img.Pix...))
	}
	return buf.Bytes()
}

func (p *Package) decodeMetadata(b []byte) error {
	for len(b) > 0 {
		if len(b) < 5 {
			return ErrTruncated
		}
		tag := b[0]
		n := int(binary.LittleEndian.Uint32(b[1:]))
		if len(b)-5 < n {
			return ErrTruncated
		}
		v := b[5 : 5+n]
		b = b[5+n:]

		switch tag {
		case tagCategory:
			p.Category = string(v)
		case tagDescription:
			p.Description = string(v)
		case tagDepend:
			p.Depends = append(p.Depends, string(v))
		case tagThumbnail:
			img, err := decodeThumbnail(v)
			if err != nil {
				return err
			}
			p.Thumbnail = img
		}
	}
	return nil
}

func decodeThumbnail(v []byte) (*thumbnail.Image, error) {
	if len(v) < 5 {
		return nil, ErrTruncated
	}
	img := &thumbnail.Image{
		Width:    int(binary.LittleEndian.Uint16(v)),
		Height:   int(binary.LittleEndian.Uint16(v[2:])),
		Channels: int(v[4]),
		Pix:      append([]byte(nil), v[5:]...),
	}
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("thumbnail record: %w", err)
	}
	return img, nil
}
