// Package loader defines the loadable-segment executable image format
// consumed when building user address spaces. An image is an ordered
// list of segments; memory beyond a segment's file size up to its
// memory size is zero-filled at load time.
package loader

import (
	"encoding/binary"

	"github.com/zlc-dev/Chronix/kernel"
)

// Magic identifies an encoded image ("CHRX" little-endian).
const Magic = uint32(0x58524843)

// Version of the on-disk image encoding.
const Version = uint16(1)

var (
	// ErrBadImage is returned when an encoded image cannot be parsed.
	ErrBadImage = &kernel.Error{Module: "loader", Message: "malformed executable image", Kind: kernel.KindBadArgument}
)

// SegmentFlags describe the permissions requested for a loaded segment.
type SegmentFlags uint8

// Segment permission bits.
const (
	SegRead SegmentFlags = 1 << iota
	SegWrite
	SegExec
)

// Segment is one loadable region of an executable image.
type Segment struct {
	// VAddr is the virtual address the segment is loaded at.
	VAddr uintptr

	// FileSize is the number of bytes provided in Data.
	FileSize uint64

	// MemSize is the in-memory size; the tail beyond FileSize is
	// zero-filled. MemSize is never smaller than FileSize.
	MemSize uint64

	// Flags carries the segment permissions.
	Flags SegmentFlags

	// Data holds the raw segment contents (FileSize bytes).
	Data []byte
}

// Image is a parsed executable.
type Image struct {
	// Entry is the program counter the task starts at.
	Entry uintptr

	Segments []Segment
}

// Validate checks the structural invariants of an image.
func (img *Image) Validate() *kernel.Error {
	if len(img.Segments) == 0 {
		return ErrBadImage
	}
	for _, seg := range img.Segments {
		if seg.MemSize < seg.FileSize || uint64(len(seg.Data)) != seg.FileSize || seg.MemSize == 0 {
			return ErrBadImage
		}
	}
	return nil
}

// Encode serializes the image. Layout: magic, version, segment count,
// entry, then per segment vaddr/filesz/memsz/flags followed by the raw
// bytes.
func (img *Image) Encode() []byte {
	size := 4 + 2 + 2 + 8
	for _, seg := range img.Segments {
		size += 8 + 8 + 8 + 8 + len(seg.Data)
	}

	out := make([]byte, 0, size)
	out = binary.LittleEndian.AppendUint32(out, Magic)
	out = binary.LittleEndian.AppendUint16(out, Version)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(img.Segments)))
	out = binary.LittleEndian.AppendUint64(out, uint64(img.Entry))

	for _, seg := range img.Segments {
		out = binary.LittleEndian.AppendUint64(out, uint64(seg.VAddr))
		out = binary.LittleEndian.AppendUint64(out, seg.FileSize)
		out = binary.LittleEndian.AppendUint64(out, seg.MemSize)
		out = binary.LittleEndian.AppendUint64(out, uint64(seg.Flags))
		out = append(out, seg.Data...)
	}
	return out
}

// Decode parses an encoded image.
func Decode(data []byte) (*Image, *kernel.Error) {
	if len(data) < 16 {
		return nil, ErrBadImage
	}
	if binary.LittleEndian.Uint32(data[0:]) != Magic {
		return nil, ErrBadImage
	}
	if binary.LittleEndian.Uint16(data[4:]) != Version {
		return nil, ErrBadImage
	}

	count := int(binary.LittleEndian.Uint16(data[6:]))
	img := &Image{Entry: uintptr(binary.LittleEndian.Uint64(data[8:]))}

	off := 16
	for i := 0; i < count; i++ {
		if off+32 > len(data) {
			return nil, ErrBadImage
		}
		seg := Segment{
			VAddr:    uintptr(binary.LittleEndian.Uint64(data[off:])),
			FileSize: binary.LittleEndian.Uint64(data[off+8:]),
			MemSize:  binary.LittleEndian.Uint64(data[off+16:]),
			Flags:    SegmentFlags(binary.LittleEndian.Uint64(data[off+24:])),
		}
		off += 32

		if uint64(len(data)-off) < seg.FileSize {
			return nil, ErrBadImage
		}
		seg.Data = append([]byte(nil), data[off:off+int(seg.FileSize)]...)
		off += int(seg.FileSize)

		img.Segments = append(img.Segments, seg)
	}

	if err := img.Validate(); err != nil {
		return nil, err
	}
	return img, nil
}
