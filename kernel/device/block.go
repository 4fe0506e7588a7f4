package device

import (
	"encoding/binary"

	"github.com/zlc-dev/Chronix/kernel"
	"github.com/zlc-dev/Chronix/kernel/sync"
)

// BlockSize is the transfer unit of every block device.
const BlockSize = 512

var (
	// ErrBadBlock is returned for accesses past the end of a device.
	ErrBadBlock = &kernel.Error{Module: "block", Message: "block number past the end of the device", Kind: kernel.KindBadArgument}

	// ErrBadDisk is returned when a boot disk's directory cannot be
	// parsed.
	ErrBadDisk = &kernel.Error{Module: "block", Message: "malformed boot disk directory", Kind: kernel.KindBadArgument}
)

// BlockDevice moves fixed-size blocks. Buffers handed to ReadBlock and
// WriteBlock must be exactly BlockSize bytes.
type BlockDevice interface {
	ReadBlock(n int, buf []byte) *kernel.Error
	WriteBlock(n int, buf []byte) *kernel.Error
	Blocks() int
}

// MemDisk is a block device backed by an ordinary byte slice.
type MemDisk struct {
	lock sync.Spinlock
	data []byte
}

// NewMemDisk builds an empty disk with the given number of blocks.
func NewMemDisk(blocks int) *MemDisk {
	return &MemDisk{data: make([]byte, blocks*BlockSize)}
}

// MemDiskFromBytes wraps an existing image, padding it to a whole
// number of blocks.
func MemDiskFromBytes(img []byte) *MemDisk {
	size := (len(img) + BlockSize - 1) / BlockSize * BlockSize
	data := make([]byte, size)
	copy(data, img)
	return &MemDisk{data: data}
}

// ReadBlock copies block n into buf.
func (d *MemDisk) ReadBlock(n int, buf []byte) *kernel.Error {
	d.lock.Acquire()
	defer d.lock.Release()

	if len(buf) != BlockSize {
		return ErrBadBlock
	}
	if n < 0 || (n+1)*BlockSize > len(d.data) {
		return ErrBadBlock
	}
	copy(buf, d.data[n*BlockSize:])
	return nil
}

// WriteBlock copies buf into block n.
func (d *MemDisk) WriteBlock(n int, buf []byte) *kernel.Error {
	d.lock.Acquire()
	defer d.lock.Release()

	if len(buf) != BlockSize {
		return ErrBadBlock
	}
	if n < 0 || (n+1)*BlockSize > len(d.data) {
		return ErrBadBlock
	}
	copy(d.data[n*BlockSize:], buf)
	return nil
}

// Blocks returns the device size in blocks.
func (d *MemDisk) Blocks() int {
	d.lock.Acquire()
	defer d.lock.Release()
	return len(d.data) / BlockSize
}

// The boot disk carries a flat directory of named program images:
//
//	u32 magic "CHRD", u16 version, u16 count
//	per entry: u16 name length, name bytes, u32 payload offset, u32 size
//
// Offsets are absolute byte positions on the disk.
const (
	diskMagic   = uint32(0x44524843)
	diskVersion = uint16(1)
)

// PackBootDisk builds a boot disk image from named program payloads.
// Entries are laid out in the order given.
func PackBootDisk(names []string, payloads [][]byte) ([]byte, *kernel.Error) {
	if len(names) != len(payloads) {
		return nil, ErrBadDisk
	}

	dirSize := 4 + 2 + 2
	for _, name := range names {
		if len(name) == 0 || len(name) > 0xffff {
			return nil, ErrBadDisk
		}
		dirSize += 2 + len(name) + 4 + 4
	}

	out := make([]byte, 0, dirSize)
	out = binary.LittleEndian.AppendUint32(out, diskMagic)
	out = binary.LittleEndian.AppendUint16(out, diskVersion)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(names)))

	offset := dirSize
	for i, name := range names {
		out = binary.LittleEndian.AppendUint16(out, uint16(len(name)))
		out = append(out, name...)
		out = binary.LittleEndian.AppendUint32(out, uint32(offset))
		out = binary.LittleEndian.AppendUint32(out, uint32(len(payloads[i])))
		offset += len(payloads[i])
	}
	for _, payload := range payloads {
		out = append(out, payload...)
	}
	return out, nil
}

// ReadBootDisk parses the directory of a boot disk and returns every
// named payload.
func ReadBootDisk(dev BlockDevice) (map[string][]byte, *kernel.Error) {
	img := make([]byte, dev.Blocks()*BlockSize)
	buf := make([]byte, BlockSize)
	for n := 0; n < dev.Blocks(); n++ {
		if err := dev.ReadBlock(n, buf); err != nil {
			return nil, err
		}
		copy(img[n*BlockSize:], buf)
	}

	if len(img) < 8 || binary.LittleEndian.Uint32(img) != diskMagic {
		return nil, ErrBadDisk
	}
	if binary.LittleEndian.Uint16(img[4:]) != diskVersion {
		return nil, ErrBadDisk
	}
	count := int(binary.LittleEndian.Uint16(img[6:]))

	out := make(map[string][]byte, count)
	off := 8
	for i := 0; i < count; i++ {
		if off+2 > len(img) {
			return nil, ErrBadDisk
		}
		nameLen := int(binary.LittleEndian.Uint16(img[off:]))
		off += 2
		if off+nameLen+8 > len(img) {
			return nil, ErrBadDisk
		}
		name := string(img[off : off+nameLen])
		off += nameLen
		payloadOff := int(binary.LittleEndian.Uint32(img[off:]))
		payloadLen := int(binary.LittleEndian.Uint32(img[off+4:]))
		off += 8

		if payloadOff < 0 || payloadOff+payloadLen > len(img) {
			return nil, ErrBadDisk
		}
		out[name] = append([]byte(nil), img[payloadOff:payloadOff+payloadLen]...)
	}
	return out, nil
}
