package vmm

import (
	"github.com/zlc-dev/Chronix/kernel"
	"github.com/zlc-dev/Chronix/kernel/mem"
	"github.com/zlc-dev/Chronix/kernel/mem/pmm"
)

// CheckUserRange verifies that n bytes starting at a user virtual
// address fall entirely inside user-accessible regions carrying the
// needed permission. Nothing is mapped or copied, so it is safe to run
// before sizing kernel buffers from a user-supplied length: a length no
// mapping can satisfy is rejected here instead of being allocated for.
func (as *AddressSpace) CheckUserRange(virtAddr uintptr, n int, access Access) *kernel.Error {
	end := virtAddr + uintptr(n)
	if n < 0 || end < virtAddr || end > mem.MaxVA {
		return ErrInvalidAddress
	}
	for addr := virtAddr; addr < end; {
		r := as.regionFor(PageFromAddress(addr))
		if r == nil || r.Perms&FlagUser == 0 || r.Perms&access.required() == 0 {
			return ErrInvalidAddress
		}
		addr = r.End().Address()
	}
	return nil
}

// CopyFromUser reads n bytes starting at a user virtual address. The
// range is validated against the space's mappings page by page; the
// kernel never dereferences a raw user pointer. Reads may back lazy
// pages on demand, exactly as a hardware access would.
func (as *AddressSpace) CopyFromUser(virtAddr uintptr, n int) ([]byte, *kernel.Error) {
	if err := as.CheckUserRange(virtAddr, n, AccessRead); err != nil {
		return nil, err
	}

	out := make([]byte, 0, n)

	for n > 0 {
		frame, off, chunk, err := as.userChunk(virtAddr, n, AccessRead)
		if err != nil {
			return nil, err
		}
		out = append(out, mem.Slice(frame.Address()+off, chunk)...)
		virtAddr += uintptr(chunk)
		n -= chunk
	}
	return out, nil
}

// CopyToUser writes data starting at a user virtual address, breaking
// copy-on-write shares and backing lazy pages as needed.
func (as *AddressSpace) CopyToUser(virtAddr uintptr, data []byte) *kernel.Error {
	for len(data) > 0 {
		frame, off, chunk, err := as.userChunk(virtAddr, len(data), AccessWrite)
		if err != nil {
			return err
		}
		copy(mem.Slice(frame.Address()+off, chunk), data[:chunk])
		virtAddr += uintptr(chunk)
		data = data[chunk:]
	}
	return nil
}

// userChunk resolves the largest same-page chunk of a user buffer,
// faulting the page in (lazy backing, CoW break) when the direct
// translation cannot satisfy the access.
func (as *AddressSpace) userChunk(virtAddr uintptr, n int, access Access) (frame pmm.Frame, off uintptr, chunk int, err *kernel.Error) {
	page := PageFromAddress(virtAddr)

	r := as.regionFor(page)
	if r == nil || r.Perms&FlagUser == 0 || r.Perms&access.required() == 0 {
		return 0, 0, 0, ErrInvalidAddress
	}

	f, flags, terr := as.pt.Translate(page)
	if terr != nil || (access == AccessWrite && !flags.HasFlags(FlagWrite)) {
		if ferr := as.HandleFault(virtAddr, access); ferr != nil {
			return 0, 0, 0, ferr
		}
		if f, _, terr = as.pt.Translate(page); terr != nil {
			return 0, 0, 0, terr
		}
	}

	off = PageOffset(virtAddr)
	chunk = mem.PageSize - int(off)
	if chunk > n {
		chunk = n
	}
	return f, off, chunk, nil
}
