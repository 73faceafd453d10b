package vm

import (
	"github.com/li041/RocketOS/kernel"
	"github.com/li041/RocketOS/kernel/mm"
	"github.com/li041/RocketOS/kernel/mm/vmm"
)

// CheckAccessible verifies that every page in [start, start+length) is
// covered by a region that grants perm. It returns an EFAULT error
// otherwise.
func (as *AddressSpace) CheckAccessible(start, length uintptr, perm Perm) *kernel.Error {
	if length == 0 {
		return nil
	}

	end := start + length
	if end < start {
		return errBadAddress
	}

	as.Lock()
	defer as.Unlock()

	cur := mm.PageFromAddress(start)
	last := mm.PageFromAddress(mm.RoundUp(end))
	for _, r := range as.regions.intersecting(cur, last) {
		if r.start > cur || !r.perm.Has(perm) {
			return errBadAddress
		}
		cur = r.end
	}

	if cur < last {
		return errBadAddress
	}
	return nil
}

// CheckWritable verifies that [start, start+length) may be written by the
// process.
func (as *AddressSpace) CheckWritable(start, length uintptr) *kernel.Error {
	return as.CheckAccessible(start, length, PermWrite)
}

// Prefault resolves, ahead of a kernel access of the supplied cause, every
// page in [start, start+length) whose translation would fault.
func (as *AddressSpace) Prefault(start, length uintptr, cause Cause) *Fault {
	as.Lock()
	defer as.Unlock()

	if length == 0 {
		return nil
	}

	end := start + length
	if end < start {
		return &Fault{Addr: start, Cause: cause, Kind: FaultUnmapped}
	}

	for page := mm.PageFromAddress(start); page < mm.PageFromAddress(mm.RoundUp(end)); page++ {
		if _, fault := as.accessLocked(page.Address(), cause); fault != nil {
			return fault
		}
	}

	return nil
}

// accessLocked returns the contents of the frame that backs the page
// containing addr after making sure an access of the supplied cause would
// not fault.
func (as *AddressSpace) accessLocked(addr uintptr, cause Cause) ([]byte, *Fault) {
	page := mm.PageFromAddress(addr)

	pte, ok := as.pt.FindEntry(page)
	if !ok || !permits(pte, cause) {
		if fault := as.resolveFaultLocked(addr, cause); fault != nil {
			return nil, fault
		}
		if pte, ok = as.pt.FindEntry(page); !ok || !permits(pte, cause) {
			return nil, &Fault{Addr: addr, Cause: cause, Kind: FaultInvariant}
		}
	}

	contents := as.pool.Bytes(pte.Frame())
	if contents == nil {
		return nil, &Fault{Addr: addr, Cause: cause, Kind: FaultInvariant}
	}
	return contents, nil
}

// permits returns true if a user access of the supplied cause through pte
// would not fault.
func permits(pte vmm.PageTableEntry, cause Cause) bool {
	if !pte.HasFlags(vmm.FlagPresent | vmm.FlagUserAccessible) {
		return false
	}

	switch cause {
	case CauseStore:
		return pte.HasFlags(vmm.FlagRW)
	case CauseExecute:
		return !pte.HasFlags(vmm.FlagNoExecute)
	default:
		return true
	}
}

// CopyOut copies data to the user address addr, resolving faults the way a
// user store would.
func (as *AddressSpace) CopyOut(addr uintptr, data []byte) *Fault {
	as.Lock()
	defer as.Unlock()

	for len(data) > 0 {
		contents, fault := as.accessLocked(addr, CauseStore)
		if fault != nil {
			return fault
		}

		n := copy(contents[vmm.PageOffset(addr):], data)
		data = data[n:]
		addr += uintptr(n)
	}

	return nil
}

// CopyIn fills buf from the user address addr, resolving faults the way a
// user load would.
func (as *AddressSpace) CopyIn(addr uintptr, buf []byte) *Fault {
	as.Lock()
	defer as.Unlock()

	for len(buf) > 0 {
		contents, fault := as.accessLocked(addr, CauseLoad)
		if fault != nil {
			return fault
		}

		n := copy(buf, contents[vmm.PageOffset(addr):])
		buf = buf[n:]
		addr += uintptr(n)
	}

	return nil
}

// Translate returns the physical address that addr maps to.
func (as *AddressSpace) Translate(addr uintptr) (uintptr, *kernel.Error) {
	as.Lock()
	defer as.Unlock()
	return as.pt.Translate(addr)
}
