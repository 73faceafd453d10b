package vm

import (
	"github.com/li041/RocketOS/kernel"
	"github.com/li041/RocketOS/kernel/mm"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	errMmapExhausted = &kernel.Error{Module: "vm", Message: "mmap area exhausted", Errno: unix.ENOMEM}
	errPopulate      = &kernel.Error{Module: "vm", Message: "unable to populate file mapping", Errno: unix.EIO}
)

// MapFlag modifies the behavior of Mmap.
type MapFlag uint8

const (
	// MapShared makes stores visible to every other mapping of the same
	// frames.
	MapShared MapFlag = 1 << iota

	// MapFixed places the mapping exactly at the requested address,
	// replacing any mapping that overlaps it.
	MapFixed

	// MapPopulate installs every page of the mapping immediately.
	MapPopulate
)

// MmapRequest describes a new mapping.
type MmapRequest struct {
	// Addr is a placement hint, or the exact address with MapFixed.
	Addr   uintptr
	Length uintptr
	Perm   Perm
	Flags  MapFlag

	// File backs the mapping when set; Offset must be page aligned.
	File   PageProvider
	Offset uintptr
}

// ReserveMmapRange reserves size bytes of address space for a mapping
// whose address is chosen by the kernel. Reservations bump a cursor that
// never moves backwards; ranges that are already occupied by a fixed
// mapping or by the page of an empty heap are skipped.
func (as *AddressSpace) ReserveMmapRange(size uintptr) (uintptr, *kernel.Error) {
	as.Lock()
	defer as.Unlock()
	return as.reserveMmapRangeLocked(size)
}

func (as *AddressSpace) reserveMmapRangeLocked(size uintptr) (uintptr, *kernel.Error) {
	size = mm.RoundUp(size)
	if size == 0 {
		return 0, errInvalidRange
	}

	for {
		start := as.mmapCursor
		end := start + size
		if end <= start || end > as.cfg.MmapCeiling {
			log.WithFields(logrus.Fields{
				"cursor": hex(as.mmapCursor),
				"size":   size,
			}).Warn("mmap area exhausted")
			return 0, errMmapExhausted
		}

		first, last := mm.PageFromAddress(start), mm.PageFromAddress(end)
		busy := as.regions.intersecting(first, last)
		switch {
		case len(busy) != 0:
			as.mmapCursor = busy[len(busy)-1].End()
		case as.emptyHeapIn(first, last):
			as.mmapCursor = (as.heap.start + 1).Address()
		default:
			as.mmapCursor = end
			return start, nil
		}
	}
}

// Mmap creates a new mapping and returns its address. Mappings are lazy
// unless MapPopulate is set; shared anonymous mappings are always fully
// populated because the fault path never creates shared frames.
func (as *AddressSpace) Mmap(req MmapRequest) (uintptr, *kernel.Error) {
	if req.Length == 0 || !mm.PageAligned(req.Offset) {
		return 0, errInvalidRange
	}

	as.Lock()
	defer as.Unlock()

	length := mm.RoundUp(req.Length)
	if length < req.Length {
		return 0, errInvalidRange
	}

	var (
		addr uintptr
		err  *kernel.Error
	)

	switch {
	case req.Flags&MapFixed != 0:
		addr = req.Addr
		start, end, err := pageRange(addr, length)
		if err != nil {
			return 0, err
		}
		if _, err = as.unmapLocked(start, end); err != nil {
			return 0, err
		}
		as.dropEmptyHeapLocked(start, end)
	case req.Addr != 0 && as.rangeFree(req.Addr, length):
		addr = req.Addr
	default:
		if addr, err = as.reserveMmapRangeLocked(length); err != nil {
			return 0, err
		}
	}

	perm := req.Perm&permRWX | PermUser
	backing := Anonymous()
	if req.File != nil {
		backing = File(req.File, req.Offset)
	}
	if req.Flags&MapShared != 0 {
		perm |= PermShared
	}

	r := newRegion(mm.PageFromAddress(addr), mm.PageFromAddress(addr+length), perm, backing)
	eager := backing.Kind == BackingAnonymous && (perm.Has(PermShared) || req.Flags&MapPopulate != 0)
	if err = as.addRegion(r, eager); err != nil {
		return 0, err
	}

	if backing.Kind == BackingFile && req.Flags&MapPopulate != 0 {
		if perr := r.populateFrom(as.pt); perr != nil {
			log.WithError(perr).WithField("addr", hex(addr)).Warn("mmap populate failed")
			r.unmapAll(as.pt)
			as.regions.remove(r)
			return 0, errPopulate
		}
	}

	log.WithFields(logrus.Fields{
		"addr":    hex(addr),
		"length":  length,
		"perm":    perm.String(),
		"backing": backing.Kind.String(),
	}).Info("mmap")
	return addr, nil
}

// rangeFree returns true if [addr, addr+length) is page aligned, lies
// below the mmap ceiling, does not intersect any region and does not cover
// the page of an empty heap.
func (as *AddressSpace) rangeFree(addr, length uintptr) bool {
	start, end, err := pageRange(addr, length)
	if err != nil || end.Address() > as.cfg.MmapCeiling {
		return false
	}

	return len(as.regions.intersecting(start, end)) == 0 && !as.emptyHeapIn(start, end)
}

// RemapRange changes the read, write and execute permissions of every page
// in [start, start+length). Regions that straddle the range are split so
// only the covered part changes. It returns true if any region was
// touched.
func (as *AddressSpace) RemapRange(start, length uintptr, perm Perm) (bool, *kernel.Error) {
	startPage, endPage, err := pageRange(start, length)
	if err != nil {
		return false, err
	}

	as.Lock()
	defer as.Unlock()

	touched := false
	for _, r := range as.regions.intersecting(startPage, endPage) {
		target, err := as.carve(r, startPage, endPage)
		if err != nil {
			return touched, err
		}

		target.perm = target.perm.WithRWX(perm)
		if err = target.remap(as.pt); err != nil {
			return true, err
		}
		touched = true
	}

	if touched {
		log.WithFields(logrus.Fields{
			"start":  hex(start),
			"length": length,
			"perm":   perm.String(),
		}).Info("mprotect")
	}
	return touched, nil
}

// UnmapRange removes every page in [start, start+length). Regions that
// straddle the range keep their residual pieces. It returns true if any
// region was touched.
func (as *AddressSpace) UnmapRange(start, length uintptr) (bool, *kernel.Error) {
	startPage, endPage, err := pageRange(start, length)
	if err != nil {
		return false, err
	}

	as.Lock()
	defer as.Unlock()

	touched, err := as.unmapLocked(startPage, endPage)
	if touched {
		log.WithFields(logrus.Fields{
			"start":  hex(start),
			"length": length,
		}).Info("munmap")
	}
	return touched, err
}

func (as *AddressSpace) unmapLocked(startPage, endPage mm.Page) (bool, *kernel.Error) {
	touched := false
	for _, r := range as.regions.intersecting(startPage, endPage) {
		target, err := as.carve(r, startPage, endPage)
		if err != nil {
			return touched, err
		}

		target.unmapAll(as.pt)
		as.regions.remove(target)
		if target == as.heap {
			as.heap = nil
		}
		touched = true
	}

	for addr := range as.shm {
		if page := mm.PageFromAddress(addr); page >= startPage && page < endPage {
			as.shm[addr].detached()
			delete(as.shm, addr)
		}
	}

	return touched, nil
}

// carve splits r so that exactly the part of r inside [startPage, endPage)
// becomes a region of its own and returns that region. The four cases are
// full containment, overlap of the left edge of r, overlap of the right
// edge of r and a strictly interior range.
func (as *AddressSpace) carve(r *Region, startPage, endPage mm.Page) (*Region, *kernel.Error) {
	switch {
	case startPage <= r.start && endPage >= r.end:
		return r, nil
	case startPage <= r.start:
		right := r.split(endPage)
		if err := as.regions.insert(right); err != nil {
			return nil, err
		}
		return r, nil
	case endPage >= r.end:
		right := r.split(startPage)
		if err := as.regions.insert(right); err != nil {
			return nil, err
		}
		return right, nil
	default:
		mid, right := r.splitIn3(startPage, endPage)
		if err := as.regions.insert(mid); err != nil {
			return nil, err
		}
		if err := as.regions.insert(right); err != nil {
			return nil, err
		}
		return mid, nil
	}
}
