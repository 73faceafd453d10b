// Package vm implements per-process virtual address spaces: the ordered set
// of memory regions of a process, the structural operations that create,
// split, remap and remove them, and the page fault resolver that populates
// them on demand.
package vm

import (
	"fmt"
	"sync"

	"github.com/li041/RocketOS/kernel"
	"github.com/li041/RocketOS/kernel/kfmt"
	"github.com/li041/RocketOS/kernel/mm"
	"github.com/li041/RocketOS/kernel/mm/pmm"
	"github.com/li041/RocketOS/kernel/mm/vmm"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	errInvalidRange = &kernel.Error{Module: "vm", Message: "invalid address range", Errno: unix.EINVAL}
	errBadAddress   = &kernel.Error{Module: "vm", Message: "address is not mapped with the requested access", Errno: unix.EFAULT}

	log = kfmt.Logger("vm")
)

// AddressSpace is the virtual address space of one process. Every exported
// method holds the embedded mutex for its whole duration.
type AddressSpace struct {
	sync.Mutex

	pt      vmm.PageTable
	pool    *pmm.Pool
	cfg     Config
	regions regionSet

	// heapBottom and brk delimit the program break. heap is nil once
	// the heap region has been unmapped or taken over by a mapping.
	heapBottom uintptr
	brk        uintptr
	heap       *Region

	mmapCursor uintptr

	// shm maps the attach address of each shared segment.
	shm map[uintptr]*SharedSegment
}

// New returns an empty address space that installs its translations in pt
// and gets its frames from pool.
func New(pool *pmm.Pool, pt vmm.PageTable, cfg Config) *AddressSpace {
	cfg = cfg.WithDefaults()
	return &AddressSpace{
		pt:         pt,
		pool:       pool,
		cfg:        cfg,
		regions:    newRegionSet(),
		mmapCursor: cfg.MmapBase,
		shm:        make(map[uintptr]*SharedSegment),
	}
}

// PageTable returns the page table of the address space.
func (as *AddressSpace) PageTable() vmm.PageTable {
	return as.pt
}

// Config returns the tunables used by the address space.
func (as *AddressSpace) Config() Config {
	return as.cfg
}

// Regions returns a snapshot of the regions in ascending address order.
func (as *AddressSpace) Regions() []RegionInfo {
	as.Lock()
	defer as.Unlock()

	var out []RegionInfo
	as.regions.ascend(func(r *Region) bool {
		out = append(out, r.info())
		return true
	})
	return out
}

// HeapBounds returns the heap bottom and the current program break.
func (as *AddressSpace) HeapBounds() (uintptr, uintptr) {
	as.Lock()
	defer as.Unlock()
	return as.heapBottom, as.brk
}

// Release tears down every region, dropping the handles they own and
// detaching all shared segments. The address space is empty afterwards.
func (as *AddressSpace) Release() {
	as.Lock()
	defer as.Unlock()
	as.releaseLocked()
}

func (as *AddressSpace) releaseLocked() {
	for _, r := range as.regions.all() {
		r.unmapAll(as.pt)
	}
	as.regions.clear()
	as.heap = nil

	for addr, seg := range as.shm {
		seg.detached()
		delete(as.shm, addr)
	}

	log.Debug("address space released")
}

// addRegion inserts r and, for eager regions, populates it. On failure the
// address space is left untouched.
func (as *AddressSpace) addRegion(r *Region, eager bool) *kernel.Error {
	if err := as.regions.insert(r); err != nil {
		return err
	}

	if eager {
		if err := r.mapEager(as.pt, as.pool); err != nil {
			r.unmapAll(as.pt)
			as.regions.remove(r)
			return err
		}
	}

	log.WithFields(logrus.Fields{
		"start":   hex(r.Start()),
		"end":     hex(r.End()),
		"perm":    r.perm.String(),
		"backing": r.backing.Kind.String(),
		"eager":   eager,
	}).Debug("region added")
	return nil
}

// pageRange validates [start, start+length) and returns its page bounds.
// start must be page aligned; length is rounded up to whole pages.
func pageRange(start, length uintptr) (mm.Page, mm.Page, *kernel.Error) {
	if length == 0 || !mm.PageAligned(start) {
		return 0, 0, errInvalidRange
	}

	end := start + mm.RoundUp(length)
	if end <= start || mm.RoundUp(length) < length {
		return 0, 0, errInvalidRange
	}

	return mm.PageFromAddress(start), mm.PageFromAddress(end), nil
}

// hex formats addresses in log fields.
type hex uintptr

func (h hex) String() string {
	return fmt.Sprintf("%#x", uintptr(h))
}
