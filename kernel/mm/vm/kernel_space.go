package vm

import (
	"github.com/li041/RocketOS/kernel"
	"github.com/li041/RocketOS/kernel/mm"
	"github.com/li041/RocketOS/kernel/mm/pmm"
	"github.com/li041/RocketOS/kernel/mm/vmm"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var errNoSection = &kernel.Error{Module: "vm", Message: "address is not covered by a kernel section", Errno: unix.EFAULT}

// Section is a linearly mapped piece of the kernel image or of physical
// memory.
type Section struct {
	Name      string  `json:"name"`
	VirtStart uintptr `json:"virt_start"`
	PhysStart uintptr `json:"phys_start"`
	Size      uintptr `json:"size"`
	Perm      Perm    `json:"perm"`
}

// KernelSpace is the kernel identity mapping. It is built once at boot and
// never changes afterwards, so it exposes lookups only.
type KernelSpace struct {
	pt       vmm.PageTable
	pool     *pmm.Pool
	regions  regionSet
	sections map[*Region]string
}

// NewKernelSpace maps every section in pt. Sections must be page aligned
// and must not overlap.
func NewKernelSpace(pool *pmm.Pool, pt vmm.PageTable, sections []Section) (*KernelSpace, *kernel.Error) {
	ks := &KernelSpace{
		pt:       pt,
		pool:     pool,
		regions:  newRegionSet(),
		sections: make(map[*Region]string, len(sections)),
	}

	for _, sec := range sections {
		if !mm.PageAligned(sec.PhysStart) || sec.VirtStart < sec.PhysStart {
			return nil, errInvalidRange
		}

		start, end, err := pageRange(sec.VirtStart, sec.Size)
		if err != nil {
			return nil, err
		}

		perm := sec.Perm&^(PermUser|PermShared|PermCopyOnWrite) | PermGlobal
		r := newRegion(start, end, perm, Linear(sec.VirtStart-sec.PhysStart))
		if err = ks.regions.insert(r); err != nil {
			return nil, err
		}
		if err = r.mapEager(pt, pool); err != nil {
			return nil, err
		}
		ks.sections[r] = sec.Name

		log.WithFields(logrus.Fields{
			"section": sec.Name,
			"virt":    hex(sec.VirtStart),
			"phys":    hex(sec.PhysStart),
			"size":    mm.Size(r.End() - r.Start()).String(),
			"perm":    perm.String(),
		}).Info("kernel section mapped")
	}

	return ks, nil
}

// PageTable returns the page table that holds the kernel mapping.
func (ks *KernelSpace) PageTable() vmm.PageTable {
	return ks.pt
}

// Translate returns the physical address that the kernel virtual address
// addr maps to.
func (ks *KernelSpace) Translate(addr uintptr) (uintptr, *kernel.Error) {
	if ks.regions.find(mm.PageFromAddress(addr)) == nil {
		return 0, errNoSection
	}
	return ks.pt.Translate(addr)
}

// Lookup returns the name and the snapshot of the section that contains
// addr.
func (ks *KernelSpace) Lookup(addr uintptr) (string, RegionInfo, bool) {
	r := ks.regions.find(mm.PageFromAddress(addr))
	if r == nil {
		return "", RegionInfo{}, false
	}
	return ks.sections[r], r.info(), true
}

// Bytes returns the contents of the page that contains addr, or nil if the
// page lies outside the physical memory window.
func (ks *KernelSpace) Bytes(addr uintptr) []byte {
	r := ks.regions.find(mm.PageFromAddress(addr))
	if r == nil {
		return nil
	}
	return ks.pool.Bytes(r.backing.linearFrame(mm.PageFromAddress(addr)))
}

// Regions returns the kernel sections in ascending address order.
func (ks *KernelSpace) Regions() []RegionInfo {
	var out []RegionInfo
	ks.regions.ascend(func(r *Region) bool {
		out = append(out, r.info())
		return true
	})
	return out
}
