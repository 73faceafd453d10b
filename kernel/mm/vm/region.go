package vm

import (
	"github.com/li041/RocketOS/kernel"
	"github.com/li041/RocketOS/kernel/mm"
	"github.com/li041/RocketOS/kernel/mm/pmm"
	"github.com/li041/RocketOS/kernel/mm/vmm"
)

// Region is a contiguous range of virtual pages that share the same
// permissions and backing. A region owns one handle for each of its
// resident pages; linear regions own none.
type Region struct {
	start, end mm.Page
	perm       Perm
	backing    Backing
	pages      map[mm.Page]*pmm.Handle
}

func newRegion(start, end mm.Page, perm Perm, backing Backing) *Region {
	return &Region{
		start:   start,
		end:     end,
		perm:    perm,
		backing: backing,
		pages:   make(map[mm.Page]*pmm.Handle),
	}
}

// Start returns the address of the first page of the region.
func (r *Region) Start() uintptr { return r.start.Address() }

// End returns the address right after the last page of the region.
func (r *Region) End() uintptr { return r.end.Address() }

// Perm returns the permissions of the region.
func (r *Region) Perm() Perm { return r.perm }

// Backing returns the backing of the region.
func (r *Region) Backing() Backing { return r.backing }

// Resident returns the number of pages that currently have a frame.
func (r *Region) Resident() int { return len(r.pages) }

func (r *Region) contains(page mm.Page) bool {
	return page >= r.start && page < r.end
}

func (r *Region) shared() bool {
	return r.perm.Has(PermShared)
}

// fileOffset returns the provider offset that backs page.
func (r *Region) fileOffset(page mm.Page) uintptr {
	return r.backing.Offset + uintptr(page-r.start)<<mm.PageShift
}

// pteFlags returns the entry flags for a translation of page to h. A
// private writable page whose frame is also referenced elsewhere, or that
// is already marked copy-on-write, is mapped read-only with
// FlagCopyOnWrite.
func (r *Region) pteFlags(h *pmm.Handle, wasCoW bool) vmm.PageTableEntryFlag {
	perm := r.perm &^ PermCopyOnWrite
	if !r.shared() && perm.Has(PermWrite) && (wasCoW || (h != nil && h.RefCount() > 1)) {
		perm |= PermCopyOnWrite
	}

	return perm.PTEFlags()
}

// install maps page to the frame of h and records h as the page's owner.
// On error the caller still owns h.
func (r *Region) install(pt vmm.PageTable, page mm.Page, h *pmm.Handle) *kernel.Error {
	if err := pt.Map(page, h.Frame(), r.pteFlags(h, false)); err != nil {
		return err
	}

	if old, ok := r.pages[page]; ok && old != h {
		old.Drop()
	}
	r.pages[page] = h
	return nil
}

// mapEager installs a translation for every page of the region. Anonymous
// and stack regions get fresh frames, linear regions map their fixed
// frames and file regions are left to the fault path.
func (r *Region) mapEager(pt vmm.PageTable, pool *pmm.Pool) *kernel.Error {
	switch r.backing.Kind {
	case BackingLinear:
		flags := r.perm.PTEFlags()
		for page := r.start; page < r.end; page++ {
			if err := pt.Map(page, r.backing.linearFrame(page), flags); err != nil {
				return err
			}
		}
	case BackingAnonymous, BackingStack:
		for page := r.start; page < r.end; page++ {
			if err := r.allocOnePage(pt, pool, page); err != nil {
				return err
			}
		}
	}

	return nil
}

// populateFrom installs the provider pages for every non-resident page of a
// file region.
func (r *Region) populateFrom(pt vmm.PageTable) error {
	for page := r.start; page < r.end; page++ {
		if _, ok := r.pages[page]; ok {
			continue
		}

		h, err := r.backing.Provider.GetPage(r.fileOffset(page))
		if err != nil {
			return err
		}

		if kerr := r.install(pt, page, h); kerr != nil {
			h.Drop()
			return kerr
		}
	}

	return nil
}

// split cuts the region at page at and returns the new sibling that covers
// [at, end). Resident pages move to the sibling that contains them.
func (r *Region) split(at mm.Page) *Region {
	backing := r.backing
	if backing.Kind == BackingFile {
		backing.Offset = r.fileOffset(at)
	}

	right := newRegion(at, r.end, r.perm, backing)
	for page, h := range r.pages {
		if page >= at {
			right.pages[page] = h
			delete(r.pages, page)
		}
	}

	r.end = at
	return right
}

// splitIn3 cuts the region at a and b and returns the middle [a, b) and
// right [b, end) siblings.
func (r *Region) splitIn3(a, b mm.Page) (*Region, *Region) {
	mid := r.split(a)
	right := mid.split(b)
	return mid, right
}

// remap re-applies the region permissions to every resident page. Private
// pages that share their frame, or that are still marked copy-on-write,
// keep FlagCopyOnWrite so the next store still copies them.
func (r *Region) remap(pt vmm.PageTable) *kernel.Error {
	if r.backing.Kind == BackingLinear {
		flags := r.perm.PTEFlags()
		for page := r.start; page < r.end; page++ {
			if _, ok := pt.FindEntry(page); !ok {
				continue
			}
			if err := pt.Remap(page, flags); err != nil {
				return err
			}
		}
		return nil
	}

	for page, h := range r.pages {
		pte, ok := pt.FindEntry(page)
		wasCoW := ok && pte.HasFlags(vmm.FlagCopyOnWrite)
		if err := pt.Remap(page, r.pteFlags(h, wasCoW)); err != nil {
			return err
		}
	}

	return nil
}

// allocOnePage backs page with a fresh zeroed frame. Resident pages are
// left untouched.
func (r *Region) allocOnePage(pt vmm.PageTable, pool *pmm.Pool, page mm.Page) *kernel.Error {
	if _, ok := r.pages[page]; ok {
		return nil
	}

	h, err := pool.Alloc()
	if err != nil {
		return err
	}

	if err = r.install(pt, page, h); err != nil {
		h.Drop()
		return err
	}

	return nil
}

// deallocOnePage removes the translation for page and drops its handle.
func (r *Region) deallocOnePage(pt vmm.PageTable, page mm.Page) {
	if r.backing.Kind == BackingLinear {
		_ = pt.Unmap(page)
		return
	}

	h, ok := r.pages[page]
	if !ok {
		return
	}

	_ = pt.Unmap(page)
	h.Drop()
	delete(r.pages, page)
}

// unmapRange deallocates every resident page in [from, to).
func (r *Region) unmapRange(pt vmm.PageTable, from, to mm.Page) {
	if r.backing.Kind == BackingLinear {
		for page := from; page < to; page++ {
			if _, ok := pt.FindEntry(page); ok {
				_ = pt.Unmap(page)
			}
		}
		return
	}

	for page := range r.pages {
		if page >= from && page < to {
			r.deallocOnePage(pt, page)
		}
	}
}

// unmapAll removes every translation of the region and drops its handles.
func (r *Region) unmapAll(pt vmm.PageTable) {
	r.unmapRange(pt, r.start, r.end)
}

// info returns a snapshot of the region.
func (r *Region) info() RegionInfo {
	return RegionInfo{
		Start:    r.Start(),
		End:      r.End(),
		Perm:     r.perm,
		Kind:     r.backing.Kind,
		Offset:   r.backing.Offset,
		Resident: len(r.pages),
	}
}

// RegionInfo is a snapshot of a region.
type RegionInfo struct {
	Start, End uintptr
	Perm       Perm
	Kind       BackingKind
	Offset     uintptr
	Resident   int
}
