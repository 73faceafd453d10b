package vm

import (
	"github.com/go-errors/errors"
	"github.com/li041/RocketOS/kernel/mm"
	"github.com/li041/RocketOS/kernel/mm/vmm"
)

// CheckInvariants verifies the bookkeeping of the address space against its
// page table. Regions must be sorted and pairwise disjoint, every resident
// page must lie inside its region and be mapped to the frame of its handle,
// and every present translation must belong to a region.
func (as *AddressSpace) CheckInvariants() error {
	as.Lock()
	defer as.Unlock()

	var (
		prev *Region
		err  error
	)

	as.regions.ascend(func(r *Region) bool {
		if r.end < r.start {
			err = errors.Errorf("region [%#x, %#x) ends before it starts", r.Start(), r.End())
			return false
		}
		if prev != nil && prev.end > r.start {
			err = errors.Errorf("region [%#x, %#x) overlaps [%#x, %#x)", r.Start(), r.End(), prev.Start(), prev.End())
			return false
		}
		prev = r

		if r.backing.Kind == BackingLinear {
			if len(r.pages) != 0 {
				err = errors.Errorf("linear region [%#x, %#x) owns handles", r.Start(), r.End())
				return false
			}
			return true
		}

		for page, h := range r.pages {
			if !r.contains(page) {
				err = errors.Errorf("page %#x lies outside region [%#x, %#x)", page.Address(), r.Start(), r.End())
				return false
			}

			pte, ok := as.pt.FindEntry(page)
			if !ok {
				err = errors.Errorf("resident page %#x has no translation", page.Address())
				return false
			}
			if pte.Frame() != h.Frame() {
				err = errors.Errorf("page %#x maps frame %d but its handle owns frame %d", page.Address(), pte.Frame(), h.Frame())
				return false
			}
			if h.RefCount() < 1 {
				err = errors.Errorf("page %#x holds a dropped handle", page.Address())
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}

	as.pt.Visit(func(page mm.Page, pte vmm.PageTableEntry) bool {
		r := as.regions.find(page)
		if r == nil {
			err = errors.Errorf("translation for %#x outside every region", page.Address())
			return false
		}
		if _, ok := r.pages[page]; !ok && r.backing.Kind != BackingLinear {
			err = errors.Errorf("translation for %#x without a resident page", page.Address())
			return false
		}
		return true
	})

	return err
}
