package vm

import (
	"github.com/li041/RocketOS/kernel"
	"github.com/li041/RocketOS/kernel/mm/vmm"
	"github.com/sirupsen/logrus"
)

// Duplicate returns a copy of the address space that installs its
// translations in pt. Shared regions share their frames; private writable
// pages are mapped copy-on-write in both spaces and are only copied by the
// first store in either of them; everything else is mapped as is. If the
// copy fails the partially built child is released and the error is
// returned.
func (as *AddressSpace) Duplicate(pt vmm.PageTable) (*AddressSpace, *kernel.Error) {
	as.Lock()
	defer as.Unlock()

	child := New(as.pool, pt, as.cfg)
	child.heapBottom, child.brk = as.heapBottom, as.brk
	child.mmapCursor = as.mmapCursor

	var (
		err    *kernel.Error
		shared int
		cow    int
	)

	as.regions.ascend(func(r *Region) bool {
		c := newRegion(r.start, r.end, r.perm, r.backing)
		if err = child.regions.insert(c); err != nil {
			return false
		}
		if r == as.heap {
			child.heap = c
		}

		if r.backing.Kind == BackingLinear {
			err = c.mapEager(child.pt, child.pool)
			return err == nil
		}

		for page, h := range r.pages {
			flags := r.pteFlags(h, false)
			if pte, ok := as.pt.FindEntry(page); ok {
				flags = pte.Flags()
			}

			if !r.shared() && r.perm.Has(PermWrite) {
				flags = flags&^vmm.FlagRW | vmm.FlagCopyOnWrite
				if err = as.pt.Remap(page, flags); err != nil {
					return false
				}
				cow++
			} else {
				shared++
			}

			clone := h.Clone()
			if err = child.pt.Map(page, h.Frame(), flags); err != nil {
				clone.Drop()
				return false
			}
			c.pages[page] = clone
		}

		return true
	})

	if err != nil {
		log.WithField("err", err).Warn("fork failed")
		child.releaseLocked()
		return nil, err
	}

	for addr, seg := range as.shm {
		seg.attached()
		child.shm[addr] = seg
	}

	log.WithFields(logrus.Fields{
		"regions": child.regions.len(),
		"cow":     cow,
		"shared":  shared,
	}).Info("address space duplicated")
	return child, nil
}
