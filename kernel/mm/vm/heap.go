package vm

import (
	"github.com/li041/RocketOS/kernel"
	"github.com/li041/RocketOS/kernel/mm"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	errNoHeap        = &kernel.Error{Module: "vm", Message: "address space has no heap", Errno: unix.ENOMEM}
	errHeapCollision = &kernel.Error{Module: "vm", Message: "heap would collide with another region", Errno: unix.ENOMEM}
	errBelowHeap     = &kernel.Error{Module: "vm", Message: "program break below the heap bottom", Errno: unix.EINVAL}
)

// SetupHeap places a zero length heap region at bottom, which is rounded
// up to a page boundary, and resets the program break to it.
func (as *AddressSpace) SetupHeap(bottom uintptr) *kernel.Error {
	as.Lock()
	defer as.Unlock()
	return as.setupHeapLocked(bottom)
}

func (as *AddressSpace) setupHeapLocked(bottom uintptr) *kernel.Error {
	bottom = mm.RoundUp(bottom)
	page := mm.PageFromAddress(bottom)

	heap := newRegion(page, page, PermRead|PermWrite|PermUser, Anonymous())
	if err := as.regions.insert(heap); err != nil {
		return err
	}

	as.heap = heap
	as.heapBottom, as.brk = bottom, bottom
	return nil
}

// emptyHeapIn returns true if the heap is empty and its page lies in
// [start, end). An empty heap is invisible to range lookups but still
// blocks regions that strictly contain its page.
func (as *AddressSpace) emptyHeapIn(start, end mm.Page) bool {
	h := as.heap
	return h != nil && h.start == h.end && h.start >= start && h.start < end
}

// dropEmptyHeapLocked removes an empty heap whose page lies in
// [start, end) so that a fixed mapping can take the page over. The next
// Brk starts a fresh heap if the page is free again.
func (as *AddressSpace) dropEmptyHeapLocked(start, end mm.Page) {
	if as.emptyHeapIn(start, end) {
		as.regions.remove(as.heap)
		as.heap = nil
	}
}

// Brk moves the program break to newTop and returns the resulting break.
// A zero newTop only queries the current break. Shrinking releases the
// pages above the new break immediately; growing only moves the bound and
// leaves population to the fault path. On failure the current break is
// returned together with the error.
func (as *AddressSpace) Brk(newTop uintptr) (uintptr, *kernel.Error) {
	as.Lock()
	defer as.Unlock()

	if as.heapBottom == 0 {
		return 0, errNoHeap
	}

	if newTop == 0 {
		return as.brk, nil
	}

	if newTop < as.heapBottom {
		return as.brk, errBelowHeap
	}

	if mm.RoundUp(newTop) < newTop {
		return as.brk, errHeapCollision
	}

	heap := as.heap
	if heap == nil {
		// The heap region was unmapped; start over with an empty one.
		bottom := mm.PageFromAddress(as.heapBottom)
		heap = newRegion(bottom, bottom, PermRead|PermWrite|PermUser, Anonymous())
		if err := as.regions.insert(heap); err != nil {
			return as.brk, err
		}
		as.heap = heap
	}

	newEnd := mm.PageFromAddress(mm.RoundUp(newTop))
	switch {
	case newEnd > heap.end:
		if next := as.regions.firstAfter(heap); next != nil && next.start < newEnd {
			log.WithFields(logrus.Fields{
				"brk":  hex(newTop),
				"next": hex(next.Start()),
			}).Warn("heap collision")
			return as.brk, errHeapCollision
		}
		as.regions.rekey(heap, func() { heap.end = newEnd })
	case newEnd < heap.end:
		heap.unmapRange(as.pt, newEnd, heap.end)
		as.regions.rekey(heap, func() { heap.end = newEnd })
	}

	log.WithFields(logrus.Fields{
		"old": hex(as.brk),
		"new": hex(newTop),
	}).Debug("brk")

	as.brk = newTop
	return as.brk, nil
}
