package vmm

import (
	"sync"

	"github.com/li041/RocketOS/kernel"
	"github.com/li041/RocketOS/kernel/kfmt"
	"github.com/li041/RocketOS/kernel/mm"
	"github.com/sirupsen/logrus"
)

var log = kfmt.Logger("vmm")

// table is one level of a SoftPageTable. Entries at the last level encode
// the mapped frame; entries at the upper levels only carry flags and the
// table they lead to is tracked in next.
type table struct {
	entries [entriesPerTable]PageTableEntry
	next    [entriesPerTable]*table
}

// SoftPageTable is a 4-level radix page table that uses the amd64 layout.
// Tables are allocated on demand. Translations looked up through Translate
// are kept in a software translation cache that is invalidated by Map,
// Unmap, Remap and FlushTLBEntry.
type SoftPageTable struct {
	mu   sync.Mutex
	root *table
	tlb  map[mm.Page]PageTableEntry

	// flushCount tracks invalidated cache entries; used by tests.
	flushCount int
}

// NewSoftPageTable returns an empty page table.
func NewSoftPageTable() *SoftPageTable {
	return &SoftPageTable{
		root: new(table),
		tlb:  make(map[mm.Page]PageTableEntry),
	}
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *PageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls the
// suppplied walkFn with the page table entry that corresponds to each page
// table level. If walkFn returns false then the walk is aborted. Missing
// tables below a present upper-level entry are allocated as the walk
// descends.
func (pt *SoftPageTable) walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level      uint8
		tbl        = pt.root
		entryIndex uintptr
	)

	for level = 0; level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)

		if !walkFn(level, &tbl.entries[entryIndex]) || level == pageLevels-1 {
			return
		}

		if !tbl.entries[entryIndex].HasFlags(FlagPresent) {
			return
		}

		if tbl.next[entryIndex] == nil {
			tbl.next[entryIndex] = new(table)
		}
		tbl = tbl.next[entryIndex]
	}
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing page tables at each paging level are created on demand.
func (pt *SoftPageTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.walk(page.Address(), func(pteLevel uint8, pte *PageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			pt.flushLocked(page.Address())
			return true
		}

		// Upper levels are permissive; the last level entry decides
		// the effective access rights.
		if !pte.HasFlags(FlagPresent) {
			*pte = 0
			pte.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
		}

		return true
	})

	log.WithFields(logrus.Fields{
		"page":  page,
		"frame": frame,
		"flags": (flags | FlagPresent).String(),
	}).Debug("map")
	return nil
}

// Unmap removes a mapping previously installed via a call to Map.
func (pt *SoftPageTable) Unmap(page mm.Page) *kernel.Error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	var err *kernel.Error

	pt.walk(page.Address(), func(pteLevel uint8, pte *PageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		// If we reached the last level all we need to do is to clear
		// the entry and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			pt.flushLocked(page.Address())
		}

		return true
	})

	return err
}

// Remap replaces the flags of an existing mapping. The mapped frame is
// preserved.
func (pt *SoftPageTable) Remap(page mm.Page, flags PageTableEntryFlag) *kernel.Error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	entry, err := pt.pteForAddressLocked(page.Address())
	if err != nil {
		return err
	}

	frame := entry.Frame()
	*entry = 0
	entry.SetFrame(frame)
	entry.SetFlags(flags | FlagPresent)
	pt.flushLocked(page.Address())
	return nil
}

// FindEntry returns the last level entry for page if it is present.
func (pt *SoftPageTable) FindEntry(page mm.Page) (PageTableEntry, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	entry, err := pt.pteForAddressLocked(page.Address())
	if err != nil {
		return 0, false
	}

	return *entry, true
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address. Successful lookups populate the
// translation cache.
func (pt *SoftPageTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	page := mm.PageFromAddress(virtAddr)
	pte, cached := pt.tlb[page]
	if !cached {
		entry, err := pt.pteForAddressLocked(virtAddr)
		if err != nil {
			return 0, err
		}

		pte = *entry
		pt.tlb[page] = pte
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// FlushTLBEntry drops the cached translation for the page that contains
// virtAddr.
func (pt *SoftPageTable) FlushTLBEntry(virtAddr uintptr) {
	pt.mu.Lock()
	pt.flushLocked(virtAddr)
	pt.mu.Unlock()
}

// Visit invokes visitFn for every present last level entry in ascending
// page order.
func (pt *SoftPageTable) Visit(visitFn func(page mm.Page, pte PageTableEntry) bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.visitTable(pt.root, 0, 0, visitFn)
}

func (pt *SoftPageTable) visitTable(tbl *table, level uint8, base uintptr, visitFn func(mm.Page, PageTableEntry) bool) bool {
	for entryIndex := uintptr(0); entryIndex < entriesPerTable; entryIndex++ {
		pte := tbl.entries[entryIndex]
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		addr := base | (entryIndex << pageLevelShifts[level])
		if level == pageLevels-1 {
			if !visitFn(mm.PageFromAddress(addr), pte) {
				return false
			}
			continue
		}

		if next := tbl.next[entryIndex]; next != nil {
			if !pt.visitTable(next, level+1, addr, visitFn) {
				return false
			}
		}
	}

	return true
}

// pteForAddressLocked returns the final page table entry that corresponds to
// a particular virtual address, or ErrInvalidMapping if the page is not
// present.
func (pt *SoftPageTable) pteForAddressLocked(virtAddr uintptr) (*PageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry *PageTableEntry
	)

	pt.walk(virtAddr, func(pteLevel uint8, pte *PageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = nil
			err = ErrInvalidMapping
			return false
		}

		entry = pte
		return true
	})

	return entry, err
}

func (pt *SoftPageTable) flushLocked(virtAddr uintptr) {
	delete(pt.tlb, mm.PageFromAddress(virtAddr))
	pt.flushCount++
}
