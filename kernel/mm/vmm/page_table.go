// Package vmm defines the page table abstraction used by the virtual memory
// subsystem and provides a software implementation of it.
package vmm

import (
	"github.com/li041/RocketOS/kernel"
	"github.com/li041/RocketOS/kernel/mm"
)

// PageTable is implemented by objects that translate virtual pages to
// physical frames. Implementations must invalidate any cached translation
// for a page before Map, Unmap or Remap return.
type PageTable interface {
	// Map installs a translation from page to frame, replacing any
	// existing translation for page.
	Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error

	// Unmap removes the translation for page.
	Unmap(page mm.Page) *kernel.Error

	// Remap replaces the flags of an existing translation while keeping
	// its frame.
	Remap(page mm.Page, flags PageTableEntryFlag) *kernel.Error

	// FindEntry returns the entry for page if a translation is present.
	FindEntry(page mm.Page) (PageTableEntry, bool)

	// Translate returns the physical address for virtAddr or
	// ErrInvalidMapping.
	Translate(virtAddr uintptr) (uintptr, *kernel.Error)

	// FlushTLBEntry drops any cached translation for the page containing
	// virtAddr.
	FlushTLBEntry(virtAddr uintptr)

	// Visit invokes visitFn for each present translation in ascending
	// page order. Returning false from visitFn stops the iteration.
	Visit(visitFn func(page mm.Page, pte PageTableEntry) bool)
}
