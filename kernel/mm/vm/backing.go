package vm

import (
	"github.com/li041/RocketOS/kernel/mm"
	"github.com/li041/RocketOS/kernel/mm/pmm"
)

// PageProvider supplies the contents of file backed regions. GetPage
// returns a new handle to the page that starts at the supplied byte offset;
// the caller owns it.
type PageProvider interface {
	GetPage(offset uintptr) (*pmm.Handle, error)
}

// BackingKind describes where the contents of a region come from.
type BackingKind uint8

const (
	// BackingLinear regions map each page to the frame at a fixed
	// offset. They are only used for the kernel identity mapping.
	BackingLinear BackingKind = iota

	// BackingAnonymous regions get zeroed frames either eagerly or on
	// demand.
	BackingAnonymous

	// BackingFile regions get their contents from a PageProvider.
	BackingFile

	// BackingStack regions are anonymous and grow downwards on demand.
	BackingStack
)

var backingKindNames = [...]string{
	BackingLinear:    "linear",
	BackingAnonymous: "anonymous",
	BackingFile:      "file",
	BackingStack:     "stack",
}

// String implements fmt.Stringer.
func (k BackingKind) String() string {
	if int(k) < len(backingKindNames) {
		return backingKindNames[k]
	}
	return "unknown"
}

// Backing describes the source of a region's contents.
type Backing struct {
	Kind BackingKind

	// Provider and Offset are only used by BackingFile regions. Offset
	// is the file offset of the first page of the region.
	Provider PageProvider
	Offset   uintptr

	// PhysOffset is only used by BackingLinear regions; a page at
	// virtual address v maps to the frame at v - PhysOffset.
	PhysOffset uintptr
}

// Linear returns a linear backing with the supplied virtual to physical
// offset.
func Linear(physOffset uintptr) Backing {
	return Backing{Kind: BackingLinear, PhysOffset: physOffset}
}

// Anonymous returns an anonymous backing.
func Anonymous() Backing {
	return Backing{Kind: BackingAnonymous}
}

// File returns a file backing that starts at the supplied file offset.
func File(provider PageProvider, offset uintptr) Backing {
	return Backing{Kind: BackingFile, Provider: provider, Offset: offset}
}

// Stack returns a stack backing.
func Stack() Backing {
	return Backing{Kind: BackingStack}
}

// linearFrame returns the frame a linear backing assigns to page.
func (b Backing) linearFrame(page mm.Page) mm.Frame {
	return mm.FrameFromAddress(page.Address() - b.PhysOffset)
}
