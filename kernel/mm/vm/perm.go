package vm

import "github.com/li041/RocketOS/kernel/mm/vmm"

// Perm is the permission set of a region or of one of its pages.
type Perm uint16

const (
	// PermRead allows loads.
	PermRead Perm = 1 << iota

	// PermWrite allows stores.
	PermWrite

	// PermExec allows instruction fetches.
	PermExec

	// PermUser makes the page accessible from user mode.
	PermUser

	// PermGlobal keeps the translation across address space switches.
	PermGlobal

	// PermAccessed mirrors the hardware accessed bit.
	PermAccessed

	// PermDirty mirrors the hardware dirty bit.
	PermDirty

	// PermShared marks frames that are shared with other address spaces
	// or with a page provider and must never be privately copied.
	PermShared

	// PermCopyOnWrite overrides PermWrite until the next store resolves
	// the page into a private copy.
	PermCopyOnWrite
)

// permRWX is the set of bits that mprotect-style operations may change.
const permRWX = PermRead | PermWrite | PermExec

// Has returns true if all bits in flags are set.
func (p Perm) Has(flags Perm) bool {
	return p&flags == flags
}

// WithRWX returns p with its read, write and execute bits replaced by the
// ones in other. All other bits are kept.
func (p Perm) WithRWX(other Perm) Perm {
	return p&^permRWX | other&permRWX
}

// PTEFlags converts p into the flags of a present page table entry. A
// CopyOnWrite page is never mapped writable.
func (p Perm) PTEFlags() vmm.PageTableEntryFlag {
	flags := vmm.FlagPresent

	if p.Has(PermWrite) && !p.Has(PermCopyOnWrite) {
		flags |= vmm.FlagRW
	}
	if !p.Has(PermExec) {
		flags |= vmm.FlagNoExecute
	}
	if p.Has(PermUser) {
		flags |= vmm.FlagUserAccessible
	}
	if p.Has(PermGlobal) {
		flags |= vmm.FlagGlobal
	}
	if p.Has(PermAccessed) {
		flags |= vmm.FlagAccessed
	}
	if p.Has(PermDirty) {
		flags |= vmm.FlagDirty
	}
	if p.Has(PermShared) {
		flags |= vmm.FlagShared
	}
	if p.Has(PermCopyOnWrite) {
		flags |= vmm.FlagCopyOnWrite
	}

	return flags
}

// String formats p the way /proc/<pid>/maps does.
func (p Perm) String() string {
	out := []byte("---p")
	if p.Has(PermRead) {
		out[0] = 'r'
	}
	if p.Has(PermWrite) {
		out[1] = 'w'
	}
	if p.Has(PermExec) {
		out[2] = 'x'
	}
	if p.Has(PermShared) {
		out[3] = 's'
	}
	return string(out)
}
