package vm

import (
	"fmt"

	"github.com/li041/RocketOS/kernel/mm"
	"github.com/li041/RocketOS/kernel/mm/vmm"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Cause is the kind of access that triggered a page fault.
type Cause uint8

const (
	// CauseLoad is a data read.
	CauseLoad Cause = iota

	// CauseStore is a data write.
	CauseStore

	// CauseExecute is an instruction fetch.
	CauseExecute
)

// String implements fmt.Stringer.
func (c Cause) String() string {
	switch c {
	case CauseLoad:
		return "load"
	case CauseStore:
		return "store"
	case CauseExecute:
		return "exec"
	default:
		return "unknown"
	}
}

// perm returns the region permission an access of this kind needs.
func (c Cause) perm() Perm {
	switch c {
	case CauseStore:
		return PermWrite
	case CauseExecute:
		return PermExec
	default:
		return PermRead
	}
}

// FaultKind classifies a fault that could not be resolved.
type FaultKind uint8

const (
	// FaultUnmapped is an access to an address outside every region.
	FaultUnmapped FaultKind = iota

	// FaultProtection is an access the translation or the region does
	// not permit.
	FaultProtection

	// FaultStackGuard is a stack growth that would eat into the guard
	// gap below the stack.
	FaultStackGuard

	// FaultBackingStore is a page provider failure.
	FaultBackingStore

	// FaultOutOfMemory is a frame allocation failure.
	FaultOutOfMemory

	// FaultSharedAnonymous is a fault on a non-resident page of a shared
	// anonymous region. Such regions are fully populated when created so
	// this is treated as a fatal condition.
	FaultSharedAnonymous

	// FaultInvariant is a fault that the address space bookkeeping says
	// cannot happen.
	FaultInvariant
)

var faultKindNames = [...]string{
	FaultUnmapped:        "unmapped address",
	FaultProtection:      "protection violation",
	FaultStackGuard:      "stack guard violation",
	FaultBackingStore:    "backing store failure",
	FaultOutOfMemory:     "out of memory",
	FaultSharedAnonymous: "shared anonymous page not resident",
	FaultInvariant:       "invariant violation",
}

// String implements fmt.Stringer.
func (k FaultKind) String() string {
	if int(k) < len(faultKindNames) {
		return faultKindNames[k]
	}
	return "unknown"
}

// Signal returns the signal delivered to a process that takes this fault.
func (k FaultKind) Signal() unix.Signal {
	switch k {
	case FaultBackingStore:
		return unix.SIGBUS
	case FaultOutOfMemory:
		return unix.SIGKILL
	default:
		return unix.SIGSEGV
	}
}

// Fault describes a page fault that could not be resolved.
type Fault struct {
	Addr  uintptr
	Cause Cause
	Kind  FaultKind

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s fault at %#x: %s: %v", f.Cause, f.Addr, f.Kind, f.Err)
	}
	return fmt.Sprintf("%s fault at %#x: %s", f.Cause, f.Addr, f.Kind)
}

// Signal returns the signal to deliver for this fault.
func (f *Fault) Signal() unix.Signal {
	return f.Kind.Signal()
}

// faultClass is the outcome of classifying a fault. Each class has exactly
// one handler in faultHandlers.
type faultClass uint8

const (
	classCopyOnWrite faultClass = iota
	classProtection
	classUnmapped
	classFileShared
	classFilePrivateStore
	classStackGrow
	classAnonymous
	classSharedAnonymous
	classLinear
	numFaultClasses
)

var faultClassNames = [numFaultClasses]string{
	classCopyOnWrite:      "cow",
	classProtection:       "protection",
	classUnmapped:         "unmapped",
	classFileShared:       "file",
	classFilePrivateStore: "file-private-store",
	classStackGrow:        "stack-grow",
	classAnonymous:        "anonymous",
	classSharedAnonymous:  "shared-anonymous",
	classLinear:           "linear",
}

func (c faultClass) String() string { return faultClassNames[c] }

// faultContext carries the state gathered while classifying a fault.
type faultContext struct {
	addr    uintptr
	page    mm.Page
	cause   Cause
	region  *Region
	pte     vmm.PageTableEntry
	present bool
}

func (fc *faultContext) fatal(kind FaultKind, err error) *Fault {
	return &Fault{Addr: fc.addr, Cause: fc.cause, Kind: kind, Err: err}
}

type faultHandler func(as *AddressSpace, fc *faultContext) *Fault

var faultHandlers = [numFaultClasses]faultHandler{
	classCopyOnWrite:      (*AddressSpace).faultCopyOnWrite,
	classProtection:       (*AddressSpace).faultProtection,
	classUnmapped:         (*AddressSpace).faultUnmapped,
	classFileShared:       (*AddressSpace).faultFileShared,
	classFilePrivateStore: (*AddressSpace).faultFilePrivateStore,
	classStackGrow:        (*AddressSpace).faultStackGrow,
	classAnonymous:        (*AddressSpace).faultAnonymous,
	classSharedAnonymous:  (*AddressSpace).faultSharedAnonymous,
	classLinear:           (*AddressSpace).faultLinear,
}

// ResolveFault repairs the translation for addr after an access of the
// supplied cause faulted. It returns nil on success or the fatal
// classification of the fault.
func (as *AddressSpace) ResolveFault(addr uintptr, cause Cause) *Fault {
	as.Lock()
	defer as.Unlock()
	return as.resolveFaultLocked(addr, cause)
}

func (as *AddressSpace) resolveFaultLocked(addr uintptr, cause Cause) *Fault {
	fc := &faultContext{
		addr:  addr,
		page:  mm.PageFromAddress(addr),
		cause: cause,
	}

	class := as.classify(fc)
	fault := faultHandlers[class](as, fc)

	fields := logrus.Fields{
		"addr":  hex(addr),
		"cause": cause.String(),
		"class": class.String(),
	}
	if fault != nil {
		fields["kind"] = fault.Kind.String()
		fields["signal"] = fault.Signal().String()
		if fault.Err != nil {
			fields["error"] = fault.Err
		}
		log.WithFields(fields).Warn("fatal page fault")
		return fault
	}

	log.WithFields(fields).Debug("page fault resolved")
	return nil
}

// classify maps the translation state, the covering region and the access
// cause of a fault to exactly one fault class.
func (as *AddressSpace) classify(fc *faultContext) faultClass {
	fc.pte, fc.present = as.pt.FindEntry(fc.page)
	fc.region = as.regions.find(fc.page)

	var (
		region    = fc.region
		permitted = region != nil && region.perm.Has(fc.cause.perm())
	)

	switch {
	case fc.present && fc.pte.HasFlags(vmm.FlagCopyOnWrite) && permitted && region.perm.Has(PermWrite):
		return classCopyOnWrite
	case fc.present:
		return classProtection
	case region == nil:
		return classUnmapped
	case !permitted:
		return classProtection
	}

	switch kind := region.backing.Kind; {
	case kind == BackingLinear:
		return classLinear
	case kind == BackingFile && (fc.cause != CauseStore || region.shared()):
		return classFileShared
	case kind == BackingFile:
		return classFilePrivateStore
	case kind == BackingStack && fc.page == region.start:
		return classStackGrow
	case region.shared():
		return classSharedAnonymous
	default:
		return classAnonymous
	}
}

// faultCopyOnWrite resolves any permitted access to a copy-on-write page,
// whatever its cause, into a private writable one. A frame with no
// other owners is upgraded in place, otherwise it is copied into a new
// frame.
func (as *AddressSpace) faultCopyOnWrite(fc *faultContext) *Fault {
	region := fc.region
	h, ok := region.pages[fc.page]
	if !ok || h.Frame() != fc.pte.Frame() {
		return fc.fatal(FaultInvariant, nil)
	}

	if h.RefCount() == 1 {
		if err := as.pt.Remap(fc.page, region.pteFlags(h, false)); err != nil {
			return fc.fatal(FaultInvariant, err)
		}
		return nil
	}

	copied, err := as.pool.Alloc()
	if err != nil {
		return fc.fatal(FaultOutOfMemory, err)
	}
	copy(copied.Bytes(), h.Bytes())

	if err = region.install(as.pt, fc.page, copied); err != nil {
		copied.Drop()
		return fc.fatal(FaultInvariant, err)
	}

	return nil
}

func (as *AddressSpace) faultProtection(fc *faultContext) *Fault {
	return fc.fatal(FaultProtection, nil)
}

func (as *AddressSpace) faultUnmapped(fc *faultContext) *Fault {
	return fc.fatal(FaultUnmapped, nil)
}

// faultFileShared installs the provider page itself. Private writable
// regions get it copy-on-write because the provider keeps its own handle.
func (as *AddressSpace) faultFileShared(fc *faultContext) *Fault {
	region := fc.region
	h, err := region.backing.Provider.GetPage(region.fileOffset(fc.page))
	if err != nil {
		return fc.fatal(FaultBackingStore, err)
	}

	if kerr := region.install(as.pt, fc.page, h); kerr != nil {
		h.Drop()
		return fc.fatal(FaultInvariant, kerr)
	}

	return nil
}

// faultFilePrivateStore copies the provider page into a fresh frame and maps
// it writable.
func (as *AddressSpace) faultFilePrivateStore(fc *faultContext) *Fault {
	region := fc.region
	src, err := region.backing.Provider.GetPage(region.fileOffset(fc.page))
	if err != nil {
		return fc.fatal(FaultBackingStore, err)
	}
	defer src.Drop()

	copied, kerr := as.pool.Alloc()
	if kerr != nil {
		return fc.fatal(FaultOutOfMemory, kerr)
	}
	copy(copied.Bytes(), src.Bytes())

	if kerr = region.install(as.pt, fc.page, copied); kerr != nil {
		copied.Drop()
		return fc.fatal(FaultInvariant, kerr)
	}

	return nil
}

// faultStackGrow populates the lowest page of a stack and extends the stack
// by one page, as long as that keeps the guard gap to the region below.
func (as *AddressSpace) faultStackGrow(fc *faultContext) *Fault {
	region := fc.region
	if region.start == 0 {
		return fc.fatal(FaultStackGuard, nil)
	}

	if below := as.regions.below(region.start); below != nil && int(region.start-below.end) < as.cfg.StackGuardGapPages {
		return fc.fatal(FaultStackGuard, nil)
	}

	if err := region.allocOnePage(as.pt, as.pool, fc.page); err != nil {
		return fc.fatal(FaultOutOfMemory, err)
	}

	as.regions.rekey(region, func() { region.start-- })
	return nil
}

// faultAnonymous populates the faulting page and, opportunistically, the
// rest of a lookahead window. The window starts at the faulting page and
// is shifted down when it would cross the end of the region. Stack pages
// are populated one at a time.
func (as *AddressSpace) faultAnonymous(fc *faultContext) *Fault {
	region := fc.region
	if err := region.allocOnePage(as.pt, as.pool, fc.page); err != nil {
		return fc.fatal(FaultOutOfMemory, err)
	}

	window := mm.Page(as.cfg.LookaheadPages)
	if region.backing.Kind == BackingStack || window <= 1 {
		return nil
	}

	// Near the end of the region the window slides down and fills pages
	// below the faulting one as well, so a fault on the last page still
	// populates a full window.
	from := fc.page
	if from+window > region.end {
		from = region.end - window
	}
	if from < region.start || from > fc.page {
		from = region.start
	}

	to := from + window
	if to > region.end {
		to = region.end
	}

	for page := from; page < to; page++ {
		if err := region.allocOnePage(as.pt, as.pool, page); err != nil {
			// Lookahead is best effort.
			break
		}
	}

	return nil
}

func (as *AddressSpace) faultSharedAnonymous(fc *faultContext) *Fault {
	return fc.fatal(FaultSharedAnonymous, nil)
}

func (as *AddressSpace) faultLinear(fc *faultContext) *Fault {
	return fc.fatal(FaultInvariant, nil)
}
