package vm

import (
	"testing"

	"github.com/li041/RocketOS/kernel"
	"github.com/li041/RocketOS/kernel/mm"
	"github.com/li041/RocketOS/kernel/mm/pmm"
	"github.com/li041/RocketOS/kernel/mm/vmm"
	"golang.org/x/sys/unix"
)

const testPoolBase = mm.Frame(0x100)

func newTestPool(t *testing.T, count uint32) *pmm.Pool {
	t.Helper()

	alloc, err := pmm.NewBitmapAllocator(pmm.FrameRange{Start: testPoolBase, Count: count})
	if err != nil {
		t.Fatal(err)
	}

	mem, err := pmm.NewMemory(testPoolBase, count)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = mem.Close() })

	return pmm.NewPool(alloc, mem)
}

func newTestSpace(t *testing.T, frames uint32) (*AddressSpace, *pmm.Pool) {
	t.Helper()

	pool := newTestPool(t, frames)
	return New(pool, vmm.NewSoftPageTable(), Config{}), pool
}

func checkInvariants(t *testing.T, as *AddressSpace) {
	t.Helper()

	if err := as.CheckInvariants(); err != nil {
		t.Fatalf("invariant violated: %v", err)
	}
}

func pageAddr(n uintptr) uintptr {
	return n << mm.PageShift
}

type regionBounds struct {
	start, end uintptr
}

func boundsOf(as *AddressSpace) []regionBounds {
	var out []regionBounds
	for _, info := range as.Regions() {
		out = append(out, regionBounds{info.Start, info.End})
	}
	return out
}

func assertBounds(t *testing.T, as *AddressSpace, exp []regionBounds) {
	t.Helper()

	got := boundsOf(as)
	if len(got) != len(exp) {
		t.Fatalf("expected regions %x; got %x", exp, got)
	}
	for i := range exp {
		if got[i] != exp[i] {
			t.Fatalf("expected regions %x; got %x", exp, got)
		}
	}
}

// frameAt returns the frame mapped at addr or mm.InvalidFrame.
func frameAt(as *AddressSpace, addr uintptr) mm.Frame {
	pte, ok := as.pt.FindEntry(mm.PageFromAddress(addr))
	if !ok {
		return mm.InvalidFrame
	}
	return pte.Frame()
}

func mustMmap(t *testing.T, as *AddressSpace, req MmapRequest) uintptr {
	t.Helper()

	addr, err := as.Mmap(req)
	if err != nil {
		t.Fatal(err)
	}
	checkInvariants(t, as)
	return addr
}

func TestNewAddressSpace(t *testing.T) {
	as, _ := newTestSpace(t, 8)

	if got := as.Config(); got != DefaultConfig() {
		t.Fatalf("expected default config; got %+v", got)
	}
	if as.PageTable() == nil {
		t.Fatal("expected a page table")
	}
	if len(as.Regions()) != 0 {
		t.Fatal("expected an empty address space")
	}
	if bottom, brk := as.HeapBounds(); bottom != 0 || brk != 0 {
		t.Fatalf("expected no heap; got [%x, %x)", bottom, brk)
	}
	checkInvariants(t, as)
}

func TestReserveMmapRange(t *testing.T) {
	as, _ := newTestSpace(t, 8)
	base := as.Config().MmapBase

	addr, err := as.ReserveMmapRange(1)
	if err != nil {
		t.Fatal(err)
	}
	if addr != base {
		t.Fatalf("expected first reservation at %x; got %x", base, addr)
	}

	if addr, _ = as.ReserveMmapRange(mm.PageSize); addr != base+mm.PageSize {
		t.Fatalf("expected second reservation at %x; got %x", base+mm.PageSize, addr)
	}

	// A fixed mapping right above the cursor must be skipped.
	mustMmap(t, as, MmapRequest{Addr: base + 3*mm.PageSize, Length: mm.PageSize, Perm: PermRead, Flags: MapFixed})
	if addr, _ = as.ReserveMmapRange(2 * mm.PageSize); addr != base+4*mm.PageSize {
		t.Fatalf("expected reservation past the fixed mapping at %x; got %x", base+4*mm.PageSize, addr)
	}

	if _, err = as.ReserveMmapRange(0); err != errInvalidRange {
		t.Fatalf("expected errInvalidRange; got %v", err)
	}
}

func TestReserveMmapRangeExhausted(t *testing.T) {
	pool := newTestPool(t, 8)
	as := New(pool, vmm.NewSoftPageTable(), Config{MmapBase: 0x10000, MmapCeiling: 0x12000})

	for i := 0; i < 2; i++ {
		if _, err := as.ReserveMmapRange(mm.PageSize); err != nil {
			t.Fatal(err)
		}
	}

	_, err := as.ReserveMmapRange(mm.PageSize)
	if err != errMmapExhausted {
		t.Fatalf("expected errMmapExhausted; got %v", err)
	}
	if kernel.ErrnoOf(err) != unix.ENOMEM {
		t.Fatalf("expected ENOMEM; got %v", kernel.ErrnoOf(err))
	}
}

func TestMmap(t *testing.T) {
	as, pool := newTestSpace(t, 16)
	free := pool.FreeFrames()

	t.Run("lazy private", func(t *testing.T) {
		addr := mustMmap(t, as, MmapRequest{Length: 3 * mm.PageSize, Perm: PermRead | PermWrite})
		if addr != as.Config().MmapBase {
			t.Fatalf("expected mapping at the mmap base; got %x", addr)
		}
		if pool.FreeFrames() != free {
			t.Fatal("expected a lazy mapping to leave frames untouched")
		}

		info := as.Regions()[0]
		if info.Kind != BackingAnonymous || info.Perm != PermRead|PermWrite|PermUser || info.Resident != 0 {
			t.Fatalf("unexpected region %+v", info)
		}
	})

	t.Run("populate", func(t *testing.T) {
		addr := mustMmap(t, as, MmapRequest{Length: 2 * mm.PageSize, Perm: PermRead, Flags: MapPopulate})
		if pool.FreeFrames() != free-2 {
			t.Fatalf("expected 2 frames to be allocated; free went from %d to %d", free, pool.FreeFrames())
		}
		pte, ok := as.pt.FindEntry(mm.PageFromAddress(addr))
		if !ok || pte.HasFlags(vmm.FlagRW) || !pte.HasFlags(vmm.FlagUserAccessible|vmm.FlagNoExecute) {
			t.Fatalf("unexpected entry %v", pte.Flags())
		}
	})

	t.Run("shared anonymous is eager", func(t *testing.T) {
		before := pool.FreeFrames()
		addr := mustMmap(t, as, MmapRequest{Length: mm.PageSize, Perm: PermRead | PermWrite, Flags: MapShared})
		if pool.FreeFrames() != before-1 {
			t.Fatal("expected the shared mapping to be populated")
		}
		pte, _ := as.pt.FindEntry(mm.PageFromAddress(addr))
		if !pte.HasFlags(vmm.FlagRW | vmm.FlagShared) {
			t.Fatalf("unexpected entry %v", pte.Flags())
		}
	})

	t.Run("hint", func(t *testing.T) {
		addr := mustMmap(t, as, MmapRequest{Addr: 0x700000, Length: mm.PageSize, Perm: PermRead})
		if addr != 0x700000 {
			t.Fatalf("expected the free hint to be honoured; got %x", addr)
		}

		// The hint is busy now so the kernel picks the address.
		if addr = mustMmap(t, as, MmapRequest{Addr: 0x700000, Length: mm.PageSize, Perm: PermRead}); addr == 0x700000 {
			t.Fatal("expected a busy hint to be ignored")
		}
	})

	t.Run("fixed replaces", func(t *testing.T) {
		before := pool.FreeFrames()
		base := mustMmap(t, as, MmapRequest{Addr: 0x800000, Length: 4 * mm.PageSize, Perm: PermRead, Flags: MapFixed | MapPopulate})
		mustMmap(t, as, MmapRequest{Addr: base + mm.PageSize, Length: 2 * mm.PageSize, Perm: PermRead | PermWrite, Flags: MapFixed})

		if got := pool.FreeFrames(); got != before-2 {
			t.Fatalf("expected the replaced pages to be released; free %d, want %d", got, before-2)
		}
		if frameAt(as, base+mm.PageSize) != mm.InvalidFrame {
			t.Fatal("expected the replaced page to be unmapped")
		}
	})

	specs := []struct {
		req MmapRequest
		exp *kernel.Error
	}{
		{MmapRequest{Length: 0}, errInvalidRange},
		{MmapRequest{Length: mm.PageSize, Offset: 1}, errInvalidRange},
		{MmapRequest{Length: ^uintptr(0)}, errInvalidRange},
		{MmapRequest{Addr: 0x1001, Length: mm.PageSize, Flags: MapFixed}, errInvalidRange},
	}

	for specIndex, spec := range specs {
		if _, err := as.Mmap(spec.req); err != spec.exp {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.exp, err)
		}
	}
	checkInvariants(t, as)
}

func TestMmapFilePopulate(t *testing.T) {
	as, pool := newTestSpace(t, 16)
	cache := newTestCache(pool, fileContents(3*mm.PageSize))

	addr := mustMmap(t, as, MmapRequest{Length: 2 * mm.PageSize, Perm: PermRead, File: cache, Offset: mm.PageSize, Flags: MapPopulate})
	buf := make([]byte, 1)
	if fault := as.CopyIn(addr+mm.PageSize, buf); fault != nil {
		t.Fatal(fault)
	}
	if buf[0] != 2 {
		t.Fatalf("expected to read the third file page; got %d", buf[0])
	}

	if _, err := as.Mmap(MmapRequest{Length: mm.PageSize, Perm: PermRead, File: failingProvider{}, Flags: MapPopulate}); err != errPopulate {
		t.Fatalf("expected errPopulate; got %v", err)
	}
	if len(as.Regions()) != 1 {
		t.Fatal("expected the failed mapping to be removed")
	}
	checkInvariants(t, as)
}

func TestUnmapRangeCases(t *testing.T) {
	const (
		regionStart = uintptr(0x100000)
		regionPages = 16
	)

	specs := []struct {
		descr      string
		start, end uintptr
		exp        []regionBounds
		released   int
	}{
		{
			"contain",
			regionStart - mm.PageSize, regionStart + pageAddr(regionPages+1),
			nil,
			regionPages,
		},
		{
			"left edge",
			regionStart - pageAddr(4), regionStart + pageAddr(4),
			[]regionBounds{{regionStart + pageAddr(4), regionStart + pageAddr(regionPages)}},
			4,
		},
		{
			"right edge",
			regionStart + pageAddr(12), regionStart + pageAddr(20),
			[]regionBounds{{regionStart, regionStart + pageAddr(12)}},
			4,
		},
		{
			"interior",
			regionStart + pageAddr(4), regionStart + pageAddr(8),
			[]regionBounds{
				{regionStart, regionStart + pageAddr(4)},
				{regionStart + pageAddr(8), regionStart + pageAddr(regionPages)},
			},
			4,
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			as, pool := newTestSpace(t, 32)
			mustMmap(t, as, MmapRequest{Addr: regionStart, Length: pageAddr(regionPages), Perm: PermRead | PermWrite, Flags: MapFixed | MapPopulate})

			before := pool.FreeFrames()
			frames := make(map[uintptr]mm.Frame)
			for addr := regionStart; addr < regionStart+pageAddr(regionPages); addr += mm.PageSize {
				frames[addr] = frameAt(as, addr)
			}

			touched, err := as.UnmapRange(spec.start, spec.end-spec.start)
			if err != nil {
				t.Fatal(err)
			}
			if !touched {
				t.Fatal("expected the unmap to touch a region")
			}
			checkInvariants(t, as)
			assertBounds(t, as, spec.exp)

			if got := pool.FreeFrames() - before; got != spec.released {
				t.Fatalf("expected %d frames to be released; got %d", spec.released, got)
			}

			for addr, frame := range frames {
				inRange := addr >= spec.start && addr < spec.end
				switch got := frameAt(as, addr); {
				case inRange && got != mm.InvalidFrame:
					t.Fatalf("expected %x to be unmapped", addr)
				case !inRange && got != frame:
					t.Fatalf("expected %x to keep frame %d; got %d", addr, frame, got)
				}
			}
		})
	}
}

func TestUnmapRangeErrors(t *testing.T) {
	as, _ := newTestSpace(t, 8)

	if _, err := as.UnmapRange(0x1001, mm.PageSize); err != errInvalidRange {
		t.Fatalf("expected errInvalidRange for an unaligned start; got %v", err)
	}
	if _, err := as.UnmapRange(0x1000, 0); err != errInvalidRange {
		t.Fatalf("expected errInvalidRange for an empty range; got %v", err)
	}
	if _, err := as.UnmapRange(^uintptr(0)&^(mm.PageSize-1), 2*mm.PageSize); err != errInvalidRange {
		t.Fatalf("expected errInvalidRange for a wrapping range; got %v", err)
	}

	touched, err := as.UnmapRange(0x1000, mm.PageSize)
	if err != nil || touched {
		t.Fatalf("expected an unmap of a hole to touch nothing; got %t, %v", touched, err)
	}
}

func TestMapUnmapRoundTrip(t *testing.T) {
	as, pool := newTestSpace(t, 16)
	mustMmap(t, as, MmapRequest{Addr: 0x10000, Length: mm.PageSize, Perm: PermRead, Flags: MapFixed})
	mustMmap(t, as, MmapRequest{Addr: 0x20000, Length: mm.PageSize, Perm: PermRead, Flags: MapFixed})

	before := boundsOf(as)
	free := pool.FreeFrames()

	addr := mustMmap(t, as, MmapRequest{Addr: 0x14000, Length: 4 * mm.PageSize, Perm: PermRead | PermWrite, Flags: MapFixed | MapPopulate})
	if _, err := as.UnmapRange(addr, 4*mm.PageSize); err != nil {
		t.Fatal(err)
	}
	checkInvariants(t, as)

	assertBounds(t, as, before)
	if pool.FreeFrames() != free {
		t.Fatalf("expected %d free frames; got %d", free, pool.FreeFrames())
	}
	for page := mm.PageFromAddress(addr); page < mm.PageFromAddress(addr+4*mm.PageSize); page++ {
		if _, ok := as.pt.FindEntry(page); ok {
			t.Fatalf("expected no translation for page %x", page)
		}
	}
}

func TestRemapRangeCases(t *testing.T) {
	const regionStart = uintptr(0x100000)

	specs := []struct {
		descr      string
		start, end uintptr
		exp        []regionBounds
	}{
		{"contain", regionStart, regionStart + pageAddr(8), []regionBounds{{regionStart, regionStart + pageAddr(8)}}},
		{"left edge", regionStart - pageAddr(2), regionStart + pageAddr(2), []regionBounds{{regionStart, regionStart + pageAddr(2)}, {regionStart + pageAddr(2), regionStart + pageAddr(8)}}},
		{"right edge", regionStart + pageAddr(6), regionStart + pageAddr(10), []regionBounds{{regionStart, regionStart + pageAddr(6)}, {regionStart + pageAddr(6), regionStart + pageAddr(8)}}},
		{"interior", regionStart + pageAddr(2), regionStart + pageAddr(4), []regionBounds{{regionStart, regionStart + pageAddr(2)}, {regionStart + pageAddr(2), regionStart + pageAddr(4)}, {regionStart + pageAddr(4), regionStart + pageAddr(8)}}},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			as, _ := newTestSpace(t, 16)
			mustMmap(t, as, MmapRequest{Addr: regionStart, Length: pageAddr(8), Perm: PermRead | PermWrite, Flags: MapFixed | MapPopulate})

			frames := make(map[uintptr]mm.Frame)
			for addr := regionStart; addr < regionStart+pageAddr(8); addr += mm.PageSize {
				frames[addr] = frameAt(as, addr)
			}

			touched, err := as.RemapRange(spec.start, spec.end-spec.start, PermRead)
			if err != nil {
				t.Fatal(err)
			}
			if !touched {
				t.Fatal("expected the remap to touch a region")
			}
			checkInvariants(t, as)
			assertBounds(t, as, spec.exp)

			for addr, frame := range frames {
				pte, ok := as.pt.FindEntry(mm.PageFromAddress(addr))
				if !ok || pte.Frame() != frame {
					t.Fatalf("expected %x to keep frame %d", addr, frame)
				}

				inRange := addr >= spec.start && addr < spec.end
				if writable := pte.HasFlags(vmm.FlagRW); writable == inRange {
					t.Fatalf("unexpected write permission %t at %x", writable, addr)
				}
			}

			for _, info := range as.Regions() {
				inRange := info.Start >= spec.start && info.End <= spec.end
				if exp := PermRead | PermUser; inRange && info.Perm != exp {
					t.Fatalf("expected region %x to have perm %v; got %v", info.Start, exp, info.Perm)
				}
			}
		})
	}
}

func TestRemapRangeIdempotent(t *testing.T) {
	as, _ := newTestSpace(t, 16)
	addr := mustMmap(t, as, MmapRequest{Addr: 0x40000, Length: 4 * mm.PageSize, Perm: PermRead | PermWrite, Flags: MapFixed | MapPopulate})

	before := make([]vmm.PageTableEntry, 4)
	for i := range before {
		before[i], _ = as.pt.FindEntry(mm.PageFromAddress(addr + pageAddr(uintptr(i))))
	}

	for i := 0; i < 2; i++ {
		if _, err := as.RemapRange(addr, 4*mm.PageSize, PermRead|PermWrite); err != nil {
			t.Fatal(err)
		}
		checkInvariants(t, as)
	}

	assertBounds(t, as, []regionBounds{{addr, addr + 4*mm.PageSize}})
	for i := range before {
		pte, _ := as.pt.FindEntry(mm.PageFromAddress(addr + pageAddr(uintptr(i))))
		if pte != before[i] {
			t.Fatalf("expected entry %d to stay %x; got %x", i, before[i], pte)
		}
	}
}

func TestRelease(t *testing.T) {
	as, pool := newTestSpace(t, 16)
	free := pool.FreeFrames()

	mustMmap(t, as, MmapRequest{Length: 4 * mm.PageSize, Perm: PermRead | PermWrite, Flags: MapPopulate})
	seg := NewSharedSegment(pool, 1, mm.PageSize)
	if _, err := as.AttachShared(seg, 0, PermRead); err != nil {
		t.Fatal(err)
	}

	as.Release()
	checkInvariants(t, as)

	if len(as.Regions()) != 0 {
		t.Fatal("expected no regions after release")
	}
	if seg.Attachments() != 0 {
		t.Fatalf("expected the segment to be detached; got %d attachments", seg.Attachments())
	}

	seg.Destroy()
	if pool.FreeFrames() != free {
		t.Fatalf("expected all frames to be released; free %d, want %d", pool.FreeFrames(), free)
	}
}

func TestPageRange(t *testing.T) {
	specs := []struct {
		start, length uintptr
		expStart      mm.Page
		expEnd        mm.Page
		expErr        *kernel.Error
	}{
		{0x1000, 1, 1, 2, nil},
		{0x1000, 0x2000, 1, 3, nil},
		{0, mm.PageSize, 0, 1, nil},
		{0x1000, 0, 0, 0, errInvalidRange},
		{0x1010, 0x1000, 0, 0, errInvalidRange},
		{0x1000, ^uintptr(0), 0, 0, errInvalidRange},
	}

	for specIndex, spec := range specs {
		start, end, err := pageRange(spec.start, spec.length)
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			continue
		}
		if err == nil && (start != spec.expStart || end != spec.expEnd) {
			t.Errorf("[spec %d] expected [%d, %d); got [%d, %d)", specIndex, spec.expStart, spec.expEnd, start, end)
		}
	}
}
