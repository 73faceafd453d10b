package vm

import (
	"testing"

	"github.com/li041/RocketOS/kernel/mm"
	"github.com/li041/RocketOS/kernel/mm/vmm"
)

// Scenario B: a write made through one attachment is visible to a later
// attachment in an unrelated address space.
func TestSharedSegmentAcrossSpaces(t *testing.T) {
	pool := newTestPool(t, 16)
	first := New(pool, vmm.NewSoftPageTable(), Config{})
	second := New(pool, vmm.NewSoftPageTable(), Config{})
	seg := NewSharedSegment(pool, 7, 2*mm.PageSize)

	addr, err := first.AttachShared(seg, 0x2000, PermRead|PermWrite)
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0x2000 {
		t.Fatalf("expected the segment at 0x2000; got %x", addr)
	}
	checkInvariants(t, first)

	if fault := first.CopyOut(0x2000+mm.PageSize+8, []byte("shared")); fault != nil {
		t.Fatal(fault)
	}

	left, err := first.DetachShared(0x2000)
	if err != nil {
		t.Fatal(err)
	}
	if left != 0 {
		t.Fatalf("expected no attachments left; got %d", left)
	}
	if len(first.Regions()) != 0 {
		t.Fatal("expected the detach to remove the region")
	}
	checkInvariants(t, first)

	if _, err = second.AttachShared(seg, 0x2000, PermRead); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 6)
	if fault := second.CopyIn(0x2000+mm.PageSize+8, buf); fault != nil {
		t.Fatal(fault)
	}
	if string(buf) != "shared" {
		t.Fatalf("expected the second space to observe the write; got %q", buf)
	}

	pte, _ := second.pt.FindEntry(mm.PageFromAddress(0x2000))
	if pte.HasFlags(vmm.FlagRW) || !pte.HasFlags(vmm.FlagShared|vmm.FlagUserAccessible) {
		t.Fatalf("unexpected entry flags %v", pte.Flags())
	}
}

func TestSharedSegmentLifetime(t *testing.T) {
	pool := newTestPool(t, 16)
	free := pool.FreeFrames()
	as := New(pool, vmm.NewSoftPageTable(), Config{})
	seg := NewSharedSegment(pool, 1, mm.PageSize+1)

	if seg.ID() != 1 || seg.Size() != 2*mm.PageSize {
		t.Fatalf("unexpected segment id %d size %d", seg.ID(), seg.Size())
	}
	if pool.FreeFrames() != free {
		t.Fatal("expected frames to be allocated by the first attach")
	}

	addr, err := as.AttachShared(seg, 0, PermRead|PermWrite)
	if err != nil {
		t.Fatal(err)
	}
	if addr != as.Config().MmapBase {
		t.Fatalf("expected the segment to be placed at the mmap base; got %x", addr)
	}
	if pool.FreeFrames() != free-2 {
		t.Fatal("expected the attach to allocate the segment frames")
	}

	child, err := as.Duplicate(vmm.NewSoftPageTable())
	if err != nil {
		t.Fatal(err)
	}
	if seg.Attachments() != 2 {
		t.Fatalf("expected the fork to add an attachment; got %d", seg.Attachments())
	}
	if frameAt(child, addr) != frameAt(as, addr) {
		t.Fatal("expected the child to share the segment frames")
	}

	seg.Destroy()
	if pool.FreeFrames() != free-2 {
		t.Fatal("expected an attached segment to survive destruction")
	}
	if _, err = as.AttachShared(seg, 0, PermRead); err != errSegmentDestroyed {
		t.Fatalf("expected errSegmentDestroyed; got %v", err)
	}

	if left, _ := as.DetachShared(addr); left != 1 {
		t.Fatalf("expected one attachment left; got %d", left)
	}
	if left, _ := child.DetachShared(addr); left != 0 {
		t.Fatalf("expected no attachments left; got %d", left)
	}
	if pool.FreeFrames() != free {
		t.Fatalf("expected the segment frames to be released; free %d, want %d", pool.FreeFrames(), free)
	}
	checkInvariants(t, as)
	checkInvariants(t, child)
}

func TestSharedSegmentErrors(t *testing.T) {
	pool := newTestPool(t, 16)
	as := New(pool, vmm.NewSoftPageTable(), Config{})
	seg := NewSharedSegment(pool, 1, mm.PageSize)

	if _, err := as.DetachShared(0x2000); err != errNotAttached {
		t.Fatalf("expected errNotAttached; got %v", err)
	}

	if _, err := as.AttachShared(seg, 0x2001, PermRead); err != errInvalidRange {
		t.Fatalf("expected errInvalidRange; got %v", err)
	}

	seg.Destroy()
	if _, err := as.AttachShared(seg, 0x2000, PermRead); err != errSegmentDestroyed {
		t.Fatalf("expected errSegmentDestroyed; got %v", err)
	}
	if seg.Attachments() != 0 {
		t.Fatal("expected a failed attach to leave the segment detached")
	}
	checkInvariants(t, as)
}

func TestAttachSharedBusyHint(t *testing.T) {
	pool := newTestPool(t, 16)
	as := New(pool, vmm.NewSoftPageTable(), Config{})
	mustMmap(t, as, MmapRequest{Addr: 0x2000, Length: mm.PageSize, Perm: PermRead, Flags: MapFixed})

	addr, err := as.AttachShared(NewSharedSegment(pool, 1, mm.PageSize), 0x2000, PermRead)
	if err != nil {
		t.Fatal(err)
	}
	if addr != as.Config().MmapBase {
		t.Fatalf("expected a busy hint to fall back to the mmap base; got %x", addr)
	}
	checkInvariants(t, as)
}

func TestDetachSharedRemovesEveryPiece(t *testing.T) {
	pool := newTestPool(t, 16)
	as := New(pool, vmm.NewSoftPageTable(), Config{})
	seg := NewSharedSegment(pool, 3, 3*mm.PageSize)

	addr, err := as.AttachShared(seg, 0x2000, PermRead|PermWrite)
	if err != nil {
		t.Fatal(err)
	}
	mustMmap(t, as, MmapRequest{Addr: 0x5000, Length: mm.PageSize, Perm: PermRead, Flags: MapFixed})

	// Split the attachment into three pieces and drop its last page.
	if _, err = as.RemapRange(0x3000, mm.PageSize, PermRead); err != nil {
		t.Fatal(err)
	}
	if _, err = as.UnmapRange(0x4000, mm.PageSize); err != nil {
		t.Fatal(err)
	}
	if got := len(as.Regions()); got != 3 {
		t.Fatalf("expected two attachment pieces and one mapping; got %d regions", got)
	}

	left, err := as.DetachShared(addr)
	if err != nil || left != 0 {
		t.Fatalf("expected no attachments left; got %d, %v", left, err)
	}
	checkInvariants(t, as)
	assertBounds(t, as, []regionBounds{{0x5000, 0x6000}})

	for _, page := range []uintptr{0x2000, 0x3000} {
		if _, ok := as.pt.FindEntry(mm.PageFromAddress(page)); ok {
			t.Fatalf("expected the translation for %x to be removed", page)
		}
	}

	free := pool.FreeFrames()
	seg.Destroy()
	if pool.FreeFrames() != free+3 {
		t.Fatalf("expected the detach to drop every clone; free %d, want %d", pool.FreeFrames(), free+3)
	}
}

func TestUnmapRangeDetachesSegment(t *testing.T) {
	pool := newTestPool(t, 16)
	as := New(pool, vmm.NewSoftPageTable(), Config{})
	seg := NewSharedSegment(pool, 1, mm.PageSize)

	addr, err := as.AttachShared(seg, 0, PermRead)
	if err != nil {
		t.Fatal(err)
	}

	if _, err = as.UnmapRange(addr, mm.PageSize); err != nil {
		t.Fatal(err)
	}
	if seg.Attachments() != 0 {
		t.Fatal("expected the unmap to detach the segment")
	}
	if _, err = as.DetachShared(addr); err != errNotAttached {
		t.Fatalf("expected errNotAttached; got %v", err)
	}
}
