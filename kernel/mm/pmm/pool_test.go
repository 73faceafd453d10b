package pmm

import (
	"errors"
	"testing"

	"github.com/li041/RocketOS/kernel"
	"github.com/li041/RocketOS/kernel/mm"
)

func newTestPool(t *testing.T, base mm.Frame, count uint32) (*Pool, *BitmapAllocator) {
	t.Helper()

	alloc, err := NewBitmapAllocator(FrameRange{Start: base, Count: count})
	if err != nil {
		t.Fatal(err)
	}

	mem, err := NewMemory(base, count)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = mem.Close() })

	return NewPool(alloc, mem), alloc
}

func TestMemory(t *testing.T) {
	mem, err := NewMemory(100, 4)
	if err != nil {
		t.Fatal(err)
	}

	if got := mem.Bytes(99); got != nil {
		t.Fatal("expected Bytes to return nil for a frame below the window")
	}

	if got := mem.Bytes(104); got != nil {
		t.Fatal("expected Bytes to return nil for a frame above the window")
	}

	page := mem.Bytes(101)
	if exp, got := int(mm.PageSize), len(page); got != exp {
		t.Fatalf("expected page length %d; got %d", exp, got)
	}

	page[0] = 0xaa
	if mem.Bytes(101)[0] != 0xaa {
		t.Fatal("expected Bytes to alias the frame contents")
	}
	if mem.Bytes(100)[mm.PageSize-1] != 0 || mem.Bytes(102)[0] != 0 {
		t.Fatal("expected neighbouring frames to be untouched")
	}

	if r := mem.Range(); r.Start != 100 || r.Count != 4 {
		t.Fatalf("unexpected range %+v", r)
	}

	if err := mem.Close(); err != nil {
		t.Fatal(err)
	}
	if mem.Bytes(101) != nil {
		t.Fatal("expected Bytes to return nil after Close")
	}
	if err := mem.Close(); err != nil {
		t.Fatal("expected second Close to be a no-op")
	}
}

func TestMemoryMapError(t *testing.T) {
	defer func(origMmap func(int, int64, int, int, int) ([]byte, error)) { mmapFn = origMmap }(mmapFn)

	mmapFn = func(_ int, _ int64, _ int, _ int, _ int) ([]byte, error) {
		return nil, errors.New("no memory")
	}

	if _, err := NewMemory(0, 4); err != errMapWindow {
		t.Fatalf("expected errMapWindow; got %v", err)
	}

	if _, err := NewMemory(0, 0); err != errEmptyRange {
		t.Fatalf("expected errEmptyRange; got %v", err)
	}
}

func TestPoolAllocZeroesFrames(t *testing.T) {
	pool, alloc := newTestPool(t, 0, 2)

	h, err := pool.Alloc()
	if err != nil {
		t.Fatal(err)
	}

	contents := h.Bytes()
	for i := range contents {
		contents[i] = 0xff
	}
	frame := h.Frame()
	h.Drop()

	if exp, got := uint32(2), alloc.FreeCount(); got != exp {
		t.Fatalf("expected dropping the last handle to free the frame; free count %d", got)
	}

	// Exhaust the allocator so the dirty frame is handed out again.
	var handles []*Handle
	for i := 0; i < 2; i++ {
		if h, err = pool.Alloc(); err != nil {
			t.Fatal(err)
		}
		handles = append(handles, h)
	}

	for _, h := range handles {
		if h.Frame() != frame {
			continue
		}
		for i, b := range h.Bytes() {
			if b != 0 {
				t.Fatalf("expected reallocated frame to be zeroed; byte %d is %x", i, b)
			}
		}
	}

	if _, err = pool.Alloc(); err != errOutOfMemory {
		t.Fatalf("expected errOutOfMemory; got %v", err)
	}

	if exp, got := 0, pool.FreeFrames(); got != exp {
		t.Fatalf("expected FreeFrames to return %d; got %d", exp, got)
	}
}

type allocatorWithoutMemory struct {
	freed []mm.Frame
}

func (a *allocatorWithoutMemory) AllocFrame() (mm.Frame, *kernel.Error) { return 1000, nil }
func (a *allocatorWithoutMemory) FreeFrame(f mm.Frame) *kernel.Error {
	a.freed = append(a.freed, f)
	return nil
}

func TestPoolAllocOutsideWindow(t *testing.T) {
	mem, err := NewMemory(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = mem.Close() }()

	alloc := &allocatorWithoutMemory{}
	pool := NewPool(alloc, mem)

	if _, err := pool.Alloc(); err != errNoContents {
		t.Fatalf("expected errNoContents; got %v", err)
	}

	if len(alloc.freed) != 1 || alloc.freed[0] != 1000 {
		t.Fatalf("expected the frame to be returned to the allocator; got %v", alloc.freed)
	}

	if exp, got := -1, pool.FreeFrames(); got != exp {
		t.Fatalf("expected FreeFrames to return %d; got %d", exp, got)
	}
}

func TestHandleRefCounting(t *testing.T) {
	pool, alloc := newTestPool(t, 0, 4)

	h1, err := pool.Alloc()
	if err != nil {
		t.Fatal(err)
	}

	h2 := h1.Clone()
	h3 := h2.Clone()

	if h1.Frame() != h2.Frame() || h2.Frame() != h3.Frame() {
		t.Fatal("expected clones to refer to the same frame")
	}

	if exp, got := 3, h1.RefCount(); got != exp {
		t.Fatalf("expected refcount %d; got %d", exp, got)
	}

	h2.Drop()
	h2.Drop()
	if exp, got := 2, h3.RefCount(); got != exp {
		t.Fatalf("expected a repeated Drop to be ignored; refcount %d", got)
	}

	h1.Drop()
	if exp, got := uint32(3), alloc.FreeCount(); got != exp {
		t.Fatalf("expected frame to stay allocated while a handle lives; free count %d", got)
	}

	h3.Drop()
	if exp, got := uint32(4), alloc.FreeCount(); got != exp {
		t.Fatalf("expected frame to be freed with its last handle; free count %d", got)
	}
}

func TestPoolWrap(t *testing.T) {
	pool, alloc := newTestPool(t, 0, 4)

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	h := pool.Wrap(frame)
	if h.Frame() != frame || h.RefCount() != 1 {
		t.Fatalf("unexpected wrapped handle: frame %d, refs %d", h.Frame(), h.RefCount())
	}

	pool.Bytes(frame)[7] = 7
	if h.Bytes()[7] != 7 {
		t.Fatal("expected handle contents to alias the pool memory")
	}

	h.Drop()
	if exp, got := uint32(4), alloc.FreeCount(); got != exp {
		t.Fatalf("expected wrapped frame to be released; free count %d", got)
	}
}
