package pmm

import (
	"sync/atomic"

	"github.com/li041/RocketOS/kernel"
	"github.com/li041/RocketOS/kernel/mm"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	errNoContents = &kernel.Error{Module: "pmm", Message: "frame has no backing memory", Errno: unix.EFAULT}
)

// Pool bundles a frame allocator with the memory window that holds the
// contents of the frames it hands out.
type Pool struct {
	frames FrameAllocator
	mem    *Memory
}

// NewPool returns a pool that reserves frames from frames and accesses their
// contents through mem.
func NewPool(frames FrameAllocator, mem *Memory) *Pool {
	return &Pool{frames: frames, mem: mem}
}

// Alloc reserves a zeroed frame and returns the first handle to it.
func (p *Pool) Alloc() (*Handle, *kernel.Error) {
	frame, err := p.frames.AllocFrame()
	if err != nil {
		return nil, err
	}

	contents := p.mem.Bytes(frame)
	if contents == nil {
		_ = p.frames.FreeFrame(frame)
		return nil, errNoContents
	}

	for i := range contents {
		contents[i] = 0
	}

	return p.Wrap(frame), nil
}

// Wrap returns the first handle to a frame that has already been reserved
// from the pool's allocator. The frame is released when the last handle to
// it is dropped.
func (p *Pool) Wrap(frame mm.Frame) *Handle {
	return &Handle{shared: &sharedFrame{frame: frame, refs: 1, pool: p}}
}

// Bytes returns the contents of frame.
func (p *Pool) Bytes(frame mm.Frame) []byte {
	return p.mem.Bytes(frame)
}

// FreeFrames returns the number of frames the allocator can still hand out
// or -1 if the allocator does not track this information.
func (p *Pool) FreeFrames() int {
	if counter, ok := p.frames.(interface{ FreeCount() uint32 }); ok {
		return int(counter.FreeCount())
	}

	return -1
}

func (p *Pool) release(frame mm.Frame) {
	if err := p.frames.FreeFrame(frame); err != nil {
		log.WithFields(logrus.Fields{
			"frame": frame,
			"err":   err,
		}).Error("unable to release frame")
	}
}

// sharedFrame is the state shared by all handles to the same frame.
type sharedFrame struct {
	frame mm.Frame
	refs  int32
	pool  *Pool
}

// Handle is one ownership of a physical frame. Handles to the same frame
// share a live reference count; the frame is returned to its allocator when
// the last handle is dropped.
type Handle struct {
	shared  *sharedFrame
	dropped uint32
}

// Frame returns the frame this handle refers to.
func (h *Handle) Frame() mm.Frame {
	return h.shared.frame
}

// RefCount returns the number of live handles to this handle's frame.
func (h *Handle) RefCount() int {
	return int(atomic.LoadInt32(&h.shared.refs))
}

// Clone returns a new ownership of the same frame.
func (h *Handle) Clone() *Handle {
	atomic.AddInt32(&h.shared.refs, 1)
	return &Handle{shared: h.shared}
}

// Drop relinquishes this ownership. Dropping the same handle more than once
// has no effect.
func (h *Handle) Drop() {
	if !atomic.CompareAndSwapUint32(&h.dropped, 0, 1) {
		return
	}

	if atomic.AddInt32(&h.shared.refs, -1) == 0 {
		h.shared.pool.release(h.shared.frame)
	}
}

// Bytes returns the contents of the frame.
func (h *Handle) Bytes() []byte {
	return h.shared.pool.Bytes(h.shared.frame)
}
