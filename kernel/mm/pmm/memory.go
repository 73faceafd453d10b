package pmm

import (
	"github.com/li041/RocketOS/kernel"
	"github.com/li041/RocketOS/kernel/mm"
	"golang.org/x/sys/unix"
)

var (
	// The following functions are used by tests to mock the host calls
	// that back the physical memory window.
	mmapFn   = unix.Mmap
	munmapFn = unix.Munmap

	errMapWindow = &kernel.Error{Module: "pmm", Message: "unable to map physical memory window", Errno: unix.ENOMEM}
)

// Memory is a window over the contents of a contiguous range of physical
// frames. The window is an anonymous host mapping indexed by frame number.
type Memory struct {
	base  mm.Frame
	count uint32
	data  []byte
}

// NewMemory maps a window large enough to hold the contents of count frames
// starting at base.
func NewMemory(base mm.Frame, count uint32) (*Memory, *kernel.Error) {
	if count == 0 {
		return nil, errEmptyRange
	}

	data, err := mmapFn(-1, 0, int(uintptr(count)<<mm.PageShift), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		log.WithError(err).WithField("frames", count).Error("mmap failed")
		return nil, errMapWindow
	}

	return &Memory{base: base, count: count, data: data}, nil
}

// Bytes returns the contents of frame. The returned slice aliases the
// frame's memory. Bytes returns nil for frames outside the window.
func (m *Memory) Bytes(frame mm.Frame) []byte {
	if m == nil || m.data == nil || frame < m.base || frame >= m.base+mm.Frame(m.count) {
		return nil
	}

	off := uintptr(frame-m.base) << mm.PageShift
	return m.data[off : off+mm.PageSize : off+mm.PageSize]
}

// Range returns the frames covered by this window.
func (m *Memory) Range() FrameRange {
	return FrameRange{Start: m.base, Count: m.count}
}

// Close unmaps the window. Any slice previously returned by Bytes becomes
// invalid.
func (m *Memory) Close() error {
	if m.data == nil {
		return nil
	}

	data := m.data
	m.data = nil
	return munmapFn(data)
}
