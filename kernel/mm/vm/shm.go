package vm

import (
	"sync"

	"github.com/li041/RocketOS/kernel"
	"github.com/li041/RocketOS/kernel/mm"
	"github.com/li041/RocketOS/kernel/mm/pmm"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	errNotAttached      = &kernel.Error{Module: "vm", Message: "no shared segment attached at address", Errno: unix.EINVAL}
	errSegmentDestroyed = &kernel.Error{Module: "vm", Message: "shared segment has been destroyed", Errno: unix.EIDRM}
)

// SharedSegment is a set of frames that can be attached to any number of
// address spaces. The segment owns its frames; attaching clones their
// handles and detaching drops only the clones, so the contents survive
// until the segment is destroyed and the last attachment is gone.
type SharedSegment struct {
	mu          sync.Mutex
	id          int
	size        uintptr
	pool        *pmm.Pool
	pages       []*pmm.Handle
	attachments int
	destroyed   bool
}

// NewSharedSegment returns a segment of size bytes, rounded up to whole
// pages. Frames are allocated by the first attach.
func NewSharedSegment(pool *pmm.Pool, id int, size uintptr) *SharedSegment {
	return &SharedSegment{
		id:   id,
		size: mm.RoundUp(size),
		pool: pool,
	}
}

// ID returns the segment identifier.
func (s *SharedSegment) ID() int { return s.id }

// Size returns the segment size in bytes.
func (s *SharedSegment) Size() uintptr { return s.size }

// Attachments returns the number of address spaces the segment is
// attached to.
func (s *SharedSegment) Attachments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attachments
}

// Destroy marks the segment for destruction. Its frames are released as
// soon as it is no longer attached anywhere.
func (s *SharedSegment) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.destroyed = true
	s.releaseLocked()
}

// populateLocked allocates the segment frames if this has not happened yet.
func (s *SharedSegment) populateLocked() *kernel.Error {
	if s.pages != nil {
		return nil
	}

	pages := make([]*pmm.Handle, 0, mm.PageCount(s.size))
	for i := uintptr(0); i < mm.PageCount(s.size); i++ {
		h, err := s.pool.Alloc()
		if err != nil {
			for _, h := range pages {
				h.Drop()
			}
			return err
		}
		pages = append(pages, h)
	}

	s.pages = pages
	return nil
}

func (s *SharedSegment) attached() {
	s.mu.Lock()
	s.attachments++
	s.mu.Unlock()
}

func (s *SharedSegment) detached() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attachments--
	s.releaseLocked()
	return s.attachments
}

func (s *SharedSegment) releaseLocked() {
	if !s.destroyed || s.attachments > 0 {
		return
	}

	for _, h := range s.pages {
		h.Drop()
	}
	s.pages = nil
}

// AttachShared maps every frame of seg into the address space and returns
// the attach address. A non zero hint must be page aligned; when the
// hinted range is busy the kernel chooses the address as it does for a
// zero hint.
func (as *AddressSpace) AttachShared(seg *SharedSegment, hint uintptr, perm Perm) (uintptr, *kernel.Error) {
	as.Lock()
	defer as.Unlock()

	seg.mu.Lock()
	defer seg.mu.Unlock()

	if seg.destroyed {
		return 0, errSegmentDestroyed
	}

	if hint != 0 {
		if _, _, err := pageRange(hint, seg.size); err != nil {
			return 0, err
		}
	}

	addr := hint
	if addr == 0 || !as.rangeFree(addr, seg.size) {
		var err *kernel.Error
		if addr, err = as.reserveMmapRangeLocked(seg.size); err != nil {
			return 0, err
		}
	}

	if err := seg.populateLocked(); err != nil {
		return 0, err
	}

	start := mm.PageFromAddress(addr)
	r := newRegion(start, start+mm.Page(len(seg.pages)), perm&permRWX|PermUser|PermShared, Anonymous())
	if err := as.regions.insert(r); err != nil {
		return 0, err
	}

	for i, h := range seg.pages {
		clone := h.Clone()
		if err := r.install(as.pt, start+mm.Page(i), clone); err != nil {
			clone.Drop()
			r.unmapAll(as.pt)
			as.regions.remove(r)
			return 0, err
		}
	}

	as.shm[addr] = seg
	seg.attachments++

	log.WithFields(logrus.Fields{
		"id":   seg.id,
		"addr": hex(addr),
		"size": seg.size,
	}).Info("shm attach")
	return addr, nil
}

// DetachShared removes every piece of the mapping of the segment attached
// at addr, including pieces left behind by RemapRange or a partial
// UnmapRange, and returns the number of attachments the segment has left.
// The segment frames are not released.
func (as *AddressSpace) DetachShared(addr uintptr) (int, *kernel.Error) {
	as.Lock()
	defer as.Unlock()

	seg, ok := as.shm[addr]
	if !ok {
		return 0, errNotAttached
	}

	start := mm.PageFromAddress(addr)
	end := start + mm.Page(mm.PageCount(seg.size))
	for _, r := range as.regions.intersecting(start, end) {
		if r.start < start || r.end > end || !r.shared() || !seg.backs(r, start) {
			continue
		}
		r.unmapAll(as.pt)
		as.regions.remove(r)
	}
	delete(as.shm, addr)

	left := seg.detached()
	log.WithFields(logrus.Fields{
		"id":   seg.id,
		"addr": hex(addr),
		"left": left,
	}).Info("shm detach")
	return left, nil
}

// backs returns true if r maps frames of the segment attached at the page
// base.
func (s *SharedSegment) backs(r *Region, base mm.Page) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for page, h := range r.pages {
		if i := int(page - base); i < len(s.pages) && s.pages[i].Frame() == h.Frame() {
			return true
		}
	}
	return false
}
