// Package pmm manages physical memory: it tracks which frames are in use,
// provides access to their contents and wraps them in reference counted
// handles.
package pmm

import (
	"github.com/li041/RocketOS/kernel"
	"github.com/li041/RocketOS/kernel/kfmt"
	"github.com/li041/RocketOS/kernel/mm"
	"github.com/li041/RocketOS/kernel/sync"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	errOutOfMemory     = &kernel.Error{Module: "pmm", Message: "out of memory", Errno: unix.ENOMEM}
	errFrameNotManaged = &kernel.Error{Module: "pmm", Message: "frame is not managed by this allocator", Errno: unix.EINVAL}
	errDoubleFree      = &kernel.Error{Module: "pmm", Message: "frame is not allocated", Errno: unix.EINVAL}
	errEmptyRange      = &kernel.Error{Module: "pmm", Message: "frame range is empty", Errno: unix.EINVAL}

	log = kfmt.Logger("pmm")
)

// FrameAllocator is implemented by objects that hand out and reclaim physical
// frames.
type FrameAllocator interface {
	// AllocFrame reserves a free frame. Exhaustion is reported as an
	// error and is never retried.
	AllocFrame() (mm.Frame, *kernel.Error)

	// FreeFrame returns a previously allocated frame to the allocator.
	FreeFrame(mm.Frame) *kernel.Error
}

// FrameRange describes count consecutive frames starting at Start.
type FrameRange struct {
	Start mm.Frame
	Count uint32
}

type markAs bool

const (
	markReserved markAs = false
	markFree     markAs = true
)

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool.
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool. A set bit marks a
	// reserved frame.
	freeBitmap []uint64
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps.
type BitmapAllocator struct {
	mutex sync.Spinlock

	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	pools []framePool
}

// NewBitmapAllocator creates an allocator that manages the supplied frame
// ranges. Each range becomes a separate pool.
func NewBitmapAllocator(ranges ...FrameRange) (*BitmapAllocator, *kernel.Error) {
	alloc := &BitmapAllocator{}

	for _, r := range ranges {
		if r.Count == 0 {
			return nil, errEmptyRange
		}

		pool := framePool{
			startFrame: r.Start,
			endFrame:   r.Start + mm.Frame(r.Count) - 1,
			freeCount:  r.Count,
			freeBitmap: make([]uint64, (r.Count+63)>>6),
		}

		// Bits past the end of the pool are permanently reserved so the
		// scan in AllocFrame never hands them out.
		for tail := r.Count; tail&63 != 0; tail++ {
			block := tail >> 6
			pool.freeBitmap[block] |= 1 << (63 - (tail & 63))
		}

		alloc.pools = append(alloc.pools, pool)
		alloc.totalPages += r.Count
	}

	alloc.printStats()
	return alloc, nil
}

// AllocFrame reserves and returns a physical memory frame.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	for poolIndex := 0; poolIndex < len(alloc.pools); poolIndex++ {
		if alloc.pools[poolIndex].freeCount == 0 {
			continue
		}

		for blockIndex, block := range alloc.pools[poolIndex].freeBitmap {
			if block == ^uint64(0) {
				continue
			}

			// Scan the block from MSB to LSB for the first free frame.
			for blockOffset, mask := 0, uint64(1<<63); mask > 0; blockOffset, mask = blockOffset+1, mask>>1 {
				if block&mask != 0 {
					continue
				}

				frame := alloc.pools[poolIndex].startFrame + mm.Frame((blockIndex<<6)+blockOffset)
				alloc.markFrame(poolIndex, frame, markReserved)
				return frame, nil
			}
		}
	}

	log.WithField("total_frames", alloc.totalPages).Warn("frame allocator exhausted")
	return mm.InvalidFrame, errOutOfMemory
}

// FreeFrame releases a frame previously allocated via a call to AllocFrame.
// Freeing a frame that is not currently allocated or that lies outside the
// managed pools returns an error and leaves the allocator untouched.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return errFrameNotManaged
	}

	if !alloc.isReserved(poolIndex, frame) {
		return errDoubleFree
	}

	alloc.markFrame(poolIndex, frame, markFree)
	return nil
}

// FreeCount returns the number of frames that are currently available.
func (alloc *BitmapAllocator) FreeCount() uint32 {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return alloc.totalPages - alloc.reservedPages
}

// markFrame updates the reservation flag for the bitmap entry that
// corresponds to the supplied frame.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame mm.Frame, flag markAs) {
	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))

	switch flag {
	case markFree:
		alloc.pools[poolIndex].freeBitmap[block] &^= mask
		alloc.pools[poolIndex].freeCount++
		alloc.reservedPages--
	case markReserved:
		alloc.pools[poolIndex].freeBitmap[block] |= mask
		alloc.pools[poolIndex].freeCount--
		alloc.reservedPages++
	}
}

func (alloc *BitmapAllocator) isReserved(poolIndex int, frame mm.Frame) bool {
	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	return alloc.pools[poolIndex].freeBitmap[block]&mask != 0
}

// poolForFrame returns the index of the pool that contains frame or -1 if
// the frame is not managed by any pool.
func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) int {
	for poolIndex, pool := range alloc.pools {
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}

	return -1
}

func (alloc *BitmapAllocator) printStats() {
	for poolIndex, pool := range alloc.pools {
		log.WithFields(logrus.Fields{
			"pool":  poolIndex,
			"start": pool.startFrame,
			"end":   pool.endFrame,
		}).Debug("frame pool")
	}

	log.WithFields(logrus.Fields{
		"pools":  len(alloc.pools),
		"frames": alloc.totalPages,
		"size":   mm.Size(uint64(alloc.totalPages) << mm.PageShift).String(),
	}).Info("frame allocator ready")
}
