// Package pagecache serves page sized, offset addressed views of a backing
// file. Pages are read once and kept for the lifetime of the cache so that
// read-only mappings of the same file share frames.
package pagecache

import (
	"io"
	"sync"

	"github.com/go-errors/errors"
	"github.com/li041/RocketOS/kernel"
	"github.com/li041/RocketOS/kernel/kfmt"
	"github.com/li041/RocketOS/kernel/mm"
	"github.com/li041/RocketOS/kernel/mm/pmm"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	errUnalignedOffset = &kernel.Error{Module: "pagecache", Message: "page offset is not page aligned", Errno: unix.EINVAL}
	errBeyondEOF       = &kernel.Error{Module: "pagecache", Message: "page offset lies beyond the end of file", Errno: unix.EFAULT}

	log = kfmt.Logger("pagecache")
)

// Cache is an offset addressed page cache over an io.ReaderAt.
type Cache struct {
	mu    sync.Mutex
	name  string
	src   io.ReaderAt
	size  int64
	pool  *pmm.Pool
	pages map[uintptr]*pmm.Handle
}

// New returns a cache for the first size bytes of src. The name is only
// used for logging.
func New(name string, src io.ReaderAt, size int64, pool *pmm.Pool) *Cache {
	return &Cache{
		name:  name,
		src:   src,
		size:  size,
		pool:  pool,
		pages: make(map[uintptr]*pmm.Handle),
	}
}

// Size returns the size of the cached file in bytes.
func (c *Cache) Size() int64 {
	return c.size
}

// GetPage returns a new handle to the page that starts at offset. The caller
// owns the returned handle and must drop it when done. Bytes past the end of
// the file read as zero.
func (c *Cache) GetPage(offset uintptr) (*pmm.Handle, error) {
	if !mm.PageAligned(offset) {
		return nil, errUnalignedOffset
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if h, ok := c.pages[offset]; ok {
		return h.Clone(), nil
	}

	if int64(offset) >= c.size {
		return nil, errBeyondEOF
	}

	h, kerr := c.pool.Alloc()
	if kerr != nil {
		return nil, kerr
	}

	n := c.size - int64(offset)
	if n > int64(mm.PageSize) {
		n = int64(mm.PageSize)
	}

	if _, err := c.src.ReadAt(h.Bytes()[:n], int64(offset)); err != nil && err != io.EOF {
		h.Drop()
		wrapped := errors.Wrap(err, 1)
		log.WithFields(logrus.Fields{
			"file":   c.name,
			"offset": offset,
			"error":  err,
			"stack":  wrapped.ErrorStack(),
		}).Warn("page read failed")
		return nil, wrapped
	}

	c.pages[offset] = h
	log.WithFields(logrus.Fields{
		"file":   c.name,
		"offset": offset,
		"frame":  h.Frame(),
	}).Debug("page cached")

	return h.Clone(), nil
}

// Len returns the number of cached pages.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pages)
}

// Release drops the cache's own handles. Pages still mapped elsewhere stay
// allocated until their last handle is dropped.
func (c *Cache) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for offset, h := range c.pages {
		h.Drop()
		delete(c.pages, offset)
	}
}
