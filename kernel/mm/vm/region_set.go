package vm

import (
	"github.com/google/btree"
	"github.com/li041/RocketOS/kernel"
	"github.com/li041/RocketOS/kernel/mm"
	"golang.org/x/sys/unix"
)

const regionSetDegree = 8

var errRegionOverlap = &kernel.Error{Module: "vm", Message: "region overlaps an existing region", Errno: unix.EEXIST}

// regionLess orders regions by start page. A zero length region sorts
// before a region that starts at the same page.
func regionLess(a, b *Region) bool {
	if a.start != b.start {
		return a.start < b.start
	}
	return a.end < b.end
}

// regionSet is an ordered collection of pairwise disjoint regions.
type regionSet struct {
	tree *btree.BTreeG[*Region]
}

func newRegionSet() regionSet {
	return regionSet{tree: btree.NewG(regionSetDegree, regionLess)}
}

// insert adds r to the set. It fails without modifying the set if r
// overlaps a region already in it.
func (s regionSet) insert(r *Region) *kernel.Error {
	if s.tree.Has(r) {
		return errRegionOverlap
	}

	if prev := s.lastBefore(r); prev != nil && prev.end > r.start {
		return errRegionOverlap
	}

	if next := s.firstAfter(r); next != nil && next.start < r.end {
		return errRegionOverlap
	}

	s.tree.ReplaceOrInsert(r)
	return nil
}

// remove deletes r from the set.
func (s regionSet) remove(r *Region) {
	s.tree.Delete(r)
}

// rekey applies fn, which may change the bounds of r, while r is out of the
// tree.
func (s regionSet) rekey(r *Region, fn func()) {
	s.tree.Delete(r)
	fn()
	s.tree.ReplaceOrInsert(r)
}

// lastBefore returns the greatest region that sorts before r.
func (s regionSet) lastBefore(r *Region) *Region {
	var prev *Region
	s.tree.DescendLessOrEqual(r, func(item *Region) bool {
		if item == r || !regionLess(item, r) {
			return true
		}
		prev = item
		return false
	})
	return prev
}

// firstAfter returns the smallest region that sorts after r.
func (s regionSet) firstAfter(r *Region) *Region {
	var next *Region
	s.tree.AscendGreaterOrEqual(r, func(item *Region) bool {
		if item == r || !regionLess(r, item) {
			return true
		}
		next = item
		return false
	})
	return next
}

// find returns the region that contains page or nil.
func (s regionSet) find(page mm.Page) *Region {
	var found *Region
	s.tree.DescendLessOrEqual(&Region{start: page, end: ^mm.Page(0)}, func(item *Region) bool {
		if item.contains(page) {
			found = item
		}
		return false
	})
	return found
}

// below returns the closest region that ends at or before page.
func (s regionSet) below(page mm.Page) *Region {
	var found *Region
	s.tree.DescendLessOrEqual(&Region{start: page, end: 0}, func(item *Region) bool {
		if item.end <= page && !(item.start == page && item.end == page) {
			found = item
			return false
		}
		return true
	})
	return found
}

// intersecting returns, in ascending order, the non zero length regions
// that share at least one page with [start, end).
func (s regionSet) intersecting(start, end mm.Page) []*Region {
	var out []*Region
	if start >= end {
		return out
	}

	if start > 0 {
		s.tree.DescendLessOrEqual(&Region{start: start - 1, end: ^mm.Page(0)}, func(item *Region) bool {
			if item.end > start {
				out = append(out, item)
			}
			return false
		})
	}

	s.tree.AscendGreaterOrEqual(&Region{start: start, end: 0}, func(item *Region) bool {
		if item.start >= end {
			return false
		}
		if item.end > item.start {
			out = append(out, item)
		}
		return true
	})

	return out
}

// ascend calls fn for each region in ascending order until fn returns
// false.
func (s regionSet) ascend(fn func(r *Region) bool) {
	s.tree.Ascend(func(item *Region) bool {
		return fn(item)
	})
}

// all returns the regions in ascending order.
func (s regionSet) all() []*Region {
	out := make([]*Region, 0, s.tree.Len())
	s.ascend(func(r *Region) bool {
		out = append(out, r)
		return true
	})
	return out
}

func (s regionSet) len() int {
	return s.tree.Len()
}

func (s regionSet) clear() {
	s.tree.Clear(false)
}
