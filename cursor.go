package btreedb

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// tagKey appends an 8-byte big-endian tx id to a user key, the MVCC
// version tag every on-disk key carries (spec.md §3).
func tagKey(userKey []byte, txID uint64) []byte {
	tagged := make([]byte, len(userKey)+8)
	copy(tagged, userKey)
	binary.BigEndian.PutUint64(tagged[len(userKey):], txID)
	return tagged
}

func sameUserKey(tagged, userKey []byte) bool {
	return len(tagged) == len(userKey)+8 && bytes.Equal(tagged[:len(userKey)], userKey)
}

// cursorFrame is one level of a root-to-leaf descent: the page at this
// level and the index within it that the search followed (the child
// pointer for a branch frame, the matched/insertion slot for a leaf).
type cursorFrame struct {
	page  *page
	index int
}

// Cursor holds the descent stack built by Seek (spec.md §4.5). A
// writable cursor copies every page it visits so the pages backing any
// concurrent reader's snapshot are never mutated in place; a read-only
// cursor reads pages directly off the mmap.
type Cursor struct {
	alloc    *allocator
	writable bool
	stack    []cursorFrame
}

func newCursor(alloc *allocator, writable bool) *Cursor {
	return &Cursor{alloc: alloc, writable: writable}
}

// Seek descends from rootPageID to the leaf that does or would contain
// userKey, pushing one frame per level onto the stack.
func (c *Cursor) Seek(rootPageID uint64, userKey []byte, searchKey []byte) error {
	c.stack = c.stack[:0]

	if rootPageID == noRootPageID {
		c.stack = append(c.stack, cursorFrame{page: buildDummyLeaf()})
		return nil
	}

	pageID := rootPageID
	for {
		p, err := c.alloc.pageByID(pageID)
		if err != nil {
			return err
		}
		if c.writable {
			p = clonePageForWrite(p)
		}

		if p.flags == flagLeaf {
			idx := leafUpperBound(p, searchKey)
			c.stack = append(c.stack, cursorFrame{page: p, index: idx})
			return nil
		}

		idx := branchDescendIndex(p, searchKey)
		c.stack = append(c.stack, cursorFrame{page: p, index: idx})
		pageID = p.elems[idx].childPageID
	}
}

func clonePageForWrite(p *page) *page {
	return &page{
		dummy: true,
		flags: p.flags,
		elems: append([]*elem(nil), p.elems...),
	}
}

// leafUpperBound returns the index of the first element whose key sorts
// strictly after searchKey (i.e. the insertion point for searchKey).
func leafUpperBound(p *page, searchKey []byte) int {
	return sort.Search(len(p.elems), func(i int) bool {
		return bytes.Compare(p.elems[i].key, searchKey) > 0
	})
}

// branchDescendIndex returns the rightmost child whose separator is <=
// searchKey, defaulting to the leftmost child.
func branchDescendIndex(p *page, searchKey []byte) int {
	idx := sort.Search(len(p.elems), func(i int) bool {
		return bytes.Compare(p.elems[i].key, searchKey) > 0
	}) - 1
	if idx < 0 {
		idx = 0
	}
	return idx
}

// CurrentKV reads the visible value for userKey at the cursor's current
// leaf position (the frame Seek left on top of the stack), walking
// backward over older versions of the same user key until one committed
// at or before readTxID is found. Panics if the cursor is not positioned
// on a leaf — Seek always leaves it there, so this would indicate a bug
// in the descent rather than a reachable runtime condition.
func (c *Cursor) CurrentKV(userKey []byte, readTxID uint64) (value []byte, found bool, err error) {
	top := c.stack[len(c.stack)-1]
	if top.page.flags != flagLeaf && !top.page.dummy {
		panic("btreedb: cursor is not positioned on a leaf")
	}

	for i := top.index - 1; i >= 0; i-- {
		e := top.page.elems[i]
		if !sameUserKey(e.key, userKey) {
			break
		}
		tagTxID := binary.BigEndian.Uint64(e.key[len(userKey):])
		if tagTxID > readTxID {
			continue
		}
		switch e.kind {
		case kindTombstone:
			return nil, false, nil
		case kindLeaf:
			return e.value, true, nil
		case kindLeafOverflow:
			v, err := readOverflowValue(c.alloc, e.overflowPageID, e.valueLen)
			if err != nil {
				return nil, false, err
			}
			return v, true, nil
		}
	}
	return nil, false, nil
}

// stageLeafElement inserts or replaces the leaf-level element for this
// write, keeping the frame's page sorted by tagged key. Each transaction's
// id is greater than that of any earlier transaction, so the element for
// (userKey, writeTxID) sorts after every version written by an earlier
// transaction; an element with the same tagged key, written earlier by
// this same transaction, is replaced.
func (c *Cursor) stageLeafElement(e *elem) {
	top := &c.stack[len(c.stack)-1]
	pos := leafUpperBound(top.page, e.key)
	if pos > 0 && bytes.Equal(top.page.elems[pos-1].key, e.key) {
		top.page.elems[pos-1] = e
		return
	}
	elems := top.page.elems
	elems = append(elems, nil)
	copy(elems[pos+1:], elems[pos:])
	elems[pos] = e
	top.page.elems = elems
}

// leafPage returns the page at the top of the stack, the one Seek
// positioned on and stageLeafElement mutates.
func (c *Cursor) leafPage() *page {
	return c.stack[len(c.stack)-1].page
}
