package btreedb

// allocator hands out and reclaims page-sized regions of a DB's mmap,
// backed by the DB's bitmap tree (spec.md §4.2/§4.4). It is the single
// collaborator Page.write2Disk and Cursor use to get fresh pages during
// commit-time materialization.
type allocator struct {
	db          *DB
	growthChunk int

	// allocated, when non-nil, receives every page id this allocator hands
	// out. Tx uses it to track pages a transaction allocated so Rollback
	// can return them to the bitmap; nil for allocators that don't need
	// that bookkeeping (read cursors, tests).
	allocated *[]uint64
}

func newAllocator(db *DB, growthChunk int) *allocator {
	if growthChunk <= 0 {
		growthChunk = 64
	}
	return &allocator{db: db, growthChunk: growthChunk}
}

// trackInto makes every future allocateNewPage call on this allocator
// append its id to ids.
func (a *allocator) trackInto(ids *[]uint64) {
	a.allocated = ids
}

func (a *allocator) pageSize() int {
	return a.db.pageSize
}

// allocateNewPage finds a free page id, marks it allocated, and returns
// its backing mmap region. It grows the file and bitmap tree once before
// giving up, per spec.md's "no free bit" failure path.
func (a *allocator) allocateNewPage() ([]byte, uint64, error) {
	a.db.mu.Lock()
	defer a.db.mu.Unlock()

	id, ok := a.db.tree.alloc()
	if !ok {
		if err := a.db.growPages(a.growthChunk); err != nil {
			return nil, 0, err
		}
		id, ok = a.db.tree.alloc()
		if !ok {
			return nil, 0, wrapErr(ErrOutOfPages, "bitmap exhausted after growth")
		}
	}
	if a.allocated != nil {
		*a.allocated = append(*a.allocated, uint64(id))
	}
	return a.db.pageRegion(uint64(id)), uint64(id), nil
}

// pageByID decodes the page at id off the mmap region.
func (a *allocator) pageByID(id uint64) (*page, error) {
	return readPageFromMmap(id, a.db.pageRegion(id))
}

// freePage clears id's bitmap bit, making it available for reuse by a
// later allocateNewPage call.
func (a *allocator) freePage(id uint64) {
	a.db.mu.Lock()
	defer a.db.mu.Unlock()
	a.db.tree.clear(int(id))
}
