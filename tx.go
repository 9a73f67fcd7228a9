package btreedb

// Tx is a single transaction boundary over a DB (spec.md §5). Reads are
// pinned to the root page and tx id that were current when the Tx was
// opened, giving snapshot isolation; a writable Tx stages copy-on-write
// pages as it mutates and only swaps them into the DB's header at Commit.
type Tx struct {
	db       *DB
	alloc    *allocator
	rawAlloc *allocator // untracked twin of alloc, used for overflow chain pages (see buildLeafElem)
	writable bool
	closed   bool

	readTxID   uint64 // snapshot ceiling: newest tx id visible to this Tx
	writeTxID  uint64 // this Tx's own id, tagging every key it writes (0 if read-only)
	rootPageID uint64 // this Tx's current view of the root, updated as writes land

	// allocatedPages and overflowChainHeads record every page this Tx
	// allocated while staging, so Rollback can hand them back to the
	// bitmap instead of leaking them (spec.md §4.6).
	allocatedPages     []uint64
	overflowChainHeads []uint64
}

// NewTx opens a transaction. Only one writable Tx may be open at a time
// (spec.md's single-writer concurrency model); NewTx(true) blocks until
// any other writer has committed or rolled back.
func (db *DB) NewTx(writable bool) (*Tx, error) {
	if writable {
		db.writerMu.Lock()
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	tx := &Tx{
		db:         db,
		alloc:      newAllocator(db, db.growthChunk),
		rawAlloc:   newAllocator(db, db.growthChunk),
		writable:   writable,
		rootPageID: db.rootPageID,
		readTxID:   db.nextTxID - 1,
	}
	if writable {
		tx.writeTxID = db.nextTxID
		db.nextTxID++
		tx.alloc.trackInto(&tx.allocatedPages)
	}
	return tx, nil
}

// currentReadTxID is the tx id up to which this Tx sees committed data.
// A writable Tx also sees its own not-yet-committed writes: they are
// tagged with writeTxID itself, which is the ceiling used here.
func (tx *Tx) currentReadTxID() uint64 {
	if tx.writable {
		return tx.writeTxID
	}
	return tx.readTxID
}

func (tx *Tx) checkWritable() error {
	if tx.closed {
		return wrapErr(ErrTxClosed, "transaction already closed")
	}
	if !tx.writable {
		return wrapErr(ErrTxReadOnly, "transaction was not opened for writing")
	}
	return nil
}

// Get returns the value visible to this Tx for userKey.
func (tx *Tx) Get(userKey []byte) ([]byte, bool, error) {
	if tx.closed {
		return nil, false, wrapErr(ErrTxClosed, "transaction already closed")
	}
	readTxID := tx.currentReadTxID()
	searchKey := tagKey(userKey, readTxID)

	cur := newCursor(tx.alloc, false)
	if err := cur.Seek(tx.rootPageID, userKey, searchKey); err != nil {
		return nil, false, err
	}
	return cur.CurrentKV(userKey, readTxID)
}

// Set stages a new version of userKey tagged with this Tx's write id and
// materializes the copy-on-write path from leaf to root immediately.
func (tx *Tx) Set(userKey, value []byte) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	taggedKey := tagKey(userKey, tx.writeTxID)
	if err := tx.checkKeyFits(taggedKey); err != nil {
		return err
	}
	e, err := tx.buildLeafElem(taggedKey, value)
	if err != nil {
		return err
	}
	return tx.stageAndMaterialize(userKey, taggedKey, e)
}

// Delete stages a tombstone for userKey tagged with this Tx's write id.
func (tx *Tx) Delete(userKey []byte) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	taggedKey := tagKey(userKey, tx.writeTxID)
	if err := tx.checkKeyFits(taggedKey); err != nil {
		return err
	}
	e := newPendingTombstone(taggedKey)
	return tx.stageAndMaterialize(userKey, taggedKey, e)
}

// buildLeafElem decides whether value fits inline or needs an overflow
// chain, writing the chain eagerly (via the untracked rawAlloc, so its
// pages are reclaimed through freeOverflowChain rather than double-counted
// in tx.allocatedPages) when it does.
func (tx *Tx) buildLeafElem(taggedKey, value []byte) (*elem, error) {
	if isOverflowValue(tx.alloc.pageSize(), len(value)) {
		headID, err := writeOverflowChain(tx.rawAlloc, value)
		if err != nil {
			return nil, err
		}
		tx.overflowChainHeads = append(tx.overflowChainHeads, headID)
		return &elem{
			kind:           kindLeafOverflow,
			key:            taggedKey,
			overflowPageID: headID,
			valueLen:       uint32(len(value)),
			pending:        true,
		}, nil
	}
	return newPendingLeaf(taggedKey, value, tx.alloc.pageSize()), nil
}

// checkKeyFits reports whether taggedKey can ever fit on a page, using the
// worst-case (smallest) body a leaf element for it could have — a
// kindLeafOverflow pointer, since any value can be pushed out-of-line but
// the key itself never can be.
func (tx *Tx) checkKeyFits(taggedKey []byte) error {
	const minOverflowBody = 8 + 4
	if pageHeaderSize+elemMetaSize+len(taggedKey)+minOverflowBody > tx.alloc.pageSize() {
		return wrapErr(ErrKeyTooLarge, "key too large for a page")
	}
	return nil
}

func (tx *Tx) stageAndMaterialize(userKey, taggedKey []byte, e *elem) error {
	cur := newCursor(tx.alloc, true)
	if err := cur.Seek(tx.rootPageID, userKey, taggedKey); err != nil {
		return err
	}
	cur.stageLeafElement(e)

	newRoot, err := tx.bubbleUp(cur)
	if err != nil {
		return err
	}
	tx.rootPageID = newRoot
	return nil
}

// bubbleUp materializes every frame on the cursor's stack from leaf to
// root, patching each parent's child pointer (and inserting any extra
// branch entries a split produced) before that parent is itself written.
// It returns the resulting root page id, growing a brand-new root if the
// page that used to be the root split.
func (tx *Tx) bubbleUp(cur *Cursor) (uint64, error) {
	stack := cur.stack
	for i := len(stack) - 1; i >= 0; i-- {
		pages, err := stack[i].page.write2Disk(tx.alloc)
		if err != nil {
			return 0, err
		}

		if i == 0 {
			if len(pages) == 1 {
				return pages[0].id, nil
			}
			return tx.growRoot(pages)
		}

		parent := &stack[i-1]
		parent.page.elems[parent.index].childPageID = pages[0].id
		for j := 1; j < len(pages); j++ {
			insertElemAt(&parent.page.elems, parent.index+j, &elem{
				kind:        kindBranch,
				key:         firstKey(pages[j]),
				childPageID: pages[j].id,
			})
		}
	}
	return 0, wrapErr(ErrInvariantViolation, "empty cursor stack")
}

// growRoot builds a fresh branch page over pages (the split results of
// what used to be the root) and materializes it, recursing in the
// pathological case that the new root page itself needs to split.
func (tx *Tx) growRoot(pages []*page) (uint64, error) {
	newRoot := &page{dummy: true, flags: flagBranch}
	for _, p := range pages {
		newRoot.elems = append(newRoot.elems, &elem{kind: kindBranch, key: firstKey(p), childPageID: p.id})
	}
	written, err := newRoot.write2Disk(tx.alloc)
	if err != nil {
		return 0, err
	}
	if len(written) == 1 {
		return written[0].id, nil
	}
	return tx.growRoot(written)
}

func firstKey(p *page) []byte {
	if len(p.elems) == 0 {
		return nil
	}
	return p.elems[0].key
}

func insertElemAt(s *[]*elem, idx int, e *elem) {
	*s = append(*s, nil)
	copy((*s)[idx+1:], (*s)[idx:])
	(*s)[idx] = e
}

// Commit swaps this Tx's root into the DB header and flushes it to disk.
func (tx *Tx) Commit() error {
	if tx.closed {
		return wrapErr(ErrTxClosed, "transaction already closed")
	}
	tx.closed = true
	if tx.writable {
		defer tx.db.writerMu.Unlock()
	}
	if !tx.writable {
		return nil
	}

	tx.db.mu.Lock()
	tx.db.rootPageID = tx.rootPageID
	tx.db.nextTxID = tx.writeTxID + 1
	tx.db.writeHeader()
	err := msync(tx.db.mm)
	tx.db.mu.Unlock()
	if err != nil {
		return err
	}
	return fdatasync(tx.db.file)
}

// Rollback discards this Tx's staged writes and returns every page it
// allocated while staging back to the bitmap (spec.md §4.6): the plain
// leaf/branch pages write2Disk handed out, tracked via tx.allocatedPages,
// and the overflow chains writeOverflowChain wrote for any oversized
// value, walked and freed via freeOverflowChain.
func (tx *Tx) Rollback() error {
	if tx.closed {
		return nil
	}
	tx.closed = true
	if tx.writable {
		for _, head := range tx.overflowChainHeads {
			if err := freeOverflowChain(tx.rawAlloc, head); err != nil {
				tx.db.writerMu.Unlock()
				return err
			}
		}
		for _, id := range tx.allocatedPages {
			tx.alloc.freePage(id)
		}
		tx.db.writerMu.Unlock()
	}
	return nil
}
