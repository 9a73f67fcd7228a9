package btreedb

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

const (
	dbMagic      = "BTDB"
	dbVersion    = uint32(1)
	headerFixed  = 4 + 4 + 4 + 8 + 8 + 8 + 8 // magic, version, pageSize, rootPageID, nextTxID, pageCount, headerPageCount
	noRootPageID = uint64(0)                  // page 0 is always the header, so 0 never names a tree page
)

// Options carries the handful of tunables this store needs at open time.
// Modeled as a small defaulted struct rather than a config tree: there is
// nothing here that warrants a configuration library.
type Options struct {
	// PageSize is the fixed page size in bytes. Only meaningful when
	// creating a new file; ignored when opening an existing one.
	PageSize int

	// InitialPageCount is how many pages (including header pages) the
	// file is pre-sized to when created.
	InitialPageCount int

	// GrowthChunk is how many additional pages are appended each time
	// the allocator runs out of free pages.
	GrowthChunk int
}

func DefaultOptions() Options {
	return Options{PageSize: 4096, InitialPageCount: 16, GrowthChunk: 64}
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 4096
	}
	if o.InitialPageCount <= 0 {
		o.InitialPageCount = 16
	}
	if o.GrowthChunk <= 0 {
		o.GrowthChunk = 64
	}
	return o
}

// DB owns the backing file, its mmap region, the page header, and the
// bitmap-tree free-page index. A DB is single-writer: NewTx(true) holds
// writerMu for the life of the writable Tx, and DB also guards its own
// header/mmap-growth bookkeeping with mu since readers may run
// concurrently with a writer's commit.
type DB struct {
	mu       sync.Mutex
	writerMu sync.Mutex // held by the single in-flight writable Tx, if any

	file *os.File
	mm   mmap.MMap

	pageSize        int
	headerPageCount int
	pageCount       int
	growthChunk     int

	rootPageID uint64
	nextTxID   uint64

	tree *bitmapTree
}

// Open creates path if it does not exist, or opens and validates it.
func Open(path string, opts Options) (*DB, error) {
	opts = opts.withDefaults()

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	db := &DB{file: file, pageSize: opts.PageSize, growthChunk: opts.GrowthChunk}
	if info.Size() == 0 {
		if err := db.createNew(opts); err != nil {
			file.Close()
			return nil, err
		}
	} else {
		if err := db.openExisting(); err != nil {
			file.Close()
			return nil, err
		}
	}
	return db, nil
}

func (db *DB) createNew(opts Options) error {
	headerPages := headerPagesFor(opts.PageSize, opts.InitialPageCount)
	if headerPages+1 > opts.InitialPageCount {
		opts.InitialPageCount = headerPages + 1
	}

	tree := newBitmapTree(opts.InitialPageCount)
	for i := 0; i < headerPages; i++ {
		tree.set(i)
	}

	if err := db.file.Truncate(int64(opts.InitialPageCount) * int64(opts.PageSize)); err != nil {
		return err
	}
	if err := db.mapFile(); err != nil {
		return err
	}

	db.pageSize = opts.PageSize
	db.headerPageCount = headerPages
	db.pageCount = opts.InitialPageCount
	db.rootPageID = noRootPageID
	db.nextTxID = 1
	db.tree = tree

	db.writeHeader()
	if err := msync(db.mm); err != nil {
		return err
	}
	return fdatasync(db.file)
}

func (db *DB) openExisting() error {
	if err := db.mapFileProbe(); err != nil {
		return err
	}
	header := db.mm[:headerFixed]
	if string(header[0:4]) != dbMagic {
		return wrapErr(ErrCorruptedPage, "bad database magic")
	}
	version := binary.BigEndian.Uint32(header[4:])
	if version != dbVersion {
		return wrapErr(ErrCorruptedPage, "unsupported database version")
	}
	db.pageSize = int(binary.BigEndian.Uint32(header[8:]))
	db.rootPageID = binary.BigEndian.Uint64(header[12:])
	db.nextTxID = binary.BigEndian.Uint64(header[20:])
	db.pageCount = int(binary.BigEndian.Uint64(header[28:]))
	db.headerPageCount = int(binary.BigEndian.Uint64(header[36:]))

	if err := db.remap(db.pageCount); err != nil {
		return err
	}

	treeBytes := db.mm[headerFixed : db.headerPageCount*db.pageSize]
	db.tree = deserializeBitmapTree(treeBytes)
	return nil
}

// headerPagesFor returns how many pageSize pages are needed to hold the
// fixed header plus a bitmap tree covering elemCount pages.
func headerPagesFor(pageSize, elemCount int) int {
	size := headerFixed + newBitmapTree(elemCount).serializedSize()
	return (size + pageSize - 1) / pageSize
}

func (db *DB) mapFile() error {
	mm, err := mmap.Map(db.file, mmap.RDWR, 0)
	if err != nil {
		return err
	}
	db.mm = mm
	return nil
}

func (db *DB) mapFileProbe() error {
	return db.mapFile()
}

// remap grows the mapping to cover newPageCount pages, truncating the
// file first if it is not already that large.
func (db *DB) remap(newPageCount int) error {
	wantSize := int64(newPageCount) * int64(db.pageSize)
	info, err := db.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() < wantSize {
		if err := db.file.Truncate(wantSize); err != nil {
			return err
		}
	}
	if db.mm != nil {
		if err := db.mm.Unmap(); err != nil {
			return err
		}
	}
	return db.mapFile()
}

// writeHeader serializes the fixed header fields and the bitmap tree
// body into the header pages. Callers hold db.mu.
func (db *DB) writeHeader() {
	h := db.mm[:headerFixed]
	copy(h[0:4], dbMagic)
	binary.BigEndian.PutUint32(h[4:], dbVersion)
	binary.BigEndian.PutUint32(h[8:], uint32(db.pageSize))
	binary.BigEndian.PutUint64(h[12:], db.rootPageID)
	binary.BigEndian.PutUint64(h[20:], db.nextTxID)
	binary.BigEndian.PutUint64(h[28:], uint64(db.pageCount))
	binary.BigEndian.PutUint64(h[36:], uint64(db.headerPageCount))
	copy(db.mm[headerFixed:], db.tree.serialize())
}

// growPages extends the file and mapped region by growthChunk pages so
// the allocator has more free pages to hand out, growing the bitmap
// tree and re-flagging header pages as allocated in the new tree.
func (db *DB) growPages(growthChunk int) error {
	newCount := db.pageCount + growthChunk
	grown := db.tree.growTo(newCount)

	newHeaderPages := headerPagesFor(db.pageSize, newCount)
	if err := db.remap(newCount); err != nil {
		return err
	}
	for i := db.headerPageCount; i < newHeaderPages; i++ {
		grown.set(i)
	}

	db.pageCount = newCount
	db.headerPageCount = newHeaderPages
	db.tree = grown
	db.writeHeader()
	return nil
}

func (db *DB) pageRegion(id uint64) []byte {
	off := int(id) * db.pageSize
	return db.mm[off : off+db.pageSize]
}

// Close flushes the header and unmaps the file.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.writeHeader()
	if err := msync(db.mm); err != nil {
		return err
	}
	if err := fdatasync(db.file); err != nil {
		return err
	}
	if err := db.mm.Unmap(); err != nil {
		return err
	}
	return db.file.Close()
}
