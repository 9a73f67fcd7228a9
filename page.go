package btreedb

import "encoding/binary"

// Page flags. Dummy pages exist only in memory and are never encoded —
// dummy-ness lives on the in-memory page struct, not on disk.
const (
	flagLeaf         uint16 = 1
	flagBranch       uint16 = 2
	flagLeafOverflow uint16 = 3 // raw overflow value-chain pages, see overflow.go
)

const (
	pageHeaderSize = 8  // flags u16, elemCount u16, reserved u32
	elemMetaSize   = 11 // kind u8, keyLen u16, bodyLen u32, bodyOffset u32

	// overflowDivide: a value is stored out-of-line once its length is
	// >= pageSize/overflowDivide.
	overflowDivide = 100
)

type elemKind uint8

const (
	kindLeaf elemKind = iota + 1
	kindLeafOverflow
	kindBranch
	kindTombstone // records that userKey was deleted as of this element's tx id
)

// elem is the tagged element variant of spec.md §3/§4.3: Leaf/LeafOverflow/
// Branch when persisted, and the Pending* forms while staged by the cursor
// ahead of commit. pending distinguishes values decoded straight off an
// mmap region from values staged by Cursor.seek but not yet materialized.
type elem struct {
	kind elemKind
	key  []byte // tagged key: user key || tx id (8-byte big-endian)

	value []byte // kindLeaf only: inline value.

	overflowPageID uint64 // kindLeafOverflow, persisted
	valueLen       uint32 // kindLeafOverflow: total value length

	childPageID uint64 // kindBranch, persisted
	childPage   *page  // kindBranch, pending: dummy leaf not yet materialized

	pending bool
}

func isOverflowValue(pageSize int, valueLen int) bool {
	return valueLen >= pageSize/overflowDivide
}

// newPendingLeaf builds an inline leaf element. Callers that need
// overflow-sized values must write the chain themselves (see Tx.Set /
// writeOverflowChain) and construct a kindLeafOverflow elem directly —
// this helper has no allocator to write a chain with.
func newPendingLeaf(key, value []byte, pageSize int) *elem {
	return &elem{kind: kindLeaf, key: key, value: value, pending: true}
}

func newPendingBranch(key []byte, child *page) *elem {
	return &elem{kind: kindBranch, key: key, childPage: child, pending: true}
}

func newPendingTombstone(key []byte) *elem {
	return &elem{kind: kindTombstone, key: key, pending: true}
}

// diskSize is the element's meta entry plus its encoded body. Fixed-width
// per kind except for the raw key/inline-value bytes, so it does not
// depend on whether the element is still pending.
func (e *elem) diskSize() int {
	switch e.kind {
	case kindLeaf:
		return elemMetaSize + len(e.key) + len(e.value)
	case kindLeafOverflow:
		return elemMetaSize + len(e.key) + 8 + 4
	case kindBranch:
		return elemMetaSize + len(e.key) + 8
	case kindTombstone:
		return elemMetaSize + len(e.key)
	default:
		return 0
	}
}

// page is the in-memory projection of a disk page (spec.md §4.3). A dummy
// page has no backing mmap region and exists only between cursor staging
// and commit-time materialization.
type page struct {
	id    uint64
	dummy bool
	flags uint16
	elems []*elem

	region []byte // backing mmap slice; nil when dummy
}

func buildDummyLeaf() *page {
	return &page{dummy: true, flags: flagLeaf}
}

// readPageFromMmap decodes a page header and its element table from a
// page-sized mmap region. decodeElemMeta copies every element's key/value
// bytes into owned buffers rather than slicing region directly: db.growPages
// unmaps and remaps the file at a new address as it grows, and a page
// materialization in progress elsewhere can carry decoded elements forward
// (see clonePageForWrite) past such a remap, so nothing handed back from
// here may alias the mmap past this call returning.
func readPageFromMmap(id uint64, region []byte) (*page, error) {
	if len(region) < pageHeaderSize {
		return nil, wrapErr(ErrCorruptedPage, "page shorter than header")
	}
	flags := binary.BigEndian.Uint16(region)
	elemCount := int(binary.BigEndian.Uint16(region[2:]))
	if flags != flagLeaf && flags != flagBranch {
		return nil, wrapErr(ErrCorruptedPage, "unexpected page flags")
	}

	p := &page{id: id, flags: flags, region: region, elems: make([]*elem, 0, elemCount)}
	for i := 0; i < elemCount; i++ {
		metaOff := pageHeaderSize + i*elemMetaSize
		if metaOff+elemMetaSize > len(region) {
			return nil, wrapErr(ErrCorruptedPage, "element meta out of range")
		}
		e, err := decodeElemMeta(region, metaOff)
		if err != nil {
			return nil, err
		}
		p.elems = append(p.elems, e)
	}
	return p, nil
}

func decodeElemMeta(region []byte, metaOff int) (*elem, error) {
	kind := elemKind(region[metaOff])
	keyLen := int(binary.BigEndian.Uint16(region[metaOff+1:]))
	bodyLen := int(binary.BigEndian.Uint32(region[metaOff+3:]))
	bodyOffset := int(binary.BigEndian.Uint32(region[metaOff+7:]))

	if bodyOffset < 0 || bodyOffset+bodyLen > len(region) || keyLen > bodyLen {
		return nil, wrapErr(ErrCorruptedPage, "element body out of range")
	}
	body := region[bodyOffset : bodyOffset+bodyLen]
	key := append([]byte(nil), body[:keyLen]...)

	switch kind {
	case kindLeaf:
		value := append([]byte(nil), body[keyLen:]...)
		return &elem{kind: kindLeaf, key: key, value: value}, nil
	case kindLeafOverflow:
		rest := body[keyLen:]
		if len(rest) != 12 {
			return nil, wrapErr(ErrCorruptedPage, "malformed overflow element")
		}
		return &elem{
			kind:           kindLeafOverflow,
			key:            key,
			overflowPageID: binary.BigEndian.Uint64(rest),
			valueLen:       binary.BigEndian.Uint32(rest[8:]),
		}, nil
	case kindBranch:
		rest := body[keyLen:]
		if len(rest) != 8 {
			return nil, wrapErr(ErrCorruptedPage, "malformed branch element")
		}
		return &elem{kind: kindBranch, key: key, childPageID: binary.BigEndian.Uint64(rest)}, nil
	case kindTombstone:
		if len(body) != keyLen {
			return nil, wrapErr(ErrCorruptedPage, "malformed tombstone element")
		}
		return &elem{kind: kindTombstone, key: key}, nil
	default:
		return nil, wrapErr(ErrCorruptedPage, "unknown element kind")
	}
}

// diskSize is PageHeaderSize plus the sum of every element's disk size.
func (p *page) diskSize() int {
	size := pageHeaderSize
	for _, e := range p.elems {
		size += e.diskSize()
	}
	return size
}

// encodeElem writes one element's meta into dst at metaOff and its body at
// bodyOff; the meta records bodyOff so the decoder can find the body.
func encodeElem(dst []byte, metaOff, bodyOff int, e *elem) error {
	bodyLen := e.diskSize() - elemMetaSize
	if metaOff+elemMetaSize > len(dst) || bodyOff+bodyLen > len(dst) {
		return wrapErr(ErrInvariantViolation, "element does not fit destination page")
	}

	dst[metaOff] = byte(e.kind)
	binary.BigEndian.PutUint16(dst[metaOff+1:], uint16(len(e.key)))
	binary.BigEndian.PutUint32(dst[metaOff+3:], uint32(bodyLen))
	binary.BigEndian.PutUint32(dst[metaOff+7:], uint32(bodyOff))

	n := copy(dst[bodyOff:], e.key)
	cur := bodyOff + n

	switch e.kind {
	case kindLeaf:
		copy(dst[cur:], e.value)
	case kindLeafOverflow:
		binary.BigEndian.PutUint64(dst[cur:], e.overflowPageID)
		binary.BigEndian.PutUint32(dst[cur+8:], e.valueLen)
	case kindBranch:
		binary.BigEndian.PutUint64(dst[cur:], e.childPageID)
	}
	return nil
}

func writePageHeader(region []byte, flags uint16, elemCount int) {
	binary.BigEndian.PutUint16(region, flags)
	binary.BigEndian.PutUint16(region[2:], uint16(elemCount))
	binary.BigEndian.PutUint32(region[4:], 0)
}

// write2Disk materializes p.elems across one or more pages, allocating an
// additional page and chaining whenever the current page fills up
// (spec.md §4.3). It returns the full ordered list of pages written: the
// first entry reuses p's own region (allocating a fresh one if p was
// dummy); later entries are brand-new allocations. On return p.elems holds
// only the elements that landed on the first page — elements belonging to
// later pages have been moved onto those pages' own elems.
func (p *page) write2Disk(alloc *allocator) ([]*page, error) {
	pageSize := alloc.pageSize()
	if p.dummy {
		region, id, err := alloc.allocateNewPage()
		if err != nil {
			return nil, err
		}
		p.region, p.id, p.dummy = region, id, false
	}

	pages := []*page{p}
	var splitIndices []int

	// Metas form a table right after the header; bodies are packed from the
	// end of the page downward.
	cur := p
	pos := pageHeaderSize
	bodyEnd := pageSize
	count := 0

	for i, e := range p.elems {
		if pos+e.diskSize() > pageSize {
			writePageHeader(cur.region, p.flags, count)
			splitIndices = append(splitIndices, i)

			region, id, err := alloc.allocateNewPage()
			if err != nil {
				return nil, err
			}
			next := &page{id: id, flags: p.flags, region: region}
			pages = append(pages, next)
			cur = next
			pos = pageHeaderSize
			bodyEnd = pageSize
			count = 0
		}
		bodyEnd -= e.diskSize() - elemMetaSize
		if err := encodeElem(cur.region, pageHeaderSize+count*elemMetaSize, bodyEnd, e); err != nil {
			return nil, err
		}
		pos += e.diskSize()
		count++
	}
	writePageHeader(cur.region, p.flags, count)

	// Redistribute p.elems across the additional pages, last split first
	// so earlier cut points stay valid as the tail is peeled off.
	remaining := p.elems
	for i := len(splitIndices) - 1; i >= 0; i-- {
		cut := splitIndices[i]
		pages[i+1].elems = append([]*elem(nil), remaining[cut:]...)
		remaining = remaining[:cut]
	}
	p.elems = remaining

	return pages, nil
}
