package btreedb

import "encoding/binary"

// Overflow pages hold the out-of-line bytes referenced by a LeafOverflow
// element (spec.md §9's Open Question, resolved in SPEC_FULL.md's
// supplemented feature 1: these are dedicated pages carrying the
// LEAF_OVERFLOW page flag, not ordinary leaf pages). Layout per page:
//
//	flags      u16
//	reserved   u16
//	nextPageID u64  (0 means end of chain; page 0 is always the header)
//	chunkLen   u32
//	chunk      []byte
const overflowHeaderSize = 2 + 2 + 8 + 4

// writeOverflowChain copies value across as many freshly allocated
// overflow pages as needed and returns the id of the first one.
func writeOverflowChain(alloc *allocator, value []byte) (uint64, error) {
	pageSize := alloc.pageSize()
	chunkCap := pageSize - overflowHeaderSize
	if chunkCap <= 0 {
		return 0, wrapErr(ErrInvariantViolation, "page too small to hold any overflow chunk")
	}

	var pages []uint64
	for off := 0; off < len(value); off += chunkCap {
		_, id, err := alloc.allocateNewPage()
		if err != nil {
			return 0, err
		}
		pages = append(pages, id)
	}
	if len(pages) == 0 {
		// Zero-length value still needs one page so the element has a
		// valid chain head to point at.
		_, id, err := alloc.allocateNewPage()
		if err != nil {
			return 0, err
		}
		pages = append(pages, id)
	}

	// Every page's next-pointer depends on the one after it, so headers
	// are written in a single pass once every page in the chain exists.
	// Regions are looked up again here because a later allocation may
	// have grown and remapped the file.
	for i, id := range pages {
		off := i * chunkCap
		end := off + chunkCap
		if end > len(value) {
			end = len(value)
		}
		var next uint64
		if i+1 < len(pages) {
			next = pages[i+1]
		}
		writeOverflowPageHeader(alloc.db.pageRegion(id), next, value[off:end])
	}
	return pages[0], nil
}

func writeOverflowPageHeader(region []byte, nextPageID uint64, chunk []byte) {
	binary.BigEndian.PutUint16(region, flagLeafOverflow)
	binary.BigEndian.PutUint16(region[2:], 0)
	binary.BigEndian.PutUint64(region[4:], nextPageID)
	binary.BigEndian.PutUint32(region[12:], uint32(len(chunk)))
	copy(region[overflowHeaderSize:], chunk)
}

// readOverflowValue walks the chain starting at firstPageID and
// reassembles the full value. totalLen is the value length recorded on
// the owning LeafOverflow element; it sizes the buffer, and a chain whose
// chunks add up to a different length is reported as broken.
func readOverflowValue(alloc *allocator, firstPageID uint64, totalLen uint32) ([]byte, error) {
	out := make([]byte, 0, totalLen)
	id := firstPageID
	for id != 0 {
		region := alloc.db.pageRegion(id)
		if len(region) < overflowHeaderSize {
			return nil, wrapErr(ErrOverflowChainBroken, "overflow page shorter than header")
		}
		flags := binary.BigEndian.Uint16(region)
		if flags != flagLeafOverflow {
			return nil, wrapErr(ErrOverflowChainBroken, "overflow chain hit a non-overflow page")
		}
		next := binary.BigEndian.Uint64(region[4:])
		chunkLen := int(binary.BigEndian.Uint32(region[12:]))
		if overflowHeaderSize+chunkLen > len(region) {
			return nil, wrapErr(ErrOverflowChainBroken, "overflow chunk out of range")
		}
		out = append(out, region[overflowHeaderSize:overflowHeaderSize+chunkLen]...)
		id = next
	}
	if uint32(len(out)) != totalLen {
		return nil, wrapErr(ErrOverflowChainBroken, "overflow chain length mismatch")
	}
	return out, nil
}

// freeOverflowChain releases every page in the chain starting at
// firstPageID back to the allocator.
func freeOverflowChain(alloc *allocator, firstPageID uint64) error {
	id := firstPageID
	for id != 0 {
		region := alloc.db.pageRegion(id)
		if len(region) < overflowHeaderSize {
			return wrapErr(ErrOverflowChainBroken, "overflow page shorter than header")
		}
		next := binary.BigEndian.Uint64(region[4:])
		alloc.freePage(id)
		id = next
	}
	return nil
}
