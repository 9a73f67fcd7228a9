package btreedb

import "testing"

func TestPageEncodeDecodeRoundTrip(t *testing.T) {
	db := openTestDB(t, DefaultOptions())
	alloc := newAllocator(db, 8)

	p := buildDummyLeaf()
	p.elems = []*elem{
		newPendingLeaf(tagKey([]byte("a"), 1), []byte("va"), alloc.pageSize()),
		newPendingLeaf(tagKey([]byte("b"), 1), []byte("vb"), alloc.pageSize()),
		newPendingTombstone(tagKey([]byte("c"), 2)),
	}

	pages, err := p.write2Disk(alloc)
	if err != nil {
		t.Fatalf("write2Disk: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("expected a single page for 3 tiny elements, got %d", len(pages))
	}

	back, err := readPageFromMmap(pages[0].id, db.pageRegion(pages[0].id))
	if err != nil {
		t.Fatalf("readPageFromMmap: %v", err)
	}
	if len(back.elems) != 3 {
		t.Fatalf("expected 3 elements back, got %d", len(back.elems))
	}
	if back.elems[0].kind != kindLeaf || string(back.elems[0].value) != "va" {
		t.Fatalf("element 0 decoded wrong: %+v", back.elems[0])
	}
	if back.elems[2].kind != kindTombstone {
		t.Fatalf("expected element 2 to be a tombstone, got kind %d", back.elems[2].kind)
	}
}

func TestPageWrite2DiskSplitsWhenFull(t *testing.T) {
	db := openTestDB(t, Options{PageSize: 256, InitialPageCount: 8, GrowthChunk: 16})
	alloc := newAllocator(db, 16)

	p := buildDummyLeaf()
	for i := 0; i < 20; i++ {
		key := []byte{byte(i)}
		p.elems = append(p.elems, newPendingLeaf(tagKey(key, 1), []byte("some-medium-length-value"), alloc.pageSize()))
	}

	pages, err := p.write2Disk(alloc)
	if err != nil {
		t.Fatalf("write2Disk: %v", err)
	}
	if len(pages) < 2 {
		t.Fatalf("expected the 20 elements to overflow a single 256-byte page, got %d pages", len(pages))
	}

	total := 0
	for _, pg := range pages {
		back, err := readPageFromMmap(pg.id, db.pageRegion(pg.id))
		if err != nil {
			t.Fatalf("readPageFromMmap: %v", err)
		}
		total += len(back.elems)
	}
	if total != 20 {
		t.Fatalf("expected 20 elements across all split pages, got %d", total)
	}
}
