package btreedb

import "testing"

func TestBitmapTreeAllocExhaustion(t *testing.T) {
	tr := newBitmapTree(130)
	seen := map[int]bool{}
	for i := 0; i < 130; i++ {
		idx, ok := tr.alloc()
		if !ok {
			t.Fatalf("expected alloc to succeed on iteration %d", i)
		}
		if seen[idx] {
			t.Fatalf("alloc returned duplicate index %d", idx)
		}
		seen[idx] = true
	}
	if _, ok := tr.alloc(); ok {
		t.Fatalf("expected allocator to be exhausted after 130 allocations")
	}
}

func TestBitmapTreeClearReenablesAlloc(t *testing.T) {
	tr := newBitmapTree(64)
	for i := 0; i < 64; i++ {
		if _, ok := tr.alloc(); !ok {
			t.Fatalf("unexpected exhaustion at %d", i)
		}
	}
	tr.clear(40)
	idx, ok := tr.alloc()
	if !ok || idx != 40 {
		t.Fatalf("expected to reuse index 40, got %d ok=%v", idx, ok)
	}
}

func TestBitmapTreeThreeLevels(t *testing.T) {
	// 64*64+1 forces a third level above the leaf bitmap.
	tr := newBitmapTree(64*64 + 1)
	if len(tr.levels) < 3 {
		t.Fatalf("expected at least 3 levels, got %d", len(tr.levels))
	}
	for i := 0; i < 64*64+1; i++ {
		if _, ok := tr.alloc(); !ok {
			t.Fatalf("unexpected exhaustion at %d", i)
		}
	}
	if _, ok := tr.alloc(); ok {
		t.Fatalf("expected exhaustion after allocating every element")
	}
}

func TestBitmapTreeSerializeRoundTrip(t *testing.T) {
	tr := newBitmapTree(300)
	for _, i := range []int{0, 63, 64, 299} {
		tr.set(i)
	}
	buf := tr.serialize()
	back := deserializeBitmapTree(buf)
	for _, i := range []int{0, 63, 64, 299} {
		if !back.get(i) {
			t.Fatalf("expected bit %d set after round trip", i)
		}
	}
	if back.get(1) {
		t.Fatalf("expected bit 1 unset after round trip")
	}
}

func TestBitmapTreeGrowTo(t *testing.T) {
	tr := newBitmapTree(64)
	tr.set(10)
	tr.set(20)
	grown := tr.growTo(200)
	if !grown.get(10) || !grown.get(20) {
		t.Fatalf("expected previously set bits to survive growth")
	}
	if grown.elementCount() != 200 {
		t.Fatalf("expected grown element count 200, got %d", grown.elementCount())
	}
}
