package engine

import "testing"

func TestCacheEvictorReclaimsUnderThreshold(t *testing.T) {
	bm := NewBlockManager(8, 4)
	seq := newSequence(0, make([]int, 24)) // 6 blocks
	if err := bm.Allocate(seq, seq.Len()); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if bm.NumFree() != 2 {
		t.Fatalf("expected 2 free blocks after allocating 6 of 8, got %d", bm.NumFree())
	}

	ce := NewCacheEvictor(bm, 0.5) // want at least 4 of 8 free
	ce.Tick()
	for _, idx := range seq.BlockTable {
		ce.Touch(idx)
	}

	if n := ce.Evict([]*Sequence{seq}); n == 0 {
		t.Errorf("expected Evict to report at least one reclaimed block")
	}

	if bm.NumFree() < 4 {
		t.Errorf("expected eviction to raise free blocks to at least threshold, got %d free", bm.NumFree())
	}
	holes := 0
	for _, idx := range seq.BlockTable {
		if idx == -1 {
			holes++
		}
	}
	if holes == 0 {
		t.Errorf("expected at least one block table entry to be evicted to a hole")
	}
	if !seq.KVGapped {
		t.Errorf("expected KVGapped set once a block has been evicted")
	}
}

func TestCacheEvictorNeverTouchesFirstOrLastTwoBlocks(t *testing.T) {
	bm := NewBlockManager(8, 4)
	seq := newSequence(0, make([]int, 16)) // exactly 4 blocks: 1 pinned, 2 recent, 1 interior
	if err := bm.Allocate(seq, seq.Len()); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	ce := NewCacheEvictor(bm, 1.0) // force eviction attempts regardless of free ratio
	ce.Tick()

	ce.Evict([]*Sequence{seq})

	if seq.BlockTable[0] == -1 {
		t.Errorf("must never evict the prompt-pinned first block")
	}
	if seq.BlockTable[2] == -1 || seq.BlockTable[3] == -1 {
		t.Errorf("must never evict the two most recent blocks")
	}
}

func TestCacheEvictorNoOpAboveThreshold(t *testing.T) {
	bm := NewBlockManager(8, 4)
	seq := newSequence(0, make([]int, 4))
	if err := bm.Allocate(seq, seq.Len()); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	ce := NewCacheEvictor(bm, 0.1) // already well above threshold
	if n := ce.Evict([]*Sequence{seq}); n != 0 {
		t.Errorf("expected no blocks reclaimed when already above threshold, got %d", n)
	}

	for _, idx := range seq.BlockTable {
		if idx == -1 {
			t.Errorf("did not expect eviction when free ratio is already above threshold")
		}
	}
}
