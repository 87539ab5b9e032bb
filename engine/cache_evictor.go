package engine

import "sort"

// CacheEvictor is the optional §4.6 module: when the free-block ratio
// drops below a threshold, it reclaims least-recently-used interior
// blocks (never a sequence's prompt-pinned first block, never its two
// most-recent blocks) ahead of resorting to preemption. Grounded
// conceptually on StreamingLLM/H2O-style attention-sink eviction
// referenced in the upstream source's importance-scoring comments; there
// is no literal teacher file for this since the teacher has no eviction
// path at all (nanovllm/scheduler.go only preempts).
type CacheEvictor struct {
	bm        *BlockManager
	threshold float64

	step       int64
	lastAccess map[int]int64
}

func NewCacheEvictor(bm *BlockManager, threshold float64) *CacheEvictor {
	return &CacheEvictor{
		bm:         bm,
		threshold:  threshold,
		lastAccess: make(map[int]int64),
	}
}

// Tick advances the evictor's step clock; call once per engine step before
// Touch/Evict.
func (ce *CacheEvictor) Tick() { ce.step++ }

// Touch records that blockIdx was read or written this step — called by
// the engine for every block in every scheduled sequence's table.
func (ce *CacheEvictor) Touch(blockIdx int) {
	if blockIdx < 0 {
		return
	}
	ce.lastAccess[blockIdx] = ce.step
}

func (ce *CacheEvictor) freeRatio() float64 {
	return float64(ce.bm.NumFree()) / float64(ce.bm.NumTotal())
}

// Evict reclaims blocks until the free ratio recovers above the
// configured threshold or no more interior candidates remain. Returns the
// number of blocks actually reclaimed.
func (ce *CacheEvictor) Evict(runningSeqs []*Sequence) int {
	if ce.freeRatio() >= ce.threshold {
		return 0
	}

	type candidate struct {
		seq      *Sequence
		tableIdx int
		last     int64
	}
	var candidates []candidate
	for _, sq := range runningSeqs {
		n := len(sq.BlockTable)
		if n <= 3 {
			continue // keep the prompt-pinned first block and the 2 most recent
		}
		for i := 1; i < n-2; i++ {
			blockIdx := sq.BlockTable[i]
			if blockIdx < 0 {
				continue // already a hole
			}
			candidates = append(candidates, candidate{sq, i, ce.lastAccess[blockIdx]})
		}
	}
	sort.Slice(candidates, func(a, b int) bool { return candidates[a].last < candidates[b].last })

	evicted := 0
	for _, c := range candidates {
		if ce.freeRatio() >= ce.threshold {
			break
		}
		ce.bm.EvictBlock(c.seq, c.tableIdx)
		evicted++
	}
	return evicted
}
