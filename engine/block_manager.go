package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// BlockCopy is a physical copy-on-write event the scheduler hands to the
// ModelExecutor: copy the KV payload at Src into Dst before this step's
// forward pass. The engine never touches KV memory itself (§6); this is
// how it tells the one collaborator that does just that.
type BlockCopy struct {
	Src int
	Dst int
}

// BlockManager maintains a BlockTable for every sequence and a
// content-hash -> block index map for automatic prefix caching, §4.2.
// Generalizes the teacher's BlockManager (nanovllm/block_manager.go, which
// already carries the xxhash-keyed prefix cache) with forking,
// copy-on-write, and chunk-aware allocation for dynamic split-fuse.
type BlockManager struct {
	blockSize     int
	pool          *blockPool
	hashToBlock   map[uint64]int
	prefixCaching bool
}

// NewBlockManager allocates a fixed pool of numBlocks blocks of blockSize
// tokens each, with prefix caching on by default (§4.2).
func NewBlockManager(numBlocks, blockSize int) *BlockManager {
	return &BlockManager{
		blockSize:     blockSize,
		pool:          newBlockPool(numBlocks),
		hashToBlock:   make(map[uint64]int),
		prefixCaching: true,
	}
}

// SetPrefixCaching toggles automatic prefix-cache reuse (§6's
// EnablePrefixCaching). When disabled, Allocate never looks up or
// registers a content hash, so every block is a guaranteed cache miss and
// no sequence ever shares a block with an unrelated one.
func (bm *BlockManager) SetPrefixCaching(enabled bool) { bm.prefixCaching = enabled }

func (bm *BlockManager) BlockSize() int   { return bm.blockSize }
func (bm *BlockManager) NumFree() int     { return bm.pool.numFree() }
func (bm *BlockManager) NumTotal() int    { return bm.pool.numTotal() }
func (bm *BlockManager) CanAllocate(n int) bool { return bm.pool.canAllocate(n) }

// ComputeHash hashes blockSize token ids chained with an optional prefix
// hash from the preceding block, exactly as the teacher's ComputeHash does,
// via xxhash.
func (bm *BlockManager) ComputeHash(tokenIDs []int, prefixHash uint64) uint64 {
	h := xxhash.New()
	if prefixHash != 0 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], prefixHash)
		h.Write(buf[:])
	}
	var buf [4]byte
	for _, id := range tokenIDs {
		binary.LittleEndian.PutUint32(buf[:], uint32(id))
		h.Write(buf[:])
	}
	return h.Sum64()
}

// NumBlocksNeeded is how many blocks are needed to cover upToLen tokens.
func (bm *BlockManager) NumBlocksNeeded(upToLen int) int {
	if upToLen <= 0 {
		return 0
	}
	return (upToLen + bm.blockSize - 1) / bm.blockSize
}

// CanAllocateFor reports whether the pool has enough free blocks to extend
// seq's table to cover upToLen tokens (prefix-cache hits don't consume a
// free block, so this is a conservative over-estimate when caching is in
// play — which is fine, it only ever under-admits, never over-admits).
func (bm *BlockManager) CanAllocateFor(seq *Sequence, upToLen int) bool {
	need := bm.NumBlocksNeeded(upToLen) - len(seq.BlockTable)
	if need <= 0 {
		return true
	}
	return bm.pool.canAllocate(need)
}

// Allocate extends seq's block table to cover upToLen tokens (typically the
// full prompt, or one dynamic-split-fuse chunk of it), consulting the
// prefix cache for every newly needed full block. Partial trailing blocks
// are allocated fresh with no hash, per the §4.2 prefix-cache invariant
// (only fully populated blocks are hash-eligible).
func (bm *BlockManager) Allocate(seq *Sequence, upToLen int) error {
	target := bm.NumBlocksNeeded(upToLen)
	for i := len(seq.BlockTable); i < target; i++ {
		tokenIDs := seq.Block(i, bm.blockSize)
		full := len(tokenIDs) == bm.blockSize

		var h uint64
		if full {
			var prefixHash uint64
			if i > 0 {
				prefixHash = bm.pool.get(seq.BlockTable[i-1]).Hash
			}
			h = bm.ComputeHash(tokenIDs, prefixHash)
		}

		if full && h != 0 && bm.prefixCaching {
			if existing, ok := bm.LookupPrefix(h); ok {
				if blockContentEquals(existing, tokenIDs) {
					if existing.RefCount == 0 {
						bm.pool.allocateSpecific(existing.Index)
					} else {
						bm.pool.fork(existing)
					}
					seq.BlockTable = append(seq.BlockTable, existing.Index)
					seq.NumCachedTokens += bm.blockSize
					continue
				}
			}
		}

		if !bm.pool.canAllocate(1) {
			return fmt.Errorf("%w: no free blocks to allocate block %d", ErrCacheExhausted, i)
		}
		nb := bm.pool.allocate()
		if nb.Hash != 0 {
			delete(bm.hashToBlock, nb.Hash)
		}
		nb.Hash = 0
		nb.TokenIDs = nil
		if full && bm.prefixCaching {
			nb.Hash = h
			nb.TokenIDs = append([]int{}, tokenIDs...)
			bm.hashToBlock[h] = nb.Index
		}
		seq.BlockTable = append(seq.BlockTable, nb.Index)
	}
	return nil
}

// LookupPrefix reports whether a block with this content hash is currently
// known to the prefix cache, without allocating anything — a read-only
// query the scheduler can use to account for expected cache hits ahead of
// calling Allocate.
func (bm *BlockManager) LookupPrefix(hash uint64) (*Block, bool) {
	idx, ok := bm.hashToBlock[hash]
	if !ok {
		return nil, false
	}
	return bm.pool.get(idx), true
}

// NeedsNewBlockOnAppend reports whether generating one more token for seq
// will consume a free block — either because its current last block is
// full, or because that block is shared with a forked sibling and writing
// into it requires a copy-on-write duplicate first.
func (bm *BlockManager) NeedsNewBlockOnAppend(seq *Sequence) bool {
	capacity := len(seq.BlockTable) * bm.blockSize
	if seq.Len() < capacity {
		if len(seq.BlockTable) == 0 {
			return false
		}
		last := bm.pool.get(seq.BlockTable[len(seq.BlockTable)-1])
		return last.RefCount > 1
	}
	return true
}

// CanAppend reports whether generating one more token for seq is possible
// without running out of blocks.
func (bm *BlockManager) CanAppend(seq *Sequence) bool {
	if !bm.NeedsNewBlockOnAppend(seq) {
		return true
	}
	return bm.pool.canAllocate(1)
}

// CanAppendGroup reports whether every sequence in seqs can be given a
// decode slot simultaneously — checked together (not sequence-by-sequence)
// because two sibling beams needing a fresh block in the same step must not
// both be approved against the same single free block.
func (bm *BlockManager) CanAppendGroup(seqs []*Sequence) bool {
	needed := 0
	for _, sq := range seqs {
		if bm.NeedsNewBlockOnAppend(sq) {
			needed++
		}
	}
	return bm.pool.canAllocate(needed)
}

// AppendSlot ensures seq has room to write one more token, allocating a
// fresh block if the current last block is full, or performing
// copy-on-write if the slot the new token will land in is shared with a
// forked sibling. Returns the BlockCopy the executor must apply before the
// forward pass, or nil if no physical copy is needed.
func (bm *BlockManager) AppendSlot(seq *Sequence) (*BlockCopy, error) {
	capacity := len(seq.BlockTable) * bm.blockSize
	if seq.Len() < capacity {
		return bm.EnsureWritable(seq)
	}

	if len(seq.BlockTable) > 0 {
		bm.finalizeLastBlockHash(seq)
	}
	if !bm.pool.canAllocate(1) {
		return nil, fmt.Errorf("%w: cannot allocate a decode slot for sequence %d", ErrCacheExhausted, seq.ID)
	}
	nb := bm.pool.allocate()
	if nb.Hash != 0 {
		delete(bm.hashToBlock, nb.Hash)
	}
	nb.Hash = 0
	nb.TokenIDs = nil
	seq.BlockTable = append(seq.BlockTable, nb.Index)
	return nil, nil
}

// finalizeLastBlockHash computes and registers the hash of seq's last
// block once all of its blockSize slots have been written — the moment
// right before a new block is needed is exactly when that's true.
func (bm *BlockManager) finalizeLastBlockHash(seq *Sequence) {
	if !bm.prefixCaching {
		return
	}
	lastIdx := len(seq.BlockTable) - 1
	last := bm.pool.get(seq.BlockTable[lastIdx])
	if last.Hash != 0 {
		return // already finalized (e.g. shared with a sibling that filled it)
	}
	tokenIDs := seq.Block(lastIdx, bm.blockSize)
	if len(tokenIDs) != bm.blockSize {
		return
	}
	var prefixHash uint64
	if lastIdx > 0 {
		prefixHash = bm.pool.get(seq.BlockTable[lastIdx-1]).Hash
	}
	h := bm.ComputeHash(tokenIDs, prefixHash)
	last.Hash = h
	last.TokenIDs = append([]int{}, tokenIDs...)
	bm.hashToBlock[h] = last.Index
}

// EnsureWritable performs copy-on-write: if seq's last block is shared
// (refcount > 1) because of a prior fork, allocate a new block, copy the
// shared block's logical content, and rewrite seq's table entry to point
// at the copy. Called lazily right before a write, per §4.2.
func (bm *BlockManager) EnsureWritable(seq *Sequence) (*BlockCopy, error) {
	if len(seq.BlockTable) == 0 {
		return nil, nil
	}
	lastIdx := len(seq.BlockTable) - 1
	blockIdx := seq.BlockTable[lastIdx]
	block := bm.pool.get(blockIdx)
	if block.RefCount <= 1 {
		return nil, nil
	}
	if !bm.pool.canAllocate(1) {
		return nil, fmt.Errorf("%w: cannot allocate copy-on-write block for sequence %d", ErrCacheExhausted, seq.ID)
	}
	nb := bm.pool.allocate()
	if nb.Hash != 0 {
		delete(bm.hashToBlock, nb.Hash)
	}
	nb.Hash = 0
	nb.TokenIDs = append([]int{}, block.TokenIDs...)
	bm.pool.free(block)
	seq.BlockTable[lastIdx] = nb.Index
	return &BlockCopy{Src: block.Index, Dst: nb.Index}, nil
}

// ForkSequence makes child's block table a shallow copy of parent's,
// incrementing every shared block's refcount — the cheap half of beam
// expansion; the expensive half (copying payload) only happens lazily, on
// divergence, via EnsureWritable.
func (bm *BlockManager) ForkSequence(parent, child *Sequence) {
	child.BlockTable = make([]int, len(parent.BlockTable))
	copy(child.BlockTable, parent.BlockTable)
	for _, idx := range child.BlockTable {
		bm.pool.fork(bm.pool.get(idx))
	}
	child.NumCachedTokens = parent.NumCachedTokens
}

// FreeSequence releases every block in seq's table back toward the pool
// (decrementing refcounts; a block only returns to the free list once its
// last owner frees it). Blocks keep their Hash/TokenIDs while merely free
// so they remain valid prefix-cache candidates — mirroring vLLM's
// automatic-prefix-caching free list, which does not scrub content on
// free, only on reassignment to different content.
func (bm *BlockManager) FreeSequence(seq *Sequence) {
	for i := len(seq.BlockTable) - 1; i >= 0; i-- {
		bm.pool.free(bm.pool.get(seq.BlockTable[i]))
	}
	seq.BlockTable = nil
	seq.NumCachedTokens = 0
}

// EvictBlock is CacheEvictor's actual reclamation primitive: it frees the
// physical block at seq.BlockTable[tableIdx] back to the pool and leaves a
// -1 hole in its place. Safe only for interior blocks that will never be
// written again — AppendSlot only ever writes at len(BlockTable)-1 or
// appends a new entry, so a hole earlier in the table is never revisited.
func (bm *BlockManager) EvictBlock(seq *Sequence, tableIdx int) {
	blockIdx := seq.BlockTable[tableIdx]
	if blockIdx < 0 {
		return
	}
	bm.pool.free(bm.pool.get(blockIdx))
	seq.BlockTable[tableIdx] = -1
	seq.KVGapped = true
	seq.GappedBlockIdx = append(seq.GappedBlockIdx, tableIdx)
}

func blockContentEquals(b *Block, tokenIDs []int) bool {
	if len(b.TokenIDs) != len(tokenIDs) {
		return false
	}
	for i, id := range tokenIDs {
		if b.TokenIDs[i] != id {
			return false
		}
	}
	return true
}
