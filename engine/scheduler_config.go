package engine

// PreemptionMode selects what happens to a running group's KV-cache when it
// is preempted to make room for another group, §4.3.
type PreemptionMode int

const (
	// PreemptRecompute frees the group's blocks entirely and discards its
	// generated tokens; it re-enters the waiting queue and re-prefills
	// from the prompt alone.
	PreemptRecompute PreemptionMode = iota
	// PreemptSwap frees the group's blocks but keeps its generated token
	// ids, so the re-admission prefill replays prompt+generated rather
	// than discarding progress. Named "swap" to match the upstream
	// terminology (swap-out to host memory); this implementation has no
	// separate host-side KV store, so the observable difference from
	// PreemptRecompute is solely whether generated tokens survive.
	PreemptSwap
)

// SchedulerConfig mirrors the teacher's Config (nanovllm/config.go) fields
// that govern admission policy, generalized with chunked-prefill and
// cache-eviction knobs the teacher's single-sequence scheduler didn't need.
type SchedulerConfig struct {
	// MaxNumBatchedTokens caps the sum of prefill-chunk and decode tokens
	// across every group scheduled in one step.
	MaxNumBatchedTokens int
	// MaxNumSeqs caps the number of sequences scheduled in one step.
	MaxNumSeqs int
	// NumKVBlocks sizes the physical block pool.
	NumKVBlocks int
	// BlockSize is the number of tokens each block holds.
	BlockSize int

	// DynamicSplitFuse admits a prefill in token-budget-sized chunks
	// interleaved with decode steps (§4.3) rather than requiring a
	// group's entire prompt to fit in one step's budget.
	DynamicSplitFuse bool

	// EnablePrefixCaching turns on the content-hash block cache in
	// BlockManager.Allocate (§4.2). When false, every block allocated is a
	// guaranteed cache miss: Allocate never looks up or registers a block
	// hash, so no sequence ever shares a block with an unrelated one.
	EnablePrefixCaching bool

	// UseCacheEviction enables the optional CacheEvictor (§4.6). When
	// false, cache exhaustion is handled purely by preemption.
	UseCacheEviction bool
	// EvictionThreshold is the fraction of free blocks, on [0,1], below
	// which the CacheEvictor's Evict pass is invoked ahead of preemption.
	EvictionThreshold float64

	// PreemptionMode selects recompute vs swap semantics, above.
	PreemptionMode PreemptionMode
}

// DefaultSchedulerConfig mirrors the teacher's NewConfig defaults
// (nanovllm/config.go: max_num_batched_tokens 16384, max_num_seqs 512,
// block_size 256) scaled down to friendlier test defaults and extended with
// the new knobs all left off/conservative.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		MaxNumBatchedTokens: 2048,
		MaxNumSeqs:          64,
		NumKVBlocks:         256,
		BlockSize:           16,
		DynamicSplitFuse:    true,
		EnablePrefixCaching: true,
		UseCacheEviction:    false,
		EvictionThreshold:   0.1,
		PreemptionMode:      PreemptRecompute,
	}
}
