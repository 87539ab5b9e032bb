package engine

import (
	"container/list"
	"fmt"
)

// SchedulerOutput is what Schedule hands the engine for one step: which
// groups run, how many tokens each contributes, the block tables the
// executor needs to build its tensor inputs, and any copy-on-write events
// that must be applied before the forward pass. The teacher's Scheduler
// returns a bare ([]*Sequence, bool) (nanovllm/scheduler.go); this is the
// group-aware, chunked-prefill-aware generalization §4.3 calls for.
type SchedulerOutput struct {
	ScheduledGroupIDs []int64
	NumTokensToRun    map[int64]int   // by RequestID
	IsPrefillGroup    map[int64]bool  // by RequestID
	BlockTables       map[int64][]int // by Sequence.ID
	BlocksToCopy      []BlockCopy
	PreemptedGroupIDs []int64

	NumPrefillTokens int
	NumDecodeTokens  int
}

func newSchedulerOutput() *SchedulerOutput {
	return &SchedulerOutput{
		NumTokensToRun: make(map[int64]int),
		IsPrefillGroup: make(map[int64]bool),
		BlockTables:    make(map[int64][]int),
	}
}

// Scheduler admits waiting groups and re-admits running ones every step,
// generalizing the teacher's FIFO two-queue design (nanovllm/scheduler.go:
// waiting *list.List, running *list.List) from single Sequences to
// SequenceGroups, with chunked prefill and group-aware preemption.
type Scheduler struct {
	cfg *SchedulerConfig
	bm  *BlockManager

	waiting *list.List
	running *list.List
}

func NewScheduler(cfg *SchedulerConfig) *Scheduler {
	bm := NewBlockManager(cfg.NumKVBlocks, cfg.BlockSize)
	bm.SetPrefixCaching(cfg.EnablePrefixCaching)
	return &Scheduler{
		cfg:     cfg,
		bm:      bm,
		waiting: list.New(),
		running: list.New(),
	}
}

func (s *Scheduler) BlockManager() *BlockManager { return s.bm }

// IsIdle reports whether the scheduler has no work queued at all.
func (s *Scheduler) IsIdle() bool {
	return s.waiting.Len() == 0 && s.running.Len() == 0
}

// Add enqueues a newly arrived group at the back of the waiting queue.
func (s *Scheduler) Add(g *SequenceGroup) {
	s.waiting.PushBack(g)
}

// RemoveGroup drops g from whichever queue currently holds it — used by the
// engine when a group finishes or is cancelled.
func (s *Scheduler) RemoveGroup(g *SequenceGroup) {
	if removeFromList(s.running, g) {
		return
	}
	removeFromList(s.waiting, g)
}

func removeFromList(l *list.List, g *SequenceGroup) bool {
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(*SequenceGroup) == g {
			l.Remove(e)
			return true
		}
	}
	return false
}

// Schedule runs one step of the admission policy in §4.3's order:
//  1. Continue every currently-running group, preempting tail-of-queue
//     peers to make room if the cache is tight.
//  2. Admit waiting groups — a full prefill if it fits the remaining token
//     budget in one shot, or one dynamic-split-fuse chunk of it otherwise.
//
// Returns ErrCacheExhausted only in the fatal case: a group that is the only
// running group still cannot get a slot.
func (s *Scheduler) Schedule() (*SchedulerOutput, error) {
	out := newSchedulerOutput()

	tokenBudget := s.cfg.MaxNumBatchedTokens
	numSeqs := 0

	scheduled, err := s.scheduleRunning(out, &tokenBudget, &numSeqs)
	if err != nil {
		return nil, err
	}
	for i := len(scheduled) - 1; i >= 0; i-- {
		s.running.PushFront(scheduled[i])
	}

	s.scheduleWaiting(out, &tokenBudget, &numSeqs)

	return out, nil
}

// scheduleRunning walks the running queue front-to-back, trying to give
// each group a decode (or chunk-continuation) slot. A group that can't fit
// triggers preemption of the running queue's tail until it does. When no
// unscheduled peer is left to preempt but groups already scheduled this
// step still hold blocks, the group that can't fit is preempted itself;
// only a group that is the sole running group and still can't fit is the
// fatal CacheExhausted case.
func (s *Scheduler) scheduleRunning(out *SchedulerOutput, tokenBudget, numSeqs *int) ([]*SequenceGroup, error) {
	var scheduled []*SequenceGroup

	for s.running.Len() > 0 {
		elem := s.running.Front()
		group := elem.Value.(*SequenceGroup)

		seqs := group.RunningSequences()
		if len(seqs) == 0 {
			s.running.Remove(elem)
			continue
		}

		wasPrefill := group.IsPrefill()
		tokensThisGroup := s.tokensForRunningGroup(group, seqs, *tokenBudget)
		if tokensThisGroup == 0 {
			break // token budget exhausted
		}
		if *numSeqs+len(seqs) > s.cfg.MaxNumSeqs {
			break // sequence budget exhausted
		}

		preemptedSelf := false
		for !s.tryAppendGroup(group, seqs, tokensThisGroup, out) {
			if s.running.Len() <= 1 {
				if len(scheduled) == 0 {
					return nil, fmt.Errorf("request %d: %w", group.RequestID, ErrCacheExhausted)
				}
				s.running.Remove(elem)
				s.preempt(group, out)
				preemptedSelf = true
				break
			}
			victimElem := s.running.Back()
			victim := victimElem.Value.(*SequenceGroup)
			if victim == group {
				return nil, fmt.Errorf("request %d: %w", group.RequestID, ErrCacheExhausted)
			}
			s.running.Remove(victimElem)
			s.preempt(victim, out)
		}
		if preemptedSelf {
			continue
		}

		s.running.Remove(elem)
		*numSeqs += len(seqs)
		*tokenBudget -= tokensThisGroup
		out.ScheduledGroupIDs = append(out.ScheduledGroupIDs, group.RequestID)
		out.NumTokensToRun[group.RequestID] = tokensThisGroup
		out.IsPrefillGroup[group.RequestID] = wasPrefill
		if wasPrefill {
			out.NumPrefillTokens += tokensThisGroup
		} else {
			out.NumDecodeTokens += tokensThisGroup
		}
		scheduled = append(scheduled, group)
	}

	return scheduled, nil
}

// tokensForRunningGroup is len(seqs) for a pure decode step (one new token
// per running sequence). A group mid dynamic-split-fuse prefill instead
// continues its chunk, consuming up to the remaining token budget.
func (s *Scheduler) tokensForRunningGroup(group *SequenceGroup, seqs []*Sequence, tokenBudget int) int {
	if !group.IsPrefill() {
		if len(seqs) > tokenBudget {
			return 0
		}
		return len(seqs)
	}
	remaining := seqs[0].Len() - group.NumProcessedTokens
	if remaining > tokenBudget {
		if !s.cfg.DynamicSplitFuse {
			return 0
		}
		remaining = tokenBudget
	}
	return remaining
}

// tryAppendGroup reserves a decode/chunk slot for every running sequence in
// group as one atomic unit: either all of them succeed, or none of them are
// mutated. Sibling beams are checked together via CanAppendGroup so two
// beams needing the same single spare block are not both waved through.
func (s *Scheduler) tryAppendGroup(group *SequenceGroup, seqs []*Sequence, tokensThisGroup int, out *SchedulerOutput) bool {
	if group.IsPrefill() {
		primary := seqs[0]
		target := group.NumProcessedTokens + tokensThisGroup
		if !s.bm.CanAllocateFor(primary, target) {
			return false
		}
		if err := s.bm.Allocate(primary, target); err != nil {
			return false
		}
		group.NumProcessedTokens = target
		out.BlockTables[primary.ID] = append([]int{}, primary.BlockTable...)
		return true
	}

	if !s.bm.CanAppendGroup(seqs) {
		return false
	}
	for _, sq := range seqs {
		cp, err := s.bm.AppendSlot(sq)
		if err != nil {
			return false
		}
		if cp != nil {
			out.BlocksToCopy = append(out.BlocksToCopy, *cp)
		}
		out.BlockTables[sq.ID] = append([]int{}, sq.BlockTable...)
	}
	return true
}

// preempt evicts group from the running set back to the front of waiting,
// freeing its blocks. A multi-sequence (beam) group is collapsed to a
// single fresh sequence rather than replayed beam-by-beam — see DESIGN.md's
// note on preemption of beam groups.
func (s *Scheduler) preempt(group *SequenceGroup, out *SchedulerOutput) {
	for _, sq := range group.Sequences {
		s.bm.FreeSequence(sq)
		sq.KVGapped = false
		sq.GappedBlockIdx = nil
	}

	switch {
	case len(group.Sequences) > 1:
		group.Sequences = []*Sequence{newSequence(group.RequestID, group.PromptIDs)}
	case s.cfg.PreemptionMode == PreemptRecompute:
		seq := group.Sequences[0]
		seq.GeneratedIDs = nil
		seq.CumulativeLogProb = 0
	}
	for _, sq := range group.Sequences {
		sq.Status = StatusWaiting
	}

	group.NumProcessedTokens = 0
	group.NumScheduledTokens = 0
	group.Status = GroupWaiting
	s.waiting.PushFront(group)
	out.PreemptedGroupIDs = append(out.PreemptedGroupIDs, group.RequestID)
}

// scheduleWaiting admits groups from the front of the waiting queue while
// the sequence and token budgets allow, in strict FIFO order (never
// skipping a group that doesn't fit to reach one further back that would).
func (s *Scheduler) scheduleWaiting(out *SchedulerOutput, tokenBudget, numSeqs *int) {
	for s.waiting.Len() > 0 && *numSeqs < s.cfg.MaxNumSeqs && *tokenBudget > 0 {
		elem := s.waiting.Front()
		group := elem.Value.(*SequenceGroup)
		if group.Cancel {
			s.waiting.Remove(elem)
			continue
		}

		primary := group.Sequences[0]
		remaining := primary.Len() - group.NumProcessedTokens
		chunk := remaining
		if chunk > *tokenBudget {
			if !s.cfg.DynamicSplitFuse {
				break
			}
			chunk = *tokenBudget
		}
		if chunk <= 0 {
			break
		}

		target := group.NumProcessedTokens + chunk
		if !s.bm.CanAllocateFor(primary, target) {
			break
		}
		if err := s.bm.Allocate(primary, target); err != nil {
			break
		}

		group.NumProcessedTokens = target
		group.NumScheduledTokens = chunk
		group.Status = GroupRunning
		primary.Status = StatusRunning

		*numSeqs++
		*tokenBudget -= chunk
		out.ScheduledGroupIDs = append(out.ScheduledGroupIDs, group.RequestID)
		out.NumTokensToRun[group.RequestID] = chunk
		out.IsPrefillGroup[group.RequestID] = true
		out.NumPrefillTokens += chunk
		out.BlockTables[primary.ID] = append([]int{}, primary.BlockTable...)

		s.waiting.Remove(elem)
		s.running.PushBack(group)
		if group.NumProcessedTokens < primary.Len() {
			// Still mid chunked-prefill: scheduleRunning's IsPrefill
			// branch continues it next step. Admitting further waiting
			// groups this step would need to fit in whatever budget
			// remains, which the loop condition already enforces.
			break
		}
	}
}
