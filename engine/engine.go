package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Engine is the continuous-batching step loop, §5: one Step() admits and
// advances every in-flight request by one scheduling round. Generalizes
// the teacher's LLMEngine (nanovllm/llm_engine.go: single AddRequest +
// Step over *Sequence) to SequenceGroup-based requests, chunked prefill,
// beam search, and an optional cache evictor.
type Engine struct {
	cfg       *SchedulerConfig
	executor  ModelExecutor
	tokenizer Tokenizer
	metrics   *Metrics
	log       *logrus.Entry

	scheduler *Scheduler
	sampler   *Sampler
	evictor   *CacheEvictor

	// stepMu serializes Step calls; AddRequest/Cancel only touch the
	// bookkeeping map under groupsMu and never block on a step in
	// progress, mirroring the teacher's single-goroutine step loop plus
	// the generalization (§5) that request intake must not have to wait
	// on a running step.
	stepMu sync.Mutex

	groupsMu sync.Mutex
	groups   map[int64]*SequenceGroup
	streams  map[int64]*GenerationStream

	nextRequestID int64
	eosTokenID    int
}

func NewEngine(cfg *SchedulerConfig, executor ModelExecutor, tokenizer Tokenizer, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
	}
	e := &Engine{
		cfg:           cfg,
		executor:      executor,
		tokenizer:     tokenizer,
		metrics:       NewMetrics(log),
		log:           log.WithField("component", "engine"),
		scheduler:     NewScheduler(cfg),
		sampler:       NewSampler(),
		groups:        make(map[int64]*SequenceGroup),
		streams:       make(map[int64]*GenerationStream),
		nextRequestID: -1,
		eosTokenID:    tokenizer.EOSTokenID(),
	}
	if cfg.UseCacheEviction {
		e.EnableCacheEviction(cfg.EvictionThreshold)
	}
	return e
}

// EnableCacheEviction wires in the optional §4.6 evictor; call before the
// first Step.
func (e *Engine) EnableCacheEviction(threshold float64) {
	e.evictor = NewCacheEvictor(e.scheduler.BlockManager(), threshold)
}

func (e *Engine) Metrics() *Metrics               { return e.metrics }
func (e *Engine) Config() *SchedulerConfig        { return e.cfg }
func (e *Engine) Tokenizer() Tokenizer            { return e.tokenizer }
func (e *Engine) HasNonFinishedRequests() bool    { return !e.scheduler.IsIdle() }

// AddRequest validates params, assigns a request id, and enqueues the
// group. Per §7, a malformed request is rejected synchronously and never
// touches the waiting queue.
func (e *Engine) AddRequest(promptIDs []int, params *SamplingParams) (*Handle, error) {
	if len(promptIDs) == 0 {
		return nil, fmt.Errorf("%w: prompt must not be empty", ErrInvalidArgument)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	requestID := atomic.AddInt64(&e.nextRequestID, 1)
	group := NewSequenceGroup(requestID, promptIDs, params, time.Now())
	stream := newGenerationStream()

	e.groupsMu.Lock()
	e.groups[requestID] = group
	e.streams[requestID] = stream
	e.groupsMu.Unlock()

	// §8: max_new_tokens == 0 finishes immediately with no forward pass at
	// all, never touching the scheduler's waiting queue.
	if params.MaxNewTokens == 0 {
		for _, sq := range group.Sequences {
			sq.Status = StatusFinishedLength
			sq.FinishReason = "length"
		}
		group.Status = GroupFinished
		e.publish(group)
		e.finishGroup(group)
		return &Handle{RequestID: requestID, stream: stream, engine: e}, nil
	}

	e.scheduler.Add(group)
	return &Handle{RequestID: requestID, stream: stream, engine: e}, nil
}

// Cancel marks requestID for removal at the next Step boundary.
func (e *Engine) Cancel(requestID int64) {
	e.groupsMu.Lock()
	defer e.groupsMu.Unlock()
	if g, ok := e.groups[requestID]; ok {
		g.Cancel = true
	}
}

// Step runs one scheduling + forward-pass + sampling round. It returns
// ErrCacheExhausted if the scheduler hit the fatal unrecoverable case
// (§7); the engine is not safe to Step again afterward.
func (e *Engine) Step(ctx context.Context) error {
	e.stepMu.Lock()
	defer e.stepMu.Unlock()

	start := time.Now()
	e.drainCancellations()

	// Eviction runs before scheduling so that blocks it frees are available
	// ahead of any preemption the scheduler would otherwise need.
	if e.evictor != nil {
		e.evictor.Tick()
		if n := e.evictor.Evict(e.runningSeqsSnapshot()); n > 0 {
			e.metrics.RecordEviction(n)
		}
	}

	out, err := e.scheduler.Schedule()
	if err != nil {
		return err
	}
	if len(out.ScheduledGroupIDs) == 0 {
		return nil
	}

	if e.evictor != nil {
		e.touchScheduledBlocks(out)
	}

	batch := e.buildBatch(out)
	logitsBySeq, err := e.executor.Forward(ctx, batch)
	if err != nil {
		e.failScheduled(out, err)
		return fmt.Errorf("%w: %v", ErrExecutorFailure, err)
	}

	for _, requestID := range out.ScheduledGroupIDs {
		e.groupsMu.Lock()
		group := e.groups[requestID]
		e.groupsMu.Unlock()
		if group == nil {
			continue
		}
		e.advanceGroup(group, logitsBySeq, out.IsPrefillGroup[requestID])
		e.log.WithFields(logrus.Fields{
			"request_id":  requestID,
			"context_len": group.ContextLen(),
		}).Debug("group advanced")
		e.publish(group)
		if group.IsFinished() {
			e.finishGroup(group)
		}
	}

	e.metrics.RecordStep(out, time.Since(start))
	return nil
}

func (e *Engine) drainCancellations() {
	e.groupsMu.Lock()
	var cancelled []*SequenceGroup
	for _, g := range e.groups {
		if g.Cancel && !g.IsFinished() {
			cancelled = append(cancelled, g)
		}
	}
	e.groupsMu.Unlock()

	for _, g := range cancelled {
		e.scheduler.RemoveGroup(g)
		for _, sq := range g.Sequences {
			if !sq.Status.IsFinished() {
				e.scheduler.BlockManager().FreeSequence(sq)
				sq.Status = StatusDropped
				sq.FinishReason = "cancelled"
			}
		}
		g.Status = GroupFinished
		e.finishGroup(g)
	}
}

func (e *Engine) touchScheduledBlocks(out *SchedulerOutput) {
	for _, blocks := range out.BlockTables {
		for _, b := range blocks {
			e.evictor.Touch(b)
		}
	}
}

func (e *Engine) runningSeqsSnapshot() []*Sequence {
	e.groupsMu.Lock()
	defer e.groupsMu.Unlock()
	var out []*Sequence
	for _, g := range e.groups {
		out = append(out, g.RunningSequences()...)
	}
	return out
}

// buildBatch flattens the scheduler's per-group token budget into one
// ExecutorRequest per running sequence, building the slot_mapping contract
// §6 requires.
func (e *Engine) buildBatch(out *SchedulerOutput) *ExecutorBatch {
	blockSize := e.cfg.BlockSize
	batch := &ExecutorBatch{BlocksToCopy: out.BlocksToCopy}

	for _, requestID := range out.ScheduledGroupIDs {
		e.groupsMu.Lock()
		group := e.groups[requestID]
		e.groupsMu.Unlock()
		if group == nil {
			continue
		}
		isPrefill := out.IsPrefillGroup[requestID]
		tokens := out.NumTokensToRun[requestID]

		if isPrefill {
			seq := group.Sequences[0]
			startPos := group.NumProcessedTokens - tokens
			req := buildPrefillRequest(seq, startPos, tokens, blockSize)
			batch.Requests = append(batch.Requests, req)
			if req.ContextLen > batch.MaxContextLen {
				batch.MaxContextLen = req.ContextLen
			}
			continue
		}

		for _, sq := range group.RunningSequences() {
			req := buildDecodeRequest(sq, blockSize)
			batch.Requests = append(batch.Requests, req)
			if req.ContextLen > batch.MaxContextLen {
				batch.MaxContextLen = req.ContextLen
			}
		}
	}
	return batch
}

func buildPrefillRequest(seq *Sequence, startPos, chunkLen, blockSize int) ExecutorRequest {
	all := seq.AllTokenIDs()
	end := startPos + chunkLen
	if end > len(all) {
		end = len(all)
	}
	tokenIDs := append([]int{}, all[startPos:end]...)
	positions := make([]int, len(tokenIDs))
	slots := make([]int, len(tokenIDs))
	for i := range tokenIDs {
		p := startPos + i
		positions[i] = p
		slots[i] = slotFor(seq, p, blockSize)
	}
	return ExecutorRequest{
		SeqID:       seq.ID,
		TokenIDs:    tokenIDs,
		PositionIDs: positions,
		IsPrompt:    true,
		BlockTable:  append([]int{}, seq.BlockTable...),
		ContextLen:  end,
		SlotMapping: slots,
	}
}

func buildDecodeRequest(seq *Sequence, blockSize int) ExecutorRequest {
	pos := seq.Len() - 1
	return ExecutorRequest{
		SeqID:       seq.ID,
		TokenIDs:    []int{seq.LastTokenID()},
		PositionIDs: []int{pos},
		IsPrompt:    false,
		BlockTable:  append([]int{}, seq.BlockTable...),
		ContextLen:  seq.Len(),
		SlotMapping: []int{slotFor(seq, pos, blockSize)},
	}
}

func slotFor(seq *Sequence, pos, blockSize int) int {
	blockIdx := pos / blockSize
	offset := pos % blockSize
	if blockIdx >= len(seq.BlockTable) {
		return -1
	}
	physical := seq.BlockTable[blockIdx]
	if physical < 0 {
		return -1
	}
	return blockSize*physical + offset
}

// advanceGroup applies the sampler to every running sequence whose logits
// arrived this step. Prefill-chunk steps that haven't reached the final
// chunk don't sample at all (IsPrefill() still true on entry means this
// chunk's logits are discarded except for the KV-cache side effect — the
// model ran forward purely to populate cache, nothing to sample yet).
func (e *Engine) advanceGroup(group *SequenceGroup, logitsBySeq map[int64]Logits, wasPrefill bool) {
	if wasPrefill && group.IsPrefill() {
		return // mid chunked-prefill: no token to sample yet
	}

	if group.Params.Mode() == ModeBeam {
		if len(group.Sequences) == 1 && group.Params.NumGroups > 1 {
			root := group.Sequences[0]
			for _, child := range seedDiverseBeamGroups(group, e.scheduler.BlockManager()) {
				// A freshly forked sibling shares root's KV content
				// exactly, so root's just-computed logits describe its
				// next-token distribution too — no second forward pass
				// needed to seed it.
				logitsBySeq[child.ID] = logitsBySeq[root.ID]
			}
		}
		StepBeams(group, logitsBySeq, e.scheduler.BlockManager(), e.eosTokenID)
		if EvaluateBeamStopCriteria(group) {
			ForceFinishRunningBeams(group, e.scheduler.BlockManager())
		}
		return
	}

	for salt, sq := range group.RunningSequences() {
		logits, ok := logitsBySeq[sq.ID]
		if !ok {
			continue
		}
		tokenID, logProb := e.sampler.SampleNext(sq, logits, group.Params, int64(salt))
		sq.AppendToken(tokenID, logProb)
		status, reason := ShouldStop(sq, tokenID, group.Params, e.eosTokenID)
		sq.Status = status
		sq.FinishReason = reason
	}
}

// publish pushes any newly produced tokens to the request's stream.
func (e *Engine) publish(group *SequenceGroup) {
	e.groupsMu.Lock()
	stream := e.streams[group.RequestID]
	e.groupsMu.Unlock()
	if stream == nil {
		return
	}

	if group.Params.Mode() == ModeBeam {
		if !group.IsFinished() {
			return // beam outputs are only meaningful once the group settles
		}
		for _, sq := range SelectBestBeams(group) {
			stream.push(GenerationOutput{
				RequestID:    group.RequestID,
				SeqID:        sq.ID,
				TokenID:      sq.LastTokenID(),
				HasToken:     sq.NumCompletionTokens() > 0,
				Finished:     true,
				FinishReason: sq.FinishReason,
				Score:        sq.Score(group.Params.LengthPenalty),
			})
		}
		return
	}

	for _, sq := range group.Sequences {
		if sq.Status == StatusRunning && sq.NumCompletionTokens() > 0 {
			stream.push(GenerationOutput{
				RequestID: group.RequestID,
				SeqID:     sq.ID,
				TokenID:   sq.LastTokenID(),
				HasToken:  true,
			})
		} else if sq.Status.IsFinished() {
			stream.push(GenerationOutput{
				RequestID:    group.RequestID,
				SeqID:        sq.ID,
				TokenID:      sq.LastTokenID(),
				HasToken:     sq.NumCompletionTokens() > 0,
				Finished:     true,
				FinishReason: sq.FinishReason,
			})
		}
	}
}

// seedDiverseBeamGroups forks group's single seed sequence into one
// representative per remaining diverse beam group (BeamGroup 1..NumGroups-1);
// BeamGroup 0 keeps the original. Returns the newly created sequences.
func seedDiverseBeamGroups(group *SequenceGroup, bm *BlockManager) []*Sequence {
	root := group.Sequences[0]
	children := make([]*Sequence, 0, group.Params.NumGroups-1)
	for gi := 1; gi < group.Params.NumGroups; gi++ {
		child := root.cloneFor(group.RequestID)
		child.BeamGroup = gi
		bm.ForkSequence(root, child)
		group.AddChild(child)
		children = append(children, child)
	}
	return children
}

func (e *Engine) finishGroup(group *SequenceGroup) {
	group.Status = GroupFinished
	e.scheduler.RemoveGroup(group)
	for _, sq := range group.Sequences {
		if len(sq.BlockTable) > 0 {
			e.scheduler.BlockManager().FreeSequence(sq)
		}
	}

	e.groupsMu.Lock()
	stream := e.streams[group.RequestID]
	e.groupsMu.Unlock()
	if stream != nil {
		stream.closeStream()
	}

	reason := ""
	if len(group.Sequences) > 0 {
		reason = group.Sequences[0].FinishReason
	}
	e.metrics.RecordFinished(group.RequestID, reason)
}

func (e *Engine) failScheduled(out *SchedulerOutput, err error) {
	for _, requestID := range out.ScheduledGroupIDs {
		e.groupsMu.Lock()
		group := e.groups[requestID]
		e.groupsMu.Unlock()
		if group == nil {
			continue
		}
		for _, sq := range group.RunningSequences() {
			sq.Status = StatusFinishedStopped
			sq.FinishReason = "executor_error"
		}
		e.publish(group)
		e.finishGroup(group)
	}
	e.log.WithError(err).Error("executor forward failed; scheduled groups aborted")
}

// Generate is a synchronous convenience wrapper: step the engine until
// requestID's handle reports finished, returning its tokens in order. Only
// sensible for greedy/multinomial single-sequence requests or as a
// reference implementation to drive from tests; a server front-end should
// instead run Step in a loop across all in-flight requests and read each
// Handle independently.
func (e *Engine) Generate(ctx context.Context, promptIDs []int, params *SamplingParams) ([]int, string, error) {
	handle, err := e.AddRequest(promptIDs, params)
	if err != nil {
		return nil, "", err
	}

	var out []int
	var reason string
	for {
		select {
		case <-ctx.Done():
			return out, reason, ctx.Err()
		default:
		}
		if err := e.Step(ctx); err != nil {
			if errors.Is(err, ErrCacheExhausted) {
				return out, "", err
			}
			return out, "", err
		}
		for _, o := range handle.ReadAll() {
			if o.HasToken {
				out = append(out, o.TokenID)
			}
			if o.Finished {
				reason = o.FinishReason
				return out, reason, nil
			}
		}
		if !e.HasNonFinishedRequests() {
			return out, reason, nil
		}
	}
}
