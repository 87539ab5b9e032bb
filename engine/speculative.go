package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// canaryText is round-tripped through both tokenizers at pairing time to
// catch a main/draft vocabulary mismatch before it can silently corrupt
// generated output, per §4.8.
const canaryText = "The quick brown fox jumps over the lazy dog 123."

// SplitKVBlocks divides totalBlocks between a main and draft model's
// BlockManager in proportion to their hidden sizes — a smaller draft model
// needs proportionally less KV-cache memory per token. k =
// hiddenDraft/(hiddenMain+hiddenDraft), mirroring the memory-split formula
// in the speculative-decoding coordinator of the upstream source this was
// distilled from.
func SplitKVBlocks(totalBlocks, mainHidden, draftHidden int) (mainBlocks, draftBlocks int) {
	if mainHidden+draftHidden == 0 {
		half := totalBlocks / 2
		return totalBlocks - half, half
	}
	k := float64(draftHidden) / float64(mainHidden+draftHidden)
	draftBlocks = int(float64(totalBlocks) * k)
	if draftBlocks < 1 {
		draftBlocks = 1
	}
	if draftBlocks > totalBlocks-1 {
		draftBlocks = totalBlocks - 1
	}
	return totalBlocks - draftBlocks, draftBlocks
}

// SpeculativeCoordinator pairs a small draft Engine with a full-size main
// Engine: the draft proposes several tokens ahead and the main model checks
// them, one main Step per candidate. Optional per §1/§4.8 — most
// deployments run Engine alone.
//
// Grounded on speculative_decoding_impl.cpp's drain -> generate_candidates
// -> update request -> verify -> (rollback on mismatch) -> update metrics
// loop from the upstream source; this implementation drives those phases,
// except the rollback, through two independent Engines rather than a shared
// internal request/cache structure, since this codebase's Engine.Step
// already owns its own scheduler and block manager end to end. The
// consequence — noted in DESIGN.md — is that "verify" here costs one main
// Step per candidate rather than one batched multi-position forward pass,
// so acceptance still avoids wasted *draft* compute but does not reduce
// the number of main-model forward passes the way a production
// implementation would.
type SpeculativeCoordinator struct {
	main  *Engine
	draft *Engine

	lookahead int
	log       *logrus.Entry

	stepsTotal    int64
	tokensAccepted int64
	tokensProposed int64
}

// NewSpeculativeCoordinator pairs main and draft, verifying tokenizer
// compatibility via a canary round-trip before any request is accepted.
func NewSpeculativeCoordinator(main, draft *Engine, lookahead int, log *logrus.Logger) (*SpeculativeCoordinator, error) {
	if lookahead < 1 {
		return nil, fmt.Errorf("%w: speculative lookahead must be >= 1, got %d", ErrInvalidArgument, lookahead)
	}
	if err := checkTokenizerCompat(main.Tokenizer(), draft.Tokenizer()); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.New()
	}
	return &SpeculativeCoordinator{
		main:      main,
		draft:     draft,
		lookahead: lookahead,
		log:       log.WithField("component", "speculative"),
	}, nil
}

func checkTokenizerCompat(main, draft Tokenizer) error {
	if main.EOSTokenID() != draft.EOSTokenID() {
		return fmt.Errorf("%w: eos token id %d (main) != %d (draft)", ErrTokenizerMismatch, main.EOSTokenID(), draft.EOSTokenID())
	}
	mainIDs, err := main.Encode(canaryText)
	if err != nil {
		return fmt.Errorf("%w: main tokenizer failed on canary: %v", ErrTokenizerMismatch, err)
	}
	draftIDs, err := draft.Encode(canaryText)
	if err != nil {
		return fmt.Errorf("%w: draft tokenizer failed on canary: %v", ErrTokenizerMismatch, err)
	}
	mainText, err := main.Decode(mainIDs)
	if err != nil {
		return fmt.Errorf("%w: main tokenizer failed to decode canary: %v", ErrTokenizerMismatch, err)
	}
	draftText, err := draft.Decode(draftIDs)
	if err != nil {
		return fmt.Errorf("%w: draft tokenizer failed to decode canary: %v", ErrTokenizerMismatch, err)
	}
	if len(mainIDs) != len(draftIDs) {
		return fmt.Errorf("%w: canary encodes to %d ids (main) vs %d (draft)", ErrTokenizerMismatch, len(mainIDs), len(draftIDs))
	}
	if mainText != draftText {
		return fmt.Errorf("%w: canary round-trip diverged (%q vs %q)", ErrTokenizerMismatch, mainText, draftText)
	}
	return nil
}

// AcceptanceRate returns the running fraction of draft-proposed tokens the
// main model has agreed with, for telemetry.
func (sc *SpeculativeCoordinator) AcceptanceRate() float64 {
	if sc.tokensProposed == 0 {
		return 0
	}
	return float64(sc.tokensAccepted) / float64(sc.tokensProposed)
}

// Generate drives one request through the multistep-draft/verify loop end
// to end, returning its generated tokens. draftParams governs the
// proposer (normally greedy, to keep proposals cheap and deterministic);
// mainParams governs acceptance/stopping semantics and is what the caller
// actually asked for.
func (sc *SpeculativeCoordinator) Generate(ctx context.Context, promptIDs []int, mainParams, draftParams *SamplingParams) ([]int, string, error) {
	if mainParams.Adapters != draftParams.Adapters {
		return nil, "", fmt.Errorf("%w: main and draft adapters must match for a paired request", ErrInvalidArgument)
	}

	mainHandle, err := sc.main.AddRequest(promptIDs, mainParams)
	if err != nil {
		return nil, "", err
	}
	draftHandle, err := sc.draft.AddRequest(promptIDs, draftParams)
	if err != nil {
		return nil, "", err
	}
	defer draftHandle.Drop()

	var output []int
	var reason string

	for sc.main.HasNonFinishedRequests() {
		candidates, draftDone, err := sc.multistepDraft(ctx, draftHandle)
		if err != nil {
			return output, "", err
		}

		accepted, tokens, finished, frzReason, err := sc.verify(ctx, mainHandle, candidates)
		if err != nil {
			return output, "", err
		}
		output = append(output, tokens...)
		sc.stepsTotal++
		sc.tokensProposed += int64(len(candidates))
		sc.tokensAccepted += int64(accepted)

		if finished {
			reason = frzReason
			break
		}
		if draftDone && !sc.draft.HasNonFinishedRequests() {
			// Draft exhausted its own budget before main finished;
			// finish out the request stepping main alone.
			tail, tailReason, err := sc.drainMain(ctx, mainHandle)
			if err != nil {
				return output, "", err
			}
			output = append(output, tail...)
			reason = tailReason
			break
		}
	}

	sc.log.WithFields(logrus.Fields{
		"request_id":      mainHandle.RequestID,
		"acceptance_rate": sc.AcceptanceRate(),
	}).Info("speculative request complete")
	return output, reason, nil
}

// multistepDraft advances the draft engine up to sc.lookahead tokens,
// collecting its proposals. draftDone reports whether the draft's own
// sequence finished mid-burst (EOS/length), in which case fewer than
// lookahead candidates may be returned.
func (sc *SpeculativeCoordinator) multistepDraft(ctx context.Context, draftHandle *Handle) (candidates []int, draftDone bool, err error) {
	for i := 0; i < sc.lookahead; i++ {
		if err := sc.draft.Step(ctx); err != nil {
			return candidates, draftDone, err
		}
		for _, o := range draftHandle.ReadAll() {
			candidates = append(candidates, o.TokenID)
			if o.Finished {
				return candidates, true, nil
			}
		}
		if !sc.draft.HasNonFinishedRequests() {
			return candidates, true, nil
		}
	}
	return candidates, false, nil
}

// verify steps the main engine once per candidate, accepting candidates
// that match what the main model would have produced on its own and
// stopping at the first mismatch. The main model's own token is what gets
// committed, so the main sequence needs no undo. The draft engine's
// sequence is not rolled back: after a mismatch it keeps its own tokens,
// and its later proposals continue from them rather than from the main
// model's output.
func (sc *SpeculativeCoordinator) verify(ctx context.Context, mainHandle *Handle, candidates []int) (accepted int, tokens []int, finished bool, reason string, err error) {
	steps := len(candidates)
	if steps == 0 {
		steps = 1 // no draft proposals left: fall back to one plain main step
	}
	for i := 0; i < steps; i++ {
		if err := sc.main.Step(ctx); err != nil {
			return accepted, tokens, false, "", err
		}
		outs := mainHandle.ReadAll()
		if len(outs) == 0 {
			continue
		}
		o := outs[0]
		tokens = append(tokens, o.TokenID)
		if o.Finished {
			return accepted, tokens, true, o.FinishReason, nil
		}
		if i < len(candidates) && o.TokenID == candidates[i] {
			accepted++
			continue
		}
		break // mismatch or past the candidate list: stop this verify round
	}
	return accepted, tokens, false, "", nil
}

func (sc *SpeculativeCoordinator) drainMain(ctx context.Context, mainHandle *Handle) ([]int, string, error) {
	var tokens []int
	for sc.main.HasNonFinishedRequests() {
		if err := sc.main.Step(ctx); err != nil {
			return tokens, "", err
		}
		for _, o := range mainHandle.ReadAll() {
			tokens = append(tokens, o.TokenID)
			if o.Finished {
				return tokens, o.FinishReason, nil
			}
		}
	}
	return tokens, "", nil
}
