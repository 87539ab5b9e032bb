package engine

import (
	"math"
	"sort"
)

// StepBeams runs one diverse-beam-search expansion step for group, per
// §4.4: each of NumGroups diverse groups independently expands its
// GroupSize beams by one token, with a Hamming diversity penalty against
// tokens already chosen by earlier groups at this same step (Vijayakumar
// et al.'s diverse beam search, as GroupBeamSearcher implements it in the
// upstream source this was distilled from). logitsBySeq must carry an
// entry for every currently-running sequence in group.
//
// Beams that keep their top rank reuse their existing *Sequence (just
// AppendToken); beams that spawn a second surviving child fork via
// bm.ForkSequence; beams that drop out of contention are freed
// immediately. Returns the sequences that reached a terminal status this
// step.
func StepBeams(group *SequenceGroup, logitsBySeq map[int64]Logits, bm *BlockManager, eosTokenID int) []*Sequence {
	sp := group.Params
	numGroups := sp.NumGroups
	groupSize := sp.GroupSize

	buckets := make([][]*Sequence, numGroups)
	for _, sq := range group.RunningSequences() {
		buckets[sq.BeamGroup] = append(buckets[sq.BeamGroup], sq)
	}

	var finishedNow []*Sequence
	usedTokens := make([][]int, numGroups)

	for gi := 0; gi < numGroups; gi++ {
		beams := buckets[gi]
		if len(beams) == 0 {
			continue
		}

		type candidate struct {
			beam    *Sequence
			tokenID int
			score   float64
			logProb float64
		}
		var candidates []candidate

		for _, beam := range beams {
			scores := applyRepetitionPenalty(logitsBySeq[beam.ID], beam, sp.RepetitionPenalty)
			scores = applyNoRepeatNgram(scores, beam, sp.NoRepeatNgramSize)
			logProbs := logSoftmax(scores)
			for _, tid := range topNIndices(logProbs, 2*groupSize) {
				score := beam.CumulativeLogProb + float64(logProbs[tid])
				if sp.DiversityPenalty > 0 {
					prior := 0
					for pg := 0; pg < gi; pg++ {
						prior += countOccurrences(usedTokens[pg], tid)
					}
					score -= sp.DiversityPenalty * float64(prior)
				}
				candidates = append(candidates, candidate{beam, tid, score, float64(logProbs[tid])})
			}
		}

		sort.Slice(candidates, func(a, b int) bool { return candidates[a].score > candidates[b].score })
		if len(candidates) > groupSize {
			candidates = candidates[:groupSize]
		}
		for _, c := range candidates {
			usedTokens[gi] = append(usedTokens[gi], c.tokenID)
		}

		seenCount := make(map[int64]int)
		chosenCount := make(map[int64]int)
		for _, c := range candidates {
			chosenCount[c.beam.ID]++
		}
		for _, c := range candidates {
			seenCount[c.beam.ID]++
			var target *Sequence
			if seenCount[c.beam.ID] == 1 {
				target = c.beam
			} else {
				target = c.beam.cloneFor(group.RequestID)
				target.BeamGroup = gi
				bm.ForkSequence(c.beam, target)
				group.AddChild(target)
			}
			target.AppendToken(c.tokenID, c.logProb)
			status, reason := ShouldStop(target, c.tokenID, sp, eosTokenID)
			target.Status = status
			target.FinishReason = reason
			if status.IsFinished() {
				finishedNow = append(finishedNow, target)
			}
		}

		for _, beam := range beams {
			if chosenCount[beam.ID] == 0 {
				bm.FreeSequence(beam)
				beam.Status = StatusDropped
				group.RemoveSequence(beam.ID)
			}
		}
	}

	return finishedNow
}

// EvaluateBeamStopCriteria reports whether group's beam search should stop
// now, per sp.StopCriteria (§4.4):
//   - StopEarly: as soon as W = NumGroups*GroupSize beams have finished.
//   - StopHeuristic: once no running beam's best-case final score (assuming
//     every remaining token contributes zero further log-probability) can
//     beat the best finished beam's score.
//   - StopNever: only MaxNewTokens (handled per-sequence by ShouldStop)
//     ends the group.
func EvaluateBeamStopCriteria(group *SequenceGroup) bool {
	sp := group.Params
	finished := finishedBeams(group)

	switch sp.StopCriteria {
	case StopEarly:
		return len(finished) >= sp.beamWidth()
	case StopHeuristic:
		if len(finished) == 0 {
			return false
		}
		best := finished[0].Score(sp.LengthPenalty)
		for _, f := range finished[1:] {
			if s := f.Score(sp.LengthPenalty); s > best {
				best = s
			}
		}
		for _, r := range group.RunningSequences() {
			finalLen := float64(r.NumPromptTokens() + sp.MaxNewTokens)
			upperBound := r.CumulativeLogProb / math.Pow(finalLen, sp.LengthPenalty)
			if upperBound > best {
				return false
			}
		}
		return true
	default: // StopNever
		return false
	}
}

// ForceFinishRunningBeams is called once EvaluateBeamStopCriteria returns
// true: every still-running beam is cut loose as FinishedStopped so the
// group can be torn down, even though it never reached its own EOS/length
// condition.
func ForceFinishRunningBeams(group *SequenceGroup, bm *BlockManager) {
	for _, sq := range group.RunningSequences() {
		sq.Status = StatusFinishedStopped
		sq.FinishReason = "beam_group_stopped"
	}
}

// SelectBestBeams ranks every finished (non-dropped) sequence in group by
// length-penalised score and returns the top NumReturnSeqs, per §4.4.
func SelectBestBeams(group *SequenceGroup) []*Sequence {
	finished := finishedBeams(group)
	sort.Slice(finished, func(a, b int) bool {
		return finished[a].Score(group.Params.LengthPenalty) > finished[b].Score(group.Params.LengthPenalty)
	})
	n := group.Params.NumReturnSeqs
	if n > len(finished) {
		n = len(finished)
	}
	return finished[:n]
}

func finishedBeams(group *SequenceGroup) []*Sequence {
	var out []*Sequence
	for _, s := range group.Sequences {
		if s.Status.IsFinished() && s.Status != StatusDropped {
			out = append(out, s)
		}
	}
	return out
}

// topNIndices returns the indices of the n largest values in xs, highest
// first.
func topNIndices(xs []float32, n int) []int {
	idx := make([]int, len(xs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return xs[idx[a]] > xs[idx[b]] })
	if n > len(idx) {
		n = len(idx)
	}
	return idx[:n]
}

func countOccurrences(xs []int, v int) int {
	n := 0
	for _, x := range xs {
		if x == v {
			n++
		}
	}
	return n
}
