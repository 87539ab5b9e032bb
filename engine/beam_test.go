package engine

import (
	"testing"
	"time"
)

func newBeamGroup(t *testing.T, requestID int64, groupSize, numGroups int) (*SequenceGroup, *BlockManager) {
	t.Helper()
	bm := NewBlockManager(32, 4)
	sp := &SamplingParams{
		MaxNewTokens:      5,
		NumGroups:         numGroups,
		GroupSize:         groupSize,
		NumReturnSeqs:     1,
		RepetitionPenalty: 1.0,
	}
	g := NewSequenceGroup(requestID, []int{1, 2, 3}, sp, time.Now())
	if err := bm.Allocate(g.Sequences[0], g.Sequences[0].Len()); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	// fork groupSize-1 siblings of the root into diverse group 0, sharing its
	// blocks, so StepBeams has a real multi-beam bucket to expand.
	root := g.Sequences[0]
	for i := 1; i < groupSize; i++ {
		child := root.cloneFor(requestID)
		bm.ForkSequence(root, child)
		g.AddChild(child)
	}
	return g, bm
}

func TestStepBeamsExpandsEveryBeam(t *testing.T) {
	g, bm := newBeamGroup(t, 1, 3, 1)
	logits := Logits{1, 2, 3, 9, 0}
	logitsBySeq := map[int64]Logits{}
	for _, sq := range g.Sequences {
		logitsBySeq[sq.ID] = logits
	}

	StepBeams(g, logitsBySeq, bm, -1)

	if g.NumRunningSeqs() != 3 {
		t.Fatalf("expected all 3 beams to survive (each beam's own top token outranks every other candidate), got %d running", g.NumRunningSeqs())
	}
	for _, sq := range g.Sequences {
		if sq.NumCompletionTokens() != 1 {
			t.Errorf("expected every surviving beam to have advanced by one token, got %d", sq.NumCompletionTokens())
		}
	}
}

func TestStepBeamsTopKPruning(t *testing.T) {
	// groupSize 1 forces the single beam's top candidate to dominate;
	// verify the highest-logit token (index 3) is the one actually chosen.
	g, bm := newBeamGroup(t, 1, 1, 1)
	logits := Logits{1, 2, 3, 9, 0}
	logitsBySeq := map[int64]Logits{g.Sequences[0].ID: logits}

	StepBeams(g, logitsBySeq, bm, -1)

	if g.Sequences[0].LastTokenID() != 3 {
		t.Errorf("expected the single beam to pick the highest-probability token (3), got %d", g.Sequences[0].LastTokenID())
	}
}

func TestSelectBestBeamsRanksByScore(t *testing.T) {
	sp := &SamplingParams{LengthPenalty: 1.0, NumReturnSeqs: 1}
	g := NewSequenceGroup(1, []int{1}, sp, time.Now())
	low := g.Sequences[0]
	low.CumulativeLogProb = -5
	low.Status = StatusFinishedEOS

	high := low.cloneFor(1)
	high.CumulativeLogProb = -1
	high.Status = StatusFinishedEOS
	g.AddChild(high)

	best := SelectBestBeams(g)
	if len(best) != 1 || best[0] != high {
		t.Errorf("expected the higher-scoring finished beam to be selected")
	}
}

func TestEvaluateBeamStopCriteriaEarly(t *testing.T) {
	sp := &SamplingParams{StopCriteria: StopEarly, NumReturnSeqs: 1, NumGroups: 1, GroupSize: 1}
	g := NewSequenceGroup(1, []int{1}, sp, time.Now())
	if EvaluateBeamStopCriteria(g) {
		t.Fatalf("should not stop before any beam has finished")
	}
	g.Sequences[0].Status = StatusFinishedEOS
	if !EvaluateBeamStopCriteria(g) {
		t.Errorf("expected StopEarly to trigger once NumGroups*GroupSize beams have finished")
	}
}
