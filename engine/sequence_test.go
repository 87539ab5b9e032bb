package engine

import (
	"testing"
	"time"
)

func TestSequenceLenAndTokenAt(t *testing.T) {
	s := newSequence(0, []int{10, 20, 30})
	if s.Len() != 3 {
		t.Fatalf("expected len 3, got %d", s.Len())
	}
	s.AppendToken(40, -0.1)
	s.AppendToken(50, -0.2)
	if s.Len() != 5 {
		t.Fatalf("expected len 5 after two appends, got %d", s.Len())
	}
	if s.LastTokenID() != 50 {
		t.Errorf("expected last token 50, got %d", s.LastTokenID())
	}
	if s.TokenAt(0) != 10 || s.TokenAt(3) != 40 {
		t.Errorf("TokenAt returned unexpected values")
	}
	want := []int{10, 20, 30, 40, 50}
	got := s.AllTokenIDs()
	if len(got) != len(want) {
		t.Fatalf("AllTokenIDs length mismatch")
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("AllTokenIDs[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestSequenceBlockSplitting(t *testing.T) {
	s := newSequence(0, []int{1, 2, 3, 4, 5, 6, 7})
	if got := s.Block(0, 4); len(got) != 4 {
		t.Errorf("expected first block of 4, got %d elements", len(got))
	}
	if got := s.Block(1, 4); len(got) != 3 {
		t.Errorf("expected trailing partial block of 3, got %d elements", len(got))
	}
	if got := s.Block(2, 4); got != nil {
		t.Errorf("expected nil past the end of the sequence, got %v", got)
	}
	if s.NumBlocks(4) != 2 {
		t.Errorf("expected 2 blocks needed for 7 tokens at block size 4, got %d", s.NumBlocks(4))
	}
}

func TestSequenceCloneForIsIndependent(t *testing.T) {
	parent := newSequence(0, []int{1, 2, 3})
	parent.AppendToken(4, -0.1)
	parent.BlockTable = []int{7}

	child := parent.cloneFor(parent.GroupID)
	child.AppendToken(5, -0.2)
	child.BlockTable[0] = 9

	if parent.Len() != 4 {
		t.Errorf("expected parent untouched by child's append, got len %d", parent.Len())
	}
	if parent.BlockTable[0] != 7 {
		t.Errorf("expected parent's block table untouched by child's mutation, got %d", parent.BlockTable[0])
	}
	if child.ID == parent.ID {
		t.Errorf("expected clone to get a fresh sequence id")
	}
}

func TestSequenceGroupIsFinished(t *testing.T) {
	g := NewSequenceGroup(1, []int{1, 2, 3}, &SamplingParams{MaxNewTokens: 8}, time.Now())
	if g.IsFinished() {
		t.Fatalf("a freshly created group should not be finished")
	}
	g.Sequences[0].Status = StatusFinishedEOS
	if !g.IsFinished() {
		t.Errorf("expected group with every sequence finished to report finished")
	}
}

func TestSequenceGroupIsPrefill(t *testing.T) {
	g := NewSequenceGroup(1, []int{1, 2, 3, 4}, &SamplingParams{MaxNewTokens: 8}, time.Now())
	if !g.IsPrefill() {
		t.Fatalf("a freshly created group should still be in prefill")
	}
	g.NumProcessedTokens = 4
	if g.IsPrefill() {
		t.Errorf("expected group to leave prefill once NumProcessedTokens reaches prompt length")
	}
}
