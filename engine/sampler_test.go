package engine

import (
	"testing"
)

func TestSamplerGreedyPicksArgmax(t *testing.T) {
	s := NewSampler()
	seq := newSequence(0, []int{1})
	logits := Logits{0.1, 0.2, 5.0, 0.3}
	sp := &SamplingParams{Temperature: 0, RepetitionPenalty: 1.0}

	tok, _ := s.SampleNext(seq, logits, sp, 0)
	if tok != 2 {
		t.Errorf("expected greedy to pick index 2 (max logit), got %d", tok)
	}
}

func TestSamplerSeededMultinomialIsReproducible(t *testing.T) {
	s := NewSampler()
	logits := Logits{1, 1, 1, 5, 1}
	seed := uint64(42)
	sp := &SamplingParams{Temperature: 1.0, TopP: 1.0, RepetitionPenalty: 1.0, Seed: &seed}

	seq1 := newSequence(0, []int{1})
	tok1, lp1 := s.SampleNext(seq1, logits, sp, 3)

	seq2 := newSequence(1, []int{1})
	tok2, lp2 := s.SampleNext(seq2, logits, sp, 3)

	if tok1 != tok2 || lp1 != lp2 {
		t.Errorf("expected identical seed+salt to reproduce the same draw, got (%d,%f) vs (%d,%f)", tok1, lp1, tok2, lp2)
	}
}

func TestApplyRepetitionPenaltyIsNoOpAtOne(t *testing.T) {
	seq := newSequence(0, []int{2})
	logits := Logits{1, 2, 3}
	out := applyRepetitionPenalty(logits, seq, 1.0)
	for i := range out {
		if out[i] != logits[i] {
			t.Errorf("expected penalty 1.0 to leave logits untouched")
		}
	}
}

func TestApplyNoRepeatNgramBansRepeat(t *testing.T) {
	seq := newSequence(0, []int{1, 2, 3, 1, 2})
	logits := make([]float32, 5)
	for i := range logits {
		logits[i] = 1
	}
	out := applyNoRepeatNgram(logits, seq, 3)

	// "1, 2" has previously been followed by 3; a 3-gram ban on [1,2] must
	// knock out continuation token 3, and nothing else.
	for i, v := range out {
		if i == 3 {
			continue
		}
		if v != logits[i] {
			t.Errorf("unexpected mask at index %d", i)
		}
	}
	if out[3] == logits[3] {
		t.Errorf("expected token 3 to be banned as a no-repeat-ngram continuation")
	}
}

func TestShouldStopEOS(t *testing.T) {
	seq := newSequence(0, []int{1})
	sp := &SamplingParams{MaxNewTokens: 100}
	status, reason := ShouldStop(seq, 7, sp, 7)
	if status != StatusFinishedEOS || reason != "eos" {
		t.Errorf("expected eos stop, got %v %q", status, reason)
	}
}

func TestShouldStopMaxLength(t *testing.T) {
	seq := newSequence(0, []int{1})
	seq.AppendToken(2, 0)
	seq.AppendToken(3, 0)
	sp := &SamplingParams{MaxNewTokens: 2}
	status, reason := ShouldStop(seq, 4, sp, -1)
	if status != StatusFinishedLength || reason != "length" {
		t.Errorf("expected length stop, got %v %q", status, reason)
	}
}

func TestShouldStopContinues(t *testing.T) {
	seq := newSequence(0, []int{1})
	sp := &SamplingParams{MaxNewTokens: 10}
	status, reason := ShouldStop(seq, 4, sp, -1)
	if status != StatusRunning || reason != "" {
		t.Errorf("expected generation to continue, got %v %q", status, reason)
	}
}
