package engine

import (
	"math"
	"math/rand"
	"sort"
)

// Logits is a dense float32-ish score vector over the vocabulary for one
// sequence's next-token distribution, as returned by ModelExecutor.Forward.
type Logits []float32

// Sampler turns raw logits into a chosen next token per running sequence,
// applying repetition/no-repeat-ngram masks and dispatching on
// SamplingParams.Mode(). Beam search lives in beam.go; this file covers
// greedy and multinomial, generalizing the teacher's temperature-only
// Sample (purego/tensor/sampling.go, no longer in this tree) with top-k,
// top-p and seeded reproducibility per §4.4.
type Sampler struct{}

func NewSampler() *Sampler { return &Sampler{} }

// rngFor returns a process-local RNG seeded from sp.Seed if set, so S5's
// "identical seed + prompt + params + executor -> identical output" holds.
// A nil seed falls back to the package-level math/rand source.
func rngFor(sp *SamplingParams, salt int64) *rand.Rand {
	if sp.Seed == nil {
		return rand.New(rand.NewSource(rand.Int63()))
	}
	return rand.New(rand.NewSource(int64(*sp.Seed) + salt))
}

// SampleNext chooses the next token for seq given its raw logits, mutating
// neither — the caller (Engine) commits the result via seq.AppendToken.
// salt distinguishes sibling beams sharing one Seed so they don't draw
// identical "random" choices.
func (sampler *Sampler) SampleNext(seq *Sequence, logits Logits, sp *SamplingParams, salt int64) (tokenID int, logProb float64) {
	scores := applyRepetitionPenalty(logits, seq, sp.RepetitionPenalty)
	scores = applyNoRepeatNgram(scores, seq, sp.NoRepeatNgramSize)

	switch sp.Mode() {
	case ModeGreedy:
		return greedyPick(scores)
	default:
		return multinomialPick(scores, sp, rngFor(sp, salt))
	}
}

// greedyPick returns the argmax token and its log-probability under the
// full softmax (not just the max logit — callers that report log-probs
// need the true distribution value).
func greedyPick(scores []float32) (int, float64) {
	best := 0
	for i, v := range scores {
		if v > scores[best] {
			best = i
		}
	}
	logProbs := logSoftmax(scores)
	return best, float64(logProbs[best])
}

// multinomialPick applies temperature, then top-k, then top-p filtering (in
// that order, matching the gomlx generation package's TopKSample/TopPSample
// staging) and draws from the resulting distribution.
func multinomialPick(scores []float32, sp *SamplingParams, rng *rand.Rand) (int, float64) {
	temp := sp.Temperature
	if temp <= 0 {
		temp = 1.0
	}
	scaled := make([]float32, len(scores))
	for i, v := range scores {
		scaled[i] = v / float32(temp)
	}

	if sp.TopK > 0 && sp.TopK < len(scaled) {
		scaled = maskToTopK(scaled, sp.TopK)
	}
	probs := softmax(scaled)
	if sp.TopP > 0 && sp.TopP < 1 {
		probs = maskToTopP(probs, sp.TopP)
	}

	tokenID := drawFrom(probs, rng)
	logProbs := logSoftmax(scaled)
	return tokenID, float64(logProbs[tokenID])
}

func softmax(scores []float32) []float32 {
	max := scores[0]
	for _, v := range scores {
		if v > max {
			max = v
		}
	}
	out := make([]float32, len(scores))
	var sum float32
	for i, v := range scores {
		e := float32(math.Exp(float64(v - max)))
		out[i] = e
		sum += e
	}
	if sum == 0 {
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func logSoftmax(scores []float32) []float32 {
	max := scores[0]
	for _, v := range scores {
		if v > max {
			max = v
		}
	}
	var sumExp float64
	for _, v := range scores {
		sumExp += math.Exp(float64(v - max))
	}
	logSumExp := math.Log(sumExp) + float64(max)
	out := make([]float32, len(scores))
	for i, v := range scores {
		out[i] = float32(float64(v) - logSumExp)
	}
	return out
}

// maskToTopK sets every logit outside the top k to -Inf, matching
// gomlx's generation.TopKSample masking step.
func maskToTopK(scores []float32, k int) []float32 {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })

	out := make([]float32, len(scores))
	for i := range out {
		out[i] = float32(math.Inf(-1))
	}
	for _, i := range idx[:k] {
		out[i] = scores[i]
	}
	return out
}

// maskToTopP zeroes probability mass outside the smallest nucleus whose
// cumulative probability, taken from the highest-probability token down,
// reaches p — the masking stage of nucleus sampling (gomlx's TopPSample,
// adapted from graph ops to a plain probability slice).
func maskToTopP(probs []float32, p float64) []float32 {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })

	out := make([]float32, len(probs))
	var cum float64
	for _, i := range idx {
		out[i] = probs[i]
		cum += float64(probs[i])
		if cum >= p {
			break
		}
	}
	var sum float32
	for _, v := range out {
		sum += v
	}
	if sum > 0 {
		for i := range out {
			out[i] /= sum
		}
	}
	return out
}

func drawFrom(probs []float32, rng *rand.Rand) int {
	r := rng.Float64()
	var cum float64
	for i, p := range probs {
		cum += float64(p)
		if r <= cum {
			return i
		}
	}
	return len(probs) - 1
}

// applyRepetitionPenalty penalizes every token already present in seq's
// history: a positive logit is divided by penalty and a negative one is
// multiplied by it (penalty==1 is a no-op), per §4.4.
func applyRepetitionPenalty(logits Logits, seq *Sequence, penalty float64) []float32 {
	out := make([]float32, len(logits))
	copy(out, logits)
	if penalty == 1.0 {
		return out
	}
	seen := make(map[int]bool)
	for _, id := range seq.AllTokenIDs() {
		seen[id] = true
	}
	for id := range seen {
		if id < 0 || id >= len(out) {
			continue
		}
		if out[id] > 0 {
			out[id] /= float32(penalty)
		} else {
			out[id] *= float32(penalty)
		}
	}
	return out
}

// applyNoRepeatNgram bans any continuation that would reproduce an n-gram
// already generated, by setting the logit of the would-be-repeated next
// token to -Inf. n<=0 disables this.
func applyNoRepeatNgram(logits []float32, seq *Sequence, n int) []float32 {
	if n <= 0 {
		return logits
	}
	tokens := seq.AllTokenIDs()
	if len(tokens) < n {
		return logits
	}
	prefix := tokens[len(tokens)-(n-1):]
	if n == 1 {
		prefix = nil
	}
	banned := make(map[int]bool)
	for i := 0; i+n <= len(tokens); i++ {
		if ngramPrefixMatches(tokens[i:i+n-1], prefix) {
			banned[tokens[i+n-1]] = true
		}
	}
	if len(banned) == 0 {
		return logits
	}
	out := make([]float32, len(logits))
	copy(out, logits)
	for id := range banned {
		if id >= 0 && id < len(out) {
			out[id] = float32(math.Inf(-1))
		}
	}
	return out
}

func ngramPrefixMatches(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ShouldStop decides whether tokenID terminates seq under sp, per §4.4's
// stop conditions: EOS (unless IgnoreEOS), an explicit stop token id, or
// hitting MaxNewTokens. Returns the FinishReason string to record, or ""
// if generation continues.
func ShouldStop(seq *Sequence, tokenID int, sp *SamplingParams, eosTokenID int) (SequenceStatus, string) {
	if !sp.IgnoreEOS && tokenID == eosTokenID {
		return StatusFinishedEOS, "eos"
	}
	for _, stopID := range sp.StopTokenIDs {
		if tokenID == stopID {
			return StatusFinishedStopped, "stop_token"
		}
	}
	if seq.NumCompletionTokens() >= sp.MaxNewTokens {
		return StatusFinishedLength, "length"
	}
	return StatusRunning, ""
}
