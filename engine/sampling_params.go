package engine

import "fmt"

// SamplingMode is the decoding policy the Sampler dispatches on. Modeled as
// a plain enum rather than an interface hierarchy per the "polymorphism
// over decoding modes" design note: SamplingParams carries every field any
// mode might need and Mode() derives which one applies, mirroring
// GenerationConfig::is_gready_sampling()/is_beam_search() in the upstream
// OpenVINO GenAI source this was distilled from.
type SamplingMode int

const (
	ModeGreedy SamplingMode = iota
	ModeMultinomial
	ModeBeam
)

func (m SamplingMode) String() string {
	switch m {
	case ModeGreedy:
		return "greedy"
	case ModeMultinomial:
		return "multinomial"
	case ModeBeam:
		return "beam"
	default:
		return "unknown"
	}
}

// StopCriteria governs when a beam-search group stops running, §4.4.
type StopCriteria int

const (
	// StopEarly stops as soon as W beams have finished.
	StopEarly StopCriteria = iota
	// StopHeuristic stops when no running beam can exceed the best
	// finished beam's length-penalised score.
	StopHeuristic
	// StopNever runs to max_new_tokens unconditionally.
	StopNever
)

// SamplingParams holds every field needed by any decoding mode. Per-field
// defaults mirror GenerationConfig in the upstream source: temperature 0
// means greedy, num_groups*group_size 1 means no beam expansion.
type SamplingParams struct {
	MaxNewTokens int
	IgnoreEOS    bool

	Temperature float64
	TopK        int     // <=0 disables top-k filtering
	TopP        float64 // 1.0 disables top-p filtering

	RepetitionPenalty float64 // 1.0 = no-op
	LengthPenalty     float64 // 1.0 = no-op
	NoRepeatNgramSize int     // 0 disables the n-gram mask

	NumGroups        int
	GroupSize        int
	DiversityPenalty float64
	NumReturnSeqs    int
	StopCriteria     StopCriteria

	StopTokenIDs []int

	// Seed seeds the PRNG built afresh for each SampleNext draw (Seed plus
	// a per-sequence salt); only multinomial sampling draws from it, beam
	// search draws nothing. Nil seeds from a process-level entropy source;
	// supplying the same
	// seed with identical params/prompt/executor reproduces S5's
	// determinism property.
	Seed *uint64

	// Adapters is an opaque LoRA-adapter reference. The core never
	// interprets it; low-rank weight math is out of scope (spec
	// Non-goals). It's only compared for equality across a batch in
	// SpeculativeCoordinator.Generate.
	Adapters any
}

// DefaultSamplingParams returns greedy decoding with a 30-token budget,
// matching GenerationConfig's defaults in the source this was distilled
// from (max_new_tokens=30, stop_criteria=HEURISTIC, num_return_sequences=1
// outside of beam search).
func DefaultSamplingParams() *SamplingParams {
	return &SamplingParams{
		MaxNewTokens:      30,
		Temperature:       0,
		TopK:              -1,
		TopP:              1.0,
		RepetitionPenalty: 1.0,
		LengthPenalty:     1.0,
		NumGroups:         1,
		GroupSize:         1,
		DiversityPenalty:  0,
		NumReturnSeqs:     1,
		StopCriteria:      StopHeuristic,
	}
}

// Mode derives the decoding policy from the param values, per
// GenerationConfig::is_gready_sampling()/is_beam_search().
func (sp *SamplingParams) Mode() SamplingMode {
	if sp.NumGroups*sp.GroupSize > 1 {
		return ModeBeam
	}
	if sp.Temperature == 0 {
		return ModeGreedy
	}
	return ModeMultinomial
}

func (sp *SamplingParams) beamWidth() int {
	return sp.NumGroups * sp.GroupSize
}

// Validate rejects malformed params before the request ever reaches the
// waiting queue, per spec §7 (InvalidArgument).
func (sp *SamplingParams) Validate() error {
	if sp.MaxNewTokens < 0 {
		return fmt.Errorf("%w: max_new_tokens must be >= 0, got %d", ErrInvalidArgument, sp.MaxNewTokens)
	}
	if sp.GroupSize < 1 {
		return fmt.Errorf("%w: group_size must be >= 1, got %d", ErrInvalidArgument, sp.GroupSize)
	}
	if sp.NumGroups < 1 {
		return fmt.Errorf("%w: num_groups must be >= 1, got %d", ErrInvalidArgument, sp.NumGroups)
	}
	if sp.TopP <= 0 || sp.TopP > 1 {
		return fmt.Errorf("%w: top_p must be in (0,1], got %f", ErrInvalidArgument, sp.TopP)
	}
	if sp.Mode() == ModeBeam {
		if sp.NumReturnSeqs < 1 || sp.NumReturnSeqs > sp.beamWidth() {
			return fmt.Errorf("%w: num_return_sequences must be in [1,%d], got %d", ErrInvalidArgument, sp.beamWidth(), sp.NumReturnSeqs)
		}
		if sp.DiversityPenalty < 0 {
			return fmt.Errorf("%w: diversity_penalty must be >= 0, got %f", ErrInvalidArgument, sp.DiversityPenalty)
		}
	}
	if sp.RepetitionPenalty <= 0 {
		return fmt.Errorf("%w: repetition_penalty must be > 0, got %f", ErrInvalidArgument, sp.RepetitionPenalty)
	}
	return nil
}
