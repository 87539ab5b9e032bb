package engine

import "errors"

// Sentinel error kinds. Callers compare with errors.Is; internal code wraps
// them with fmt.Errorf("...: %w", ErrX) so the kind survives context.
var (
	// ErrInvalidArgument is returned by AddRequest for malformed sampling
	// params or prompts. The request never enters the waiting queue.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCacheExhausted is fatal: even after preempting every other
	// running group, one running sequence could not be given a slot.
	// Step returns it and the engine is no longer usable.
	ErrCacheExhausted = errors.New("kv-cache exhausted")

	// ErrExecutorFailure wraps an underlying ModelExecutor.Forward error.
	// The step is aborted; the affected sequences are marked
	// FinishedStopped with reason "executor_error"; others continue.
	ErrExecutorFailure = errors.New("model executor failure")

	// ErrTokenizerMismatch is returned by NewSpeculativeCoordinator when
	// the main and draft tokenizers disagree on the canary round-trip or
	// special token ids.
	ErrTokenizerMismatch = errors.New("main/draft tokenizer mismatch")

	// ErrCancelled is not returned or pushed by the engine: a consumer of a
	// dropped or cancelled request sees its stream close (Read returns
	// ok=false), and its sequences get FinishReason "cancelled".
	ErrCancelled = errors.New("request cancelled")
)
