// Package onnxexecutor implements engine.ModelExecutor on top of ONNX
// Runtime, grounded on the teacher's ONNXModelRunner
// (purego/onnx_runner.go: ort.IsInitialized/InitializeEnvironment,
// NewSessionOptions, NewShape/NewTensor, NewAdvancedSession, session.Run,
// tensor.GetData). That runner built a fresh session per call and fed it a
// bare input_ids tensor; this one likewise opens a session per Forward call
// and binds three flat tensors over the whole batch: input_ids,
// position_ids and slot_mapping. is_prompt, context_lens, max_context_len
// and block_tables are not passed to the graph.
package onnxexecutor

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/nanocb/cbengine/engine"
)

// Executor holds ONNX Runtime session options and the graph's tensor names;
// each Forward call opens, runs and destroys its own session.
type Executor struct {
	mu   sync.Mutex
	opts *ort.SessionOptions

	modelPath   string
	inputNames  []string
	outputNames []string

	vocabSize  int
	hiddenSize int
	maxBatch   int
}

// Config describes the tensor names the loaded ONNX graph exposes, since
// export tooling doesn't standardize these — §6 treats this as the
// collaborator's own business, not the engine's.
type Config struct {
	ModelPath      string
	VocabSize      int
	HiddenSize     int
	MaxBatch       int
	IntraOpThreads int

	InputNames  []string // input_ids, position_ids, slot_mapping (bound in this order)
	OutputNames []string // logits
}

// New initializes the ONNX Runtime environment (idempotent, per
// ort.IsInitialized) and creates the session options; no session is opened
// until Forward.
func New(cfg Config) (*Executor, error) {
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, errors.Wrap(err, "initializing onnx runtime environment")
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "creating onnx session options")
	}
	threads := cfg.IntraOpThreads
	if threads <= 0 {
		threads = 4
	}
	if err := opts.SetIntraOpNumThreads(threads); err != nil {
		opts.Destroy()
		return nil, errors.Wrap(err, "setting onnx intra-op thread count")
	}

	e := &Executor{
		opts:        opts,
		modelPath:   cfg.ModelPath,
		inputNames:  cfg.InputNames,
		outputNames: cfg.OutputNames,
		vocabSize:   cfg.VocabSize,
		hiddenSize:  cfg.HiddenSize,
		maxBatch:    cfg.MaxBatch,
	}
	return e, nil
}

func (e *Executor) VocabSize() int  { return e.vocabSize }
func (e *Executor) HiddenSize() int { return e.hiddenSize }

// Forward flattens batch into the model's flat input_ids/position_ids
// tensors plus per-token slot_mapping, runs one session.Run, and takes the
// last row of each request out of the resulting [total tokens, vocabSize]
// logits tensor, keyed by SeqID. The
// real session wiring (input/output tensor names and shapes) is
// necessarily specific to the exported graph; this method shows the shape
// of that wiring without binding it to one concrete export, since no
// concrete ONNX graph ships with this module.
func (e *Executor) Forward(ctx context.Context, batch *engine.ExecutorBatch) (map[int64]engine.Logits, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(batch.Requests) == 0 {
		return map[int64]engine.Logits{}, nil
	}
	if e.maxBatch > 0 && len(batch.Requests) > e.maxBatch {
		return nil, fmt.Errorf("%w: batch of %d exceeds executor max batch %d", engine.ErrExecutorFailure, len(batch.Requests), e.maxBatch)
	}

	inputIDs, positionIDs, isPrompt, slotMapping, rowOffsets := flattenBatch(batch)

	inputShape := ort.NewShape(int64(len(inputIDs)))
	inputTensor, err := ort.NewTensor(inputShape, inputIDs)
	if err != nil {
		return nil, errors.Wrap(err, "building input_ids tensor")
	}
	defer inputTensor.Destroy()

	posShape := ort.NewShape(int64(len(positionIDs)))
	posTensor, err := ort.NewTensor(posShape, positionIDs)
	if err != nil {
		return nil, errors.Wrap(err, "building position_ids tensor")
	}
	defer posTensor.Destroy()

	slotShape := ort.NewShape(int64(len(slotMapping)))
	slotTensor, err := ort.NewTensor(slotShape, slotMapping)
	if err != nil {
		return nil, errors.Wrap(err, "building slot_mapping tensor")
	}
	defer slotTensor.Destroy()

	outputShape := ort.NewShape(int64(len(inputIDs)), int64(e.vocabSize))
	outputData := make([]float32, len(inputIDs)*e.vocabSize)
	outputTensor, err := ort.NewTensor(outputShape, outputData)
	if err != nil {
		return nil, errors.Wrap(err, "building logits output tensor")
	}
	defer outputTensor.Destroy()

	// A new session is opened per batch because each step's token count
	// (and thus every tensor's shape) varies — AdvancedSession binds fixed
	// tensor shapes at construction, same as the teacher's per-call
	// session in purego/onnx_runner.go, just over the whole batch instead
	// of one sequence at a time.
	session, err := ort.NewAdvancedSession(
		e.modelPath,
		e.inputNames,
		e.outputNames,
		[]ort.Value{inputTensor, posTensor, slotTensor},
		[]ort.Value{outputTensor},
		e.opts,
	)
	if err != nil {
		return nil, errors.Wrap(err, "opening onnx session")
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return nil, errors.Wrap(err, "onnx session run failed")
	}
	_ = isPrompt // consumed by the graph's is_prompt input in a real export

	logits := outputTensor.GetData()
	out := make(map[int64]engine.Logits, len(batch.Requests))
	for i, req := range batch.Requests {
		lastRow := rowOffsets[i+1] - 1
		start := lastRow * e.vocabSize
		end := start + e.vocabSize
		row := make(engine.Logits, e.vocabSize)
		copy(row, logits[start:end])
		out[req.SeqID] = row
	}
	return out, nil
}

// flattenBatch concatenates every request's per-token rows in order,
// returning rowOffsets such that request i's rows span
// [rowOffsets[i], rowOffsets[i+1]) in the flattened tensors.
func flattenBatch(batch *engine.ExecutorBatch) (inputIDs, positionIDs []int64, isPrompt []bool, slotMapping []int64, rowOffsets []int) {
	rowOffsets = make([]int, len(batch.Requests)+1)
	for _, req := range batch.Requests {
		for j := range req.TokenIDs {
			inputIDs = append(inputIDs, int64(req.TokenIDs[j]))
			positionIDs = append(positionIDs, int64(req.PositionIDs[j]))
			slotMapping = append(slotMapping, int64(req.SlotMapping[j]))
			isPrompt = append(isPrompt, req.IsPrompt)
		}
	}
	offset := 0
	for i, req := range batch.Requests {
		offset += len(req.TokenIDs)
		rowOffsets[i+1] = offset
	}
	return
}

// Close releases the session options. ONNX Runtime's process-wide
// environment is intentionally left initialized (ort.IsInitialized guards
// re-init elsewhere in the process).
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.opts != nil {
		e.opts.Destroy()
		e.opts = nil
	}
	return nil
}
