package engine

import "sync"

// GenerationOutput is one increment of progress on a request: either a
// newly generated token for one of its sequences, or the final result set
// once every sequence has finished.
type GenerationOutput struct {
	RequestID int64
	SeqID     int64

	TokenID  int
	LogProb  float64
	Finished bool
	// HasToken is false for a finish notification that carries no
	// generated token at all, e.g. an immediate max_new_tokens=0
	// completion; TokenID is meaningless when false.
	HasToken bool

	// FinishReason is set only when Finished.
	FinishReason string
	// Score is the beam-search length-penalised score (§4.4); zero
	// outside beam mode.
	Score float64
}

// GenerationStream is the per-request output queue the engine publishes
// into and Handle consumes from. Mutex+condition-variable rather
// than a channel: the upstream GenerationStream this was distilled from
// guards a plain queue with a mutex and a condvar-equivalent (read_and_drop
// waits on m_cv), and that shape carries over cleanly — a channel would
// need to be unbounded or risk blocking the engine's single step loop on a
// slow consumer, which a queue dodges by just growing.
type GenerationStream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []GenerationOutput
	closed bool
}

func newGenerationStream() *GenerationStream {
	s := &GenerationStream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// push appends an output and wakes any waiting consumer. Called only by the
// engine (its step loop, and AddRequest for a request that finishes at
// once).
func (s *GenerationStream) push(out GenerationOutput) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, out)
	s.cond.Broadcast()
}

// closeStream marks the stream finished; pending reads still drain the
// queue, but Read returns ok=false once it's empty.
func (s *GenerationStream) closeStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

// Handle is the caller-facing side of a GenerationStream: one per
// AddRequest call.
type Handle struct {
	RequestID int64
	stream    *GenerationStream
	engine    *Engine
}

// Read blocks until at least one output is available, returning it along
// with ok=true — or returns ok=false once the stream has been closed (the
// request finished or was cancelled) and the queue is drained.
func (h *Handle) Read() (GenerationOutput, bool) {
	h.stream.mu.Lock()
	defer h.stream.mu.Unlock()
	for len(h.stream.queue) == 0 && !h.stream.closed {
		h.stream.cond.Wait()
	}
	if len(h.stream.queue) == 0 {
		return GenerationOutput{}, false
	}
	out := h.stream.queue[0]
	h.stream.queue = h.stream.queue[1:]
	return out, true
}

// ReadAll drains every output currently queued without blocking — useful
// for polling call sites that don't want to park a goroutine in Read.
func (h *Handle) ReadAll() []GenerationOutput {
	h.stream.mu.Lock()
	defer h.stream.mu.Unlock()
	out := h.stream.queue
	h.stream.queue = nil
	return out
}

// Drop tells the engine to stop generating for this request at the next
// step boundary: the same path Cancel uses, so drainCancellations frees its
// blocks and closes the stream (status DROPPED) on the next Step.
func (h *Handle) Drop() {
	if h.engine != nil {
		h.engine.Cancel(h.RequestID)
	}
}
