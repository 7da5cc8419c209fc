// Package batchrunner drives parallel generation over a single engine
// context: the prompt is written in batch-sized chunks, then every sequence
// reads its tokens into windows of a shared token region until it ends.
package batchrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jmorganca/llamabatch/llama"
)

// Context is the engine session a Processor drives. *llama.Context
// implements it.
type Context interface {
	NumCtx() int
	NumBatch() int
	NumSeqMax() int
	PoolingType() llama.PoolingType
	NoOutputID() int32

	Acquire() error
	Release()

	DecodeSequences(chain *llama.SamplerChain, pos llama.Pos, inputs [][]llama.Token, seqIDs []llama.SeqId, outputIDs []int32, logits bool) (llama.Pos, error)
	SampleSequences(chain *llama.SamplerChain, grammar llama.Sampler, pos llama.Pos, outputs [][]llama.Token, seqIDs []llama.SeqId, outputIDs []int32, done llama.CompletionFunc) (llama.Pos, error)
}

// Vocabulary converts between text and tokens. *llama.Vocab implements it.
type Vocabulary interface {
	Tokenize(text string, addSpecial, parseSpecial bool) ([]llama.Token, error)
	Detokenize(tokens []llama.Token, removeSpecial, unparseSpecial bool) string
}

type State int

const (
	StateIdle State = iota
	StateWriting
	StateSamplerReset
	StateReading
	StateCompleted
	StatePartial
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWriting:
		return "writing"
	case StateSamplerReset:
		return "sampler reset"
	case StateReading:
		return "reading"
	case StateCompleted:
		return "completed"
	case StatePartial:
		return "partial"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DefaultSafetyFactor is how many batches of output per sequence the
// context must have room for.
const DefaultSafetyFactor = 10

type Option func(*Processor)

func WithSafetyFactor(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.safetyFactor = n
		}
	}
}

// WithMaxIterations bounds the number of read iterations of a generation.
// Zero means no bound.
func WithMaxIterations(n int) Option {
	return func(p *Processor) {
		p.maxIterations = max(n, 0)
	}
}

// WithProgress registers a function called after every read iteration.
func WithProgress(fn func(Progress)) Option {
	return func(p *Processor) {
		p.progress = fn
	}
}

type Progress struct {
	Iteration     int
	SequencesLeft int
	RegionUsed    int
	RegionCap     int
}

// Processor coordinates the sequences of a SequenceSet over one context. It
// binds the context exclusively until Close.
type Processor struct {
	lc      Context
	vocab   Vocabulary
	chain   *llama.SamplerChain
	grammar llama.Sampler

	seqs   SequenceSet
	seqIDs []llama.SeqId

	safetyFactor  int
	maxIterations int
	progress      func(Progress)

	// genMu serializes generations, mu the writes and reads within them
	genMu sync.Mutex
	mu    sync.Mutex

	cursor llama.Pos
	slots  outputSlots
	state  State
	resets int
	closed bool

	cancelMu sync.Mutex
	canceled map[int]bool
}

// New binds lc to a new processor. grammar is an optional validating sampler
// and may be nil.
func New(lc Context, vocab Vocabulary, chain *llama.SamplerChain, grammar llama.Sampler, seqs SequenceSet, opts ...Option) (*Processor, error) {
	if lc == nil || vocab == nil || chain == nil {
		return nil, errors.New("context, vocabulary and sampler chain are required")
	}

	if seqs.Len() == 0 {
		return nil, ErrNoSequences
	}

	if seqs.Len() > lc.NumSeqMax() {
		return nil, fmt.Errorf("%w: %d sequences, context supports %d", ErrTooManySequences, seqs.Len(), lc.NumSeqMax())
	}

	p := &Processor{
		lc:           lc,
		vocab:        vocab,
		chain:        chain,
		grammar:      grammar,
		seqs:         seqs,
		seqIDs:       seqs.IDs(),
		safetyFactor: DefaultSafetyFactor,
		slots:        newOutputSlots(seqs.Len(), lc.NoOutputID()),
		canceled:     make(map[int]bool),
	}

	for _, opt := range opts {
		opt(p)
	}

	if err := p.checkCapacity(0); err != nil {
		return nil, err
	}

	if err := lc.Acquire(); err != nil {
		if errors.Is(err, llama.ErrContextInUse) {
			return nil, fmt.Errorf("%w: %w", ErrAlreadyInUse, err)
		}
		return nil, err
	}

	slog.Debug("batch processor bound", "sequences", p.seqIDs, "n_ctx", lc.NumCtx(), "n_batch", lc.NumBatch(), "pooling", lc.PoolingType())
	return p, nil
}

// RequiredContextSize is the context size needed to generate after an input
// of inputTokens tokens.
func (p *Processor) RequiredContextSize(inputTokens int) int {
	return inputTokens + p.lc.NumBatch()*len(p.seqIDs)*p.safetyFactor
}

func (p *Processor) checkCapacity(inputTokens int) error {
	required := p.RequiredContextSize(inputTokens)
	if available := p.lc.NumCtx(); required > available {
		return fmt.Errorf("%w: the required KV cache size %d is not big enough, only %d available. Reduce parallel or increase context size", ErrCapacityExceeded, required, available)
	}
	return nil
}

// Close releases the context. The processor cannot be used afterwards.
func (p *Processor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	p.closed = true
	p.lc.Release()
	return nil
}

func (p *Processor) ParallelCount() int {
	return len(p.seqIDs)
}

func (p *Processor) Sequences() SequenceSet {
	return p.seqs
}

func (p *Processor) Cursor() llama.Pos {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Resets reports how many write cycles reset the samplers.
func (p *Processor) Resets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}

// SequencesLeft counts the sequences that have not ended.
func (p *Processor) SequencesLeft() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots.left()
}

// Cancel ends generation for a sequence at the next read.
func (p *Processor) Cancel(id llama.SeqId) error {
	i, ok := p.seqs.Index(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSequence, id)
	}

	p.cancelMu.Lock()
	defer p.cancelMu.Unlock()
	p.canceled[i] = true
	return nil
}

func (p *Processor) isCanceled(i int) bool {
	p.cancelMu.Lock()
	defer p.cancelMu.Unlock()
	return p.canceled[i]
}

// Write submits input to the context. With logits, the last token of every
// sequence's input gets logits computed and the write cycle completes: the
// sampler chain and the validating sampler are reset once.
func (p *Processor) Write(input Input, logits bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	windows := input.Windows()
	if !input.Shared() && len(windows) != len(p.seqIDs) {
		return fmt.Errorf("%w: there must be either one or %d inputs, got %d", ErrParameterCountMismatch, len(p.seqIDs), len(windows))
	}

	if input.Len() > p.lc.NumBatch() {
		return fmt.Errorf("%w: %d tokens, batch size is %d", ErrInputTooLong, input.Len(), p.lc.NumBatch())
	}

	if p.state != StateWriting {
		// a new cycle starts
		p.cancelMu.Lock()
		clear(p.canceled)
		p.cancelMu.Unlock()
	}
	p.state = StateWriting

	cursor, err := p.lc.DecodeSequences(p.chain, p.cursor, windows, p.seqIDs, p.slots.ids, logits)
	if err != nil {
		p.state = StateIdle
		return fmt.Errorf("failed to write batch: %w", err)
	}
	p.cursor = cursor

	slog.Debug("wrote batch", "tokens", input.Len(), "shared", input.Shared(), "logits", logits, "cursor", p.cursor)

	if logits && p.cursor > 0 {
		p.chain.Reset()
		if p.grammar != nil {
			p.grammar.Reset()
		}
		p.resets++
		p.state = StateSamplerReset
		slog.Debug("sampler reset", "cursor", p.cursor)
	}

	return nil
}

// WriteTokens writes tokens shared by every sequence in batch-sized chunks.
// Only the last chunk may complete the write cycle.
func (p *Processor) WriteTokens(tokens []llama.Token, thenLogits bool) error {
	batchSize := p.lc.NumBatch()
	for start := 0; start < len(tokens); start += batchSize {
		end := min(start+batchSize, len(tokens))
		if err := p.Write(SharedInput(tokens[start:end]), thenLogits && end == len(tokens)); err != nil {
			return err
		}
	}
	return nil
}

// SequenceRead is what one read produced for a sequence.
type SequenceRead struct {
	// N is the number of tokens written to the sequence's output.
	N int
	// Ended reports that generation ended for the sequence.
	Ended bool
	// Canceled reports that the sequence was ended by Cancel.
	Canceled bool
}

type ReadResult struct {
	// Sequences holds one future per sequence, all completed when Read
	// returns.
	Sequences []*Future[SequenceRead]
	// Left is the number of sequences still generating.
	Left int
}

// AllDone reports that every sequence has ended.
func (r *ReadResult) AllDone() bool {
	return r.Left == 0
}

// Read generates tokens into outputs, one per sequence in set order. Ended
// sequences, and sequences with a nil output, are skipped. A sequence stops
// when its output is full or it ends; engine failures reject that
// sequence's future only.
func (p *Processor) Read(ctx context.Context, outputs [][]llama.Token) (*ReadResult, error) {
	if len(outputs) != len(p.seqIDs) {
		return nil, fmt.Errorf("%w: there must be %d outputs, got %d", ErrParameterCountMismatch, len(p.seqIDs), len(outputs))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	if p.state != StateSamplerReset && p.state != StateReading {
		return nil, fmt.Errorf("%w: processor is %s", ErrNotReady, p.state)
	}
	p.state = StateReading

	futures := make([]*Future[SequenceRead], len(p.seqIDs))
	for i := range futures {
		futures[i] = NewFuture[SequenceRead]()

		if p.slots.pending(i) && p.isCanceled(i) {
			p.slots.markDone(i)
			futures[i].Resolve(SequenceRead{Ended: true, Canceled: true})
			slog.Debug("sequence canceled", "seq", p.seqIDs[i])
			continue
		}

		if !p.slots.pending(i) || outputs[i] == nil {
			futures[i].Resolve(SequenceRead{Ended: !p.slots.pending(i)})
		}
	}

	cursor, err := p.lc.SampleSequences(p.chain, p.grammar, p.cursor, outputs, p.seqIDs, p.slots.ids, func(i, n int, err error) {
		if err != nil {
			p.slots.markDone(i)
			futures[i].Reject(&SequenceError{Index: i, SeqID: p.seqIDs[i], Err: err})
			return
		}
		futures[i].Resolve(SequenceRead{N: n, Ended: !p.slots.pending(i)})
	})
	p.cursor = cursor

	if err != nil {
		slog.Warn("failed to read batch", "error", err)
	}

	for i, f := range futures {
		if !f.IsDone() {
			p.slots.markDone(i)
			f.Reject(&SequenceError{Index: i, SeqID: p.seqIDs[i], Err: orErr(err, errors.New("sequence not completed by the engine"))})
		}
	}

	left := p.slots.left()
	if left == 0 {
		p.state = StateCompleted
	}

	return &ReadResult{Sequences: futures, Left: left}, nil
}

func orErr(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}

// ReadAsync runs Read on its own goroutine.
func (p *Processor) ReadAsync(ctx context.Context, outputs [][]llama.Token) *Future[*ReadResult] {
	f := NewFuture[*ReadResult]()
	go func() {
		rr, err := p.Read(ctx, outputs)
		if err != nil {
			f.Reject(err)
			return
		}
		f.Resolve(rr)
	}()
	return f
}
