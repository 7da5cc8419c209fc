package llama

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Context is an inference session over a model: a KV store of NumCtx cells
// shared by up to NumSeqMax sequences, filled NumBatch tokens at a time.
type Context struct {
	handle

	mu     sync.Mutex
	model  *Model
	params ContextParams

	inUse atomic.Bool

	used    int
	seqPos  map[SeqId]Pos
	outputs map[int]Token

	// seqOutputs holds, per sequence, the token its latest logits were
	// computed for. Unlike outputs it survives batches the sequence is not
	// part of.
	seqOutputs map[SeqId]Token
}

func NewContextWithModel(model *Model, params ContextParams) (*Context, error) {
	if err := model.check(); err != nil {
		return nil, err
	}

	if model.logits == nil {
		return nil, errors.New("model was loaded with vocab_only and cannot be decoded")
	}

	if params.NumUbatch <= 0 || params.NumUbatch > params.NumBatch || params.Embeddings {
		params.NumUbatch = params.NumBatch
	}

	if err := params.validate(); err != nil {
		return nil, err
	}

	slog.Debug("new context", "n_ctx", params.NumCtx, "n_batch", params.NumBatch, "n_seq_max", params.NumSeqMax, "pooling", params.PoolingType)
	return &Context{
		model:   model,
		params:  params,
		seqPos:     make(map[SeqId]Pos),
		outputs:    make(map[int]Token),
		seqOutputs: make(map[SeqId]Token),
	}, nil
}

func (c *Context) Model() *Model {
	return c.model
}

func (c *Context) Params() ContextParams {
	return c.params
}

func (c *Context) NumCtx() int                  { return c.params.NumCtx }
func (c *Context) NumBatch() int                { return c.params.NumBatch }
func (c *Context) NumUbatch() int               { return c.params.NumUbatch }
func (c *Context) NumSeqMax() int               { return c.params.NumSeqMax }
func (c *Context) PoolingType() PoolingType     { return c.params.PoolingType }
func (c *Context) NumThreads() (int, int)       { return c.params.NumThreads, c.params.NumThreadsBatch }
func (c *Context) AttentionType() AttentionType { return c.params.AttentionType }

// Acquire binds the context to a single owner until Release is called.
func (c *Context) Acquire() error {
	if err := c.check(); err != nil {
		return err
	}

	if !c.inUse.CompareAndSwap(false, true) {
		return ErrContextInUse
	}
	return nil
}

func (c *Context) Release() {
	c.inUse.Store(false)
}

func (c *Context) InUse() bool {
	return c.inUse.Load()
}

// Decode evaluates a batch, filling one KV cell per token. Logits are kept
// for the tokens flagged in the batch until the next call.
func (c *Context) Decode(batch *Batch) error {
	if err := c.check(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := batch.NumTokens()
	switch {
	case n == 0:
		return errors.New("llama_decode failed: empty batch")
	case n > c.params.NumBatch:
		return fmt.Errorf("llama_decode failed: %d tokens exceed n_batch %d", n, c.params.NumBatch)
	case c.used+n > c.params.NumCtx:
		return fmt.Errorf("%w - try reducing the size of the batch or increase the context. used: %d, requested: %d, n_ctx: %d", ErrKvCacheFull, c.used, n, c.params.NumCtx)
	}

	positions := make(map[SeqId]Pos, len(c.seqPos))
	for i := range n {
		if len(batch.seqIds[i]) == 0 {
			return fmt.Errorf("llama_decode failed: token %d has no sequence", i)
		}

		if t := batch.tokens[i]; t < 0 || int(t) >= c.model.NumVocab() {
			return fmt.Errorf("llama_decode failed: invalid token %d", t)
		}

		for _, s := range batch.seqIds[i] {
			if s < 0 {
				return fmt.Errorf("llama_decode failed: invalid sequence id %d", s)
			}

			last, ok := positions[s]
			if !ok {
				last, ok = c.seqPos[s]
			}

			if ok && batch.pos[i] <= last {
				return fmt.Errorf("llama_decode failed: position %d of sequence %d is not after %d", batch.pos[i], s, last)
			}
			positions[s] = batch.pos[i]
		}
	}

	clear(c.outputs)
	for i := range n {
		if batch.logits[i] {
			c.outputs[i] = batch.tokens[i]
			for _, s := range batch.seqIds[i] {
				c.seqOutputs[s] = batch.tokens[i]
			}
		}
	}

	for s, p := range positions {
		c.seqPos[s] = p
	}

	c.used += n
	return nil
}

// GetLogitsIth returns the logits computed for the i-th token of the last
// decoded batch. The slice must not be modified.
func (c *Context) GetLogitsIth(i int) ([]float32, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.outputs[i]
	if !ok {
		return nil, fmt.Errorf("no logits for batch index %d", i)
	}
	return c.model.row(t), nil
}

// GetLogitsSeq returns the latest logits computed for sequence s, whichever
// batch they came from.
func (c *Context) GetLogitsSeq(s SeqId) ([]float32, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.seqOutputs[s]
	if !ok {
		return nil, fmt.Errorf("no logits for sequence %d", s)
	}
	return c.model.row(t), nil
}

func (c *Context) KvCacheUsed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *Context) KvCacheClear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.used = 0
	clear(c.seqPos)
	clear(c.outputs)
	clear(c.seqOutputs)
}

func (c *Context) Close() error {
	if c.InUse() {
		slog.Warn("closing a context that is still in use")
	}
	return c.close()
}
