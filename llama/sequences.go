package llama

import (
	"fmt"
	"log/slog"
)

// NoOutputID marks a sequence whose generation has ended. Batch indices are
// always below it.
func (c *Context) NoOutputID() int32 {
	return int32(c.params.NumBatch)
}

// CompletionFunc is called once per sequence and read call, with the number of
// tokens written to the sequence's output. A non-nil err means the engine
// failed for that sequence.
type CompletionFunc func(i, n int, err error)

// DecodeSequences submits inputs starting at position pos and returns the
// next position. A single input is shared by every sequence; otherwise there
// must be one input per sequence. With logits, outputIDs receives for each
// sequence the batch index its next token is sampled from. Input tokens are
// accepted by the chain.
func (c *Context) DecodeSequences(chain *SamplerChain, pos Pos, inputs [][]Token, seqIDs []SeqId, outputIDs []int32, logits bool) (Pos, error) {
	if len(inputs) != 1 && len(inputs) != len(seqIDs) {
		return pos, fmt.Errorf("got %d inputs for %d sequences", len(inputs), len(seqIDs))
	}

	if len(outputIDs) != len(seqIDs) {
		return pos, fmt.Errorf("got %d output ids for %d sequences", len(outputIDs), len(seqIDs))
	}

	var total int
	for _, input := range inputs {
		total += len(input)
	}

	if total == 0 {
		return pos, nil
	}

	if total > c.params.NumBatch {
		return pos, fmt.Errorf("input of %d tokens does not fit in a batch of %d", total, c.params.NumBatch)
	}

	batch, err := NewBatch(c.params.NumBatch, len(seqIDs))
	if err != nil {
		return pos, err
	}
	defer batch.Free()

	if len(inputs) == 1 {
		input := inputs[0]
		for i, t := range input {
			batch.Add(t, pos+Pos(i), seqIDs, logits && i == len(input)-1)
		}

		if logits {
			for j := range outputIDs {
				outputIDs[j] = int32(batch.NumTokens() - 1)
			}
		}
		pos += Pos(len(input))
	} else {
		for j, input := range inputs {
			for i, t := range input {
				last := logits && i == len(input)-1
				if last {
					outputIDs[j] = int32(batch.NumTokens())
				}
				batch.Add(t, pos, seqIDs[j:j+1], last)
				pos++
			}
		}
	}

	if err := c.Decode(batch); err != nil {
		return pos - Pos(total), fmt.Errorf("failed to decode batch: %w", err)
	}

	if chain != nil {
		for _, input := range inputs {
			for _, t := range input {
				chain.Accept(t)
			}
		}
	}

	return pos, nil
}

// SampleSequences generates tokens into outputs starting at position pos and
// returns the next position. Each step samples one token for every pending
// sequence, from the latest logits of that sequence, and decodes them
// together. A pending sequence left out of some steps, because its output
// is nil or full, keeps its logits for a later call.
// A sequence stops when its output is full, in which case done reports it
// while it stays pending, or when it samples end of generation, in which
// case its output id is set to NoOutputID first. Sequences with a nil output
// or NoOutputID are skipped.
func (c *Context) SampleSequences(chain *SamplerChain, grammar Sampler, pos Pos, outputs [][]Token, seqIDs []SeqId, outputIDs []int32, done CompletionFunc) (Pos, error) {
	if len(outputs) != len(seqIDs) || len(outputIDs) != len(seqIDs) {
		return pos, fmt.Errorf("got %d outputs and %d output ids for %d sequences", len(outputs), len(outputIDs), len(seqIDs))
	}

	noOutput := c.NoOutputID()
	batch, err := NewBatch(c.params.NumBatch, 1)
	if err != nil {
		return pos, err
	}
	defer batch.Free()

	counts := make([]int, len(seqIDs))
	pending := make([]bool, len(seqIDs))
	for i := range seqIDs {
		pending[i] = outputs[i] != nil && outputIDs[i] != noOutput
	}

	finish := func(i int, err error) {
		pending[i] = false
		if done != nil {
			done(i, counts[i], err)
		}
	}

	for {
		batch.Clear()

		for i := range seqIDs {
			if !pending[i] {
				continue
			}

			if counts[i] == len(outputs[i]) {
				finish(i, nil)
				continue
			}

			// the sequence may have sat out earlier batches, so its output
			// id can be stale
			token, err := chain.SampleSequence(c, grammar, seqIDs[i])
			if err != nil {
				slog.Warn("failed to sample token", "seq", seqIDs[i], "error", err)
				outputIDs[i] = noOutput
				finish(i, err)
				continue
			}

			if c.model.TokenIsEog(token) {
				outputIDs[i] = noOutput
				finish(i, nil)
				continue
			}

			outputs[i][counts[i]] = token
			counts[i]++

			outputIDs[i] = int32(batch.NumTokens())
			batch.Add(token, pos, seqIDs[i:i+1], true)
		}

		if batch.NumTokens() == 0 {
			return pos, nil
		}

		if err := c.Decode(batch); err != nil {
			err = fmt.Errorf("failed to decode batch: %w", err)
			for i := range seqIDs {
				if pending[i] {
					outputIDs[i] = noOutput
					finish(i, err)
				}
			}
			return pos, err
		}

		pos++
	}
}
