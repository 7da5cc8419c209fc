package llama

import "fmt"

// Batch stages tokens for one Decode call.
type Batch struct {
	handle

	batchSize int
	maxSeq    int

	tokens []Token
	pos    []Pos
	seqIds [][]SeqId
	logits []bool
}

// NewBatch creates a batch with space for batchSize tokens, each of which can
// belong to up to maxSeq sequences.
func NewBatch(batchSize int, maxSeq int) (*Batch, error) {
	if batchSize <= 0 || maxSeq <= 0 {
		return nil, fmt.Errorf("unable to allocate batch (batchSize=%v maxSeq=%v)", batchSize, maxSeq)
	}

	return &Batch{
		batchSize: batchSize,
		maxSeq:    maxSeq,
		tokens:    make([]Token, 0, batchSize),
		pos:       make([]Pos, 0, batchSize),
		seqIds:    make([][]SeqId, 0, batchSize),
		logits:    make([]bool, 0, batchSize),
	}, nil
}

func (b *Batch) Size() int {
	return b.batchSize
}

func (b *Batch) NumTokens() int {
	return len(b.tokens)
}

func (b *Batch) IsFull() bool {
	return len(b.tokens) >= b.batchSize
}

// Add adds a token to the batch. A full batch ignores further tokens.
func (b *Batch) Add(token Token, pos Pos, seqIds []SeqId, logits bool) {
	if b.IsFull() {
		return
	}

	if len(seqIds) > b.maxSeq {
		seqIds = seqIds[:b.maxSeq]
	}

	b.tokens = append(b.tokens, token)
	b.pos = append(b.pos, pos)
	b.seqIds = append(b.seqIds, append([]SeqId(nil), seqIds...))
	b.logits = append(b.logits, logits)
}

func (b *Batch) Clear() {
	b.tokens = b.tokens[:0]
	b.pos = b.pos[:0]
	b.seqIds = b.seqIds[:0]
	b.logits = b.logits[:0]
}

func (b *Batch) Free() {
	if b.close() == nil {
		b.tokens, b.pos, b.seqIds, b.logits = nil, nil, nil, nil
	}
}
