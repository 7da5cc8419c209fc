package batchrunner

import (
	"fmt"

	"github.com/jmorganca/llamabatch/llama"
)

// TokenRegion is a fixed arena of token slots. Windows are carved from its
// current position and never overlap.
type TokenRegion struct {
	buf []llama.Token
	pos int
}

func NewTokenRegion(capacity int) *TokenRegion {
	return &TokenRegion{buf: make([]llama.Token, max(capacity, 0))}
}

// Slice returns the next n slots and advances the position past them. The
// window's capacity is its length, so appending to it never reaches the
// next window.
func (r *TokenRegion) Slice(n int) ([]llama.Token, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid window length %d", n)
	}

	if !r.Fits(n) {
		return nil, fmt.Errorf("%w: window of %d tokens at %d/%d", ErrCapacityExceeded, n, r.pos, len(r.buf))
	}

	w := r.buf[r.pos : r.pos+n : r.pos+n]
	r.pos += n
	return w, nil
}

func (r *TokenRegion) Fits(n int) bool {
	return n <= r.Remaining()
}

func (r *TokenRegion) Position() int {
	return r.pos
}

func (r *TokenRegion) Remaining() int {
	return len(r.buf) - r.pos
}

func (r *TokenRegion) Cap() int {
	return len(r.buf)
}

// Input is what one write submits: either one window shared by every
// sequence or one window per sequence.
type Input struct {
	windows [][]llama.Token
	shared  bool
}

func SharedInput(tokens []llama.Token) Input {
	return Input{windows: [][]llama.Token{tokens}, shared: true}
}

func PerSequenceInput(inputs ...[]llama.Token) Input {
	return Input{windows: inputs}
}

func (in Input) Shared() bool {
	return in.shared
}

// Windows returns the windows in sequence order; a shared input has one.
func (in Input) Windows() [][]llama.Token {
	return in.windows
}

// Len is the number of tokens submitted.
func (in Input) Len() int {
	var n int
	for _, w := range in.windows {
		n += len(w)
	}
	return n
}
