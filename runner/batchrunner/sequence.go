package batchrunner

import (
	"fmt"
	"slices"

	"github.com/emirpasic/gods/v2/sets/treeset"

	"github.com/jmorganca/llamabatch/llama"
)

// SequenceSet is a non-empty set of sequence identifiers in ascending order.
type SequenceSet struct {
	ids []llama.SeqId
}

// NewSequenceSet normalizes ids: duplicates are merged and the result is
// sorted.
func NewSequenceSet(ids ...llama.SeqId) (SequenceSet, error) {
	if len(ids) == 0 {
		return SequenceSet{}, ErrNoSequences
	}

	set := treeset.New[llama.SeqId](ids...)
	for _, id := range set.Values() {
		if id < 0 {
			return SequenceSet{}, fmt.Errorf("invalid sequence id %d", id)
		}
	}

	return SequenceSet{ids: set.Values()}, nil
}

// Sequences returns the set {0, ..., n-1}.
func Sequences(n int) (SequenceSet, error) {
	ids := make([]llama.SeqId, n)
	for i := range ids {
		ids[i] = llama.SeqId(i)
	}
	return NewSequenceSet(ids...)
}

func (s SequenceSet) Len() int {
	return len(s.ids)
}

func (s SequenceSet) IDs() []llama.SeqId {
	return slices.Clone(s.ids)
}

// Index returns the position of id in the set.
func (s SequenceSet) Index(id llama.SeqId) (int, bool) {
	return slices.BinarySearch(s.ids, id)
}

// outputSlots tracks, per sequence, the batch index its next token is sampled
// from, or done once generation has ended.
type outputSlots struct {
	ids  []int32
	done int32
}

func newOutputSlots(n int, done int32) outputSlots {
	s := outputSlots{ids: make([]int32, n), done: done}
	for i := range s.ids {
		s.ids[i] = done
	}
	return s
}

func (s outputSlots) pending(i int) bool {
	return s.ids[i] != s.done
}

func (s outputSlots) markDone(i int) {
	s.ids[i] = s.done
}

// left counts the pending sequences.
func (s outputSlots) left() int {
	var n int
	for i := range s.ids {
		if s.pending(i) {
			n++
		}
	}
	return n
}
