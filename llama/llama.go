// Package llama is a small in-process inference engine with the call surface of
// a llama.cpp binding: a vocabulary, a next-token logits table, a decode step
// backed by a bounded KV store, and resettable sampler chains.
package llama

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
)

type Token int32
type Pos int32
type SeqId int32

var (
	// ErrClosed is returned when a handle is used before it is initialized or
	// after it has been closed.
	ErrClosed = errors.New("llama: handle is closed")

	// ErrContextInUse is returned by Context.Acquire when another owner already
	// holds the context.
	ErrContextInUse = errors.New("llama: context is already in use")

	// ErrKvCacheFull means a batch could not be placed in the KV store.
	ErrKvCacheFull = errors.New("could not find a KV slot for the batch")

	ErrNoCandidates = errors.New("llama: no candidate token left to sample")
)

// handle guards a resource that may be closed exactly once.
type handle struct {
	closed atomic.Bool
}

func (h *handle) check() error {
	if h == nil || h.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (h *handle) close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return nil
}

// Backend is the engine handle every model is loaded through. Closing it
// rejects new models; models already loaded stay usable until closed.
type Backend struct {
	handle

	models atomic.Int32
}

func NewBackend() *Backend {
	return &Backend{}
}

func (b *Backend) Close() error {
	return b.close()
}

// NumModels reports how many models were loaded through this backend.
func (b *Backend) NumModels() int {
	return int(b.models.Load())
}

func (b *Backend) SystemInfo() string {
	return fmt.Sprintf("CPU : NUM_THREADS = %d | GOARCH = %s | GOOS = %s", runtime.NumCPU(), runtime.GOARCH, runtime.GOOS)
}

func (b *Backend) register() error {
	if err := b.check(); err != nil {
		return err
	}

	b.models.Add(1)
	return nil
}
