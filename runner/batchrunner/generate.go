package batchrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jmorganca/llamabatch/llama"
	"github.com/jmorganca/llamabatch/logutil"
)

type DoneReason int

const (
	DoneReasonStop DoneReason = iota
	DoneReasonLength
	DoneReasonCanceled
	DoneReasonError
)

func (d DoneReason) String() string {
	switch d {
	case DoneReasonStop:
		return "stop"
	case DoneReasonLength:
		return "length"
	case DoneReasonCanceled:
		return "canceled"
	case DoneReasonError:
		return "error"
	default:
		return ""
	}
}

// Separator joins the outputs of a multi-sequence generation for display.
const Separator = "\n\n\n---------------------------------------------------------------\n\n\n"

// Chunk is a piece of generated text for one sequence. Text is always valid
// UTF-8.
type Chunk struct {
	Index int
	SeqID llama.SeqId
	Text  string
}

type Request struct {
	// Prompt is shared by every sequence.
	Prompt string

	// Parameters, if any, holds one input per sequence, written after the
	// prompt.
	Parameters []string

	// PostPrompt is shared by every sequence, written last.
	PostPrompt string

	// Stop ends a sequence when its text contains one of these strings. The
	// stop string is not part of the output.
	Stop []string

	// Fn receives text as it is generated.
	Fn func(Chunk)
}

type Output struct {
	SeqID      llama.SeqId
	Text       string
	Tokens     []llama.Token
	DoneReason DoneReason
	// Err is the engine failure that ended this sequence, if any.
	Err error
}

type Result struct {
	ID      string
	Outputs []Output

	// Partial is set when the read loop ended before every sequence did. Err
	// then says why.
	Partial bool
	Err     error

	Iterations   int
	PromptTokens int
	Cursor       llama.Pos
	Duration     time.Duration
}

func (r *Result) Texts() []string {
	texts := make([]string, len(r.Outputs))
	for i, o := range r.Outputs {
		texts[i] = o.Text
	}
	return texts
}

func (r *Result) Joined(sep string) string {
	return strings.Join(r.Texts(), sep)
}

// accumulator collects the text of one sequence and streams the part of it
// that is complete UTF-8 and cannot be the start of a stop string.
type accumulator struct {
	sb      strings.Builder
	tokens  []llama.Token
	pending string
	done    bool
}

func (a *accumulator) append(tokens []llama.Token, text string) {
	a.tokens = append(a.tokens, tokens...)
	a.sb.WriteString(text)
	a.pending += text
}

// flush returns the pending text that can be emitted. With final set, the
// rest of the pending text is emitted, minus a trailing partial rune.
// Invalid bytes elsewhere are emitted as they are.
func (a *accumulator) flush(stop []string, final bool) string {
	joined := a.pending
	partial := partialRuneSuffix(joined)

	if !final && (partial > 0 || containsStopSuffix(joined, stop)) {
		return ""
	}

	a.pending = ""
	return joined[:len(joined)-partial]
}

// partialRuneSuffix is the length of the incomplete UTF-8 sequence s ends
// with, if any.
func partialRuneSuffix(s string) int {
	for i := 1; i <= utf8.UTFMax && i <= len(s); i++ {
		if tail := s[len(s)-i:]; utf8.RuneStart(tail[0]) {
			if utf8.FullRuneInString(tail) {
				return 0
			}
			return i
		}
	}
	return 0
}

// Generate writes the prompt, the per-sequence parameters and the post
// prompt, then reads until every sequence has ended. Outputs are in
// sequence order.
//
// When the token region cannot hold another read, or the iteration bound is
// reached, the result is returned as partial without an error. When ctx is
// done, the partial result is returned together with ctx.Err().
func (p *Processor) Generate(ctx context.Context, req Request) (*Result, error) {
	p.genMu.Lock()
	defer p.genMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	parallel := len(p.seqIDs)
	batchSize := p.lc.NumBatch()

	prompt, err := p.vocab.Tokenize(req.Prompt, true, true)
	if err != nil {
		return nil, fmt.Errorf("failed to tokenize prompt: %w", err)
	}

	var params [][]llama.Token
	if req.Parameters != nil {
		if len(req.Parameters) != parallel {
			return nil, fmt.Errorf("%w: %d parameters for %d sequences", ErrParameterCountMismatch, len(req.Parameters), parallel)
		}

		params = make([][]llama.Token, parallel)
		for i, s := range req.Parameters {
			if params[i], err = p.vocab.Tokenize(s, false, true); err != nil {
				return nil, fmt.Errorf("failed to tokenize parameter %d: %w", i, err)
			}

			if len(params[i])*parallel > batchSize {
				return nil, fmt.Errorf("%w: parameter '%s' is too long", ErrInputTooLong, s)
			}

			if len(params[i]) == 0 && req.PostPrompt == "" {
				return nil, fmt.Errorf("%w: parameter %d is empty", ErrEmptyInput, i)
			}
		}
	}

	var post []llama.Token
	if req.PostPrompt != "" {
		if post, err = p.vocab.Tokenize(req.PostPrompt, false, true); err != nil {
			return nil, fmt.Errorf("failed to tokenize post prompt: %w", err)
		}

		if len(post) > batchSize {
			return nil, fmt.Errorf("%w: post prompt '%s' is too long", ErrInputTooLong, req.PostPrompt)
		}
	}

	inputTokens := len(prompt) + len(post)
	for _, param := range params {
		inputTokens += len(param)
	}

	if inputTokens == 0 {
		return nil, ErrEmptyInput
	}

	if err := p.checkCapacity(inputTokens); err != nil {
		return nil, err
	}

	region := NewTokenRegion(p.RequiredContextSize(inputTokens))
	if err := p.write(region, prompt, params, post); err != nil {
		return nil, err
	}

	res := &Result{
		ID:           uuid.NewString(),
		Outputs:      make([]Output, parallel),
		PromptTokens: inputTokens,
	}
	for i := range res.Outputs {
		res.Outputs[i].SeqID = p.seqIDs[i]
	}

	accs := make([]accumulator, parallel)
	emit := func(i int, final bool) {
		if text := accs[i].flush(req.Stop, final); text != "" && req.Fn != nil {
			req.Fn(Chunk{Index: i, SeqID: p.seqIDs[i], Text: text})
		}
	}

	// finish records why a sequence ended, once
	finish := func(i int, reason DoneReason, err error) {
		if accs[i].done {
			return
		}
		accs[i].done = true
		res.Outputs[i].DoneReason = reason
		res.Outputs[i].Err = err
		emit(i, true)
	}

	readErr := p.read(ctx, region, req.Stop, res, accs, emit, finish)
	if readErr != nil && res.Err == nil {
		res.Partial, res.Err = true, readErr
	}

	for i := range accs {
		if !accs[i].done {
			finish(i, DoneReasonLength, nil)
		}
		res.Outputs[i].Text = accs[i].sb.String()
		res.Outputs[i].Tokens = accs[i].tokens
	}

	res.Cursor = p.Cursor()
	res.Duration = time.Since(start)

	p.mu.Lock()
	if res.Partial {
		p.state = StatePartial
	} else {
		p.state = StateCompleted
	}
	slog.Debug("generation finished", "id", res.ID, "state", p.state, "iterations", res.Iterations, "cursor", p.cursor, "duration", res.Duration)
	p.state = StateIdle
	p.mu.Unlock()

	return res, readErr
}

// write submits the prompt in batch-sized chunks followed by the parameters
// and the post prompt. Only the last write computes logits.
func (p *Processor) write(region *TokenRegion, prompt []llama.Token, params [][]llama.Token, post []llama.Token) error {
	batchSize := p.lc.NumBatch()
	last := params == nil && post == nil

	for start := 0; start < len(prompt); start += batchSize {
		n := min(batchSize, len(prompt)-start)
		window, err := region.Slice(n)
		if err != nil {
			return err
		}
		copy(window, prompt[start:start+n])

		if err := p.Write(SharedInput(window), last && start+n == len(prompt)); err != nil {
			return err
		}
	}

	if params != nil {
		windows := make([][]llama.Token, len(params))
		for i, param := range params {
			window, err := region.Slice(len(param))
			if err != nil {
				return err
			}
			copy(window, param)
			windows[i] = window
		}

		if err := p.Write(PerSequenceInput(windows...), post == nil); err != nil {
			return err
		}
	}

	if post != nil {
		window, err := region.Slice(len(post))
		if err != nil {
			return err
		}
		copy(window, post)

		if err := p.Write(SharedInput(window), true); err != nil {
			return err
		}
	}

	return nil
}

// read runs the read loop. Partial results that are not failures are
// recorded in res; the returned error ended the loop early.
func (p *Processor) read(ctx context.Context, region *TokenRegion, stop []string, res *Result, accs []accumulator, emit func(int, bool), finish func(int, DoneReason, error)) error {
	batchSize := p.lc.NumBatch()
	outputs := make([][]llama.Token, len(p.seqIDs))

	for {
		if err := ctx.Err(); err != nil {
			res.Partial, res.Err = true, err
			for i := range accs {
				finish(i, DoneReasonCanceled, nil)
			}
			return err
		}

		if p.maxIterations > 0 && res.Iterations >= p.maxIterations {
			slog.Warn("maximum read iterations reached, aborting", "iterations", res.Iterations)
			res.Partial, res.Err = true, ErrMaxIterations
			return nil
		}

		p.mu.Lock()
		for i := range outputs {
			outputs[i] = nil
			if !p.slots.pending(i) {
				continue
			}

			window, err := region.Slice(batchSize)
			if err != nil {
				p.mu.Unlock()
				return err
			}
			outputs[i] = window
		}
		p.mu.Unlock()

		rr, err := p.Read(ctx, outputs)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return err
		}
		res.Iterations++

		// every future is complete once Read returns
		for i, f := range rr.Sequences {
			sr, err := f.Wait(context.Background())
			if err != nil {
				slog.Warn("sequence failed", "seq", p.seqIDs[i], "error", err)
				finish(i, DoneReasonError, err)
				continue
			}

			if outputs[i] != nil && sr.N > 0 {
				tokens := outputs[i][:sr.N]
				accs[i].append(tokens, p.vocab.Detokenize(tokens, false, false))
			}

			if found, s := findStop(accs[i].sb.String(), stop); found && !accs[i].done {
				p.truncateStop(i, &accs[i], s)
				finish(i, DoneReasonStop, nil)
				continue
			}

			switch {
			case sr.Canceled:
				finish(i, DoneReasonCanceled, nil)
			case sr.Ended:
				finish(i, DoneReasonStop, nil)
			default:
				emit(i, false)
			}
		}

		left := p.SequencesLeft()
		logutil.Trace("read iteration", "iteration", res.Iterations, "left", left, "region", region.Position())
		slog.Debug("sequences left", "count", left)

		if p.progress != nil {
			p.progress(Progress{
				Iteration:     res.Iterations,
				SequencesLeft: left,
				RegionUsed:    region.Position(),
				RegionCap:     region.Cap(),
			})
		}

		if left == 0 {
			return nil
		}

		if !region.Fits(left * batchSize) {
			slog.Warn("output buffer will be full, aborting", "left", left, "remaining", region.Remaining(), "needed", left*batchSize)
			res.Partial, res.Err = true, ErrBufferExhausted
			return nil
		}
	}
}

// truncateStop cuts the text of sequence i before stop and ends it.
func (p *Processor) truncateStop(i int, acc *accumulator, stop string) {
	text := acc.sb.String()
	idx := strings.Index(text, stop)
	emitted := len(text) - len(acc.pending)

	acc.sb.Reset()
	acc.sb.WriteString(text[:idx])
	if idx >= emitted {
		acc.pending = text[emitted:idx]
	} else {
		acc.pending = ""
	}

	p.mu.Lock()
	p.slots.markDone(i)
	p.mu.Unlock()
}

// GenerateSingle generates the text of the only sequence. When ctx ends
// the generation early, the partial text is returned with the error.
func (p *Processor) GenerateSingle(ctx context.Context, prompt string) (string, error) {
	if len(p.seqIDs) != 1 {
		return "", fmt.Errorf("%w: there are %d sequences", ErrUnsupportedArity, len(p.seqIDs))
	}

	res, err := p.Generate(ctx, Request{Prompt: prompt})
	if err != nil {
		if res != nil && len(res.Outputs) > 0 {
			return res.Outputs[0].Text, err
		}
		return "", err
	}

	if o := res.Outputs[0]; o.Err != nil {
		return o.Text, o.Err
	}
	return res.Outputs[0].Text, nil
}

// GenerateAsync runs Generate on its own goroutine. The future is rejected
// when Generate returns an error, even if a partial result exists.
func (p *Processor) GenerateAsync(ctx context.Context, req Request) *Future[*Result] {
	f := NewFuture[*Result]()
	go func() {
		res, err := p.Generate(ctx, req)
		if err != nil {
			f.Reject(err)
			return
		}
		f.Resolve(res)
	}()
	return f
}

// IsConfigurationError reports whether err was caused by the request or the
// processor configuration rather than by the engine.
func IsConfigurationError(err error) bool {
	for _, target := range []error{
		ErrCapacityExceeded,
		ErrParameterCountMismatch,
		ErrInputTooLong,
		ErrUnsupportedArity,
		ErrAlreadyInUse,
		ErrTooManySequences,
		ErrNoSequences,
		ErrEmptyInput,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
