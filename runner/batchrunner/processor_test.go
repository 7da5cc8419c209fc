package batchrunner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/llamabatch/llama"
)

// step is what the fake engine produces for a sequence in one read.
type step struct {
	tokens []llama.Token
	eog    bool
	err    error
}

type fakeContext struct {
	numCtx    int
	numBatch  int
	numSeqMax int

	mu      sync.Mutex
	inUse   bool
	script  [][]step
	next    []int
	decodes int
	samples int
	// windows records, per read, which sequences were given an output
	windows [][]bool

	decodeErr error
}

func newFakeContext(numCtx, numBatch, numSeqMax int, script ...[]step) *fakeContext {
	return &fakeContext{
		numCtx:    numCtx,
		numBatch:  numBatch,
		numSeqMax: numSeqMax,
		script:    script,
		next:      make([]int, len(script)),
	}
}

func (c *fakeContext) NumCtx() int                    { return c.numCtx }
func (c *fakeContext) NumBatch() int                  { return c.numBatch }
func (c *fakeContext) NumSeqMax() int                 { return c.numSeqMax }
func (c *fakeContext) PoolingType() llama.PoolingType { return llama.PoolingTypeNone }
func (c *fakeContext) NoOutputID() int32              { return int32(c.numBatch) }

func (c *fakeContext) Acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inUse {
		return llama.ErrContextInUse
	}
	c.inUse = true
	return nil
}

func (c *fakeContext) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inUse = false
}

func (c *fakeContext) DecodeSequences(_ *llama.SamplerChain, pos llama.Pos, inputs [][]llama.Token, _ []llama.SeqId, outputIDs []int32, logits bool) (llama.Pos, error) {
	c.decodes++
	if c.decodeErr != nil {
		return pos, c.decodeErr
	}

	var total int
	for _, input := range inputs {
		total += len(input)
	}

	if logits {
		for j := range outputIDs {
			outputIDs[j] = 0
		}
	}
	return pos + llama.Pos(total), nil
}

func (c *fakeContext) SampleSequences(_ *llama.SamplerChain, _ llama.Sampler, pos llama.Pos, outputs [][]llama.Token, _ []llama.SeqId, outputIDs []int32, done llama.CompletionFunc) (llama.Pos, error) {
	c.samples++
	noOutput := c.NoOutputID()

	given := make([]bool, len(outputs))
	var longest int
	for i := range outputs {
		given[i] = outputs[i] != nil
		if outputs[i] == nil || outputIDs[i] == noOutput {
			continue
		}

		if c.next[i] >= len(c.script[i]) {
			outputIDs[i] = noOutput
			done(i, 0, nil)
			continue
		}

		s := c.script[i][c.next[i]]
		c.next[i]++

		if s.err != nil {
			outputIDs[i] = noOutput
			done(i, 0, s.err)
			continue
		}

		n := copy(outputs[i], s.tokens)
		longest = max(longest, n)
		if s.eog {
			outputIDs[i] = noOutput
		}
		done(i, n, nil)
	}

	c.windows = append(c.windows, given)
	return pos + llama.Pos(longest), nil
}

// countingSampler stands in for a validating sampler.
type countingSampler struct {
	resets int
}

func (s *countingSampler) Name() string                      { return "counting" }
func (s *countingSampler) Apply(*llama.TokenDataArray) error { return nil }
func (s *countingSampler) Accept(llama.Token)                {}
func (s *countingSampler) Reset()                            { s.resets++ }

var testVocab = llama.NewVocab([]string{"Write", " ", "\n", "HEL", "LO", "A", "B", "C"}, true)

func tokens(t *testing.T, s string) []llama.Token {
	t.Helper()
	ts, err := testVocab.Tokenize(s, false, false)
	require.NoError(t, err)
	return ts
}

func repeatStep(s step, n int) []step {
	steps := make([]step, n)
	for i := range steps {
		steps[i] = s
	}
	return steps
}

func newTestProcessor(t *testing.T, lc Context, seqs SequenceSet, opts ...Option) (*Processor, *llama.SamplerChain) {
	t.Helper()

	chain, err := llama.NewSamplerChain(llama.NewGreedy())
	require.NoError(t, err)
	t.Cleanup(func() { chain.Close() })

	p, err := New(lc, testVocab, chain, nil, seqs, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, chain
}

func sequences(t *testing.T, n int) SequenceSet {
	t.Helper()
	seqs, err := Sequences(n)
	require.NoError(t, err)
	return seqs
}

func TestGenerateSingleSequence(t *testing.T) {
	lc := newFakeContext(512, 16, 4, []step{
		{tokens: tokens(t, "HELLO\n")},
		{eog: true},
	})
	p, chain := newTestProcessor(t, lc, sequences(t, 1))

	res, err := p.Generate(context.Background(), Request{Prompt: "Write HELLO\nHELLO\n"})
	require.NoError(t, err)

	require.Len(t, res.Outputs, 1)
	assert.Equal(t, "HELLO\n", res.Outputs[0].Text)
	assert.Len(t, res.Outputs[0].Tokens, 3)
	assert.Equal(t, DoneReasonStop, res.Outputs[0].DoneReason)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 2, lc.samples)
	assert.Equal(t, 1, lc.decodes)
	assert.Equal(t, 9, res.PromptTokens)
	assert.False(t, res.Partial)
	assert.NoError(t, res.Err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, StateIdle, p.State())
	assert.Equal(t, 1, chain.Resets())
}

func TestGenerateSequencesLeft(t *testing.T) {
	lc := newFakeContext(1024, 16, 4,
		[]step{{tokens: tokens(t, "A")}, {tokens: tokens(t, "A")}, {tokens: tokens(t, "A"), eog: true}},
		[]step{{tokens: tokens(t, "B"), eog: true}, {tokens: tokens(t, "B")}},
		[]step{{tokens: tokens(t, "C")}, {tokens: tokens(t, "C")}, {tokens: tokens(t, "C"), eog: true}},
	)

	var left []int
	p, _ := newTestProcessor(t, lc, sequences(t, 3), WithProgress(func(pr Progress) {
		left = append(left, pr.SequencesLeft)
	}))

	res, err := p.Generate(context.Background(), Request{Prompt: "Write"})
	require.NoError(t, err)

	assert.Equal(t, []int{2, 2, 0}, left)
	assert.Equal(t, []string{"AAA", "B", "CCC"}, res.Texts())
	assert.Equal(t, 3, res.Iterations)

	// no window for the ended sequence
	require.Len(t, lc.windows, 3)
	assert.Equal(t, []bool{true, true, true}, lc.windows[0])
	assert.Equal(t, []bool{true, false, true}, lc.windows[1])
	assert.Equal(t, []bool{true, false, true}, lc.windows[2])
	assert.Equal(t, 1, lc.next[1])
}

func TestGenerateBufferExhausted(t *testing.T) {
	lc := newFakeContext(512, 16, 4,
		repeatStep(step{tokens: tokens(t, "A")}, 5),
		repeatStep(step{tokens: tokens(t, "B")}, 5),
	)
	p, _ := newTestProcessor(t, lc, sequences(t, 2), WithSafetyFactor(1))

	res, err := p.Generate(context.Background(), Request{Prompt: "Write"})
	require.NoError(t, err)

	assert.True(t, res.Partial)
	assert.ErrorIs(t, res.Err, ErrBufferExhausted)
	assert.Equal(t, []string{"A", "B"}, res.Texts())
	assert.Equal(t, 1, lc.samples)
	for _, o := range res.Outputs {
		assert.Equal(t, DoneReasonLength, o.DoneReason)
	}
	assert.Equal(t, StateIdle, p.State())
}

func TestGenerateMaxIterations(t *testing.T) {
	lc := newFakeContext(512, 16, 4, repeatStep(step{tokens: tokens(t, "A")}, 10))
	p, _ := newTestProcessor(t, lc, sequences(t, 1), WithMaxIterations(2))

	res, err := p.Generate(context.Background(), Request{Prompt: "Write"})
	require.NoError(t, err)

	assert.True(t, res.Partial)
	assert.ErrorIs(t, res.Err, ErrMaxIterations)
	assert.Equal(t, "AA", res.Outputs[0].Text)
	assert.Equal(t, 2, lc.samples)
}

func TestGenerateCapacityExceeded(t *testing.T) {
	// exactly enough for the output reserve, nothing for the prompt
	lc := newFakeContext(160, 16, 4, []step{{eog: true}})
	p, _ := newTestProcessor(t, lc, sequences(t, 1))

	_, err := p.Generate(context.Background(), Request{Prompt: "Write"})
	require.ErrorIs(t, err, ErrCapacityExceeded)
	assert.True(t, IsConfigurationError(err))
	assert.Contains(t, err.Error(), "Reduce parallel or increase context size")
	assert.Zero(t, lc.decodes)
	assert.Zero(t, lc.samples)
}

func TestGenerateResetsOncePerCycle(t *testing.T) {
	lc := newFakeContext(512, 4, 4,
		repeatStep(step{eog: true}, 2),
		repeatStep(step{eog: true}, 2),
	)

	chain, err := llama.NewSamplerChain(llama.NewGreedy())
	require.NoError(t, err)
	defer chain.Close()

	grammar := &countingSampler{}
	p, err := New(lc, testVocab, chain, grammar, sequences(t, 2))
	require.NoError(t, err)
	defer p.Close()

	req := Request{
		Prompt:     "Write HELLO\nHELLO\n",
		Parameters: []string{"A", "B"},
		PostPrompt: "\n",
	}

	_, err = p.Generate(context.Background(), req)
	require.NoError(t, err)

	// three prompt chunks, the parameters and the post prompt
	assert.Equal(t, 5, lc.decodes)
	assert.Equal(t, 1, p.Resets())
	assert.Equal(t, 1, chain.Resets())
	assert.Equal(t, 1, grammar.resets)

	_, err = p.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 2, p.Resets())
	assert.Equal(t, 2, chain.Resets())
	assert.Equal(t, 2, grammar.resets)
}

func TestGenerateSortedOutputs(t *testing.T) {
	lc := newFakeContext(1024, 16, 16,
		[]step{{tokens: tokens(t, "A"), eog: true}},
		[]step{{tokens: tokens(t, "B"), eog: true}},
		[]step{{tokens: tokens(t, "C"), eog: true}},
	)

	seqs, err := NewSequenceSet(9, 2, 5, 2)
	require.NoError(t, err)

	p, _ := newTestProcessor(t, lc, seqs)
	res, err := p.Generate(context.Background(), Request{Prompt: "Write"})
	require.NoError(t, err)

	var ids []llama.SeqId
	for _, o := range res.Outputs {
		ids = append(ids, o.SeqID)
	}
	assert.Equal(t, []llama.SeqId{2, 5, 9}, ids)
	assert.Equal(t, "A"+Separator+"B"+Separator+"C", res.Joined(Separator))
}

func TestGenerateInvalidRequests(t *testing.T) {
	cases := []struct {
		name string
		req  Request
		err  error
	}{
		{"parameter count", Request{Prompt: "Write", Parameters: []string{"A", "B", "C"}}, ErrParameterCountMismatch},
		{"parameter too long", Request{Prompt: "Write", Parameters: []string{"HELLOHELLOHEL", "A"}}, ErrInputTooLong},
		{"post prompt too long", Request{Prompt: "Write", PostPrompt: "HELLOHELLOHEL"}, ErrInputTooLong},
		{"empty parameter", Request{Prompt: "Write", Parameters: []string{"A", ""}}, ErrEmptyInput},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			lc := newFakeContext(512, 4, 4)
			p, _ := newTestProcessor(t, lc, sequences(t, 2))

			_, err := p.Generate(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.err)
			assert.True(t, IsConfigurationError(err))
			assert.Zero(t, lc.decodes)
			assert.Equal(t, StateIdle, p.State())
		})
	}
}

func TestGenerateEmptyInput(t *testing.T) {
	lc := newFakeContext(512, 16, 4)

	chain, err := llama.NewSamplerChain(llama.NewGreedy())
	require.NoError(t, err)
	defer chain.Close()

	// no BOS, so an empty prompt is no input at all
	vocab := llama.NewVocab([]string{"A"}, false)
	p, err := New(lc, vocab, chain, nil, sequences(t, 1))
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Generate(context.Background(), Request{})
	require.ErrorIs(t, err, ErrEmptyInput)
	assert.Zero(t, lc.decodes)
}

func TestGenerateSingle(t *testing.T) {
	t.Run("one sequence", func(t *testing.T) {
		lc := newFakeContext(512, 16, 4, []step{{tokens: tokens(t, "HELLO"), eog: true}})
		p, _ := newTestProcessor(t, lc, sequences(t, 1))

		text, err := p.GenerateSingle(context.Background(), "Write")
		require.NoError(t, err)
		assert.Equal(t, "HELLO", text)
	})

	t.Run("unsupported arity", func(t *testing.T) {
		lc := newFakeContext(512, 16, 4)
		p, _ := newTestProcessor(t, lc, sequences(t, 2))

		_, err := p.GenerateSingle(context.Background(), "Write")
		require.ErrorIs(t, err, ErrUnsupportedArity)
		assert.Zero(t, lc.decodes)
	})

	t.Run("canceled keeps partial text", func(t *testing.T) {
		lc := newFakeContext(512, 16, 4, repeatStep(step{tokens: tokens(t, "A")}, 10))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		p, _ := newTestProcessor(t, lc, sequences(t, 1), WithProgress(func(Progress) { cancel() }))

		text, err := p.GenerateSingle(ctx, "Write")
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, "A", text)
	})
}

func TestGenerateAsync(t *testing.T) {
	lc := newFakeContext(512, 16, 4, []step{{tokens: tokens(t, "A"), eog: true}})
	p, _ := newTestProcessor(t, lc, sequences(t, 1))

	res, err := p.GenerateAsync(context.Background(), Request{Prompt: "Write"}).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, res.Texts())

	_, err = p.GenerateAsync(context.Background(), Request{Prompt: "Write", Parameters: []string{"A", "B"}}).Wait(context.Background())
	require.ErrorIs(t, err, ErrParameterCountMismatch)
}

func TestGenerateSequenceError(t *testing.T) {
	boom := errors.New("boom")
	lc := newFakeContext(1024, 16, 4,
		[]step{{tokens: tokens(t, "A")}, {err: boom}},
		[]step{{tokens: tokens(t, "B")}, {tokens: tokens(t, "B"), eog: true}},
	)
	p, _ := newTestProcessor(t, lc, sequences(t, 2))

	res, err := p.Generate(context.Background(), Request{Prompt: "Write"})
	require.NoError(t, err)
	assert.False(t, res.Partial)

	failed := res.Outputs[0]
	assert.Equal(t, "A", failed.Text)
	assert.Equal(t, DoneReasonError, failed.DoneReason)
	require.ErrorIs(t, failed.Err, boom)

	var serr *SequenceError
	require.ErrorAs(t, failed.Err, &serr)
	assert.Equal(t, llama.SeqId(0), serr.SeqID)

	assert.Equal(t, "BB", res.Outputs[1].Text)
	assert.Equal(t, DoneReasonStop, res.Outputs[1].DoneReason)
	assert.NoError(t, res.Outputs[1].Err)
}

func TestGenerateWriteError(t *testing.T) {
	lc := newFakeContext(512, 16, 4)
	lc.decodeErr = llama.ErrKvCacheFull
	p, _ := newTestProcessor(t, lc, sequences(t, 1))

	_, err := p.Generate(context.Background(), Request{Prompt: "Write"})
	require.ErrorIs(t, err, llama.ErrKvCacheFull)
	assert.False(t, IsConfigurationError(err))
	assert.Equal(t, StateIdle, p.State())
	assert.Zero(t, lc.samples)
}

func TestGenerateStop(t *testing.T) {
	lc := newFakeContext(512, 16, 4, []step{
		{tokens: tokens(t, "HEL")},
		{tokens: tokens(t, "LO")},
		{tokens: tokens(t, "A"), eog: true},
	})
	p, _ := newTestProcessor(t, lc, sequences(t, 1))

	var chunks []string
	res, err := p.Generate(context.Background(), Request{
		Prompt: "Write",
		Stop:   []string{"LO"},
		Fn:     func(c Chunk) { chunks = append(chunks, c.Text) },
	})
	require.NoError(t, err)

	assert.Equal(t, "HEL", res.Outputs[0].Text)
	assert.Equal(t, DoneReasonStop, res.Outputs[0].DoneReason)
	assert.Equal(t, []string{"HEL"}, chunks)
	assert.Equal(t, 2, res.Iterations)
}

func TestGenerateStreaming(t *testing.T) {
	lc := newFakeContext(1024, 16, 4,
		[]step{{tokens: tokens(t, "HEL")}, {tokens: tokens(t, "LO"), eog: true}},
		[]step{{tokens: tokens(t, "A")}, {tokens: tokens(t, "B")}, {tokens: tokens(t, "C"), eog: true}},
	)
	p, _ := newTestProcessor(t, lc, sequences(t, 2))

	streamed := make([]strings.Builder, 2)
	res, err := p.Generate(context.Background(), Request{
		Prompt: "Write",
		Fn: func(c Chunk) {
			assert.Equal(t, llama.SeqId(c.Index), c.SeqID)
			streamed[c.Index].WriteString(c.Text)
		},
	})
	require.NoError(t, err)

	for i, o := range res.Outputs {
		assert.Equal(t, o.Text, streamed[i].String())
	}
	assert.Equal(t, []string{"HELLO", "ABC"}, res.Texts())
}

func TestGenerateCancel(t *testing.T) {
	lc := newFakeContext(1024, 16, 4,
		repeatStep(step{tokens: tokens(t, "A")}, 10),
		[]step{{tokens: tokens(t, "B")}, {tokens: tokens(t, "B"), eog: true}},
	)

	var p *Processor
	p, _ = newTestProcessor(t, lc, sequences(t, 2), WithProgress(func(pr Progress) {
		if pr.Iteration == 1 {
			require.NoError(t, p.Cancel(0))
		}
	}))

	res, err := p.Generate(context.Background(), Request{Prompt: "Write"})
	require.NoError(t, err)

	assert.Equal(t, "A", res.Outputs[0].Text)
	assert.Equal(t, DoneReasonCanceled, res.Outputs[0].DoneReason)
	assert.Equal(t, "BB", res.Outputs[1].Text)
	assert.Equal(t, 1, lc.next[0])

	require.ErrorIs(t, p.Cancel(7), ErrUnknownSequence)
}

func TestGenerateContextCanceled(t *testing.T) {
	lc := newFakeContext(512, 16, 4, repeatStep(step{tokens: tokens(t, "A")}, 10))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, _ := newTestProcessor(t, lc, sequences(t, 1), WithProgress(func(Progress) { cancel() }))

	res, err := p.Generate(ctx, Request{Prompt: "Write"})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)

	assert.True(t, res.Partial)
	assert.Equal(t, "A", res.Outputs[0].Text)
	assert.Equal(t, DoneReasonCanceled, res.Outputs[0].DoneReason)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, StateIdle, p.State())

	_, err = p.Generate(ctx, Request{Prompt: "Write"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNew(t *testing.T) {
	t.Run("too many sequences", func(t *testing.T) {
		chain, _ := llama.NewSamplerChain(llama.NewGreedy())
		defer chain.Close()

		_, err := New(newFakeContext(1024, 16, 2), testVocab, chain, nil, sequences(t, 3))
		require.ErrorIs(t, err, ErrTooManySequences)
	})

	t.Run("capacity", func(t *testing.T) {
		chain, _ := llama.NewSamplerChain(llama.NewGreedy())
		defer chain.Close()

		lc := newFakeContext(100, 16, 4)
		_, err := New(lc, testVocab, chain, nil, sequences(t, 1))
		require.ErrorIs(t, err, ErrCapacityExceeded)
		assert.False(t, lc.inUse)
	})

	t.Run("no sequences", func(t *testing.T) {
		chain, _ := llama.NewSamplerChain(llama.NewGreedy())
		defer chain.Close()

		_, err := New(newFakeContext(1024, 16, 4), testVocab, chain, nil, SequenceSet{})
		require.ErrorIs(t, err, ErrNoSequences)
	})

	t.Run("already in use", func(t *testing.T) {
		chain, _ := llama.NewSamplerChain(llama.NewGreedy())
		defer chain.Close()

		lc := newFakeContext(1024, 16, 4)
		p, err := New(lc, testVocab, chain, nil, sequences(t, 1))
		require.NoError(t, err)

		_, err = New(lc, testVocab, chain, nil, sequences(t, 1))
		require.ErrorIs(t, err, ErrAlreadyInUse)
		require.ErrorIs(t, err, llama.ErrContextInUse)

		require.NoError(t, p.Close())
		require.ErrorIs(t, p.Close(), ErrClosed)

		p, err = New(lc, testVocab, chain, nil, sequences(t, 1))
		require.NoError(t, err)
		require.NoError(t, p.Close())
	})
}

func TestReadRequiresWriteCycle(t *testing.T) {
	lc := newFakeContext(512, 16, 4, []step{{tokens: tokens(t, "A"), eog: true}})
	p, _ := newTestProcessor(t, lc, sequences(t, 1))

	outputs := [][]llama.Token{make([]llama.Token, 16)}

	_, err := p.Read(context.Background(), outputs)
	require.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, p.Write(SharedInput(tokens(t, "Write")), false))
	assert.Equal(t, StateWriting, p.State())

	_, err = p.Read(context.Background(), outputs)
	require.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, p.Write(SharedInput(tokens(t, " ")), true))
	assert.Equal(t, StateSamplerReset, p.State())
	assert.Equal(t, llama.Pos(2), p.Cursor())

	rr, err := p.Read(context.Background(), outputs)
	require.NoError(t, err)
	assert.True(t, rr.AllDone())
	assert.Equal(t, StateCompleted, p.State())

	reads, err := AllOf(context.Background(), rr.Sequences...)
	require.NoError(t, err)
	assert.Equal(t, SequenceRead{N: 1, Ended: true}, reads[0])

	_, err = p.Read(context.Background(), [][]llama.Token{nil, nil})
	require.ErrorIs(t, err, ErrParameterCountMismatch)
}

func TestWrite(t *testing.T) {
	lc := newFakeContext(512, 4, 4)
	p, _ := newTestProcessor(t, lc, sequences(t, 2))

	err := p.Write(PerSequenceInput(tokens(t, "A")), true)
	require.ErrorIs(t, err, ErrParameterCountMismatch)

	err = p.Write(SharedInput(tokens(t, "AAAAA")), true)
	require.ErrorIs(t, err, ErrInputTooLong)
	assert.Zero(t, lc.decodes)

	require.NoError(t, p.WriteTokens(tokens(t, "AAAAAAAAAA"), true))
	assert.Equal(t, 3, lc.decodes)
	assert.Equal(t, 1, p.Resets())
	assert.Equal(t, 2, p.SequencesLeft())

	require.NoError(t, p.Close())
	require.ErrorIs(t, p.Write(SharedInput(tokens(t, "A")), true), ErrClosed)
}

func TestReadAsync(t *testing.T) {
	lc := newFakeContext(512, 16, 4,
		[]step{{tokens: tokens(t, "A"), eog: true}},
		[]step{{tokens: tokens(t, "B")}},
	)
	p, _ := newTestProcessor(t, lc, sequences(t, 2))

	require.NoError(t, p.WriteTokens(tokens(t, "Write"), true))

	outputs := [][]llama.Token{make([]llama.Token, 16), make([]llama.Token, 16)}
	rr, err := p.ReadAsync(context.Background(), outputs).Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rr.Left)
	first, err := rr.Sequences[0].Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, first.Ended)

	second, err := rr.Sequences[1].Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SequenceRead{N: 1}, second)
	assert.Equal(t, "B", testVocab.Detokenize(outputs[1][:second.N], false, false))
}
