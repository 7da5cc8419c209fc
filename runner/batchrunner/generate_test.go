package batchrunner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/llamabatch/llama"
)

func newTestModelContext(t *testing.T) (*llama.Model, *llama.Context) {
	t.Helper()

	m, err := llama.NewModelFromCorpus(llama.NewBackend(), "the cat sat", llama.DefaultCorpusParams())
	require.NoError(t, err)

	params := llama.DefaultContextParams()
	params.NumCtx = 256
	params.NumBatch = 8
	params.NumSeqMax = 2

	lc, err := llama.NewContextWithModel(m, params)
	require.NoError(t, err)
	t.Cleanup(func() { lc.Close() })
	return m, lc
}

func TestGenerateWithModel(t *testing.T) {
	m, lc := newTestModelContext(t)

	chain, err := llama.NewSamplerChain(llama.NewGreedy())
	require.NoError(t, err)
	defer chain.Close()

	p, err := New(lc, m.Vocab(), chain, nil, sequences(t, 2))
	require.NoError(t, err)
	defer p.Close()

	assert.True(t, lc.InUse())

	res, err := p.Generate(context.Background(), Request{Prompt: "the"})
	require.NoError(t, err)
	assert.Equal(t, []string{" cat sat", " cat sat"}, res.Texts())
	assert.False(t, res.Partial)

	res, err = p.Generate(context.Background(), Request{Parameters: []string{"the", " cat"}})
	require.NoError(t, err)
	assert.Equal(t, []string{" cat sat", " sat"}, res.Texts())
	assert.Equal(t, 2, chain.Resets())

	res, err = p.Generate(context.Background(), Request{Prompt: "the", Stop: []string{" sat"}})
	require.NoError(t, err)
	assert.Equal(t, []string{" cat", " cat"}, res.Texts())

	require.NoError(t, p.Close())
	assert.False(t, lc.InUse())
}

func TestGenerateWithPattern(t *testing.T) {
	m, lc := newTestModelContext(t)

	chain, err := llama.NewSamplerChain(llama.NewGreedy())
	require.NoError(t, err)
	defer chain.Close()

	grammar, err := llama.NewPatternSampler(m.Vocab(), `^x$`)
	require.NoError(t, err)

	p, err := New(lc, m.Vocab(), chain, grammar, sequences(t, 1))
	require.NoError(t, err)
	defer p.Close()

	text, err := p.GenerateSingle(context.Background(), "the")
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestReadUnevenWindows(t *testing.T) {
	m, err := llama.NewModelFromCorpus(llama.NewBackend(), "a b c d e f g h", llama.DefaultCorpusParams())
	require.NoError(t, err)

	params := llama.DefaultContextParams()
	params.NumCtx = 256
	params.NumBatch = 8
	params.NumSeqMax = 2

	lc, err := llama.NewContextWithModel(m, params)
	require.NoError(t, err)
	defer lc.Close()

	chain, err := llama.NewSamplerChain(llama.NewGreedy())
	require.NoError(t, err)
	defer chain.Close()

	p, err := New(lc, m.Vocab(), chain, nil, sequences(t, 2))
	require.NoError(t, err)
	defer p.Close()

	prompt, err := m.Tokenize("a", true, false)
	require.NoError(t, err)
	require.NoError(t, p.WriteTokens(prompt, true))

	read := func(outputs [][]llama.Token) []string {
		t.Helper()

		rr, err := p.Read(context.Background(), outputs)
		require.NoError(t, err)

		texts := make([]string, len(outputs))
		for i, f := range rr.Sequences {
			sr, err := f.Wait(context.Background())
			require.NoError(t, err)
			texts[i] = m.Vocab().Detokenize(outputs[i][:sr.N], false, false)
		}
		return texts
	}

	assert.Equal(t, []string{" b", " b c d e"}, read([][]llama.Token{make([]llama.Token, 1), make([]llama.Token, 4)}))
	assert.Equal(t, []string{" c d e", ""}, read([][]llama.Token{make([]llama.Token, 3), nil}))
	assert.Equal(t, 2, p.SequencesLeft())
}
