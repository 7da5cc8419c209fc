package llama

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func ids(a *TokenDataArray) []Token {
	ids := make([]Token, len(a.Data))
	for i, td := range a.Data {
		ids[i] = td.ID
	}
	return ids
}

func TestTopK(t *testing.T) {
	a := newTokenDataArray([]float32{1, 4, 2, 3})
	if err := NewTopK(2).Apply(a); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]Token{1, 3}, ids(a)); diff != "" {
		t.Errorf("top-k mismatch (-want +got):\n%s", diff)
	}

	a = newTokenDataArray([]float32{1, 2})
	if err := NewTopK(0).Apply(a); err != nil {
		t.Fatal(err)
	}

	if len(a.Data) != 2 {
		t.Errorf("top-k of 0 should keep every candidate, got %d", len(a.Data))
	}
}

func TestTopPMinP(t *testing.T) {
	logits := []float32{float32(math.Log(0.5)), float32(math.Log(0.3)), float32(math.Log(0.15)), float32(math.Log(0.05))}

	a := newTokenDataArray(logits)
	if err := NewTopP(0.7, 1).Apply(a); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]Token{0, 1}, ids(a)); diff != "" {
		t.Errorf("top-p mismatch (-want +got):\n%s", diff)
	}

	a = newTokenDataArray(logits)
	if err := NewMinP(0.2, 1).Apply(a); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]Token{0, 1, 2}, ids(a)); diff != "" {
		t.Errorf("min-p mismatch (-want +got):\n%s", diff)
	}
}

func TestPenalties(t *testing.T) {
	p := NewPenalties(2, 2, 0, 0)
	p.Accept(1)
	p.Accept(2)
	p.Accept(3)

	if diff := cmp.Diff([]Token{2, 3}, p.History()); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	a := newTokenDataArray([]float32{4, 4, 4, -4})
	if err := p.Apply(a); err != nil {
		t.Fatal(err)
	}

	want := []float32{4, 4, 2, -8}
	got := make([]float32, len(a.Data))
	for i, td := range a.Data {
		got[i] = td.Logit
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("penalized logits mismatch (-want +got):\n%s", diff)
	}

	p.Reset()
	if len(p.History()) != 0 {
		t.Errorf("Reset() should clear the history, got %v", p.History())
	}
}

func TestDistReset(t *testing.T) {
	logits := []float32{1, 1, 1, 1, 1, 1, 1, 1}
	d := NewDist(42)

	draw := func() []Token {
		var tokens []Token
		for range 10 {
			a := newTokenDataArray(logits)
			if err := d.Apply(a); err != nil {
				t.Fatal(err)
			}
			tokens = append(tokens, a.Data[a.Selected].ID)
		}
		return tokens
	}

	first := draw()
	d.Reset()
	if diff := cmp.Diff(first, draw()); diff != "" {
		t.Errorf("Reset() should replay the same draws (-first +second):\n%s", diff)
	}
}

func TestDistNoCandidates(t *testing.T) {
	inf := float32(math.Inf(-1))
	a := newTokenDataArray([]float32{inf, inf})
	if err := NewDist(1).Apply(a); err != nil {
		t.Fatal(err)
	}

	if a.Selected != -1 {
		t.Errorf("Selected = %d, want -1", a.Selected)
	}
}

func TestSamplerChainOwnership(t *testing.T) {
	greedy := NewGreedy()

	first, err := NewSamplerChain(greedy)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewSamplerChain(greedy); !errors.Is(err, errSamplerOwned) {
		t.Errorf("expected errSamplerOwned, got %v", err)
	}

	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second, err := NewSamplerChain(greedy)
	if err != nil {
		t.Fatalf("a closed chain should release its samplers: %v", err)
	}

	if err := second.Add(NewTemp(1)); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"greedy", "temp"}, second.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}

	second.Close()
	if err := second.Add(NewTemp(1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Add() on a closed chain = %v", err)
	}
}

func TestSamplerChainReset(t *testing.T) {
	penalties := NewPenalties(8, 1.1, 0, 0)
	chain, err := NewSamplerChain(penalties, NewGreedy())
	if err != nil {
		t.Fatal(err)
	}
	defer chain.Close()

	chain.Accept(5)
	chain.Accept(6)
	chain.Reset()

	if chain.Resets() != 1 {
		t.Errorf("Resets() = %d", chain.Resets())
	}

	if len(penalties.History()) != 0 {
		t.Errorf("history after reset = %v", penalties.History())
	}
}

func TestDefaultSamplerChain(t *testing.T) {
	params := DefaultSamplerChainParams()
	params.Seed = 1

	chain, err := NewDefaultSamplerChain(params)
	if err != nil {
		t.Fatal(err)
	}
	defer chain.Close()

	if diff := cmp.Diff([]string{"penalties", "top-k", "top-p", "min-p", "temp", "dist"}, chain.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}

	params.Temperature = 0
	greedy, err := NewDefaultSamplerChain(params)
	if err != nil {
		t.Fatal(err)
	}
	defer greedy.Close()

	if diff := cmp.Diff([]string{"penalties", "greedy"}, greedy.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestSamplerChainParamsFromMap(t *testing.T) {
	params := DefaultSamplerChainParams()
	if err := params.FromMap(map[string]any{"temperature": 0.2, "top_k": "10", "seed": 7}); err != nil {
		t.Fatal(err)
	}

	if params.Temperature != 0.2 || params.TopK != 10 || params.Seed != 7 {
		t.Errorf("unexpected params %+v", params)
	}

	if err := params.FromMap(map[string]any{"unknown": 1}); err == nil {
		t.Error("expected an error for an unknown key")
	}
}

func TestContextParamsFromMap(t *testing.T) {
	params := DefaultContextParams()
	if err := params.FromMap(map[string]any{"n_ctx": 2048, "n_batch": 128, "pooling_type": "mean"}); err != nil {
		t.Fatal(err)
	}

	if params.NumCtx != 2048 || params.NumBatch != 128 || params.PoolingType != PoolingTypeMean {
		t.Errorf("unexpected params %+v", params)
	}

	if err := params.FromMap(map[string]any{"pooling_type": "sum"}); err == nil {
		t.Error("expected an error for an unknown pooling type")
	}
}

func TestEnumStrings(t *testing.T) {
	cases := []struct {
		got, want string
	}{
		{PoolingTypeUnspecified.String(), "unspecified"},
		{PoolingTypeCLS.String(), "cls"},
		{RopeScalingTypeYarn.String(), "yarn"},
		{AttentionTypeNonCausal.String(), "non-causal"},
		{PoolingType(42).String(), "PoolingType(42)"},
	}

	for _, tt := range cases {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}

	if int32(PoolingTypeNone) != 0 || int32(RopeScalingTypeLinear) != 1 || int32(AttentionTypeCausal) != 0 {
		t.Error("enum values must match the engine constants")
	}
}
