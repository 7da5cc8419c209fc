package llama

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
)

type TokenData struct {
	ID    Token
	Logit float32
	P     float32
}

// TokenDataArray is the candidate set a sampler stage works on. Selected is
// the index of the chosen candidate, or -1.
type TokenDataArray struct {
	Data     []TokenData
	Selected int
	Sorted   bool
}

func newTokenDataArray(logits []float32) *TokenDataArray {
	data := make([]TokenData, len(logits))
	for i, logit := range logits {
		data[i] = TokenData{ID: Token(i), Logit: logit}
	}
	return &TokenDataArray{Data: data, Selected: -1}
}

func (a *TokenDataArray) sortByLogit() {
	if a.Sorted {
		return
	}

	slices.SortStableFunc(a.Data, func(x, y TokenData) int {
		switch {
		case x.Logit > y.Logit:
			return -1
		case x.Logit < y.Logit:
			return 1
		}
		return 0
	})
	a.Sorted = true
}

// softmax fills P from the logits of the candidates that are still valid.
func (a *TokenDataArray) softmax() {
	a.sortByLogit()
	if len(a.Data) == 0 {
		return
	}

	maxLogit := a.Data[0].Logit
	var sum float64
	for i := range a.Data {
		p := math.Exp(float64(a.Data[i].Logit - maxLogit))
		a.Data[i].P = float32(p)
		sum += p
	}

	for i := range a.Data {
		a.Data[i].P = float32(float64(a.Data[i].P) / sum)
	}
}

// valid drops candidates that an earlier stage ruled out.
func (a *TokenDataArray) valid() {
	a.Data = slices.DeleteFunc(a.Data, func(td TokenData) bool {
		return math.IsInf(float64(td.Logit), -1)
	})
}

// Sampler is one stage of a token selection pipeline.
type Sampler interface {
	Name() string
	Apply(*TokenDataArray) error
	// Accept records a token that was selected or submitted as input.
	Accept(Token)
	// Reset clears the state accumulated by Accept.
	Reset()
}

// owner is embedded by samplers that can belong to at most one chain.
type owner struct {
	mu    sync.Mutex
	chain *SamplerChain
}

func (o *owner) bind(c *SamplerChain) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.chain != nil && o.chain != c {
		return errSamplerOwned
	}
	o.chain = c
	return nil
}

func (o *owner) unbind() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.chain = nil
}

type binder interface {
	bind(*SamplerChain) error
	unbind()
}

var errSamplerOwned = errors.New("sampler already belongs to a chain")

// SamplerChain applies its stages in order. The last stage must select a
// candidate.
type SamplerChain struct {
	handle

	mu       sync.Mutex
	samplers []Sampler
	resets   int
}

func NewSamplerChain(samplers ...Sampler) (*SamplerChain, error) {
	c := &SamplerChain{}
	for _, s := range samplers {
		if err := c.Add(s); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *SamplerChain) Add(s Sampler) error {
	if err := c.check(); err != nil {
		return err
	}

	if b, ok := s.(binder); ok {
		if err := b.bind(c); err != nil {
			return fmt.Errorf("%s: %w", s.Name(), err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.samplers = append(c.samplers, s)
	return nil
}

func (c *SamplerChain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samplers)
}

func (c *SamplerChain) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, len(c.samplers))
	for i, s := range c.samplers {
		names[i] = s.Name()
	}
	return names
}

func (c *SamplerChain) Apply(a *TokenDataArray) error {
	if err := c.check(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.samplers {
		if err := s.Apply(a); err != nil {
			return fmt.Errorf("%s: %w", s.Name(), err)
		}
	}

	if a.Selected < 0 || a.Selected >= len(a.Data) {
		return ErrNoCandidates
	}
	return nil
}

func (c *SamplerChain) Accept(t Token) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.samplers {
		s.Accept(t)
	}
}

func (c *SamplerChain) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.samplers {
		s.Reset()
	}
	c.resets++
}

// Resets reports how many times the chain was reset.
func (c *SamplerChain) Resets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

// Close releases the stages so they can join another chain.
func (c *SamplerChain) Close() error {
	if err := c.close(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.samplers {
		if b, ok := s.(binder); ok {
			b.unbind()
		}
	}
	c.samplers = nil
	return nil
}

// Sample selects the next token from the logits at batch index idx. When a
// validating sampler is given, the selected token is checked first; if it is
// rejected the candidates are rebuilt, filtered by the validating sampler and
// sampled again. The selected token is accepted by both.
func (c *SamplerChain) Sample(lc *Context, grammar Sampler, idx int) (Token, error) {
	logits, err := lc.GetLogitsIth(idx)
	if err != nil {
		return -1, err
	}
	return c.sample(logits, grammar)
}

// SampleSequence is like Sample, from the latest logits of sequence seq.
func (c *SamplerChain) SampleSequence(lc *Context, grammar Sampler, seq SeqId) (Token, error) {
	logits, err := lc.GetLogitsSeq(seq)
	if err != nil {
		return -1, err
	}
	return c.sample(logits, grammar)
}

func (c *SamplerChain) sample(logits []float32, grammar Sampler) (Token, error) {
	a := newTokenDataArray(logits)
	if err := c.Apply(a); err != nil {
		return -1, err
	}
	token := a.Data[a.Selected].ID

	if grammar != nil {
		single := &TokenDataArray{Data: []TokenData{{ID: token, Logit: 1}}, Selected: -1}
		if err := grammar.Apply(single); err != nil {
			return -1, err
		}

		if math.IsInf(float64(single.Data[0].Logit), -1) {
			a = newTokenDataArray(logits)
			if err := grammar.Apply(a); err != nil {
				return -1, err
			}
			a.valid()

			if err := c.Apply(a); err != nil {
				return -1, err
			}
			token = a.Data[a.Selected].ID
		}

		grammar.Accept(token)
	}

	c.Accept(token)
	return token, nil
}
