package llama

import (
	"cmp"
	"fmt"
	"math"
	"time"

	"github.com/emirpasic/gods/v2/queues/circularbuffer"
	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// Penalties lowers the logits of tokens seen in the last LastN accepted
// tokens.
type Penalties struct {
	owner

	LastN   int
	Repeat  float32
	Freq    float32
	Present float32

	history *circularbuffer.Queue[Token]
}

func NewPenalties(lastN int, repeat, freq, present float32) *Penalties {
	return &Penalties{
		LastN:   lastN,
		Repeat:  repeat,
		Freq:    freq,
		Present: present,
		history: circularbuffer.New[Token](max(lastN, 1)),
	}
}

func (p *Penalties) Name() string { return "penalties" }

func (p *Penalties) Apply(a *TokenDataArray) error {
	if p.LastN == 0 || (p.Repeat == 1 && p.Freq == 0 && p.Present == 0) {
		return nil
	}

	counts := make(map[Token]int)
	for _, t := range p.history.Values() {
		counts[t]++
	}

	for i, td := range a.Data {
		count, ok := counts[td.ID]
		if !ok {
			continue
		}

		if td.Logit <= 0 {
			td.Logit *= p.Repeat
		} else {
			td.Logit /= p.Repeat
		}

		td.Logit -= float32(count)*p.Freq + p.Present
		a.Data[i] = td
	}

	a.Sorted = false
	return nil
}

func (p *Penalties) Accept(t Token) {
	if p.LastN != 0 {
		p.history.Enqueue(t)
	}
}

func (p *Penalties) Reset() {
	p.history.Clear()
}

// History returns the accepted tokens, oldest first.
func (p *Penalties) History() []Token {
	return p.history.Values()
}

type tokenLogit struct {
	index int
	logit float32
}

func tokenLogitComparator(a, b tokenLogit) int {
	return -cmp.Compare(a.logit, b.logit)
}

// TopK keeps the K candidates with the highest logits.
type TopK struct {
	owner
	K       int
	MinKeep int
}

func NewTopK(k int) *TopK { return &TopK{K: k, MinKeep: 1} }

func (s *TopK) Name() string { return "top-k" }

func (s *TopK) Apply(a *TokenDataArray) error {
	k := max(s.K, s.MinKeep)
	if s.K <= 0 || k >= len(a.Data) {
		return nil
	}

	q := pq.NewWith(tokenLogitComparator)
	for i, td := range a.Data {
		q.Enqueue(tokenLogit{index: i, logit: td.Logit})
	}

	kept := make([]TokenData, 0, k)
	for range k {
		tl, _ := q.Dequeue()
		kept = append(kept, a.Data[tl.index])
	}

	a.Data = kept
	a.Sorted = true
	return nil
}

func (s *TopK) Accept(Token) {}
func (s *TopK) Reset()       {}

// TopP keeps the smallest set of candidates whose probability mass reaches P.
type TopP struct {
	owner
	P       float32
	MinKeep int
}

func NewTopP(p float32, minKeep int) *TopP { return &TopP{P: p, MinKeep: minKeep} }

func (s *TopP) Name() string { return "top-p" }

func (s *TopP) Apply(a *TokenDataArray) error {
	if s.P >= 1 || len(a.Data) == 0 {
		return nil
	}

	a.softmax()

	var sum float32
	for i, td := range a.Data {
		sum += td.P
		if sum >= s.P && i+1 >= s.MinKeep {
			a.Data = a.Data[:i+1]
			break
		}
	}
	return nil
}

func (s *TopP) Accept(Token) {}
func (s *TopP) Reset()       {}

// MinP drops candidates less likely than P times the most likely one.
type MinP struct {
	owner
	P       float32
	MinKeep int
}

func NewMinP(p float32, minKeep int) *MinP { return &MinP{P: p, MinKeep: minKeep} }

func (s *MinP) Name() string { return "min-p" }

func (s *MinP) Apply(a *TokenDataArray) error {
	if s.P <= 0 || len(a.Data) == 0 {
		return nil
	}

	a.softmax()

	threshold := a.Data[0].P * s.P
	for i, td := range a.Data {
		if td.P < threshold && i >= s.MinKeep {
			a.Data = a.Data[:i]
			break
		}
	}
	return nil
}

func (s *MinP) Accept(Token) {}
func (s *MinP) Reset()       {}

type Temp struct {
	owner
	T float32
}

func NewTemp(t float32) *Temp { return &Temp{T: t} }

func (s *Temp) Name() string { return "temp" }

func (s *Temp) Apply(a *TokenDataArray) error {
	if s.T <= 0 {
		return fmt.Errorf("invalid temperature %v", s.T)
	}

	for i := range a.Data {
		a.Data[i].Logit /= s.T
	}
	return nil
}

func (s *Temp) Accept(Token) {}
func (s *Temp) Reset()       {}

// Greedy selects the candidate with the highest logit.
type Greedy struct {
	owner
}

func NewGreedy() *Greedy { return &Greedy{} }

func (s *Greedy) Name() string { return "greedy" }

func (s *Greedy) Apply(a *TokenDataArray) error {
	a.Selected = -1
	for i, td := range a.Data {
		if math.IsInf(float64(td.Logit), -1) {
			continue
		}

		if a.Selected < 0 || td.Logit > a.Data[a.Selected].Logit {
			a.Selected = i
		}
	}
	return nil
}

func (s *Greedy) Accept(Token) {}
func (s *Greedy) Reset()       {}

// Dist draws a candidate according to the softmax of the logits.
type Dist struct {
	owner
	seed uint64
	src  rand.Source
}

func NewDist(seed uint64) *Dist {
	if seed == DefaultSeed {
		seed = uint64(time.Now().UnixNano())
	}
	return &Dist{seed: seed, src: rand.NewSource(seed)}
}

func (s *Dist) Name() string { return "dist" }

func (s *Dist) Seed() uint64 { return s.seed }

func (s *Dist) Apply(a *TokenDataArray) error {
	a.valid()
	a.Selected = -1
	if len(a.Data) == 0 {
		return nil
	}

	a.softmax()

	probs := make([]float64, len(a.Data))
	for i, td := range a.Data {
		probs[i] = float64(td.P)
	}

	// renormalize after float32 rounding
	floats.Scale(1/floats.Sum(probs), probs)

	w := sampleuv.NewWeighted(probs, s.src)
	if idx, ok := w.Take(); ok {
		a.Selected = idx
	}
	return nil
}

func (s *Dist) Accept(Token) {}

// Reset restarts the random sequence from the seed.
func (s *Dist) Reset() {
	s.src.Seed(s.seed)
}

// NewDefaultSamplerChain builds penalties followed by either greedy selection
// (temperature <= 0) or top-k, top-p, min-p, temperature and a seeded draw.
func NewDefaultSamplerChain(params SamplerChainParams) (*SamplerChain, error) {
	samplers := []Sampler{
		NewPenalties(params.PenaltyLastN, params.PenaltyRepeat, params.PenaltyFreq, params.PenaltyPresent),
	}

	if params.Temperature > 0 {
		minKeep := max(params.MinKeep, 1)
		samplers = append(samplers,
			&TopK{K: params.TopK, MinKeep: minKeep},
			NewTopP(params.TopP, minKeep),
			NewMinP(params.MinP, minKeep),
			NewTemp(params.Temperature),
			NewDist(params.Seed),
		)
	} else {
		samplers = append(samplers, NewGreedy())
	}

	return NewSamplerChain(samplers...)
}
