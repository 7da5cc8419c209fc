package llama

import (
	"math"
	"sync"

	"github.com/dlclark/regexp2"
)

// PatternSampler is a validating sampler: it rules out every candidate whose
// piece does not match a pattern. End-of-generation tokens are always allowed.
type PatternSampler struct {
	vocab *Vocab
	re    *regexp2.Regexp

	mu       sync.Mutex
	verdicts map[Token]bool
	accepted int
}

func NewPatternSampler(vocab *Vocab, pattern string) (*PatternSampler, error) {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, err
	}

	return &PatternSampler{
		vocab:    vocab,
		re:       re,
		verdicts: make(map[Token]bool),
	}, nil
}

func (s *PatternSampler) Name() string { return "pattern" }

func (s *PatternSampler) Pattern() string { return s.re.String() }

func (s *PatternSampler) allowed(t Token) (bool, error) {
	if s.vocab.TokenIsEog(t) {
		return true, nil
	}

	if ok, seen := s.verdicts[t]; seen {
		return ok, nil
	}

	ok, err := s.re.MatchString(s.vocab.TokenToPiece(t))
	if err != nil {
		return false, err
	}

	s.verdicts[t] = ok
	return ok, nil
}

func (s *PatternSampler) Apply(a *TokenDataArray) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, td := range a.Data {
		ok, err := s.allowed(td.ID)
		if err != nil {
			return err
		}

		if !ok {
			a.Data[i].Logit = float32(math.Inf(-1))
		}
	}
	return nil
}

func (s *PatternSampler) Accept(Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted++
}

// Accepted reports how many tokens were accepted since the last reset.
func (s *PatternSampler) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func (s *PatternSampler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted = 0
}
