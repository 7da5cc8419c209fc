package llama

import (
	"cmp"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"github.com/dlclark/regexp2"
)

// Model predicts the next token from the previous one: row i of the logits
// table holds the scores following token i.
type Model struct {
	handle

	name   string
	vocab  *Vocab
	logits []float32
}

func newModel(name string, vocab *Vocab, logits []float32) (*Model, error) {
	n := vocab.NumVocab()
	if len(logits) != n*n {
		return nil, fmt.Errorf("logits table has %d values, want %d", len(logits), n*n)
	}
	return &Model{name: name, vocab: vocab, logits: logits}, nil
}

func (m *Model) Close() error {
	return m.close()
}

func (m *Model) Name() string {
	return m.name
}

func (m *Model) Vocab() *Vocab {
	return m.vocab
}

func (m *Model) NumVocab() int {
	return m.vocab.NumVocab()
}

func (m *Model) TokenIsEog(t Token) bool {
	return m.vocab.TokenIsEog(t)
}

func (m *Model) TokenToPiece(t Token) string {
	return m.vocab.TokenToPiece(t)
}

func (m *Model) Tokenize(text string, addSpecial, parseSpecial bool) ([]Token, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	return m.vocab.Tokenize(text, addSpecial, parseSpecial)
}

// row returns the scores following t. The slice aliases the table.
func (m *Model) row(t Token) []float32 {
	n := m.vocab.NumVocab()
	return m.logits[int(t)*n : (int(t)+1)*n]
}

// DefaultPretokenizer splits text into words with their leading space,
// digit runs, punctuation runs and whitespace runs.
const DefaultPretokenizer = `\s?\p{L}+|\s?\p{N}+|\s?[^\s\p{L}\p{N}]+|\s+`

type CorpusParams struct {
	Name         string
	VocabSize    int
	Pretokenizer string
	AddBOS       bool
	// Smoothing is added to every bigram count.
	Smoothing float64
}

func DefaultCorpusParams() CorpusParams {
	return CorpusParams{
		Name:         "bigram",
		VocabSize:    1024,
		Pretokenizer: DefaultPretokenizer,
		AddBOS:       true,
		Smoothing:    1e-3,
	}
}

// NewModelFromCorpus learns a vocabulary from the most frequent words of the
// corpus and counts token bigrams. Documents are separated by blank lines;
// each one starts after BOS and ends with EOS.
func NewModelFromCorpus(backend *Backend, corpus string, params CorpusParams) (*Model, error) {
	if err := backend.register(); err != nil {
		return nil, err
	}

	re, err := regexp2.Compile(params.Pretokenizer, regexp2.None)
	if err != nil {
		return nil, err
	}

	docs := splitDocuments(corpus)

	counts := make(map[string]int)
	for _, doc := range docs {
		for m, _ := re.FindStringMatch(doc); m != nil; m, _ = re.FindNextMatch(m) {
			counts[m.String()]++
		}
	}

	words := make([]string, 0, len(counts))
	for w := range counts {
		// single bytes already have a token
		if len(w) > 1 {
			words = append(words, w)
		}
	}

	slices.SortFunc(words, func(a, b string) int {
		if c := cmp.Compare(counts[b], counts[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})

	if limit := params.VocabSize - 2 - 256; len(words) > limit {
		words = words[:max(limit, 0)]
	}

	vocab := NewVocab(words, params.AddBOS)
	n := vocab.NumVocab()

	bigrams := make([]float64, n*n)
	for _, doc := range docs {
		tokens, err := vocab.Tokenize(doc, false, false)
		if err != nil {
			return nil, err
		}

		prev := vocab.BOS()
		for _, t := range tokens {
			bigrams[int(prev)*n+int(t)]++
			prev = t
		}
		bigrams[int(prev)*n+int(vocab.EOS())]++
	}

	logits := make([]float32, n*n)
	for r := range n {
		row := bigrams[r*n : (r+1)*n]

		var total float64
		for _, c := range row {
			total += c
		}

		denom := math.Log(total + params.Smoothing*float64(n))
		for c, count := range row {
			logits[r*n+c] = float32(math.Log(count+params.Smoothing) - denom)
		}
	}

	slog.Debug("built model from corpus", "documents", len(docs), "vocab", n)
	return newModel(params.Name, vocab, logits)
}

func splitDocuments(corpus string) []string {
	corpus = strings.ReplaceAll(corpus, "\r\n", "\n")

	var docs []string
	for _, doc := range strings.Split(corpus, "\n\n") {
		if doc = strings.TrimSpace(doc); doc != "" {
			docs = append(docs, doc)
		}
	}
	return docs
}
