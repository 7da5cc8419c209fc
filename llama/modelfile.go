package llama

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/fxamacker/cbor/v2"
	"github.com/x448/float16"
)

const (
	modelMagic   = "LLBT"
	modelVersion = 1
)

// DType is the storage type of the logits table in a model file.
type DType string

const (
	DTypeF32  DType = "f32"
	DTypeF16  DType = "f16"
	DTypeBF16 DType = "bf16"
)

func ParseDType(s string) (DType, error) {
	switch d := DType(strings.ToLower(s)); d {
	case DTypeF32, DTypeF16, DTypeBF16:
		return d, nil
	}
	return "", fmt.Errorf("unsupported dtype %q", s)
}

func (d DType) size() int {
	if d == DTypeF32 {
		return 4
	}
	return 2
}

type vocabFile struct {
	Pieces []string `cbor:"pieces"`
	Types  []int32  `cbor:"types"`
	BOS    int32    `cbor:"bos"`
	EOS    int32    `cbor:"eos"`
	AddBOS bool     `cbor:"add_bos"`
}

type modelFile struct {
	Magic   string    `cbor:"magic"`
	Version uint32    `cbor:"version"`
	Name    string    `cbor:"name"`
	Vocab   vocabFile `cbor:"vocab"`
	DType   DType     `cbor:"dtype"`
	Rows    uint32    `cbor:"rows"`
	Cols    uint32    `cbor:"cols"`
	Weights []byte    `cbor:"weights"`
}

// ModelInfo describes a model file without its weights.
type ModelInfo struct {
	Name      string
	DType     DType
	NumVocab  int
	BOS, EOS  Token
	AddBOS    bool
	SizeBytes int64
}

func encodeWeights(dtype DType, f32s []float32) ([]byte, error) {
	b := make([]byte, len(f32s)*dtype.size())
	switch dtype {
	case DTypeF32:
		for i, f := range f32s {
			binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
		}
	case DTypeF16:
		for i, f := range f32s {
			binary.LittleEndian.PutUint16(b[i*2:], float16.Fromfloat32(f).Bits())
		}
	case DTypeBF16:
		// bfloat16 keeps the upper half of a float32
		for i, f := range f32s {
			binary.LittleEndian.PutUint16(b[i*2:], uint16(math.Float32bits(f)>>16))
		}
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}
	return b, nil
}

func decodeWeights(dtype DType, b []byte) ([]float32, error) {
	if len(b)%dtype.size() != 0 {
		return nil, fmt.Errorf("weights length %d is not a multiple of %d", len(b), dtype.size())
	}

	switch dtype {
	case DTypeF32:
		f32s := make([]float32, len(b)/4)
		for i := range f32s {
			f32s[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
		}
		return f32s, nil
	case DTypeF16:
		f32s := make([]float32, len(b)/2)
		for i := range f32s {
			f32s[i] = float16.Frombits(binary.LittleEndian.Uint16(b[i*2:])).Float32()
		}
		return f32s, nil
	case DTypeBF16:
		return bfloat16.DecodeFloat32(b), nil
	}
	return nil, fmt.Errorf("unsupported dtype %q", dtype)
}

// WriteModel encodes m to w with its logits stored as dtype.
func WriteModel(w io.Writer, m *Model, dtype DType) error {
	if err := m.check(); err != nil {
		return err
	}

	weights, err := encodeWeights(dtype, m.logits)
	if err != nil {
		return err
	}

	types := make([]int32, len(m.vocab.types))
	for i, t := range m.vocab.types {
		types[i] = int32(t)
	}

	n := uint32(m.vocab.NumVocab())
	return cbor.NewEncoder(w).Encode(modelFile{
		Magic:   modelMagic,
		Version: modelVersion,
		Name:    m.name,
		Vocab: vocabFile{
			Pieces: m.vocab.pieces,
			Types:  types,
			BOS:    int32(m.vocab.bos),
			EOS:    int32(m.vocab.eos),
			AddBOS: m.vocab.addBOS,
		},
		DType:   dtype,
		Rows:    n,
		Cols:    n,
		Weights: weights,
	})
}

func WriteModelFile(path string, m *Model, dtype DType) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := WriteModel(f, m, dtype); err != nil {
		return err
	}
	return f.Close()
}

func readModelFile(r io.Reader) (*modelFile, error) {
	var mf modelFile
	if err := cbor.NewDecoder(r).Decode(&mf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty model file: %w", io.ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("invalid model file: %w", err)
	}

	if mf.Magic != modelMagic {
		return nil, fmt.Errorf("invalid model file: bad magic %q", mf.Magic)
	}

	if mf.Version != modelVersion {
		return nil, fmt.Errorf("unsupported model file version %d", mf.Version)
	}

	if int(mf.Rows) != len(mf.Vocab.Pieces) || mf.Rows != mf.Cols {
		return nil, fmt.Errorf("invalid model file: %dx%d table for %d tokens", mf.Rows, mf.Cols, len(mf.Vocab.Pieces))
	}

	return &mf, nil
}

func (mf *modelFile) vocab() (*Vocab, error) {
	types := make([]TokenType, len(mf.Vocab.Types))
	for i, t := range mf.Vocab.Types {
		types[i] = TokenType(t)
	}
	return newVocab(mf.Vocab.Pieces, types, Token(mf.Vocab.BOS), Token(mf.Vocab.EOS), mf.Vocab.AddBOS)
}

// ReadModel decodes a model written by WriteModel. With params.VocabOnly the
// logits table is left empty and the model can only tokenize.
func ReadModel(backend *Backend, r io.Reader, params ModelParams) (*Model, error) {
	if err := backend.register(); err != nil {
		return nil, err
	}

	mf, err := readModelFile(r)
	if err != nil {
		return nil, err
	}

	vocab, err := mf.vocab()
	if err != nil {
		return nil, err
	}

	if params.VocabOnly {
		return &Model{name: mf.Name, vocab: vocab}, nil
	}

	logits, err := decodeWeights(mf.DType, mf.Weights)
	if err != nil {
		return nil, err
	}

	return newModel(mf.Name, vocab, logits)
}

func LoadModelFromFile(backend *Backend, path string, params ModelParams) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ReadModel(backend, f, params)
}

func ReadModelInfo(path string) (*ModelInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	mf, err := readModelFile(f)
	if err != nil {
		return nil, err
	}

	return &ModelInfo{
		Name:      mf.Name,
		DType:     mf.DType,
		NumVocab:  len(mf.Vocab.Pieces),
		BOS:       Token(mf.Vocab.BOS),
		EOS:       Token(mf.Vocab.EOS),
		AddBOS:    mf.Vocab.AddBOS,
		SizeBytes: fi.Size(),
	}, nil
}
