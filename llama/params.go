package llama

import (
	"encoding"
	"fmt"
	"math"
	"reflect"
	"runtime"
	"strings"

	"github.com/mitchellh/mapstructure"
)

type PoolingType int32

const (
	PoolingTypeUnspecified PoolingType = iota - 1
	PoolingTypeNone
	PoolingTypeMean
	PoolingTypeCLS
	PoolingTypeLast
	PoolingTypeRank
)

var poolingTypeNames = map[PoolingType]string{
	PoolingTypeUnspecified: "unspecified",
	PoolingTypeNone:        "none",
	PoolingTypeMean:        "mean",
	PoolingTypeCLS:         "cls",
	PoolingTypeLast:        "last",
	PoolingTypeRank:        "rank",
}

func (t PoolingType) String() string {
	if s, ok := poolingTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("PoolingType(%d)", int32(t))
}

func (t PoolingType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *PoolingType) UnmarshalText(b []byte) error {
	v, err := ParsePoolingType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func ParsePoolingType(s string) (PoolingType, error) {
	return parseEnum(poolingTypeNames, "pooling type", s)
}

type RopeScalingType int32

const (
	RopeScalingTypeUnspecified RopeScalingType = iota - 1
	RopeScalingTypeNone
	RopeScalingTypeLinear
	RopeScalingTypeYarn
)

var ropeScalingTypeNames = map[RopeScalingType]string{
	RopeScalingTypeUnspecified: "unspecified",
	RopeScalingTypeNone:        "none",
	RopeScalingTypeLinear:      "linear",
	RopeScalingTypeYarn:        "yarn",
}

func (t RopeScalingType) String() string {
	if s, ok := ropeScalingTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("RopeScalingType(%d)", int32(t))
}

func (t RopeScalingType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *RopeScalingType) UnmarshalText(b []byte) error {
	v, err := ParseRopeScalingType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func ParseRopeScalingType(s string) (RopeScalingType, error) {
	return parseEnum(ropeScalingTypeNames, "rope scaling type", s)
}

type AttentionType int32

const (
	AttentionTypeUnspecified AttentionType = iota - 1
	AttentionTypeCausal
	AttentionTypeNonCausal
)

var attentionTypeNames = map[AttentionType]string{
	AttentionTypeUnspecified: "unspecified",
	AttentionTypeCausal:      "causal",
	AttentionTypeNonCausal:   "non-causal",
}

func (t AttentionType) String() string {
	if s, ok := attentionTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("AttentionType(%d)", int32(t))
}

func (t AttentionType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *AttentionType) UnmarshalText(b []byte) error {
	v, err := ParseAttentionType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func ParseAttentionType(s string) (AttentionType, error) {
	return parseEnum(attentionTypeNames, "attention type", s)
}

func parseEnum[T ~int32](names map[T]string, what, s string) (T, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for v, name := range names {
		if name == s {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown %s %q", what, s)
}

type ModelParams struct {
	VocabOnly bool `mapstructure:"vocab_only"`
	UseMmap   bool `mapstructure:"use_mmap"`
}

func DefaultModelParams() ModelParams {
	return ModelParams{UseMmap: true}
}

// ContextParams are fixed for the lifetime of a context.
type ContextParams struct {
	NumCtx          int             `mapstructure:"n_ctx"`
	NumBatch        int             `mapstructure:"n_batch"`
	NumUbatch       int             `mapstructure:"n_ubatch"`
	NumSeqMax       int             `mapstructure:"n_seq_max"`
	NumThreads      int             `mapstructure:"n_threads"`
	NumThreadsBatch int             `mapstructure:"n_threads_batch"`
	PoolingType     PoolingType     `mapstructure:"pooling_type"`
	RopeScalingType RopeScalingType `mapstructure:"rope_scaling_type"`
	AttentionType   AttentionType   `mapstructure:"attention_type"`
	Embeddings      bool            `mapstructure:"embeddings"`
}

func DefaultContextParams() ContextParams {
	return ContextParams{
		NumCtx:          8192,
		NumBatch:        256,
		NumUbatch:       256,
		NumSeqMax:       1,
		NumThreads:      runtime.NumCPU(),
		NumThreadsBatch: runtime.NumCPU(),
		PoolingType:     PoolingTypeUnspecified,
		RopeScalingType: RopeScalingTypeUnspecified,
		AttentionType:   AttentionTypeUnspecified,
	}
}

// FromMap overrides the parameters present in m, keyed by their llama.cpp
// names (n_ctx, n_batch, ...).
func (p *ContextParams) FromMap(m map[string]any) error {
	return decodeMap(m, p)
}

func (p ContextParams) validate() error {
	switch {
	case p.NumCtx <= 0:
		return fmt.Errorf("invalid context size %d", p.NumCtx)
	case p.NumBatch <= 0:
		return fmt.Errorf("invalid batch size %d", p.NumBatch)
	case p.NumSeqMax <= 0:
		return fmt.Errorf("invalid maximum sequence count %d", p.NumSeqMax)
	case p.NumSeqMax > p.NumBatch:
		return fmt.Errorf("maximum sequence count %d exceeds batch size %d", p.NumSeqMax, p.NumBatch)
	}
	return nil
}

// DefaultSeed asks for a seed derived from the clock.
const DefaultSeed = math.MaxUint32

type SamplerChainParams struct {
	Temperature      float32 `mapstructure:"temperature"`
	TopK             int     `mapstructure:"top_k"`
	TopP             float32 `mapstructure:"top_p"`
	MinP             float32 `mapstructure:"min_p"`
	MinKeep          int     `mapstructure:"min_keep"`
	PenaltyLastN     int     `mapstructure:"penalty_last_n"`
	PenaltyRepeat    float32 `mapstructure:"penalty_repeat"`
	PenaltyFreq      float32 `mapstructure:"penalty_freq"`
	PenaltyPresent   float32 `mapstructure:"penalty_present"`
	PenalizeNewlines bool    `mapstructure:"penalize_nl"`
	IgnoreEOS        bool    `mapstructure:"ignore_eos"`
	Seed             uint64  `mapstructure:"seed"`
}

func DefaultSamplerChainParams() SamplerChainParams {
	return SamplerChainParams{
		Temperature:   0.8,
		TopK:          40,
		TopP:          0.95,
		MinP:          0.05,
		MinKeep:       1,
		PenaltyLastN:  64,
		PenaltyRepeat: 1.0,
		Seed:          DefaultSeed,
	}
}

func (p *SamplerChainParams) FromMap(m map[string]any) error {
	return decodeMap(m, p)
}

var textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

func decodeMap(m map[string]any, result any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           result,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: func(from, to reflect.Type, data any) (any, error) {
			if from.Kind() != reflect.String || !reflect.PointerTo(to).Implements(textUnmarshalerType) {
				return data, nil
			}

			v := reflect.New(to)
			if err := v.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(reflect.ValueOf(data).String())); err != nil {
				return nil, err
			}
			return v.Elem().Interface(), nil
		},
	})
	if err != nil {
		return err
	}

	return decoder.Decode(m)
}
