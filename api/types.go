package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jmorganca/llamabatch/llama"
)

// StatusError is an error response from the server.
type StatusError struct {
	StatusCode   int
	Status       string
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		// this should not happen
		return "something went wrong, please see the server logs for details"
	}
}

// Temporary reports whether retrying the request may succeed.
func (e StatusError) Temporary() bool {
	return e.StatusCode == http.StatusServiceUnavailable
}

// GenerateRequest asks for Parallel continuations of the same prompt.
type GenerateRequest struct {
	Prompt string `json:"prompt"`

	// Parameters holds one input per sequence, written after the prompt.
	Parameters []string `json:"parameters,omitempty"`

	// PostPrompt is shared by every sequence, written after the parameters.
	PostPrompt string `json:"post_prompt,omitempty"`

	// Parallel is the number of sequences. It defaults to the number of
	// parameters, or 1.
	Parallel int `json:"parallel,omitempty"`

	Stop []string `json:"stop,omitempty"`

	// Pattern restricts every generated token piece to a regular expression.
	Pattern string `json:"pattern,omitempty"`

	// Stream defaults to true.
	Stream *bool `json:"stream,omitempty"`

	// Options are sampler parameters keyed by their llama.cpp names.
	Options map[string]any `json:"options,omitempty"`
}

// Sequences is the number of sequences the request generates.
func (r *GenerateRequest) Sequences() int {
	switch {
	case r.Parallel > 0:
		return r.Parallel
	case len(r.Parameters) > 0:
		return len(r.Parameters)
	default:
		return 1
	}
}

// SamplerParams overlays the request options on the defaults.
func (r *GenerateRequest) SamplerParams() (llama.SamplerChainParams, error) {
	params := llama.DefaultSamplerChainParams()
	if err := params.FromMap(r.Options); err != nil {
		return params, fmt.Errorf("invalid options: %w", err)
	}
	return params, nil
}

// SequenceResponse is the final output of one sequence.
type SequenceResponse struct {
	SeqID      int    `json:"seq_id"`
	Content    string `json:"content"`
	DoneReason string `json:"done_reason"`
	Tokens     int    `json:"tokens"`
	Error      string `json:"error,omitempty"`
}

// GenerateResponse is either a chunk of one sequence's text or, with Done
// set, the final summary.
type GenerateResponse struct {
	ID string `json:"id"`

	SeqID   int    `json:"seq_id"`
	Content string `json:"content,omitempty"`

	Done      bool               `json:"done"`
	Responses []SequenceResponse `json:"responses,omitempty"`

	// Partial is set when generation stopped before every sequence ended.
	Partial bool   `json:"partial,omitempty"`
	Reason  string `json:"reason,omitempty"`

	Metrics
}

// Text joins the final outputs with sep.
func (r GenerateResponse) Text(sep string) string {
	texts := make([]string, len(r.Responses))
	for i, s := range r.Responses {
		texts[i] = s.Content
	}
	return strings.Join(texts, sep)
}

type Metrics struct {
	TotalDuration    time.Duration `json:"total_duration,omitempty"`
	PromptEvalCount  int           `json:"prompt_eval_count,omitempty"`
	EvalCount        int           `json:"eval_count,omitempty"`
	Iterations       int           `json:"iterations,omitempty"`
	ContextPosition  int           `json:"context_position,omitempty"`
	RequiredContext  int           `json:"required_context,omitempty"`
	AvailableContext int           `json:"available_context,omitempty"`
}

// ShowResponse describes the loaded model and its context.
type ShowResponse struct {
	Model   ModelDetails      `json:"model"`
	Context ContextDetails    `json:"context"`
	Sampler map[string]any    `json:"sampler,omitempty"`
	Config  map[string]string `json:"config,omitempty"`
}

type ModelDetails struct {
	Name      string `json:"name"`
	Path      string `json:"path,omitempty"`
	DType     string `json:"dtype,omitempty"`
	NumVocab  int    `json:"n_vocab"`
	SizeBytes int64  `json:"size,omitempty"`
}

type ContextDetails struct {
	NumCtx        int    `json:"n_ctx"`
	NumBatch      int    `json:"n_batch"`
	NumSeqMax     int    `json:"n_seq_max"`
	PoolingType   string `json:"pooling_type"`
	AttentionType string `json:"attention_type"`
	SafetyFactor  int    `json:"safety_factor"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	KvCacheUsed   int    `json:"kv_cache_used"`
}
