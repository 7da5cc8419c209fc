package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/sync/semaphore"

	"github.com/jmorganca/llamabatch/api"
	"github.com/jmorganca/llamabatch/envconfig"
	"github.com/jmorganca/llamabatch/llama"
	"github.com/jmorganca/llamabatch/runner/batchrunner"
)

// Server exposes generation over a single context. Generations are
// serialized: the context has one KV cache.
type Server struct {
	model *llama.Model
	lc    *llama.Context
	path  string
	info  *llama.ModelInfo

	sem *semaphore.Weighted

	safetyFactor  int
	maxIterations int
	timeout       time.Duration
}

// NewServer serves lc. The generation settings are read from envconfig.
func NewServer(model *llama.Model, lc *llama.Context) *Server {
	return &Server{
		model:         model,
		lc:            lc,
		sem:           semaphore.NewWeighted(1),
		safetyFactor:  envconfig.SafetyFactor,
		maxIterations: envconfig.MaxIterations,
		timeout:       envconfig.GenerateTimeout,
	}
}

func (s *Server) GenerateRoutes() http.Handler {
	config := cors.DefaultConfig()
	config.AllowWildcard = true
	config.AllowBrowserExtensions = true
	config.AllowHeaders = []string{"Authorization", "Content-Type", "User-Agent", "Accept", "X-Requested-With"}
	config.AllowOrigins = envconfig.AllowOrigins

	r := gin.Default()
	r.Use(cors.New(config))

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "llamabatch is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "llamabatch is running") })

	r.GET("/api/show", s.ShowHandler)
	r.POST("/api/generate", s.GenerateHandler)

	return r
}

func (s *Server) ShowHandler(c *gin.Context) {
	params := s.lc.Params()

	resp := api.ShowResponse{
		Model: api.ModelDetails{
			Name:     s.model.Name(),
			Path:     s.path,
			NumVocab: s.model.NumVocab(),
		},
		Context: api.ContextDetails{
			NumCtx:        params.NumCtx,
			NumBatch:      params.NumBatch,
			NumSeqMax:     params.NumSeqMax,
			PoolingType:   params.PoolingType.String(),
			AttentionType: params.AttentionType.String(),
			SafetyFactor:  s.safetyFactor,
			MaxIterations: s.maxIterations,
			KvCacheUsed:   s.lc.KvCacheUsed(),
		},
		Config: envconfig.Values(),
	}

	if s.info != nil {
		resp.Model.DType = string(s.info.DType)
		resp.Model.SizeBytes = s.info.SizeBytes
	}

	var sampler map[string]any
	if err := mapstructure.Decode(llama.DefaultSamplerChainParams(), &sampler); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp.Sampler = sampler

	c.JSON(http.StatusOK, resp)
}

// generateError ends a generation before any output was produced.
type generateError struct {
	status int
	err    error
}

func (s *Server) GenerateHandler(c *gin.Context) {
	var req api.GenerateRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.sem.Acquire(c.Request.Context(), 1); err != nil {
		slog.Info("generate request canceled while waiting", "error", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "server busy"})
		return
	}
	defer s.sem.Release(1)

	reqCtx := c.Request.Context()
	ctx := reqCtx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	ch := make(chan any)
	go func() {
		defer close(ch)

		send := func(v any) bool {
			select {
			case ch <- v:
				return true
			case <-reqCtx.Done():
				return false
			}
		}

		fn := func(chunk batchrunner.Chunk) {
			send(api.GenerateResponse{SeqID: int(chunk.SeqID), Content: chunk.Text})
		}

		res, err := Generate(ctx, s.model, s.lc, req, fn,
			batchrunner.WithSafetyFactor(s.safetyFactor),
			batchrunner.WithMaxIterations(s.maxIterations),
		)
		if res == nil {
			send(generateError{status: statusFor(err), err: err})
			return
		}

		// a timeout still ends with the partial result
		send(FinalResponse(s.lc, s.safetyFactor, res, err))
	}()

	if req.Stream != nil && !*req.Stream {
		var final api.GenerateResponse
		for v := range ch {
			switch v := v.(type) {
			case generateError:
				c.AbortWithStatusJSON(v.status, gin.H{"error": v.err.Error()})
				return
			case api.GenerateResponse:
				if v.Done {
					final = v
				}
			}
		}

		c.JSON(http.StatusOK, final)
		return
	}

	// errors found before generation starts keep their status code
	first, ok := <-ch
	if !ok {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "no response"})
		return
	}
	if v, ok := first.(generateError); ok {
		c.AbortWithStatusJSON(v.status, gin.H{"error": v.err.Error()})
		return
	}

	streamResponse(c, first, ch)
}

// Generate runs req on a fresh coordinator over lc, which must not be in use.
// The KV cache is cleared first. The result is nil only when nothing was
// generated.
func Generate(ctx context.Context, model *llama.Model, lc *llama.Context, req api.GenerateRequest, fn func(batchrunner.Chunk), opts ...batchrunner.Option) (*batchrunner.Result, error) {
	params, err := req.SamplerParams()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBadRequest, err)
	}

	chain, err := llama.NewDefaultSamplerChain(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBadRequest, err)
	}
	defer chain.Close()

	var grammar llama.Sampler
	if req.Pattern != "" {
		if grammar, err = llama.NewPatternSampler(model.Vocab(), req.Pattern); err != nil {
			return nil, fmt.Errorf("%w: %w", errBadRequest, err)
		}
	}

	n := req.Sequences()
	if n > lc.NumSeqMax() {
		return nil, fmt.Errorf("%w: %d requested, the context supports %d", batchrunner.ErrTooManySequences, n, lc.NumSeqMax())
	}

	seqs, err := batchrunner.Sequences(n)
	if err != nil {
		return nil, err
	}

	lc.KvCacheClear()

	p, err := batchrunner.New(lc, model.Vocab(), chain, grammar, seqs, opts...)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	return p.Generate(ctx, batchrunner.Request{
		Prompt:     req.Prompt,
		Parameters: req.Parameters,
		PostPrompt: req.PostPrompt,
		Stop:       req.Stop,
		Fn:         fn,
	})
}

var errBadRequest = errors.New("invalid request")

func statusFor(err error) int {
	switch {
	case errors.Is(err, batchrunner.ErrAlreadyInUse):
		return http.StatusServiceUnavailable
	case errors.Is(err, errBadRequest), batchrunner.IsConfigurationError(err):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// FinalResponse summarizes a generation over lc. err is the error Generate
// returned with res, if any.
func FinalResponse(lc *llama.Context, safetyFactor int, res *batchrunner.Result, err error) api.GenerateResponse {
	resp := api.GenerateResponse{
		ID:        res.ID,
		Done:      true,
		Responses: make([]api.SequenceResponse, len(res.Outputs)),
		Partial:   res.Partial,
		Metrics: api.Metrics{
			TotalDuration:    res.Duration,
			PromptEvalCount:  res.PromptTokens,
			Iterations:       res.Iterations,
			ContextPosition:  int(res.Cursor),
			RequiredContext:  res.PromptTokens + lc.NumBatch()*len(res.Outputs)*safetyFactor,
			AvailableContext: lc.NumCtx(),
		},
	}

	switch {
	case res.Err != nil:
		resp.Reason = res.Err.Error()
	case err != nil:
		resp.Reason = err.Error()
	}

	for i, o := range res.Outputs {
		resp.Responses[i] = api.SequenceResponse{
			SeqID:      int(o.SeqID),
			Content:    o.Text,
			DoneReason: o.DoneReason.String(),
			Tokens:     len(o.Tokens),
		}
		if o.Err != nil {
			resp.Responses[i].Error = o.Err.Error()
		}
		resp.EvalCount += len(o.Tokens)
	}

	return resp
}

func streamResponse(c *gin.Context, first any, ch chan any) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)

	write := func(val any) bool {
		if v, ok := val.(generateError); ok {
			val = gin.H{"error": v.err.Error()}
		}

		bts, err := json.Marshal(val)
		if err != nil {
			slog.Info(fmt.Sprintf("streamResponse: json.Marshal failed with %s", err))
			return false
		}

		bts = append(bts, '\n')
		if _, err := c.Writer.Write(bts); err != nil {
			slog.Info(fmt.Sprintf("streamResponse: w.Write failed with %s", err))
			return false
		}

		c.Writer.Flush()
		return true
	}

	if !write(first) {
		return
	}

	for val := range ch {
		if !write(val) {
			return
		}
	}
}

// Serve loads the model named by envconfig and serves it on ln until
// interrupted.
func Serve(ln net.Listener) error {
	slog.Info("server config", "env", envconfig.Values())

	if envconfig.Model == "" {
		return errors.New("no model: set LLAMABATCH_MODEL or pass --model")
	}

	backend := llama.NewBackend()
	defer backend.Close()

	info, err := llama.ReadModelInfo(envconfig.Model)
	if err != nil {
		return fmt.Errorf("failed to read model %s: %w", envconfig.Model, err)
	}

	model, err := llama.LoadModelFromFile(backend, envconfig.Model, llama.DefaultModelParams())
	if err != nil {
		return fmt.Errorf("failed to load model %s: %w", envconfig.Model, err)
	}
	defer model.Close()

	params := llama.DefaultContextParams()
	params.NumCtx = envconfig.ContextLength
	params.NumBatch = envconfig.BatchSize
	params.NumUbatch = envconfig.BatchSize
	params.NumSeqMax = envconfig.NumParallel

	lc, err := llama.NewContextWithModel(model, params)
	if err != nil {
		return fmt.Errorf("failed to create context: %w", err)
	}
	defer lc.Close()

	s := NewServer(model, lc)
	s.path = envconfig.Model
	s.info = info

	srvr := &http.Server{
		Handler: s.GenerateRoutes(),
	}

	// listen for a ctrl+c and stop any loaded llm
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		srvr.Close()
	}()

	slog.Info(fmt.Sprintf("Listening on %s", ln.Addr()))
	slog.Info("model loaded", "name", model.Name(), "dtype", info.DType, "n_vocab", model.NumVocab(), "n_ctx", params.NumCtx, "n_batch", params.NumBatch, "n_seq_max", params.NumSeqMax)

	if err := srvr.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
