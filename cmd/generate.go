package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmorganca/llamabatch/api"
	"github.com/jmorganca/llamabatch/envconfig"
	"github.com/jmorganca/llamabatch/format"
	"github.com/jmorganca/llamabatch/progress"
	"github.com/jmorganca/llamabatch/readline"
	"github.com/jmorganca/llamabatch/runner/batchrunner"
	"github.com/jmorganca/llamabatch/server"
)

// generateFunc runs one generation, calling fn for every chunk of text and
// onProgress after every read iteration when it can.
type generateFunc func(ctx context.Context, req api.GenerateRequest, fn func(api.GenerateResponse), onProgress func(batchrunner.Progress)) (*api.GenerateResponse, error)

func generateRequest(cmd *cobra.Command) (api.GenerateRequest, error) {
	var req api.GenerateRequest
	var err error

	if req.Parallel, err = cmd.Flags().GetInt("parallel"); err != nil {
		return req, err
	}
	if req.Parameters, err = cmd.Flags().GetStringArray("param"); err != nil {
		return req, err
	}
	if req.PostPrompt, err = cmd.Flags().GetString("post-prompt"); err != nil {
		return req, err
	}
	if req.Stop, err = cmd.Flags().GetStringArray("stop"); err != nil {
		return req, err
	}
	if req.Pattern, err = cmd.Flags().GetString("pattern"); err != nil {
		return req, err
	}

	if len(req.Parameters) == 0 {
		req.Parameters = nil
	}

	temperature, err := cmd.Flags().GetFloat32("temperature")
	if err != nil {
		return req, err
	}
	req.Options = map[string]any{"temperature": temperature}

	if cmd.Flags().Changed("seed") {
		seed, err := cmd.Flags().GetUint64("seed")
		if err != nil {
			return req, err
		}
		req.Options["seed"] = seed
	}

	return req, nil
}

func GenerateHandler(cmd *cobra.Command, args []string) error {
	req, err := generateRequest(cmd)
	if err != nil {
		return err
	}

	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return err
	}

	lines, err := cmd.Flags().GetBool("lines")
	if err != nil {
		return err
	}

	prompts := args[1:]
	interactive := len(prompts) == 0 && isTerminal(os.Stdin)
	if len(prompts) == 0 && !interactive && !lines {
		in, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		prompts = []string{string(in)}
	}

	generateFn, closeFn, err := newGenerateFunc(cmd, args[0], req.Sequences())
	if err != nil {
		return err
	}
	defer closeFn()

	opts := displayOptions{
		verbose:  verbose,
		progress: isTerminal(os.Stderr),
		rule:     strings.Repeat("-", ruleWidth(os.Stdout)),
	}

	run := func(prompt string) error {
		r := req
		r.Prompt = prompt
		return generate(cmd.Context(), os.Stdout, generateFn, r, opts)
	}

	if interactive {
		rl, err := readline.New(readline.Prompt{
			Prompt:         ">>> ",
			AltPrompt:      "... ",
			Placeholder:    "Send a prompt (<<EOF for several lines)",
			AltPlaceholder: "Continue, or end with the delimiter",
		})
		if err != nil {
			return err
		}

		fmt.Print(readline.StartBracketedPaste)
		defer fmt.Print(readline.EndBracketedPaste)

		return readPrompts(&terminalLines{rl: rl}, os.Stderr, run)
	}

	if len(prompts) == 0 {
		return readPrompts(newScannerLines(os.Stdin), os.Stderr, run)
	}

	req.Prompt = strings.Join(prompts, " ")
	opts.rule = ""
	return generate(cmd.Context(), os.Stdout, generateFn, req, opts)
}

// newGenerateFunc generates on the server named by --host or else in process
// with the model file at path.
func newGenerateFunc(cmd *cobra.Command, path string, parallel int) (generateFunc, func(), error) {
	client, err := NewAPIClient(cmd)
	if err != nil {
		return nil, nil, err
	}

	if client != nil {
		return func(ctx context.Context, req api.GenerateRequest, fn func(api.GenerateResponse), _ func(batchrunner.Progress)) (*api.GenerateResponse, error) {
			var final *api.GenerateResponse
			err := client.Generate(ctx, &req, func(resp api.GenerateResponse) error {
				if resp.Done {
					final = &resp
					return nil
				}

				fn(resp)
				return nil
			})
			if err != nil {
				return nil, err
			}

			if final == nil {
				return nil, errors.New("server closed the stream without a final response")
			}
			return final, nil
		}, func() {}, nil
	}

	model, lc, closeFn, err := loadModel(path, parallel)
	if err != nil {
		return nil, nil, err
	}

	return func(ctx context.Context, req api.GenerateRequest, fn func(api.GenerateResponse), onProgress func(batchrunner.Progress)) (*api.GenerateResponse, error) {
		res, err := server.Generate(ctx, model, lc, req,
			func(chunk batchrunner.Chunk) {
				fn(api.GenerateResponse{SeqID: int(chunk.SeqID), Content: chunk.Text})
			},
			batchrunner.WithSafetyFactor(envconfig.SafetyFactor),
			batchrunner.WithMaxIterations(envconfig.MaxIterations),
			batchrunner.WithProgress(onProgress),
		)
		if res == nil {
			return nil, err
		}

		resp := server.FinalResponse(lc, envconfig.SafetyFactor, res, err)
		return &resp, nil
	}, closeFn, nil
}

type displayOptions struct {
	verbose  bool
	progress bool
	// rule, if set, is printed after the outputs
	rule string
}

// generate prints the text of a single sequence as it is generated, or the
// outputs of several sequences separated by batchrunner.Separator once all
// of them have ended.
func generate(ctx context.Context, w io.Writer, generateFn generateFunc, req api.GenerateRequest, opts displayOptions) error {
	ctx, cancel := interruptible(ctx)
	defer cancel()

	parallel := req.Sequences()

	var p *progress.Progress
	var bar *progress.Batch
	if opts.progress {
		p = progress.NewProgress(os.Stderr)
		defer p.StopAndClear()

		if parallel > 1 {
			bar = progress.NewBatch("generating", parallel)
			p.Add(bar)
		} else {
			p.Add(progress.NewSpinner(""))
		}
	}

	streaming := parallel == 1
	var cleared bool
	fn := func(resp api.GenerateResponse) {
		if !streaming {
			return
		}

		if p != nil && !cleared {
			p.StopAndClear()
			cleared = true
		}
		fmt.Fprint(w, resp.Content)
	}

	var onProgress func(batchrunner.Progress)
	if bar != nil {
		onProgress = func(pr batchrunner.Progress) {
			bar.Set(pr.Iteration, pr.SequencesLeft, pr.RegionUsed, pr.RegionCap)
		}
	}

	final, err := generateFn(ctx, req, fn, onProgress)
	if p != nil {
		p.StopAndClear()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	} else if err != nil {
		return err
	}

	if streaming {
		fmt.Fprintln(w)
	} else {
		fmt.Fprintln(w, final.Text(batchrunner.Separator))
	}

	if opts.rule != "" {
		fmt.Fprintln(w, opts.rule)
	}

	if final.Partial {
		fmt.Fprintf(os.Stderr, "warning: generation stopped early: %s\n", final.Reason)
	}

	if opts.verbose {
		summary(os.Stderr, final)
	}

	return nil
}

func summary(w io.Writer, resp *api.GenerateResponse) {
	fmt.Fprintf(w, "total duration:       %s\n", format.HumanDuration(resp.TotalDuration))
	fmt.Fprintf(w, "sequences:            %d\n", len(resp.Responses))
	fmt.Fprintf(w, "prompt eval count:    %d token(s)\n", resp.PromptEvalCount)
	fmt.Fprintf(w, "eval count:           %d token(s)\n", resp.EvalCount)
	fmt.Fprintf(w, "eval rate:            %s\n", format.Rate(resp.EvalCount, resp.TotalDuration))
	fmt.Fprintf(w, "iterations:           %d\n", resp.Iterations)
	fmt.Fprintf(w, "context:              %d/%d (%d required)\n", resp.ContextPosition, resp.AvailableContext, resp.RequiredContext)

	for _, r := range resp.Responses {
		line := fmt.Sprintf("sequence %d:           %d token(s), %s", r.SeqID, r.Tokens, r.DoneReason)
		if r.Error != "" {
			line += ": " + r.Error
		}
		fmt.Fprintln(w, line)
	}
}
