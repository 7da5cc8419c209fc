package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/containerd/console"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jmorganca/llamabatch/api"
	"github.com/jmorganca/llamabatch/envconfig"
	"github.com/jmorganca/llamabatch/llama"
	"github.com/jmorganca/llamabatch/logutil"
	"github.com/jmorganca/llamabatch/server"
)

// NewAPIClient returns a client for the server named by --host, or nil when
// the model should be run in process.
func NewAPIClient(cmd *cobra.Command) (*api.Client, error) {
	host, err := cmd.Flags().GetString("host")
	if err != nil || host == "" {
		return nil, err
	}

	if !strings.Contains(host, "://") {
		host = "http://" + host
	}

	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid host %q: %w", host, err)
	}

	return api.NewClient(u, http.DefaultClient), nil
}

func checkServerHeartbeat(cmd *cobra.Command, _ []string) error {
	client, err := NewAPIClient(cmd)
	if err != nil || client == nil {
		return err
	}

	if err := client.Heartbeat(cmd.Context()); err != nil {
		return fmt.Errorf("could not connect to llamabatch server: %w", err)
	}
	return nil
}

// loadModel loads the model file at path with a context for parallel
// sequences, sized from envconfig.
func loadModel(path string, parallel int) (*llama.Model, *llama.Context, func(), error) {
	backend := llama.NewBackend()

	model, err := llama.LoadModelFromFile(backend, path, llama.DefaultModelParams())
	if err != nil {
		backend.Close()
		return nil, nil, nil, fmt.Errorf("failed to load model %s: %w", path, err)
	}

	params := llama.DefaultContextParams()
	params.NumCtx = envconfig.ContextLength
	params.NumBatch = envconfig.BatchSize
	params.NumUbatch = envconfig.BatchSize
	params.NumSeqMax = max(parallel, 1)

	lc, err := llama.NewContextWithModel(model, params)
	if err != nil {
		model.Close()
		backend.Close()
		return nil, nil, nil, fmt.Errorf("failed to create context: %w", err)
	}

	return model, lc, func() {
		lc.Close()
		model.Close()
		backend.Close()
	}, nil
}

// interruptible cancels the returned context on ctrl+c.
func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

const defaultRuleWidth = 63

// ruleWidth is the width of the rule printed between outputs on f.
func ruleWidth(f *os.File) int {
	c, err := console.ConsoleFromFile(f)
	if err != nil {
		return defaultRuleWidth
	}

	size, err := c.Size()
	if err != nil || size.Width == 0 {
		return defaultRuleWidth
	}
	return min(int(size.Width), 80)
}

func RunServer(cmd *cobra.Command, _ []string) error {
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		envconfig.Model = model
	}

	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return err
	}

	return server.Serve(ln)
}

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-28s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "llamabatch",
		Short:         "Parallel text generation over a shared context",
		SilenceUsage:  true,
		SilenceErrors: false,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			logutil.Setup(os.Stderr, envconfig.LogLevel())
		},
	}

	cobra.EnableCommandSorting = false

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start llamabatch",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}
	serveCmd.Flags().String("model", "", "Model file to serve (default $LLAMABATCH_MODEL)")

	generateCmd := &cobra.Command{
		Use:     "generate MODEL [PROMPT]",
		Aliases: []string{"run"},
		Short:   "Generate parallel continuations of a prompt",
		Long: `Generate parallel continuations of a prompt.

MODEL is a model file, or ignored when --host names a server. Without PROMPT,
the prompt is read from stdin: the whole input when piped, otherwise one line
at a time. In a terminal, end a line with <<EOF to enter several lines, up to
a line holding only EOF.`,
		Args:    cobra.MinimumNArgs(1),
		PreRunE: checkServerHeartbeat,
		RunE:    GenerateHandler,
	}

	generateCmd.Flags().IntP("parallel", "n", 0, "Number of sequences (default: number of parameters, or 1)")
	generateCmd.Flags().StringArrayP("param", "p", nil, "Per-sequence input written after the prompt (repeatable)")
	generateCmd.Flags().String("post-prompt", "", "Input written after the parameters for every sequence")
	generateCmd.Flags().StringArray("stop", nil, "Stop a sequence when its output contains this string (repeatable)")
	generateCmd.Flags().Float32("temperature", 0, "Sampling temperature, 0 for greedy")
	generateCmd.Flags().Uint64("seed", 0, "Sampling seed")
	generateCmd.Flags().String("pattern", "", "Regular expression every generated piece must match")
	generateCmd.Flags().String("host", "", "Generate on a llamabatch server instead of in process")
	generateCmd.Flags().Bool("verbose", false, "Show timings for the generation")
	generateCmd.Flags().Bool("lines", false, "Read one prompt per line of stdin instead of one prompt from all of it")

	showCmd := &cobra.Command{
		Use:     "show [MODEL]",
		Short:   "Show a model and the context it would run with",
		Args:    cobra.MaximumNArgs(1),
		PreRunE: checkServerHeartbeat,
		RunE:    ShowHandler,
	}

	showCmd.Flags().Bool("env", false, "Show the effective configuration")
	showCmd.Flags().IntP("parallel", "n", 1, "Number of sequences to size the context for")
	showCmd.Flags().String("host", "", "Show the model of a llamabatch server")

	createCmd := &cobra.Command{
		Use:   "create MODEL",
		Short: "Create a model file from a text corpus",
		Args:  cobra.ExactArgs(1),
		RunE:  CreateHandler,
	}

	createCmd.Flags().StringP("file", "f", "", "Corpus file; documents are separated by blank lines")
	createCmd.Flags().String("dtype", string(llama.DTypeF32), "Storage type of the weights (f32, f16, bf16)")
	createCmd.Flags().Int("vocab-size", llama.DefaultCorpusParams().VocabSize, "Maximum vocabulary size")

	envVars := envconfig.AsMap()
	envs := []envconfig.EnvVar{envVars["LLAMABATCH_HOST"], envVars["LLAMABATCH_DEBUG"]}

	for _, cmd := range []*cobra.Command{serveCmd, generateCmd, showCmd} {
		switch cmd {
		case serveCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["LLAMABATCH_HOST"],
				envVars["LLAMABATCH_ORIGINS"],
				envVars["LLAMABATCH_MODEL"],
				envVars["LLAMABATCH_CONTEXT_LENGTH"],
				envVars["LLAMABATCH_BATCH_SIZE"],
				envVars["LLAMABATCH_NUM_PARALLEL"],
				envVars["LLAMABATCH_SAFETY_FACTOR"],
				envVars["LLAMABATCH_MAX_ITERATIONS"],
				envVars["LLAMABATCH_GENERATE_TIMEOUT"],
				envVars["LLAMABATCH_DEBUG"],
			})
		case generateCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["LLAMABATCH_CONTEXT_LENGTH"],
				envVars["LLAMABATCH_BATCH_SIZE"],
				envVars["LLAMABATCH_SAFETY_FACTOR"],
				envVars["LLAMABATCH_MAX_ITERATIONS"],
				envVars["LLAMABATCH_DEBUG"],
			})
		default:
			appendEnvDocs(cmd, envs)
		}
	}

	rootCmd.AddCommand(
		serveCmd,
		generateCmd,
		showCmd,
		createCmd,
	)

	return rootCmd
}
