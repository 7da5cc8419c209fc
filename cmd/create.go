package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmorganca/llamabatch/format"
	"github.com/jmorganca/llamabatch/llama"
	"github.com/jmorganca/llamabatch/progress"
)

func CreateHandler(cmd *cobra.Command, args []string) error {
	corpusPath, err := cmd.Flags().GetString("file")
	if err != nil {
		return err
	}
	if corpusPath == "" {
		return errors.New("a corpus file is required (-f CORPUS)")
	}

	s, err := cmd.Flags().GetString("dtype")
	if err != nil {
		return err
	}

	dtype, err := llama.ParseDType(s)
	if err != nil {
		return err
	}

	params := llama.DefaultCorpusParams()
	if params.VocabSize, err = cmd.Flags().GetInt("vocab-size"); err != nil {
		return err
	}
	params.Name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))

	p := progress.NewProgress(os.Stderr)
	defer p.Stop()

	var spinner *progress.Spinner
	info, err := createModel(args[0], corpusPath, dtype, params, func(status string) {
		if spinner != nil {
			spinner.Stop()
		}
		spinner = progress.NewSpinner(status)
		p.Add(spinner)
	})
	if err != nil {
		return err
	}

	p.Stop()
	fmt.Printf("created %s: %d tokens, %s, %s\n", args[0], info.NumVocab, info.DType, format.HumanBytes(info.SizeBytes))
	return nil
}

// createModel builds a model from the corpus at corpusPath and writes it to
// path.
func createModel(path, corpusPath string, dtype llama.DType, params llama.CorpusParams, status func(string)) (*llama.ModelInfo, error) {
	corpus, err := os.ReadFile(corpusPath)
	if err != nil {
		return nil, err
	}

	backend := llama.NewBackend()
	defer backend.Close()

	status("building vocabulary and bigrams")
	m, err := llama.NewModelFromCorpus(backend, string(corpus), params)
	if err != nil {
		return nil, fmt.Errorf("failed to build model: %w", err)
	}
	defer m.Close()

	status(fmt.Sprintf("writing %s weights", dtype))
	if err := llama.WriteModelFile(path, m, dtype); err != nil {
		return nil, fmt.Errorf("failed to write model: %w", err)
	}

	return llama.ReadModelInfo(path)
}
