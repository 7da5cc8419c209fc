package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jmorganca/llamabatch/api"
	"github.com/jmorganca/llamabatch/envconfig"
	"github.com/jmorganca/llamabatch/format"
	"github.com/jmorganca/llamabatch/llama"
)

func ShowHandler(cmd *cobra.Command, args []string) error {
	env, err := cmd.Flags().GetBool("env")
	if err != nil {
		return err
	}

	if env {
		showEnv(os.Stdout)
		if len(args) == 0 {
			return nil
		}
		fmt.Fprintln(os.Stdout)
	}

	client, err := NewAPIClient(cmd)
	if err != nil {
		return err
	}

	var resp *api.ShowResponse
	switch {
	case client != nil:
		if resp, err = client.Show(cmd.Context()); err != nil {
			return err
		}
	case len(args) == 1:
		parallel, err := cmd.Flags().GetInt("parallel")
		if err != nil {
			return err
		}

		if resp, err = showModelFile(args[0], parallel); err != nil {
			return err
		}
	default:
		return errors.New("a model file or --host is required")
	}

	showInfo(os.Stdout, resp)
	return nil
}

// showModelFile describes a model file and the context envconfig would
// create for it.
func showModelFile(path string, parallel int) (*api.ShowResponse, error) {
	info, err := llama.ReadModelInfo(path)
	if err != nil {
		return nil, err
	}

	params := llama.DefaultContextParams()
	return &api.ShowResponse{
		Model: api.ModelDetails{
			Name:      info.Name,
			Path:      path,
			DType:     string(info.DType),
			NumVocab:  info.NumVocab,
			SizeBytes: info.SizeBytes,
		},
		Context: api.ContextDetails{
			NumCtx:        envconfig.ContextLength,
			NumBatch:      envconfig.BatchSize,
			NumSeqMax:     max(parallel, 1),
			PoolingType:   params.PoolingType.String(),
			AttentionType: params.AttentionType.String(),
			SafetyFactor:  envconfig.SafetyFactor,
			MaxIterations: envconfig.MaxIterations,
		},
	}, nil
}

func newTable(w io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func showInfo(w io.Writer, resp *api.ShowResponse) {
	fmt.Fprintln(w, "  Model")
	table := newTable(w)
	table.AppendBulk([][]string{
		{"    ", "name", resp.Model.Name},
		{"    ", "vocabulary", strconv.Itoa(resp.Model.NumVocab)},
	})
	if resp.Model.Path != "" {
		table.Append([]string{"    ", "path", resp.Model.Path})
	}
	if resp.Model.DType != "" {
		table.Append([]string{"    ", "dtype", resp.Model.DType})
	}
	if resp.Model.SizeBytes > 0 {
		table.Append([]string{"    ", "size", format.HumanBytes(resp.Model.SizeBytes)})
	}
	table.Render()
	fmt.Fprintln(w)

	c := resp.Context
	// the output reserve of a generation over every sequence
	reserve := c.NumBatch * c.NumSeqMax * c.SafetyFactor

	fmt.Fprintln(w, "  Context")
	table = newTable(w)
	table.AppendBulk([][]string{
		{"    ", "context length", strconv.Itoa(c.NumCtx)},
		{"    ", "batch size", strconv.Itoa(c.NumBatch)},
		{"    ", "parallel", strconv.Itoa(c.NumSeqMax)},
		{"    ", "safety factor", strconv.Itoa(c.SafetyFactor)},
		{"    ", "output reserve", strconv.Itoa(reserve)},
		{"    ", "prompt budget", strconv.Itoa(max(c.NumCtx-reserve, 0))},
		{"    ", "pooling", c.PoolingType},
		{"    ", "attention", c.AttentionType},
	})
	if c.MaxIterations > 0 {
		table.Append([]string{"    ", "max iterations", strconv.Itoa(c.MaxIterations)})
	}
	if c.KvCacheUsed > 0 {
		table.Append([]string{"    ", "kv cache used", strconv.Itoa(c.KvCacheUsed)})
	}
	table.Render()

	if len(resp.Sampler) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  Sampler")
		table = newTable(w)

		keys := make([]string, 0, len(resp.Sampler))
		for k := range resp.Sampler {
			keys = append(keys, k)
		}
		slices.Sort(keys)

		for _, k := range keys {
			table.Append([]string{"    ", k, fmt.Sprint(resp.Sampler[k])})
		}
		table.Render()
	}
}

func showEnv(w io.Writer) {
	vals := envconfig.AsMap()

	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	table := newTable(w)
	for _, k := range keys {
		table.Append([]string{k, fmt.Sprint(vals[k].Value), vals[k].Description})
	}
	table.Render()

	if path := envconfig.ConfigFile(); path != "" {
		fmt.Fprintf(w, "\nconfig file: %s\n", path)
	}
}
