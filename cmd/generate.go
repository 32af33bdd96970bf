package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/cbengine/engine"
)

var (
	generateFlags engineFlags
	samplingMode  string // greedy, beam_search or multinomial preset
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate completions for a batch of prompts",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if err := runGenerate(ctx, cmd, &generateFlags, samplingMode, cmd.OutOrStdout()); err != nil {
			logrus.Fatalf("generate failed: %v", err)
		}
	},
}

// presetConfig maps a sampling mode name to its generation preset.
func presetConfig(mode string) (engine.GenerationConfig, error) {
	switch engine.SamplingMode(mode) {
	case engine.ModeGreedy:
		return engine.Greedy(), nil
	case engine.ModeBeamSearch:
		return engine.BeamSearch(), nil
	case engine.ModeMultinomial:
		return engine.Multinomial(), nil
	default:
		return engine.GenerationConfig{}, fmt.Errorf("unknown sampling mode %q (want greedy, beam_search or multinomial)", mode)
	}
}

func runGenerate(ctx context.Context, cmd *cobra.Command, f *engineFlags, mode string, out io.Writer) error {
	base, err := presetConfig(mode)
	if err != nil {
		return err
	}
	var progress func(done, total int)
	if f.progress {
		bar := newProgressBar(f.numPrompts, "Generating")
		progress = func(done, total int) {
			bar.ChangeMax(total)
			_ = bar.Set(done)
		}
	}
	s, err := f.newSession(cmd, base, progress)
	if err != nil {
		return err
	}
	if f.metricsAddr != "" {
		srv := serveMetrics(f.metricsAddr, s.registry)
		defer srv.Close()
	}

	startTime := time.Now()
	results, err := s.pipeline.Generate(ctx, s.prompts, []engine.GenerationConfig{s.genCfg})
	if err != nil && results == nil {
		return err
	}
	elapsed := time.Since(startTime)

	for i, res := range results {
		fmt.Fprintf(out, "Prompt %d (%d tokens): %s\n", i, len(s.prompts[i]), res.Status)
		if res.Err != nil {
			fmt.Fprintf(out, "  error: %v\n", res.Err)
		}
		for j, ids := range res.GenerationIDs {
			fmt.Fprintf(out, "  [%d] score %.4f: %v\n", j, res.Scores[j], ids)
		}
	}
	fmt.Fprintf(out, "Total execution time: %.2f seconds.\n", elapsed.Seconds())
	s.report(out)
	return err
}

func init() {
	generateFlags.register(generateCmd, 8)
	generateCmd.Flags().StringVar(&samplingMode, "sampling", string(engine.ModeGreedy), "Generation preset (greedy, beam_search, multinomial)")
}
