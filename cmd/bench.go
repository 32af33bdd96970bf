package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/cbengine/engine"
)

var (
	benchFlags      engineFlags
	benchIterations int // Number of chat turns
)

// benchCmd runs every prompt as one batch, then replays a chat: each turn
// sends the next prompt appended to the conversation so far, and the reply
// becomes part of the history.
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Time a batched generate followed by a multi-turn chat",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if err := runBench(ctx, cmd, &benchFlags, benchIterations, cmd.OutOrStdout()); err != nil {
			logrus.Fatalf("bench failed: %v", err)
		}
	},
}

func runBench(ctx context.Context, cmd *cobra.Command, f *engineFlags, iterations int, out io.Writer) error {
	if iterations <= 0 {
		return fmt.Errorf("--iterations must be > 0, got %d", iterations)
	}
	s, err := f.newSession(cmd, engine.Greedy(), nil)
	if err != nil {
		return err
	}
	if f.metricsAddr != "" {
		srv := serveMetrics(f.metricsAddr, s.registry)
		defer srv.Close()
	}

	startTime := time.Now()
	batched, err := s.pipeline.Generate(ctx, s.prompts, []engine.GenerationConfig{s.genCfg})
	if err != nil {
		return fmt.Errorf("batched generate: %w", err)
	}
	for _, res := range batched {
		if res.Err != nil {
			return fmt.Errorf("batched generate: request %s: %w", res.RequestID, res.Err)
		}
	}
	batchTime := time.Since(startTime)

	s.pipeline.StartChat(nil)
	defer s.pipeline.FinishChat()
	var bar *progressbar.ProgressBar
	if f.progress {
		bar = newProgressBar(iterations, "Chatting")
	}
	for i := 0; i < iterations; i++ {
		prompt := s.prompts[i%len(s.prompts)]
		results, err := s.pipeline.Generate(ctx, [][]int{prompt}, []engine.GenerationConfig{s.genCfg})
		if err != nil {
			return fmt.Errorf("turn %d: %w", i, err)
		}
		if results[0].Err != nil {
			return fmt.Errorf("turn %d: request %s: %w", i, results[0].RequestID, results[0].Err)
		}
		logrus.Debugf("turn %d: generated %v", i, results[0].GenerationIDs[0])
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	elapsed := time.Since(startTime)

	fmt.Fprintf(out, "Batch: %d prompts in %.2f seconds.\n", len(batched), batchTime.Seconds())
	fmt.Fprintf(out, "Total execution time: %.2f seconds.\n", elapsed.Seconds())
	fmt.Fprintf(out, "History: %d tokens after %d turns\n", len(s.pipeline.ChatHistory()), iterations)
	s.report(out)
	return nil
}

func init() {
	benchFlags.register(benchCmd, 4)
	benchCmd.Flags().IntVar(&benchIterations, "iterations", 10, "Number of chat turns")
}
