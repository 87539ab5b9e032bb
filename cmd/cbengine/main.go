// Command cbengine drives a continuous-batching Engine from the command
// line: load a config file, load a model and tokenizer, and either run a
// single prompt to completion or run every prompt read from stdin (one per
// line) as one concurrent batch.
// Generalizes the teacher's per-model cmd/ demos (cmd/ask, cmd/generic-runner)
// into one binary driven by config rather than a model-name switch, since
// §6's executor/tokenizer are collaborator interfaces instead of hardcoded
// purego backends.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nanocb/cbengine/engine"
	"github.com/nanocb/cbengine/internal/config"
	"github.com/nanocb/cbengine/internal/hftokenizer"
	"github.com/nanocb/cbengine/internal/onnxexecutor"
)

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "cbengine",
		Short: "continuous-batching inference engine core",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "cbengine.yaml", "path to engine config file")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "debug-level logging")

	root.AddCommand(newRunCmd())
	root.AddCommand(newBenchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func newRunCmd() *cobra.Command {
	var maxTokens int
	var temperature float64
	var topK int
	var topP float64

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "generate a single completion and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			eng, tok, err := buildEngine(log)
			if err != nil {
				return err
			}

			promptIDs, err := tok.Encode(args[0])
			if err != nil {
				return fmt.Errorf("encoding prompt: %w", err)
			}

			params := &engine.SamplingParams{
				MaxNewTokens:      maxTokens,
				Temperature:       temperature,
				TopK:              topK,
				TopP:              topP,
				RepetitionPenalty: 1.0,
				GroupSize:         1,
				NumGroups:         1,
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			tokens, reason, err := eng.Generate(ctx, promptIDs, params)
			if err != nil {
				return fmt.Errorf("generation failed: %w", err)
			}
			text, err := tok.Decode(tokens)
			if err != nil {
				return fmt.Errorf("decoding output: %w", err)
			}

			fmt.Println(text)
			log.WithFields(logrus.Fields{
				"tokens":        len(tokens),
				"finish_reason": reason,
			}).Debug("run complete")
			return nil
		},
	}
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 128, "maximum tokens to generate")
	cmd.Flags().Float64Var(&temperature, "temp", 0, "sampling temperature (0 = greedy)")
	cmd.Flags().IntVar(&topK, "top-k", 0, "top-k filter (0 disables)")
	cmd.Flags().Float64Var(&topP, "top-p", 1.0, "top-p filter (1.0 disables)")
	return cmd
}

func newBenchCmd() *cobra.Command {
	var maxTokens int

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "drive one prompt per stdin line through the engine concurrently, reporting throughput",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			eng, tok, err := buildEngine(log)
			if err != nil {
				return err
			}

			var prompts []string
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line != "" {
					prompts = append(prompts, line)
				}
			}
			if len(prompts) == 0 {
				return fmt.Errorf("no prompts on stdin")
			}

			ctx := context.Background()
			handles := make([]*engine.Handle, 0, len(prompts))
			for _, p := range prompts {
				ids, err := tok.Encode(p)
				if err != nil {
					return fmt.Errorf("encoding prompt: %w", err)
				}
				h, err := eng.AddRequest(ids, &engine.SamplingParams{MaxNewTokens: maxTokens, TopP: 1.0, RepetitionPenalty: 1.0, GroupSize: 1, NumGroups: 1})
				if err != nil {
					return fmt.Errorf("adding request: %w", err)
				}
				handles = append(handles, h)
			}

			bar := progressbar.NewOptions(len(prompts),
				progressbar.OptionSetDescription("generating"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "=",
					SaucerHead:    ">",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
			)

			start := time.Now()
			finished := 0
			for eng.HasNonFinishedRequests() {
				if err := eng.Step(ctx); err != nil {
					return fmt.Errorf("step failed: %w", err)
				}
				for _, h := range handles {
					for _, o := range h.ReadAll() {
						if o.Finished {
							finished++
							bar.Set(finished)
						}
					}
				}
			}
			fmt.Println()

			elapsed := time.Since(start)
			snap := eng.Metrics().Snapshot()
			log.WithFields(logrus.Fields{
				"requests":        len(prompts),
				"elapsed":         elapsed.String(),
				"steps":           snap.StepCount,
				"prefill_tokens":  snap.PrefillTokens,
				"decode_tokens":   snap.DecodeTokens,
				"preemptions":     snap.PreemptionCount,
				"decode_tok_s":    float64(snap.DecodeTokens) / elapsed.Seconds(),
			}).Info("bench complete")
			return nil
		},
	}
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 64, "maximum tokens to generate per prompt")
	return cmd
}

// buildEngine loads the config file and wires an Engine against real
// onnxexecutor/hftokenizer collaborators.
func buildEngine(log *logrus.Logger) (*engine.Engine, *hftokenizer.Tokenizer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	tok, err := hftokenizer.Load(cfg.Model.TokenizerPath, "</s>")
	if err != nil {
		return nil, nil, fmt.Errorf("loading tokenizer: %w", err)
	}

	exec, err := onnxexecutor.New(onnxexecutor.Config{
		ModelPath:      cfg.Model.ModelPath,
		VocabSize:      tok.VocabSize(),
		MaxBatch:       cfg.Scheduler.MaxNumSeqs,
		IntraOpThreads: 4,
		InputNames:     []string{"input_ids", "position_ids", "slot_mapping"},
		OutputNames:    []string{"logits"},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initializing onnx executor: %w", err)
	}

	eng := engine.NewEngine(cfg.Scheduler.Resolve(), exec, tok, log)
	if cfg.Scheduler.UseCacheEviction {
		eng.EnableCacheEviction(cfg.Scheduler.EvictionThreshold)
	}
	return eng, tok, nil
}
