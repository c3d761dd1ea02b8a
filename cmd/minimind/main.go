package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-minimind/internal/config"
	"github.com/23skdu/longbow-minimind/internal/engine"
	"github.com/23skdu/longbow-minimind/internal/logger"
	"github.com/23skdu/longbow-minimind/internal/monitoring"
	"github.com/23skdu/longbow-minimind/internal/weights"
)

func main() {
	if err := NewCLI().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func NewCLI() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "minimind",
		Short:         "Decoder-only transformer with mixture-of-experts inference",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Setup(opts.logLevel, opts.logFormat)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Model config YAML (defaults to the built-in 26M config)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "console", "Log format (console, json)")

	root.AddCommand(newInitCmd(opts), newGenerateCmd(opts))
	return root
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return config.Config{}, err
	}
	defer f.Close()
	return config.Load(f)
}

func newInitCmd(root *rootOptions) *cobra.Command {
	var (
		out       string
		seed      uint64
		std       float64
		precision string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write randomly initialised weights as an Arrow IPC stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			capture := weights.NewCapture(weights.NewRandom(seed, std))
			if _, err := engine.NewModel(cfg, capture); err != nil {
				return err
			}

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := weights.WriteArrow(f, capture.Store(), weights.Precision(precision)); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "weights.arrow", "Output file")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "Initialisation seed")
	cmd.Flags().Float64Var(&std, "std", 0.02, "Standard deviation of the normal initialiser")
	cmd.Flags().StringVar(&precision, "precision", string(weights.Float32), "Storage precision (float32, float16)")
	return cmd
}

type generateOptions struct {
	weightsPath     string
	prompt          string
	gen             engine.GenerateConfig
	noCache         bool
	stream          bool
	metricsAddr     string
	activationsPath string
}

func newGenerateCmd(root *rootOptions) *cobra.Command {
	opts := &generateOptions{gen: engine.DefaultGenerateConfig()}
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate token ids from a comma-separated prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, root, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.weightsPath, "weights", "w", "weights.arrow", "Arrow IPC weights file")
	f.StringVarP(&opts.prompt, "prompt", "p", "", "Comma-separated prompt token ids (rows separated by ';')")
	f.IntVarP(&opts.gen.MaxNewTokens, "max-new-tokens", "n", opts.gen.MaxNewTokens, "Maximum number of tokens to generate")
	f.Float64Var(&opts.gen.Temperature, "temperature", opts.gen.Temperature, "Sampling temperature (0 = greedy)")
	f.Float64Var(&opts.gen.TopP, "top-p", opts.gen.TopP, "Nucleus threshold (1 disables)")
	f.IntVar(&opts.gen.TopK, "top-k", opts.gen.TopK, "Top-k filter (0 disables)")
	f.Float64Var(&opts.gen.RepetitionPenalty, "repetition-penalty", opts.gen.RepetitionPenalty, "Repetition penalty (1 disables)")
	f.IntVar(&opts.gen.EOS, "eos", opts.gen.EOS, "End-of-sequence token id")
	f.IntVar(&opts.gen.PadID, "pad", opts.gen.PadID, "Padding token id")
	f.Int64Var(&opts.gen.Seed, "seed", 0, "Sampling seed (0 = time-based)")
	f.BoolVar(&opts.noCache, "no-cache", false, "Recompute the full sequence every step")
	f.BoolVar(&opts.stream, "stream", false, "Print the generated suffix after every token (single prompt only)")
	f.StringVar(&opts.metricsAddr, "metrics", "", "Address to serve Prometheus metrics on (empty disables)")
	f.StringVar(&opts.activationsPath, "activations", "", "Write per-layer activation statistics to this JSON file")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func runGenerate(cmd *cobra.Command, root *rootOptions, opts *generateOptions) error {
	prompts, err := parsePrompts(opts.prompt)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(root.configPath)
	if err != nil {
		return err
	}

	health := monitoring.NewHealthMonitor(cfg)
	if opts.metricsAddr != "" {
		if err := health.Start(opts.metricsAddr); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = health.Stop(ctx)
		}()
	}

	f, err := os.Open(opts.weightsPath)
	if err != nil {
		return err
	}
	store, err := weights.ReadArrow(f)
	f.Close()
	if err != nil {
		return err
	}

	var modelOpts []engine.Option
	var al *engine.ActivationLogger
	if opts.activationsPath != "" {
		al = engine.NewActivationLogger()
		modelOpts = append(modelOpts, engine.WithActivationLogger(al))
	}
	model, err := engine.NewModel(cfg, store, modelOpts...)
	if err != nil {
		return err
	}

	gen := opts.gen
	gen.UseCache = !opts.noCache
	g := engine.NewGenerator(model)
	out := cmd.OutOrStdout()

	start := time.Now()
	generated, err := emit(out, g, prompts, gen, opts.stream)
	health.RecordGeneration(generated, time.Since(start), err)
	if err != nil {
		return err
	}

	if al != nil {
		return al.SaveToFile(opts.activationsPath)
	}
	return nil
}

// emit writes generated rows to out and returns how many new tokens were
// produced.
func emit(out io.Writer, g *engine.Generator, prompts [][]int, gen engine.GenerateConfig, stream bool) (int, error) {
	if stream {
		if len(prompts) != 1 {
			return 0, fmt.Errorf("--stream takes a single prompt, got %d", len(prompts))
		}
		n := 0
		for suffix, err := range g.Stream(prompts[0], gen) {
			if err != nil {
				return n, err
			}
			n = len(suffix)
			fmt.Fprintln(out, formatIDs(suffix))
		}
		return n, nil
	}

	rows, err := g.Generate(prompts, gen)
	if err != nil {
		return 0, err
	}
	n := 0
	for i, row := range rows {
		n += max(0, len(row)-len(prompts[i]))
		fmt.Fprintln(out, formatIDs(row))
	}
	return n, nil
}

// parsePrompts reads "1,2,3;4,5" into one id row per ';'-separated group.
func parsePrompts(s string) ([][]int, error) {
	var rows [][]int
	for _, group := range strings.Split(s, ";") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		var row []int
		for _, field := range strings.Split(group, ",") {
			id, err := strconv.Atoi(strings.TrimSpace(field))
			if err != nil {
				return nil, fmt.Errorf("invalid token id %q: %w", field, err)
			}
			row = append(row, id)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, engine.ErrEmptyPrompt
	}
	return rows, nil
}

func formatIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}
