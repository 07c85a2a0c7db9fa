package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/stylegen/stylegen/config"
	"github.com/stylegen/stylegen/executor/gemini"
	"github.com/stylegen/stylegen/executor/openai"
	"github.com/stylegen/stylegen/executor/runner"
	"github.com/stylegen/stylegen/worker"
)

var backend string

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Apply every style to every source image",
	Long: `generate calls the configured backend once for every (image, style) pair
whose output does not exist yet. Interrupted runs resume where they stopped.`,
	Args: cobra.NoArgs,
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVar(&backend, "backend", "", "runner, gemini or openai (overrides generate.backend)")
	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if backend != "" {
		cfg.Generate.Backend = backend
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	exec, err := newExecutor(cfg)
	if err != nil {
		return err
	}

	w := worker.NewWorker(workerConfig(cfg), exec)
	summary, err := w.Run(cmd.Context())
	slog.Info("Generation finished",
		slog.String("backend", cfg.Generate.Backend),
		slog.Int("total", summary.Total),
		slog.Int("skipped", summary.Skipped),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("declined", summary.Declined),
		slog.Int("failed", summary.Failed),
		slog.Int("unreadable", summary.Unreadable))
	return err
}

func workerConfig(cfg config.Config) worker.Config {
	wc := worker.Config{
		SourceDir:         cfg.Paths.SourceDir,
		OutputDir:         cfg.Paths.OutputDir,
		Styles:            workerStyles(cfg.Styles),
		Cooldown:          cfg.Generate.Cooldown,
		Concurrency:       cfg.Generate.Concurrency,
		RequestsPerMinute: cfg.Generate.RequestsPerMinute,
		Manifest:          cfg.Generate.Manifest,
	}
	if len(cfg.Categories) > 0 {
		wc.StylesFor = func(baseName string) []worker.Style {
			return workerStyles(cfg.StylesFor(baseName))
		}
	}
	return wc
}

func workerStyles(styles []config.Style) []worker.Style {
	out := make([]worker.Style, 0, len(styles))
	for _, s := range styles {
		out = append(out, worker.Style{ID: s.ID, Instruction: s.Instruction})
	}
	return out
}

// newExecutor builds the backend named by generate.backend. Credentials are
// resolved here so a missing key fails before any work starts.
func newExecutor(cfg config.Config) (worker.Executor, error) {
	switch cfg.Generate.Backend {
	case "runner":
		r := cfg.Runner
		return runner.NewExecutor(runner.Config{
			Endpoint: worker.RunnerEndpoint{
				URL:   r.URL,
				Token: r.Token,
			},
			ContainerImage: r.Image,
			GPU:            r.GPU,
			ModelsDir:      r.ModelsDir,
			Params: worker.ImageToImageParams{
				ModelID:            r.ModelID,
				NumInferenceSteps:  r.NumInferenceSteps,
				ImageGuidanceScale: r.ImageGuidanceScale,
				GuidanceScale:      r.GuidanceScale,
				Seed:               r.Seed,
				SafetyCheck:        r.SafetyCheck,
			},
		}), nil
	case "gemini":
		key, err := config.LoadAPIKey(cfg.Gemini.APIKeyFile, cfg.Gemini.APIKeyEnv)
		if err != nil {
			return nil, err
		}
		return gemini.NewExecutor(gemini.Config{
			BaseURL: cfg.Gemini.BaseURL,
			Model:   cfg.Gemini.Model,
			APIKey:  key,
			Timeout: cfg.Gemini.Timeout,
		})
	case "openai":
		key, err := config.LoadAPIKey(cfg.OpenAI.APIKeyFile, cfg.OpenAI.APIKeyEnv)
		if err != nil {
			return nil, err
		}
		return openai.NewExecutor(openai.Config{
			APIKey:  key,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
			Size:    cfg.OpenAI.Size,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Generate.Backend)
	}
}
