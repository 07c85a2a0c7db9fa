package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"

	"github.com/stylegen/stylegen/config"
	"github.com/stylegen/stylegen/worker"
)

var (
	editStyle       string
	editInstruction string
)

var editCmd = &cobra.Command{
	Use:   "edit <input> <output>",
	Short: "Run a single image through the backend",
	Long: `edit applies one style, or a free-form instruction, to a single image and
writes the result. It is useful to try a backend or a new instruction before a
full generate run.`,
	Args: cobra.ExactArgs(2),
	RunE: runEdit,
}

func init() {
	editCmd.Flags().StringVar(&editStyle, "style", "", "style id from the style table")
	editCmd.Flags().StringVar(&editInstruction, "instruction", "", "instruction text (overrides --style)")
	editCmd.Flags().StringVar(&backend, "backend", "", "runner, gemini or openai (overrides generate.backend)")
	rootCmd.AddCommand(editCmd)
}

func runEdit(cmd *cobra.Command, args []string) error {
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

	instruction, err := resolveInstruction(cfg, editStyle, editInstruction)
	if err != nil {
		return err
	}

	src, err := imaging.Open(args[0])
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	exec, err := newExecutor(cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	slog.Info("Warming executor", slog.String("backend", cfg.Generate.Backend))
	if err := exec.Start(ctx); err != nil {
		return fmt.Errorf("start executor: %w", err)
	}
	defer func() {
		if stopErr := exec.Stop(); stopErr != nil {
			slog.Error("Error stopping executor", slog.String("error", stopErr.Error()))
		}
	}()

	out, err := exec.Edit(ctx, src, instruction)
	if err != nil {
		if reason, ok := worker.IsDeclined(err); ok {
			slog.Warn("Generation declined", slog.String("reason", reason))
		}
		return err
	}

	if err := worker.SavePNG(out, args[1]); err != nil {
		return err
	}
	slog.Info("Output written", slog.String("outputPath", args[1]))
	return nil
}

func resolveInstruction(cfg config.Config, styleID, instruction string) (string, error) {
	if instruction != "" {
		return instruction, nil
	}
	if styleID == "" {
		return "", errors.New("one of --style or --instruction is required")
	}
	for _, s := range cfg.Styles {
		if s.ID == styleID {
			return s.Instruction, nil
		}
	}
	return "", fmt.Errorf("unknown style %q", styleID)
}
