package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/stylegen/stylegen/preprocess"
)

var preprocessCmd = &cobra.Command{
	Use:   "preprocess",
	Short: "Square-crop raw photos into the source directory",
	Args:  cobra.NoArgs,
	RunE:  runPreprocess,
}

func init() {
	rootCmd.AddCommand(preprocessCmd)
}

func runPreprocess(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	summary, err := preprocess.Run(cmd.Context(), preprocess.Options{
		SourceDir: cfg.Paths.RawDir,
		TargetDir: cfg.Paths.SourceDir,
		Size:      cfg.Preprocess.TargetSize,
	})
	if err != nil {
		return err
	}

	slog.Info("Preprocessing finished",
		slog.Int("processed", summary.Processed),
		slog.Int("failed", summary.Failed),
		slog.Int("ignored", summary.Ignored),
		slog.String("targetDir", cfg.Paths.SourceDir))
	return nil
}
