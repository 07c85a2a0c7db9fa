package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/stylegen/stylegen/compare"
	"github.com/stylegen/stylegen/config"
)

var pdfPath string

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Render the before/after comparison sheet",
	Args:  cobra.NoArgs,
	RunE:  runCompare,
}

func init() {
	compareCmd.Flags().StringVar(&pdfPath, "pdf", "", "also write the sheet as a PDF to this path")
	rootCmd.AddCommand(compareCmd)
}

func runCompare(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	layout, err := compareLayout(cfg.Compare.Layout)
	if err != nil {
		return err
	}
	c, err := compare.New(layout)
	if err != nil {
		return err
	}

	pdf := cfg.Paths.ComparePDF
	if pdfPath != "" {
		pdf = pdfPath
	}

	out, err := c.Run(cmd.Context(), compare.Options{
		SourceDir:  cfg.Paths.SourceDir,
		OutputDir:  cfg.Paths.OutputDir,
		Styles:     cfg.CompareStyles(),
		OutputPath: cfg.Paths.CompareOutput,
		PDFPath:    pdf,
	})
	if err != nil {
		return err
	}

	slog.Info("Composite written", slog.String("path", out))
	return nil
}

func compareLayout(l config.LayoutConfig) (compare.Layout, error) {
	layout := compare.Layout{
		TileWidth:   l.TileWidth,
		Padding:     l.Padding,
		Gap:         l.Gap,
		LabelHeight: l.LabelHeight,
		FontSize:    l.FontSize,
		FontPath:    l.FontPath,
	}

	var err error
	if layout.LabelColor, err = config.ParseColor(l.LabelColor); err != nil {
		return compare.Layout{}, err
	}
	if layout.TextColor, err = config.ParseColor(l.TextColor); err != nil {
		return compare.Layout{}, err
	}
	if layout.PlaceholderColor, err = config.ParseColor(l.PlaceholderColor); err != nil {
		return compare.Layout{}, err
	}
	if layout.Background, err = config.ParseColor(l.BackgroundColor); err != nil {
		return compare.Layout{}, err
	}
	return layout, nil
}
