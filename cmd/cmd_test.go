package cmd

import (
	"context"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"

	"github.com/stylegen/stylegen/config"
	"github.com/stylegen/stylegen/executor/runner"
	"github.com/stylegen/stylegen/worker"
)

func TestWorkerConfig(t *testing.T) {
	cfg := config.Default()
	wc := workerConfig(cfg)
	require.Equal(t, cfg.Paths.SourceDir, wc.SourceDir)
	require.Equal(t, 1, wc.Concurrency)
	require.Nil(t, wc.StylesFor)
	require.Equal(t, []worker.Style{
		{ID: "lego", Instruction: cfg.Styles[0].Instruction},
		{ID: "van_gogh", Instruction: cfg.Styles[1].Instruction},
	}, wc.Styles)

	cfg.Categories = []config.Category{{Name: "bricks", Match: []string{"toy*"}, Styles: []string{"lego"}}}
	wc = workerConfig(cfg)
	require.NotNil(t, wc.StylesFor)
	require.Len(t, wc.StylesFor("toy_car"), 1)
	require.Len(t, wc.StylesFor("street"), 2)
}

func TestNewExecutor(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	cfg := config.Default()
	cfg.Gemini.APIKeyFile = filepath.Join(t.TempDir(), "missing.txt")
	_, err := newExecutor(cfg)
	require.ErrorIs(t, err, config.ErrMissingAPIKey)

	t.Setenv("GOOGLE_API_KEY", "k")
	exec, err := newExecutor(cfg)
	require.NoError(t, err)
	require.NotNil(t, exec)

	cfg.Generate.Backend = "openai"
	_, err = newExecutor(cfg)
	require.ErrorIs(t, err, config.ErrMissingAPIKey)

	cfg.Generate.Backend = "runner"
	exec, err = newExecutor(cfg)
	require.NoError(t, err)
	require.IsType(t, &runner.Executor{}, exec)

	cfg.Generate.Backend = "dalle"
	_, err = newExecutor(cfg)
	require.Error(t, err)
}

func TestResolveInstruction(t *testing.T) {
	cfg := config.Default()

	got, err := resolveInstruction(cfg, "lego", "")
	require.NoError(t, err)
	require.Equal(t, cfg.Styles[0].Instruction, got)

	got, err = resolveInstruction(cfg, "lego", "Make it snow.")
	require.NoError(t, err)
	require.Equal(t, "Make it snow.", got)

	_, err = resolveInstruction(cfg, "winter", "")
	require.Error(t, err)
	_, err = resolveInstruction(cfg, "", "")
	require.Error(t, err)
}

func TestCompareLayout(t *testing.T) {
	l, err := compareLayout(config.Default().Compare.Layout)
	require.NoError(t, err)
	require.Equal(t, 400, l.TileWidth)
	require.Equal(t, color.NRGBA{R: 50, G: 50, B: 50, A: 255}, l.PlaceholderColor)

	bad := config.Default().Compare.Layout
	bad.BackgroundColor = "nope"
	_, err = compareLayout(bad)
	require.Error(t, err)
}

func TestSetupLogging(t *testing.T) {
	require.NoError(t, setupLogging("debug"))
	require.NoError(t, setupLogging("WARN"))
	require.Error(t, setupLogging("loud"))
	require.NoError(t, setupLogging("info"))
}

func TestPreprocessCommand(t *testing.T) {
	dir := t.TempDir()
	raw := filepath.Join(dir, "raw")
	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(raw, 0o755))
	require.NoError(t, imaging.Save(imaging.New(30, 20, color.White), filepath.Join(raw, "cat.jpg")))

	p := filepath.Join(dir, "stylegen.yaml")
	data := "paths:\n  raw_dir: " + raw + "\n  source_dir: " + src + "\npreprocess:\n  target_size: 16\n"
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))

	rootCmd.SetArgs([]string{"--config", p, "preprocess"})
	require.NoError(t, Execute(context.Background()))

	img, err := imaging.Open(filepath.Join(src, "cat.png"))
	require.NoError(t, err)
	require.Equal(t, 16, img.Bounds().Dx())
	require.Equal(t, 16, img.Bounds().Dy())
}
