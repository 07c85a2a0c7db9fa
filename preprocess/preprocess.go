// Package preprocess turns raw photos into square canonical PNGs.
package preprocess

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/stylegen/stylegen/worker"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

type Options struct {
	SourceDir string
	TargetDir string
	Size      int
}

type Summary struct {
	Processed int
	Failed    int
	Ignored   int
}

// Run writes {TargetDir}/{base}.png for every raster file in SourceDir,
// overwriting earlier results. A file that cannot be processed is logged and
// skipped.
func Run(ctx context.Context, opts Options) (Summary, error) {
	if opts.Size <= 0 {
		return Summary{}, fmt.Errorf("invalid target size %d", opts.Size)
	}

	entries, err := os.ReadDir(opts.SourceDir)
	if err != nil {
		return Summary{}, err
	}
	if err := os.MkdirAll(opts.TargetDir, 0o755); err != nil {
		return Summary{}, err
	}

	var summary Summary
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		name := e.Name()
		if e.IsDir() || !worker.ImageExtensions[strings.ToLower(filepath.Ext(name))] {
			summary.Ignored++
			continue
		}

		src := filepath.Join(opts.SourceDir, name)
		dst := filepath.Join(opts.TargetDir, strings.TrimSuffix(name, filepath.Ext(name))+".png")
		if err := processFile(src, dst, opts.Size); err != nil {
			slog.Error("Error processing image", slog.String("file", name), slog.String("error", err.Error()))
			summary.Failed++
			continue
		}

		slog.Info("Processed", slog.String("file", name), slog.String("outputPath", dst))
		summary.Processed++
	}
	return summary, nil
}

func processFile(src, dst string, size int) error {
	img, err := imaging.Open(src)
	if err != nil {
		return err
	}
	return imaging.Save(Square(img, size), dst)
}

// Square scales img so its shorter edge is size and crops the center
// size x size region.
func Square(img image.Image, size int) *image.NRGBA {
	rgb := ToRGB(img)

	w, h := rgb.Bounds().Dx(), rgb.Bounds().Dy()
	short := min(w, h)
	newW := w * size / short
	newH := h * size / short

	resized := imaging.Resize(rgb, newW, newH, imaging.Lanczos)

	left := (newW - size) / 2
	top := (newH - size) / 2
	return imaging.Crop(resized, image.Rect(left, top, left+size, top+size))
}

// ToRGB returns an opaque copy of img. Transparent pixels keep their color
// values rather than being composited onto a background, and palette images
// are expanded.
func ToRGB(img image.Image) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			c.A = 0xff
			out.SetNRGBA(x-b.Min.X, y-b.Min.Y, c)
		}
	}
	return out
}
