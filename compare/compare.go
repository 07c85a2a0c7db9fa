// Package compare lays the source images and their stylized outputs out as a
// grid of columns, one per source image.
package compare

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/stylegen/stylegen/preprocess"
	"github.com/stylegen/stylegen/worker"
)

var ErrNoSourceImages = worker.ErrNoSourceImages

const missingCaption = "Missing"

type Layout struct {
	TileWidth   int
	Padding     int
	Gap         int
	LabelHeight int
	FontSize    float64
	// FontPath points to a TrueType/OpenType font. Empty means Go Regular.
	FontPath string

	LabelColor       color.Color
	TextColor        color.Color
	PlaceholderColor color.Color
	Background       color.Color
}

func DefaultLayout() Layout {
	return Layout{
		TileWidth:        400,
		Padding:          20,
		Gap:              5,
		LabelHeight:      40,
		FontSize:         30,
		LabelColor:       color.Black,
		TextColor:        color.White,
		PlaceholderColor: color.NRGBA{R: 50, G: 50, B: 50, A: 255},
		Background:       color.White,
	}
}

type Tile struct {
	Path  string
	Label string
}

type Column struct {
	BaseName string
	Tiles    []Tile
}

// Sheet is the planned grid. Every column holds the original followed by one
// tile per style, in style order.
type Sheet struct {
	Columns []Column
}

type Compositor struct {
	layout Layout
	face   font.Face
	ascent int
}

func New(layout Layout) (*Compositor, error) {
	if layout.TileWidth <= 0 {
		return nil, fmt.Errorf("invalid tile width %d", layout.TileWidth)
	}
	if layout.Gap < 0 || layout.Padding < 0 || layout.LabelHeight < 0 {
		return nil, errors.New("layout spacing must not be negative")
	}

	data := goregular.TTF
	if layout.FontPath != "" {
		var err error
		data, err = os.ReadFile(layout.FontPath)
		if err != nil {
			return nil, fmt.Errorf("read font: %w", err)
		}
	}
	f, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    layout.FontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, err
	}

	return &Compositor{
		layout: layout,
		face:   face,
		ascent: face.Metrics().Ascent.Ceil(),
	}, nil
}

// Plan lists the tiles of every column. Output paths are included whether or
// not the file exists; Render substitutes a placeholder for missing ones.
func (c *Compositor) Plan(sourceDir, outputDir string, styles []string) (*Sheet, error) {
	sources, err := worker.ListImages(sourceDir)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoSourceImages, sourceDir)
	}

	sheet := &Sheet{Columns: make([]Column, 0, len(sources))}
	for _, src := range sources {
		name := filepath.Base(src)
		base := strings.TrimSuffix(name, filepath.Ext(name))

		col := Column{
			BaseName: base,
			Tiles:    make([]Tile, 0, len(styles)+1),
		}
		col.Tiles = append(col.Tiles, Tile{Path: src, Label: name})
		for _, s := range styles {
			col.Tiles = append(col.Tiles, Tile{
				Path:  worker.OutputPath(outputDir, base, s),
				Label: capitalize(s),
			})
		}
		sheet.Columns = append(sheet.Columns, col)
	}
	return sheet, nil
}

// Render draws the sheet. Columns are placed left to right and top-aligned.
func (c *Compositor) Render(sheet *Sheet) *image.NRGBA {
	l := c.layout

	columns := make([]*image.NRGBA, 0, len(sheet.Columns))
	height := 0
	for _, col := range sheet.Columns {
		img := c.renderColumn(col)
		columns = append(columns, img)
		height = max(height, img.Bounds().Dy())
	}

	n := len(columns)
	width := 0
	if n > 0 {
		width = l.TileWidth*n + l.Padding*(n-1)
	}

	out := imaging.New(width, height, l.Background)
	x := 0
	for _, col := range columns {
		out = imaging.Paste(out, col, image.Pt(x, 0))
		x += l.TileWidth + l.Padding
	}
	return out
}

func (c *Compositor) renderColumn(col Column) *image.NRGBA {
	l := c.layout

	tiles := make([]*image.NRGBA, 0, len(col.Tiles))
	height := 0
	for _, t := range col.Tiles {
		tile := c.renderTile(t)
		tiles = append(tiles, tile)
		height += tile.Bounds().Dy()
	}
	if len(tiles) > 1 {
		height += l.Gap * (len(tiles) - 1)
	}

	out := imaging.New(l.TileWidth, height, l.Background)
	y := 0
	for _, tile := range tiles {
		out = imaging.Paste(out, tile, image.Pt(0, y))
		y += tile.Bounds().Dy() + l.Gap
	}
	return out
}

func (c *Compositor) renderTile(t Tile) *image.NRGBA {
	l := c.layout

	img, err := imaging.Open(t.Path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Error("Error loading tile",
				slog.String("path", t.Path),
				slog.String("error", err.Error()))
		}
		tile := imaging.New(l.TileWidth, l.TileWidth, l.PlaceholderColor)
		c.drawText(tile, missingCaption, 10, 50)
		return tile
	}

	rgb := preprocess.ToRGB(img)
	w, h := rgb.Bounds().Dx(), rgb.Bounds().Dy()
	newH := max(h*l.TileWidth/w, 1)
	tile := imaging.Resize(rgb, l.TileWidth, newH, imaging.Lanczos)

	if l.LabelHeight > 0 {
		bar := imaging.New(l.TileWidth, l.LabelHeight, l.LabelColor)
		tile = imaging.Paste(tile, bar, image.Pt(0, 0))
	}
	c.drawText(tile, t.Label, 10, 5)
	return tile
}

// drawText draws s with its top-left corner at (x, y).
func (c *Compositor) drawText(dst *image.NRGBA, s string, x, y int) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c.layout.TextColor),
		Face: c.face,
		Dot:  fixed.P(x, y+c.ascent),
	}
	d.DrawString(s)
}

type Options struct {
	SourceDir  string
	OutputDir  string
	Styles     []string
	OutputPath string
	PDFPath    string
}

// Run plans, renders and writes the composite. It returns the path of the
// written PNG.
func (c *Compositor) Run(ctx context.Context, opts Options) (string, error) {
	sheet, err := c.Plan(opts.SourceDir, opts.OutputDir, opts.Styles)
	if err != nil {
		return "", err
	}
	slog.Info("Building comparison sheet",
		slog.Int("columns", len(sheet.Columns)),
		slog.Int("rows", len(opts.Styles)+1))

	if err := ctx.Err(); err != nil {
		return "", err
	}
	img := c.Render(sheet)

	if dir := filepath.Dir(opts.OutputPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	if err := worker.SavePNG(img, opts.OutputPath); err != nil {
		return "", fmt.Errorf("write composite: %w", err)
	}

	if opts.PDFPath != "" {
		if err := WritePDF(img, opts.PDFPath); err != nil {
			return opts.OutputPath, fmt.Errorf("write pdf: %w", err)
		}
		slog.Info("PDF written", slog.String("path", opts.PDFPath))
	}
	return opts.OutputPath, nil
}

// capitalize upper-cases the first rune and lower-cases the rest.
func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}
