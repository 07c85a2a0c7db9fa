// Package config holds the parameters for the preprocess, generate and
// compare stages. Every field has a default; a YAML file may override any of
// them.
package config

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path"
	"strings"
	"time"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "stylegen.yaml"

var ErrMissingAPIKey = errors.New("missing api key")

type Style struct {
	ID          string `yaml:"id"`
	Instruction string `yaml:"instruction"`
}

// Category restricts the styles applied to images whose base name matches
// one of the globs.
type Category struct {
	Name   string   `yaml:"name"`
	Match  []string `yaml:"match"`
	Styles []string `yaml:"styles"`
}

type Paths struct {
	RawDir        string `yaml:"raw_dir"`
	SourceDir     string `yaml:"source_dir"`
	OutputDir     string `yaml:"output_dir"`
	CompareOutput string `yaml:"compare_output"`
	ComparePDF    string `yaml:"compare_pdf"`
}

type PreprocessConfig struct {
	TargetSize int `yaml:"target_size"`
}

type GenerateConfig struct {
	Backend           string        `yaml:"backend"`
	Cooldown          time.Duration `yaml:"cooldown"`
	Concurrency       int           `yaml:"concurrency"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Manifest          bool          `yaml:"manifest"`
}

type RunnerConfig struct {
	// URL of an already running runner. When empty a container is managed
	// through the local Docker daemon.
	URL                string  `yaml:"url"`
	Token              string  `yaml:"token"`
	Image              string  `yaml:"image"`
	ModelID            string  `yaml:"model_id"`
	GPU                string  `yaml:"gpu"`
	ModelsDir          string  `yaml:"models_dir"`
	NumInferenceSteps  int     `yaml:"num_inference_steps"`
	ImageGuidanceScale float64 `yaml:"image_guidance_scale"`
	GuidanceScale      float64 `yaml:"guidance_scale"`
	Seed               int64   `yaml:"seed"`
	SafetyCheck        bool    `yaml:"safety_check"`
}

type GeminiConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Model      string        `yaml:"model"`
	APIKeyFile string        `yaml:"api_key_file"`
	APIKeyEnv  string        `yaml:"api_key_env"`
	Timeout    time.Duration `yaml:"timeout"`
}

type OpenAIConfig struct {
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	Size       string `yaml:"size"`
	APIKeyFile string `yaml:"api_key_file"`
	APIKeyEnv  string `yaml:"api_key_env"`
}

type LayoutConfig struct {
	TileWidth        int     `yaml:"tile_width"`
	Padding          int     `yaml:"padding"`
	Gap              int     `yaml:"gap"`
	LabelHeight      int     `yaml:"label_height"`
	FontSize         float64 `yaml:"font_size"`
	FontPath         string  `yaml:"font_path"`
	LabelColor       string  `yaml:"label_color"`
	TextColor        string  `yaml:"text_color"`
	PlaceholderColor string  `yaml:"placeholder_color"`
	BackgroundColor  string  `yaml:"background_color"`
}

type CompareConfig struct {
	// Styles fixes the row order. Empty means the ids of the style table.
	Styles []string     `yaml:"styles"`
	Layout LayoutConfig `yaml:"layout"`
}

type Config struct {
	Paths      Paths            `yaml:"paths"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
	Generate   GenerateConfig   `yaml:"generate"`
	Styles     []Style          `yaml:"styles"`
	Categories []Category       `yaml:"categories"`
	Runner     RunnerConfig     `yaml:"runner"`
	Gemini     GeminiConfig     `yaml:"gemini"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	Compare    CompareConfig    `yaml:"compare"`
}

func Default() Config {
	return Config{
		Paths: Paths{
			RawDir:        "raw_before_images",
			SourceDir:     "before_images",
			OutputDir:     "after_images",
			CompareOutput: "compare.png",
		},
		Preprocess: PreprocessConfig{TargetSize: 512},
		Generate: GenerateConfig{
			Backend:     "gemini",
			Cooldown:    5 * time.Second,
			Concurrency: 1,
			Manifest:    true,
		},
		Styles: []Style{
			{ID: "lego", Instruction: "Transform this image into a Lego style."},
			{ID: "van_gogh", Instruction: "Redraw this image in the style of Van Gogh's Starry Night."},
		},
		Runner: RunnerConfig{
			Image:              "livepeer/ai-runner:latest",
			ModelID:            "timbrooks/instruct-pix2pix",
			GPU:                "0",
			ModelsDir:          "~/.lpData/models",
			NumInferenceSteps:  20,
			ImageGuidanceScale: 1.5,
			GuidanceScale:      7.5,
			Seed:               42,
			SafetyCheck:        true,
		},
		Gemini: GeminiConfig{
			BaseURL:    "https://generativelanguage.googleapis.com",
			Model:      "gemini-2.5-flash-image",
			APIKeyFile: "API_key.txt",
			APIKeyEnv:  "GOOGLE_API_KEY",
			Timeout:    2 * time.Minute,
		},
		OpenAI: OpenAIConfig{
			Model:     "gpt-image-1",
			Size:      "1024x1024",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Compare: CompareConfig{
			Layout: LayoutConfig{
				TileWidth:        400,
				Padding:          20,
				Gap:              5,
				LabelHeight:      40,
				FontSize:         30,
				LabelColor:       "#000000",
				TextColor:        "#ffffff",
				PlaceholderColor: "#323232",
				BackgroundColor:  "#ffffff",
			},
		},
	}
}

// Load returns the defaults overridden by the YAML file at p. A missing file
// is only an error when required is set.
func Load(p string, required bool) (Config, error) {
	cfg := Default()

	if p != "" {
		expanded, err := homedir.Expand(p)
		if err != nil {
			return Config{}, err
		}

		data, err := os.ReadFile(expanded)
		switch {
		case errors.Is(err, os.ErrNotExist) && !required:
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", p, err)
			}
		}
	}

	if err := cfg.expandPaths(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.Paths.RawDir,
		&c.Paths.SourceDir,
		&c.Paths.OutputDir,
		&c.Paths.CompareOutput,
		&c.Paths.ComparePDF,
		&c.Runner.ModelsDir,
		&c.Gemini.APIKeyFile,
		&c.OpenAI.APIKeyFile,
		&c.Compare.Layout.FontPath,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

func (c Config) Validate() error {
	if c.Preprocess.TargetSize <= 0 {
		return fmt.Errorf("preprocess.target_size must be positive, got %d", c.Preprocess.TargetSize)
	}
	if len(c.Styles) == 0 {
		return errors.New("at least one style is required")
	}

	seen := make(map[string]bool, len(c.Styles))
	for _, s := range c.Styles {
		if err := ValidateStyleID(s.ID); err != nil {
			return err
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate style id %q", s.ID)
		}
		if strings.TrimSpace(s.Instruction) == "" {
			return fmt.Errorf("style %q has no instruction", s.ID)
		}
		seen[s.ID] = true
	}

	for _, cat := range c.Categories {
		if len(cat.Match) == 0 {
			return fmt.Errorf("category %q has no match patterns", cat.Name)
		}
		for _, m := range cat.Match {
			if _, err := path.Match(m, ""); err != nil {
				return fmt.Errorf("category %q: bad pattern %q: %w", cat.Name, m, err)
			}
		}
		for _, id := range cat.Styles {
			if !seen[id] {
				return fmt.Errorf("category %q references unknown style %q", cat.Name, id)
			}
		}
	}

	for _, id := range c.Compare.Styles {
		if err := ValidateStyleID(id); err != nil {
			return err
		}
	}

	switch c.Generate.Backend {
	case "runner", "gemini", "openai":
	default:
		return fmt.Errorf("unknown backend %q", c.Generate.Backend)
	}
	if c.Generate.Concurrency < 1 {
		return fmt.Errorf("generate.concurrency must be at least 1, got %d", c.Generate.Concurrency)
	}
	if c.Generate.Cooldown < 0 || c.Generate.RequestsPerMinute < 0 {
		return errors.New("generate.cooldown and generate.requests_per_minute must not be negative")
	}

	l := c.Compare.Layout
	if l.TileWidth <= 0 || l.LabelHeight < 0 || l.Gap < 0 || l.Padding < 0 || l.FontSize <= 0 {
		return errors.New("compare.layout sizes must not be negative and tile_width/font_size must be positive")
	}
	for _, hex := range []string{l.LabelColor, l.TextColor, l.PlaceholderColor, l.BackgroundColor} {
		if _, err := ParseColor(hex); err != nil {
			return err
		}
	}
	return nil
}

// ValidateStyleID rejects ids that cannot be used verbatim in a file name.
func ValidateStyleID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, "/\\\x00") {
		return fmt.Errorf("style id %q is not filesystem-safe", id)
	}
	return nil
}

// CompareStyles returns the row order used by the compositor.
func (c Config) CompareStyles() []string {
	if len(c.Compare.Styles) > 0 {
		return c.Compare.Styles
	}
	ids := make([]string, 0, len(c.Styles))
	for _, s := range c.Styles {
		ids = append(ids, s.ID)
	}
	return ids
}

// StylesFor returns the styles applied to the image with the given base name.
// The first category with a matching pattern wins; otherwise every style.
func (c Config) StylesFor(baseName string) []Style {
	for _, cat := range c.Categories {
		for _, m := range cat.Match {
			if ok, _ := path.Match(m, baseName); !ok {
				continue
			}
			styles := make([]Style, 0, len(cat.Styles))
			for _, id := range cat.Styles {
				for _, s := range c.Styles {
					if s.ID == id {
						styles = append(styles, s)
					}
				}
			}
			return styles
		}
	}
	return c.Styles
}

func ParseColor(hex string) (color.Color, error) {
	c, err := colorful.Hex(hex)
	if err != nil {
		return nil, fmt.Errorf("invalid color %q: %w", hex, err)
	}
	r, g, b := c.RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}, nil
}

// LoadAPIKey reads the credential from file, falling back to the environment
// variable env.
func LoadAPIKey(file, env string) (string, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err == nil {
			if key := strings.TrimSpace(string(data)); key != "" {
				return key, nil
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("read api key file: %w", err)
		}
	}
	if env != "" {
		if key := strings.TrimSpace(os.Getenv(env)); key != "" {
			return key, nil
		}
	}
	return "", fmt.Errorf("%w: set %s or %s", ErrMissingAPIKey, file, env)
}
