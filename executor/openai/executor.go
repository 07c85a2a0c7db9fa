// Package openai edits images with the OpenAI image edit endpoint.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"os"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/stylegen/stylegen/executor"
	"github.com/stylegen/stylegen/worker"
)

// Error codes the API uses when its content policy refuses a request.
var declineCodes = map[string]bool{
	"moderation_blocked":       true,
	"content_policy_violation": true,
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Size    string
}

type Executor struct {
	client *goopenai.Client
	model  string
	size   string
}

func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: missing api key")
	}

	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Executor{
		client: goopenai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		size:   cfg.Size,
	}, nil
}

func (e *Executor) Start(ctx context.Context) error { return nil }

func (e *Executor) Stop() error { return nil }

func (e *Executor) Edit(ctx context.Context, src image.Image, instruction string) (image.Image, error) {
	data, err := executor.EncodePNG(src)
	if err != nil {
		return nil, err
	}

	// The client uploads from a named file so the part gets a .png filename.
	f, err := os.CreateTemp("", "stylegen-*.png")
	if err != nil {
		return nil, err
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}

	req := goopenai.ImageEditRequest{
		Image:  f,
		Prompt: instruction,
		Model:  e.model,
		N:      1,
		Size:   e.size,
	}
	if strings.HasPrefix(e.model, "dall-e") {
		req.ResponseFormat = goopenai.CreateImageResponseFormatB64JSON
	}

	resp, err := e.client.CreateEditImage(ctx, req)
	if err != nil {
		if reason, ok := declineReason(err); ok {
			return nil, worker.Declined(reason)
		}
		return nil, err
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, worker.Declined("response contained no image")
	}

	raw, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("openai: decode image: %w", err)
	}
	return executor.DecodeImage(raw)
}

func declineReason(err error) (string, bool) {
	var apiErr *goopenai.APIError
	if !errors.As(err, &apiErr) {
		return "", false
	}
	code, _ := apiErr.Code.(string)
	if declineCodes[code] || apiErr.Type == "image_generation_user_error" {
		return apiErr.Message, true
	}
	return "", false
}
