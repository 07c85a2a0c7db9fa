// Package gemini edits images with the Gemini generateContent API.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stylegen/stylegen/executor"
	"github.com/stylegen/stylegen/worker"
)

var ErrRateLimited = errors.New("gemini: rate limited")

type Config struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

type Executor struct {
	hc     *http.Client
	url    string
	apiKey string
}

func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: missing api key")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash-image"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	u := strings.TrimRight(cfg.BaseURL, "/") + "/v1beta/models/" + url.PathEscape(cfg.Model) + ":generateContent"
	return &Executor{
		hc:     &http.Client{Timeout: cfg.Timeout},
		url:    u,
		apiKey: cfg.APIKey,
	}, nil
}

func (e *Executor) Start(ctx context.Context) error { return nil }

func (e *Executor) Stop() error { return nil }

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type request struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type response struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

type upstreamError struct {
	status int
	msg    string
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("gemini upstream %d: %s", e.status, e.msg)
}

func (e *Executor) Edit(ctx context.Context, src image.Image, instruction string) (image.Image, error) {
	data, err := executor.EncodePNG(src)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(request{
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{Text: instruction},
				{InlineData: &inlineData{MimeType: "image/png", Data: base64.StdEncoding.EncodeToString(data)}},
			},
		}},
		GenerationConfig: &generationConfig{ResponseModalities: []string{"TEXT", "IMAGE"}},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-goog-api-key", e.apiKey)

	resp, err := e.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, &upstreamError{status: resp.StatusCode, msg: strings.TrimSpace(string(slurp))}
	}

	var gr response
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("gemini: decode response: %w", err)
	}
	return parseResponse(gr)
}

// parseResponse returns the first inline image. Text parts explain a refusal.
func parseResponse(gr response) (image.Image, error) {
	var texts []string
	var finishReason string
	for _, c := range gr.Candidates {
		if c.FinishReason != "" && finishReason == "" {
			finishReason = c.FinishReason
		}
		for _, p := range c.Content.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					return nil, fmt.Errorf("gemini: decode inline data: %w", err)
				}
				return executor.DecodeImage(data)
			}
			if t := strings.TrimSpace(p.Text); t != "" {
				texts = append(texts, t)
			}
		}
	}

	switch {
	case len(texts) > 0:
		return nil, worker.Declined(strings.Join(texts, " "))
	case gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "":
		return nil, worker.Declined("blocked: " + gr.PromptFeedback.BlockReason)
	case finishReason != "" && finishReason != "STOP":
		return nil, worker.Declined("finish reason: " + finishReason)
	default:
		return nil, worker.Declined("empty response (safety filter?)")
	}
}
