package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/oapi-codegen/runtime/types"
)

const runnerRequestTimeout = 5 * time.Minute

type RunnerEndpoint struct {
	URL   string
	Token string
}

type ImageToImageParams struct {
	Prompt             string
	ModelID            string
	NumInferenceSteps  int
	ImageGuidanceScale float64
	GuidanceScale      float64
	Seed               int64
	SafetyCheck        bool
}

type Media struct {
	Url  string `json:"url"`
	Seed int64  `json:"seed"`
	Nsfw bool   `json:"nsfw"`
}

type ImageResponse struct {
	Images []Media `json:"images"`
}

// RunnerError is a non-2xx answer from the runner.
type RunnerError struct {
	StatusCode int
	Msg        string
}

func (e *RunnerError) Error() string {
	return fmt.Sprintf("runner returned %d: %s", e.StatusCode, e.Msg)
}

type runnerErrorBody struct {
	Detail struct {
		Msg string `json:"msg"`
	} `json:"detail"`
}

// RunnerClient talks to the HTTP API of an ai-runner container.
type RunnerClient struct {
	endpoint RunnerEndpoint
	hc       *http.Client
}

func NewRunnerClient(endpoint RunnerEndpoint) (*RunnerClient, error) {
	u, err := url.Parse(endpoint.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid runner url %q", endpoint.URL)
	}
	endpoint.URL = strings.TrimRight(endpoint.URL, "/")

	return &RunnerClient{
		endpoint: endpoint,
		hc:       &http.Client{Timeout: runnerRequestTimeout},
	}, nil
}

func (c *RunnerClient) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil, "")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// OpenAPI fetches and parses the runner's OpenAPI document.
func (c *RunnerClient) OpenAPI(ctx context.Context) (*openapi3.T, error) {
	resp, err := c.do(ctx, http.MethodGet, "/openapi.json", nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return openapi3.NewLoader().LoadFromData(data)
}

// SupportsPipeline reports whether the runner serves the given pipeline route.
func (c *RunnerClient) SupportsPipeline(ctx context.Context, pipeline string) (bool, error) {
	doc, err := c.OpenAPI(ctx)
	if err != nil {
		return false, err
	}
	if doc.Paths == nil {
		return false, nil
	}
	item := doc.Paths.Value("/" + pipeline)
	return item != nil && item.Post != nil, nil
}

func (c *RunnerClient) ImageToImage(ctx context.Context, image types.File, params ImageToImageParams) (*ImageResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fields := map[string]string{
		"prompt":               params.Prompt,
		"model_id":             params.ModelID,
		"num_inference_steps":  strconv.Itoa(params.NumInferenceSteps),
		"image_guidance_scale": strconv.FormatFloat(params.ImageGuidanceScale, 'f', -1, 64),
		"guidance_scale":       strconv.FormatFloat(params.GuidanceScale, 'f', -1, 64),
		"seed":                 strconv.FormatInt(params.Seed, 10),
		"safety_check":         strconv.FormatBool(params.SafetyCheck),
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}

	data, err := image.Bytes()
	if err != nil {
		return nil, err
	}
	fw, err := mw.CreateFormFile("image", image.Filename())
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/image-to-image", &body, mw.FormDataContentType())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out ImageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode runner response: %w", err)
	}
	return &out, nil
}

func (c *RunnerClient) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint.URL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.endpoint.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.endpoint.Token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := strings.TrimSpace(string(slurp))
		var eb runnerErrorBody
		if json.Unmarshal(slurp, &eb) == nil && eb.Detail.Msg != "" {
			msg = eb.Detail.Msg
		}
		return nil, &RunnerError{StatusCode: resp.StatusCode, Msg: msg}
	}
	return resp, nil
}
