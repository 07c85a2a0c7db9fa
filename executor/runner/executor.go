// Package runner edits images with an InstructPix2Pix model served by an
// ai-runner container, either managed through Docker or already running.
package runner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/oapi-codegen/runtime/types"
	"github.com/stylegen/stylegen/executor"
	"github.com/stylegen/stylegen/worker"
)

const pipeline = "image-to-image"

type Config struct {
	// Endpoint of an external runner. When URL is empty a container is
	// started with Docker.
	Endpoint worker.RunnerEndpoint

	ContainerImage string
	GPU            string
	ModelsDir      string

	Params worker.ImageToImageParams
}

type Executor struct {
	cfg     Config
	manager *worker.DockerManager
	rc      *worker.RunnerContainer
}

func NewExecutor(cfg Config) *Executor {
	return &Executor{cfg: cfg}
}

func (e *Executor) Start(ctx context.Context) error {
	if e.cfg.Endpoint.URL != "" {
		rc, err := worker.NewRunnerContainer(ctx, worker.RunnerContainerConfig{
			Type:     worker.External,
			Pipeline: pipeline,
			ModelID:  e.cfg.Params.ModelID,
			Endpoint: e.cfg.Endpoint,
		}, "external")
		if err != nil {
			return err
		}
		e.rc = rc
	} else {
		manager, err := worker.NewDockerManager(e.cfg.ContainerImage, []string{e.cfg.GPU}, e.cfg.ModelsDir)
		if err != nil {
			return err
		}
		e.manager = manager

		rc, err := manager.Warm(ctx, pipeline, e.cfg.Params.ModelID)
		if err != nil {
			return err
		}
		e.rc = rc
	}

	ok, err := e.rc.Client.SupportsPipeline(ctx, pipeline)
	if err != nil {
		slog.Warn("Could not read runner OpenAPI document", slog.String("error", err.Error()))
	} else if !ok {
		if err := e.Stop(); err != nil {
			slog.Error("Error stopping runner", slog.String("error", err.Error()))
		}
		return fmt.Errorf("runner at %s does not serve /%s", e.rc.Endpoint.URL, pipeline)
	}
	return nil
}

func (e *Executor) Stop() error {
	if e.manager == nil {
		return nil
	}
	return e.manager.Stop(context.Background())
}

func (e *Executor) Edit(ctx context.Context, src image.Image, instruction string) (image.Image, error) {
	if e.rc == nil {
		return nil, errors.New("runner executor not started")
	}

	data, err := executor.EncodePNG(src)
	if err != nil {
		return nil, err
	}
	var file types.File
	file.InitFromBytes(data, "image.png")

	params := e.cfg.Params
	params.Prompt = instruction

	resp, err := e.rc.Client.ImageToImage(ctx, file, params)
	if err != nil {
		return nil, err
	}
	if len(resp.Images) == 0 {
		return nil, worker.Declined("runner returned no images")
	}

	media := resp.Images[0]
	if media.Nsfw {
		return nil, worker.Declined("flagged by safety checker")
	}
	return worker.DecodeImageB64DataUrl(media.Url)
}
