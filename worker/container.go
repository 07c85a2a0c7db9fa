package worker

import (
	"context"
	"errors"
	"time"
)

type RunnerContainerType int

const (
	Managed RunnerContainerType = iota
	External
)

type RunnerContainer struct {
	RunnerContainerConfig
	Name   string
	Client *RunnerClient
}

type RunnerContainerConfig struct {
	Type     RunnerContainerType
	Pipeline string
	ModelID  string
	Endpoint RunnerEndpoint

	// For managed containers only
	ID  string
	GPU string

	containerTimeout time.Duration
}

// NewRunnerContainer connects to a runner and waits until it reports healthy.
func NewRunnerContainer(ctx context.Context, cfg RunnerContainerConfig, name string) (*RunnerContainer, error) {
	client, err := NewRunnerClient(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	timeout := cfg.containerTimeout
	if timeout == 0 {
		timeout = containerTimeout
	}
	if cfg.Type == External {
		timeout = externalContainerTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := runnerWaitUntilReady(ctx, client, pollingInterval); err != nil {
		return nil, err
	}

	return &RunnerContainer{
		RunnerContainerConfig: cfg,
		Name:                  name,
		Client:                client,
	}, nil
}

func runnerWaitUntilReady(ctx context.Context, client *RunnerClient, pollingInterval time.Duration) error {
	ticker := time.NewTicker(pollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.New("timed out waiting for runner")
		case <-ticker.C:
			if err := client.Health(ctx); err == nil {
				return nil
			}
		}
	}
}
