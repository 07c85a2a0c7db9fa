package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/cli/opts"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	docker "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const containerModelDir = "/models"
const containerPort = "8000/tcp"
const pollingInterval = 500 * time.Millisecond
const containerTimeout = 3 * time.Minute
const externalContainerTimeout = 2 * time.Minute
const containerRemoveTimeout = 30 * time.Second
const containerCreatorLabel = "creator"
const containerCreator = "stylegen"

// Only one container per GPU is run for each pipeline, so the host port is
// derived from the pipeline prefix and the GPU id.
var containerHostPorts = map[string]string{
	"image-to-image": "8100",
}

// DockerClient is the subset of the Docker API used to manage runners.
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

type newRunnerFn func(ctx context.Context, cfg RunnerContainerConfig, name string) (*RunnerContainer, error)

// DockerManager runs runner containers on the local GPUs.
type DockerManager struct {
	image    string
	gpus     []string
	modelDir string

	dockerClient DockerClient
	newRunner    newRunnerFn
	// gpu ID => container name
	gpuContainers map[string]string
	// container name => container
	containers map[string]*RunnerContainer
	mu         *sync.Mutex
}

func NewDockerManager(image string, gpus []string, modelDir string) (*DockerManager, error) {
	dockerClient, err := docker.NewClientWithOpts(docker.FromEnv, docker.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return newDockerManager(dockerClient, image, gpus, modelDir)
}

func newDockerManager(client DockerClient, image string, gpus []string, modelDir string) (*DockerManager, error) {
	ctx, cancel := context.WithTimeout(context.Background(), containerTimeout)
	defer cancel()
	if err := removeExistingContainers(ctx, client); err != nil {
		return nil, err
	}

	return &DockerManager{
		image:         image,
		gpus:          gpus,
		modelDir:      modelDir,
		dockerClient:  client,
		newRunner:     NewRunnerContainer,
		gpuContainers: make(map[string]string),
		containers:    make(map[string]*RunnerContainer),
		mu:            &sync.Mutex{},
	}, nil
}

// Warm returns a running container for the pipeline and model, starting one
// if needed.
func (m *DockerManager) Warm(ctx context.Context, pipeline string, modelID string) (*RunnerContainer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rc := range m.containers {
		if rc.Pipeline == pipeline && rc.ModelID == modelID {
			return rc, nil
		}
	}
	return m.createContainer(ctx, pipeline, modelID)
}

func (m *DockerManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, rc := range m.containers {
		if err := m.destroyContainer(rc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *DockerManager) createContainer(ctx context.Context, pipeline string, modelID string) (*RunnerContainer, error) {
	hostPortPrefix, ok := containerHostPorts[pipeline]
	if !ok {
		return nil, fmt.Errorf("no host port for pipeline %s", pipeline)
	}

	gpu, err := m.allocGPU()
	if err != nil {
		return nil, err
	}

	containerHostPort := hostPortPrefix[:3] + gpu
	containerName := dockerContainerName(pipeline, modelID, containerHostPort)

	slog.Info("Starting managed container",
		slog.String("gpu", gpu),
		slog.String("name", containerName),
		slog.String("modelID", modelID),
		slog.String("containerImage", m.image))

	containerConfig := &container.Config{
		Image: m.image,
		Env: []string{
			"PIPELINE=" + pipeline,
			"MODEL_ID=" + modelID,
		},
		Volumes: map[string]struct{}{
			containerModelDir: {},
		},
		ExposedPorts: nat.PortSet{
			containerPort: struct{}{},
		},
		Labels: map[string]string{
			containerCreatorLabel: containerCreator,
		},
	}

	gpuOpts := opts.GpuOpts{}
	if err := gpuOpts.Set("device=" + gpu); err != nil {
		return nil, err
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			DeviceRequests: gpuOpts.Value(),
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: m.modelDir,
				Target: containerModelDir,
			},
		},
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{
				{
					HostIP:   "0.0.0.0",
					HostPort: containerHostPort,
				},
			},
		},
		AutoRemove: true,
	}

	resp, err := m.dockerClient.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, containerTimeout)
	if err := m.dockerClient.ContainerStart(cctx, resp.ID, container.StartOptions{}); err != nil {
		cancel()
		dockerRemoveContainer(m.dockerClient, resp.ID)
		return nil, err
	}
	cancel()

	cctx, cancel = context.WithTimeout(ctx, containerTimeout)
	if err := dockerWaitUntilRunning(cctx, m.dockerClient, resp.ID, pollingInterval); err != nil {
		cancel()
		dockerRemoveContainer(m.dockerClient, resp.ID)
		return nil, err
	}
	cancel()

	cfg := RunnerContainerConfig{
		Type:     Managed,
		Pipeline: pipeline,
		ModelID:  modelID,
		Endpoint: RunnerEndpoint{
			URL: "http://localhost:" + containerHostPort,
		},
		ID:               resp.ID,
		GPU:              gpu,
		containerTimeout: containerTimeout,
	}

	rc, err := m.newRunner(ctx, cfg, containerName)
	if err != nil {
		dockerRemoveContainer(m.dockerClient, resp.ID)
		return nil, err
	}

	m.containers[containerName] = rc
	m.gpuContainers[gpu] = containerName

	return rc, nil
}

func (m *DockerManager) allocGPU() (string, error) {
	for _, gpu := range m.gpus {
		if _, ok := m.gpuContainers[gpu]; !ok {
			return gpu, nil
		}
	}
	return "", errors.New("insufficient capacity")
}

// destroyContainer stops the container on docker and removes it from the
// internal state. The caller must hold the mutex.
func (m *DockerManager) destroyContainer(rc *RunnerContainer) error {
	slog.Info("Removing managed container",
		slog.String("gpu", rc.GPU),
		slog.String("name", rc.Name),
		slog.String("modelID", rc.ModelID))

	if err := dockerRemoveContainer(m.dockerClient, rc.ID); err != nil {
		slog.Error("Error removing managed container",
			slog.String("gpu", rc.GPU),
			slog.String("name", rc.Name),
			slog.String("modelID", rc.ModelID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to remove container %s: %w", rc.Name, err)
	}

	delete(m.gpuContainers, rc.GPU)
	delete(m.containers, rc.Name)
	return nil
}

func removeExistingContainers(ctx context.Context, client DockerClient) error {
	filters := filters.NewArgs(filters.Arg("label", containerCreatorLabel+"="+containerCreator))
	containers, err := client.ContainerList(ctx, container.ListOptions{All: true, Filters: filters})
	if err != nil {
		return err
	}

	for _, c := range containers {
		name := c.ID
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		slog.Info("Removing existing managed container", slog.String("name", name))
		if err := dockerRemoveContainer(client, c.ID); err != nil {
			return err
		}
	}

	return nil
}

// dockerContainerName generates a unique container name based on the pipeline, model ID, and an optional suffix.
func dockerContainerName(pipeline string, modelID string, suffix ...string) string {
	sanitizedModelID := strings.NewReplacer("/", "-", "_", "-").Replace(modelID)
	if len(suffix) > 0 {
		return fmt.Sprintf("%s_%s_%s", pipeline, sanitizedModelID, suffix[0])
	}
	return fmt.Sprintf("%s_%s", pipeline, sanitizedModelID)
}

func dockerRemoveContainer(client DockerClient, containerID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), containerRemoveTimeout)
	err := client.ContainerStop(ctx, containerID, container.StopOptions{})
	cancel()
	// Ignore "not found" or "already stopped" errors
	if err != nil && !errdefs.IsNotFound(err) && !errdefs.IsNotModified(err) {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), containerRemoveTimeout)
	err = client.ContainerRemove(ctx, containerID, container.RemoveOptions{})
	cancel()
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func dockerWaitUntilRunning(ctx context.Context, client DockerClient, containerID string, pollingInterval time.Duration) error {
	ticker := time.NewTicker(pollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.New("timed out waiting for managed container")
		case <-ticker.C:
			json, err := client.ContainerInspect(ctx, containerID)
			if err != nil {
				return err
			}
			if json.ContainerJSONBase != nil && json.State != nil && json.State.Running {
				return nil
			}
		}
	}
}
