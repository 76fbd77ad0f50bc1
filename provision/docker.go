package provision

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
)

// sandboxPort is the port the challenge app listens on inside every
// container.
const sandboxPort = nat.Port("80/tcp")

// DockerBackend implements Backend against the local Docker Engine.
type DockerBackend struct {
	cli    *client.Client
	logger *slog.Logger
}

// DockerOption configures a DockerBackend.
type DockerOption func(*DockerBackend)

// WithDockerLogger sets a structured logger for the backend.
func WithDockerLogger(l *slog.Logger) DockerOption {
	return func(b *DockerBackend) { b.logger = l }
}

// NewDockerBackend connects to the Docker daemon using the standard
// environment (DOCKER_HOST etc.) with API version negotiation.
func NewDockerBackend(opts ...DockerOption) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	b := &DockerBackend{cli: cli, logger: nopLogger}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Create creates and starts one sandbox container: detached,
// auto-removed on stop, memory- and CPU-limited, credential injected via
// environment, container port 80 published on the chosen host port.
func (b *DockerBackend) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:        spec.Image,
		Env:          []string{"CMDI_PASSWORD=" + spec.Credential},
		ExposedPorts: nat.PortSet{sandboxPort: struct{}{}},
	}
	host := &container.HostConfig{
		AutoRemove: true,
		PortBindings: nat.PortMap{
			sandboxPort: []nat.PortBinding{{
				HostIP:   "0.0.0.0",
				HostPort: strconv.Itoa(spec.HostPort),
			}},
		},
		Resources: container.Resources{
			Memory:            spec.MemoryBytes,
			MemoryReservation: spec.MemoryReservation,
			NanoCPUs:          spec.NanoCPUs,
		},
	}

	created, err := b.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		return "", classify(err)
	}
	if err := b.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// AutoRemove only fires on stop; remove the never-started container.
		if rmErr := b.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			b.logger.Warn("remove after failed start", "container", created.ID, "error", rmErr)
		}
		return "", classify(err)
	}
	b.logger.Debug("container started", "container", created.ID, "name", spec.Name, "port", spec.HostPort)
	return created.ID, nil
}

// Restart restarts the container with a short stop grace period.
func (b *DockerBackend) Restart(ctx context.Context, handle string) error {
	timeout := 5
	if err := b.cli.ContainerRestart(ctx, handle, container.StopOptions{Timeout: &timeout}); err != nil {
		return classify(err)
	}
	return nil
}

// Stop stops the container; a container that is already gone counts as
// stopped.
func (b *DockerBackend) Stop(ctx context.Context, handle string) error {
	timeout := 5
	err := b.cli.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout})
	if err != nil && !errdefs.IsNotFound(err) {
		return classify(err)
	}
	return nil
}

// Status reports the container's runtime status ("running", "exited", …).
func (b *DockerBackend) Status(ctx context.Context, handle string) (string, error) {
	inspect, err := b.cli.ContainerInspect(ctx, handle)
	if err != nil {
		return "", classify(err)
	}
	if inspect.State == nil {
		return "", fmt.Errorf("container %s: no state reported", handle)
	}
	return inspect.State.Status, nil
}

// classify maps Docker errors onto the provisioning taxonomy. A missing
// image is permanent; an unreachable daemon affects every caller.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrTemplateMissing, err)
	default:
		return err
	}
}

// compile-time check
var _ Backend = (*DockerBackend)(nil)
