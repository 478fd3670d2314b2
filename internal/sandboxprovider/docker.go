package sandboxprovider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const (
	defaultImage   = "sandbox-runtime:latest"
	containerUser  = "1000"
	workingDir     = "/home/sandbox/work"
	mountPath      = "/home/sandbox/work"
	stopTimeoutSec = 10

	memoryLimitBytes = 2 * 1024 * 1024 * 1024 // 2GiB
	cpuQuota         = 200000                 // 2 CPUs
	pidsLimit        = 1024

	sandboxNetwork = "session-sandbox"
	sandboxSubnet  = "172.29.0.0/16"

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
)

// DockerProvider implements Provider over the Docker Engine API: Create
// maps to ContainerCreate+Start, TakeSnapshot to a docker commit, and
// RestoreFromSnapshot to creating a fresh container from the committed
// image.
type DockerProvider struct {
	cli *client.Client
}

// NewDockerProvider builds a Docker-backed SandboxProvider from the
// ambient Docker environment (DOCKER_HOST, etc).
func NewDockerProvider() (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerProvider{cli: cli}, nil
}

// EnsureNetwork creates the sandbox bridge network if it does not exist.
func (p *DockerProvider) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := p.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == sandboxNetwork {
			return nw.ID, nil
		}
	}
	resp, err := p.cli.NetworkCreate(ctx, sandboxNetwork, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: sandboxSubnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", sandboxNetwork, err)
	}
	return resp.ID, nil
}

func (p *DockerProvider) SupportsRestore() bool { return true }

// Create spawns a fresh sandbox container from the base runtime image,
// honoring retries on a transient container-name conflict.
func (p *DockerProvider) Create(ctx context.Context, cfg CreateConfig) (*CreateResult, error) {
	return p.createFrom(ctx, cfg, imageFor(cfg))
}

// RestoreFromSnapshot creates a container from a previously committed
// snapshot image instead of the base runtime image.
func (p *DockerProvider) RestoreFromSnapshot(ctx context.Context, cfg SnapshotConfig) (*CreateResult, error) {
	if cfg.SnapshotImageID == "" {
		return nil, &Error{Class: FailurePermanent, Err: fmt.Errorf("restore requested with no snapshot image id")}
	}
	return p.createFrom(ctx, cfg.CreateConfig, cfg.SnapshotImageID)
}

func imageFor(cfg CreateConfig) string {
	if cfg.RepoImage != "" {
		return cfg.RepoImage
	}
	return defaultImage
}

func (p *DockerProvider) createFrom(ctx context.Context, cfg CreateConfig, imageRef string) (*CreateResult, error) {
	name := fmt.Sprintf("sandbox-%s", cfg.ExpectedSandboxID)
	volumeName := fmt.Sprintf("sandbox-%s-data", cfg.ExpectedSandboxID)

	envVars := make([]string, 0, len(cfg.Env)+1)
	envVars = append(envVars, fmt.Sprintf("SANDBOX_AUTH_TOKEN=%s", cfg.AuthToken))
	for k, v := range cfg.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	containerCfg := &container.Config{
		Image:      imageRef,
		User:       containerUser,
		WorkingDir: workingDir,
		Env:        envVars,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(sandboxNetwork),
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: volumeName,
			Target: mountPath,
		}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptrInt64(pidsLimit),
		},
	}

	var resp container.CreateResponse
	var createErr error
	pulledImage := false
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = p.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
		if createErr == nil {
			break
		}
		if isNameConflict(createErr) {
			slog.Warn("sandbox container name conflict, retrying", "name", name, "attempt", i+1)
			if inspect, inspectErr := p.cli.ContainerInspect(ctx, name); inspectErr == nil {
				_ = p.remove(ctx, inspect.ID)
			}
			select {
			case <-ctx.Done():
				return nil, &Error{Class: FailureTransient, Err: ctx.Err()}
			case <-time.After(createRetryDelay):
			}
			continue
		}
		if !pulledImage && errdefs.IsNotFound(createErr) {
			pulledImage = true
			if pullErr := p.pullImage(ctx, imageRef); pullErr != nil {
				return nil, classify(fmt.Errorf("pull sandbox image %s: %w", imageRef, pullErr))
			}
			continue
		}
		return nil, classify(createErr)
	}
	if createErr != nil {
		return nil, classify(fmt.Errorf("create sandbox container after retries: %w", createErr))
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.remove(ctx, resp.ID)
		return nil, classify(fmt.Errorf("start sandbox container %s: %w", resp.ID, err))
	}

	return &CreateResult{ProviderSandboxID: cfg.ExpectedSandboxID, ProviderObjectID: resp.ID}, nil
}

// TakeSnapshot commits the running container's filesystem to a new image.
func (p *DockerProvider) TakeSnapshot(ctx context.Context, providerObjectID string) (*SnapshotResult, error) {
	resp, err := p.cli.ContainerCommit(ctx, providerObjectID, container.CommitOptions{
		Reference: fmt.Sprintf("sandbox-snapshot-%s:%d", providerObjectID, time.Now().UnixNano()),
	})
	if err != nil {
		return nil, classify(fmt.Errorf("commit snapshot for %s: %w", providerObjectID, err))
	}
	return &SnapshotResult{ImageID: resp.ID}, nil
}

// pullImage pulls imageRef on a container-create "not found" error, so a
// sandbox image that has not yet been pulled onto this host does not
// permanently fail spawn.
func (p *DockerProvider) pullImage(ctx context.Context, imageRef string) error {
	rc, err := p.cli.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", imageRef, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("read image pull response for %s: %w", imageRef, err)
	}
	return nil
}

func (p *DockerProvider) remove(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSec
	_ = p.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	return p.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

func isNameConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "is already in use") || strings.Contains(msg, "conflict")
}

// classify maps a Docker client error to a provider FailureClass: not-found
// (missing images and containers), invalid-argument and forbidden errors
// are permanent (retrying will not help without operator intervention);
// anything else defaults to transient.
func classify(err error) error {
	if errdefs.IsNotFound(err) {
		return &Error{Class: FailurePermanent, Err: err}
	}
	if errdefs.IsInvalidArgument(err) || errdefs.IsForbidden(err) {
		return &Error{Class: FailurePermanent, Err: err}
	}
	return &Error{Class: FailureTransient, Err: err}
}

func ptrInt64(v int64) *int64 { return &v }
