// Package runner wires a complete evaluation run: environment containers,
// clients, the scheduler and the run artifacts.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Container labels set on every provisioned environment.
const (
	LabelManaged = "aweval.managed"
	LabelRun     = "aweval.run"
	LabelIndex   = "aweval.env_index"
	LabelPort    = "aweval.host_port"
)

// dockerAPI is the part of the Docker SDK client the provisioner uses.
type dockerAPI interface {
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	Close() error
}

// ProvisionConfig describes the environment containers of a run.
type ProvisionConfig struct {
	Image         string
	NamePrefix    string
	ContainerPort int
	BasePort      int
	Privileged    bool
	AutoPull      bool
	// Platform is the image platform to pull, such as "linux/amd64". Empty
	// means the host platform.
	Platform string
}

// Container is one provisioned environment.
type Container struct {
	ID       string
	Name     string
	RunID    string
	Index    int
	HostPort int
	State    string
}

// Provisioner starts one Android environment container per worker slot.
type Provisioner struct {
	api    dockerAPI
	cfg    ProvisionConfig
	logger *slog.Logger
}

// NewProvisioner connects to the Docker daemon and verifies it is reachable.
func NewProvisioner(cfg ProvisionConfig, logger *slog.Logger) (*Provisioner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	// Fail fast when the daemon is down.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon not accessible (is Docker running?): %w", err)
	}

	return newProvisioner(cli, cfg, logger), nil
}

func newProvisioner(api dockerAPI, cfg ProvisionConfig, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{api: api, cfg: cfg, logger: logger}
}

// Close closes the Docker client.
func (p *Provisioner) Close() error {
	return p.api.Close()
}

// ImageExists checks if an image exists locally.
func (p *Provisioner) ImageExists(ctx context.Context, imageName string) (bool, error) {
	images, err := p.api.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return false, fmt.Errorf("listing images: %w", err)
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == imageName {
				return true, nil
			}
		}
	}

	return false, nil
}

// PullImage pulls an image from a registry.
func (p *Provisioner) PullImage(ctx context.Context, imageName string) error {
	reader, err := p.api.ImagePull(ctx, imageName, image.PullOptions{Platform: p.cfg.Platform})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()

	// Consume the output to wait for completion
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull response: %w", err)
	}

	return nil
}

// EnsureImage ensures the environment image is available locally, pulling
// if allowed.
func (p *Provisioner) EnsureImage(ctx context.Context) error {
	exists, err := p.ImageExists(ctx, p.cfg.Image)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if !p.cfg.AutoPull {
		return fmt.Errorf("image %s not found locally and auto-pull is disabled", p.cfg.Image)
	}

	platform := p.cfg.Platform
	if platform == "" {
		platform = hostPlatformString()
	}
	p.logger.Info("pulling environment image", "image", p.cfg.Image, "platform", platform)
	return p.PullImage(ctx, p.cfg.Image)
}

// Start creates and starts n environments for runID. Environment i publishes
// the runtime port on host port BasePort+i. On failure every container
// created so far is removed.
func (p *Provisioner) Start(ctx context.Context, runID string, n int) ([]Container, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(p.cfg.ContainerPort))
	if err != nil {
		return nil, fmt.Errorf("container port %d: %w", p.cfg.ContainerPort, err)
	}

	var started []Container
	rollback := func() {
		if len(started) > 0 {
			_ = p.Stop(context.WithoutCancel(ctx), started)
		}
	}

	for i := 0; i < n; i++ {
		hostPort := p.cfg.BasePort + i
		name := fmt.Sprintf("%s-%s-%d", p.cfg.NamePrefix, shortID(runID), i)

		containerCfg := &container.Config{
			Image:        p.cfg.Image,
			ExposedPorts: nat.PortSet{port: struct{}{}},
			Labels: map[string]string{
				LabelManaged: "true",
				LabelRun:     runID,
				LabelIndex:   strconv.Itoa(i),
				LabelPort:    strconv.Itoa(hostPort),
			},
		}
		hostCfg := &container.HostConfig{
			Privileged: p.cfg.Privileged,
			PortBindings: nat.PortMap{
				port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)}},
			},
		}

		resp, err := p.api.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("creating container %s: %w", name, err)
		}
		c := Container{ID: resp.ID, Name: name, RunID: runID, Index: i, HostPort: hostPort}
		started = append(started, c)

		if err := p.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
			rollback()
			return nil, fmt.Errorf("starting container %s: %w", name, err)
		}
		p.logger.Debug("environment container started", "name", name, "id", shortID(resp.ID), "port", hostPort)
	}

	return started, nil
}

// Stop force-removes containers, continuing past errors. It returns the
// first error.
func (p *Provisioner) Stop(ctx context.Context, containers []Container) error {
	var first error
	for _, c := range containers {
		if err := p.api.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			p.logger.Warn("removing container failed", "name", c.Name, "error", err)
			if first == nil {
				first = fmt.Errorf("removing container %s: %w", c.Name, err)
			}
			continue
		}
		p.logger.Debug("environment container removed", "name", c.Name)
	}
	return first
}

// List returns the managed containers of runID, or of every run when runID
// is empty, ordered by run and index.
func (p *Provisioner) List(ctx context.Context, runID string) ([]Container, error) {
	label := LabelManaged + "=true"
	args := filters.NewArgs(filters.Arg("label", label))
	if runID != "" {
		args.Add("label", LabelRun+"="+runID)
	}

	summaries, err := p.api.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	out := make([]Container, 0, len(summaries))
	for _, s := range summaries {
		c := Container{ID: s.ID, RunID: s.Labels[LabelRun], State: string(s.State)}
		if len(s.Names) > 0 {
			c.Name = trimSlash(s.Names[0])
		}
		c.Index, _ = strconv.Atoi(s.Labels[LabelIndex])
		c.HostPort, _ = strconv.Atoi(s.Labels[LabelPort])
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunID != out[j].RunID {
			return out[i].RunID < out[j].RunID
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

// Logs returns the last tail lines of a container's stdout and stderr.
func (p *Provisioner) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	reader, err := p.api.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", fmt.Errorf("reading container logs: %w", err)
	}
	defer func() { _ = reader.Close() }()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", fmt.Errorf("demultiplexing container logs: %w", err)
	}
	return stdout.String() + stderr.String(), nil
}

func platformString(os, arch string) string {
	if os == "" {
		os = "unknown"
	}
	if arch == "" {
		arch = "unknown"
	}
	return os + "/" + arch
}

func hostPlatformString() string {
	// Containers run a Linux kernel regardless of the client OS.
	return platformString("linux", runtime.GOARCH)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func trimSlash(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}
