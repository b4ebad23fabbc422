// Package docker implements the backend.Backend contract on top of the
// Docker Engine API. It is the default, single-host backend.
package docker

import (
	"context"
	"fmt"
	"log"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/execbox/execbox/internal/backend"
)

const (
	labelKey   = "execbox.managed"
	labelValue = "true"
)

// pidsLimit caps process count inside a sandbox so a fork bomb cannot
// exhaust the host's pid space.
var pidsLimit = int64(2048)

// Manager implements backend.Backend.
type Manager struct {
	cli *client.Client
}

// New connects to the Docker daemon and checks that it answers a ping. It
// does not touch existing containers; leftovers from a prior manager
// instance are removed by the manager's orphan reconciliation through List
// and Stop.
func New(ctx context.Context) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return &Manager{cli: cli}, nil
}

var _ backend.Backend = (*Manager)(nil)

func (m *Manager) Start(ctx context.Context, opts backend.StartOptions) (backend.Handle, error) {
	containerName := "execbox-" + opts.SessionID

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	var mounts []mount.Mount
	if opts.WorkspacePath != "" {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: opts.WorkspacePath,
			Target: "/workspace",
		})
	}
	if opts.OutputsPath != "" {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: opts.OutputsPath,
			Target: "/mnt/user-data/outputs",
		})
	}

	resp, err := m.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  opts.Image,
			Env:    env,
			Labels: map[string]string{labelKey: labelValue, "execbox.session": opts.SessionID},
		},
		&container.HostConfig{
			CapDrop:     []string{"ALL"},
			SecurityOpt: []string{"no-new-privileges"},
			Runtime:     opts.Runtime,
			Mounts:      mounts,
			Resources: container.Resources{
				Memory:    opts.MemoryBytes,
				NanoCPUs:  opts.NanoCPUs,
				PidsLimit: &pidsLimit,
			},
		},
		nil, nil, containerName,
	)
	if err != nil {
		return backend.Handle{}, fmt.Errorf("container create: %w", err)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return backend.Handle{}, fmt.Errorf("container start: %w", err)
	}

	inspect, err := m.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		m.Stop(ctx, resp.ID)
		return backend.Handle{}, fmt.Errorf("container inspect: %w", err)
	}
	if inspect.NetworkSettings == nil || inspect.NetworkSettings.IPAddress == "" {
		m.Stop(ctx, resp.ID)
		return backend.Handle{}, fmt.Errorf("container %s has no network address", resp.ID[:12])
	}

	return backend.Handle{
		ID:        resp.ID,
		AgentAddr: inspect.NetworkSettings.IPAddress + ":2024",
	}, nil
}

// Stop is idempotent: stopping an environment Docker no longer knows about
// is not an error, since ReconcileOrphans and the idle reaper both call this
// on backend-reported handles that may already be gone.
func (m *Manager) Stop(ctx context.Context, handleID string) error {
	if err := m.cli.ContainerStop(ctx, handleID, container.StopOptions{}); err != nil && !errdefs.IsNotFound(err) {
		// Not a not-found error: best-effort remove still proceeds.
		log.Printf("docker: stop %s: %v", handleID[:min(12, len(handleID))], err)
	}
	if err := m.cli.ContainerRemove(ctx, handleID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func (m *Manager) List(ctx context.Context) ([]backend.Handle, error) {
	f := filters.NewArgs(filters.Arg("label", labelKey+"="+labelValue))
	containers, err := m.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]backend.Handle, 0, len(containers))
	for _, c := range containers {
		addr := ""
		if c.NetworkSettings != nil {
			for _, net := range c.NetworkSettings.Networks {
				addr = net.IPAddress + ":2024"
				break
			}
		}
		out = append(out, backend.Handle{ID: c.ID, AgentAddr: addr})
	}
	return out, nil
}
