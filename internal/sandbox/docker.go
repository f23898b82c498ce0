package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
)

const execPollInterval = 10 * time.Millisecond

type DockerRuntime struct {
	cli    *client.Client
	logger *zerolog.Logger
}

func NewDockerRuntime(logger *zerolog.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerRuntime{cli: cli, logger: logger}, nil
}

func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

func (d *DockerRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	pidsLimit := spec.PidsLimit

	networkMode := container.NetworkMode("none")
	if !spec.NetworkDisabled {
		networkMode = "bridge"
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:           spec.Image,
		Cmd:             []string{"sleep", "infinity"}, // exec targets need a live PID 1
		Tty:             false,
		NetworkDisabled: spec.NetworkDisabled,
		WorkingDir:      spec.WorkDir,
		User:            "nobody",
		Env: []string{
			"HOME=" + spec.WorkDir,
			"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
			"LANG=C.UTF-8",
			"PYTHONDONTWRITEBYTECODE=1",
		},
		Labels: spec.Labels,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes, // no swap
			NanoCPUs:   spec.NanoCPUs,
			PidsLimit:  &pidsLimit,
		},
		NetworkMode: networkMode,
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   spec.HostSourcePath,
			Target:   spec.SourcePath,
			ReadOnly: true,
		}},
		Tmpfs: map[string]string{
			spec.WorkDir: "rw,exec,nosuid,size=64m,mode=1777",
			"/tmp":       "rw,noexec,nosuid,size=16m,mode=1777",
		},
	}, nil, nil, spec.Name)
	if err != nil {
		return "", err
	}
	for _, w := range resp.Warnings {
		d.logger.Warn().Str("container", spec.Name).Str("warning", w).Msg("docker create warning")
	}
	return resp.ID, nil
}

func (d *DockerRuntime) Start(ctx context.Context, id string) error {
	return mapError(d.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

func (d *DockerRuntime) Exec(ctx context.Context, id string, cmd []string, workDir string, stdout, stderr io.Writer) (int, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("create exec: %w", mapError(err))
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return -1, fmt.Errorf("attach exec: %w", mapError(err))
	}
	defer attach.Close()

	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return -1, fmt.Errorf("read exec output: %w", err)
		}
	case <-ctx.Done():
		// Unblock the copier before the writers go out of scope.
		attach.Close()
		<-done
		return -1, ctx.Err()
	}

	// The stream can close slightly before the daemon records the exit code.
	for {
		inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
		if err != nil {
			if ctx.Err() != nil {
				return -1, ctx.Err()
			}
			return -1, fmt.Errorf("inspect exec: %w", mapError(err))
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(execPollInterval):
		}
	}
}

func (d *DockerRuntime) Kill(ctx context.Context, id string) error {
	return mapError(d.cli.ContainerKill(ctx, id, "KILL"))
}

func (d *DockerRuntime) Stop(ctx context.Context, id string) error {
	timeout := 0
	return mapError(d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}))
}

func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	return mapError(d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}))
}

func (d *DockerRuntime) ListManaged(ctx context.Context) ([]string, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, mapError(err)
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (d *DockerRuntime) EnsureImage(ctx context.Context, img string) error {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil // Image already exists
	}

	d.logger.Info().Str("image", img).Msg("pulling docker image")
	reader, err := d.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	defer reader.Close()

	// Important: must consume the reader to finish the pull
	_, _ = io.Copy(io.Discard, reader)

	d.logger.Info().Str("image", img).Msg("successfully pulled docker image")
	return nil
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return errors.Join(ErrContainerNotFound, err)
	case errdefs.IsConflict(err):
		return errors.Join(ErrContainerNotRunning, err)
	}
	return err
}
