package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	managedLabel = "sessionbox.managed"
	namePrefix   = "sessionbox-"
)

type DockerSandbox struct {
	cli    *client.Client
	cfg    Config
	logger *zerolog.Logger
}

func NewDockerSandbox(cfg Config, logger *zerolog.Logger) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	l := logger.With().Str("component", "sandbox").Logger()
	return &DockerSandbox{cli: cli, cfg: cfg, logger: &l}, nil
}

func (s *DockerSandbox) CreateEnvironment(ctx context.Context) (string, error) {
	name := namePrefix + uuid.NewString()[:8]
	pidsLimit := s.cfg.PidsLimit
	memory := int64(s.cfg.MemoryLimitMb) * 1024 * 1024

	networkMode := container.NetworkMode("")
	if s.cfg.NetworkDisabled {
		networkMode = "none"
	}

	resp, err := s.cli.ContainerCreate(ctx, &container.Config{
		Image:           s.cfg.Image,
		Cmd:             []string{"sleep", "infinity"},
		WorkingDir:      s.cfg.Workdir,
		NetworkDisabled: s.cfg.NetworkDisabled,
		Labels:          map[string]string{managedLabel: "true"},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory, // no swap
			CPUQuota:   100000,
			PidsLimit:  &pidsLimit,
		},
		NetworkMode: networkMode,
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Tmpfs: map[string]string{
			s.cfg.Workdir: fmt.Sprintf("rw,exec,nosuid,size=%dm,mode=1777", s.cfg.WorkspaceSizeMb),
			"/tmp":        "rw,noexec,nosuid,size=16m,mode=1777",
		},
	}, nil, nil, name)
	if err != nil {
		return "", &ProvisioningError{Err: fmt.Errorf("create container: %w", err)}
	}

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		s.removeQuietly(resp.ID)
		return "", &ProvisioningError{Err: fmt.Errorf("start container: %w", err)}
	}

	out, err := s.exec(ctx, resp.ID, []string{"mkdir", "-p", s.cfg.Workdir}, nil)
	if err != nil || !out.Succeeded() {
		s.removeQuietly(resp.ID)
		if err == nil {
			err = errors.New(strings.TrimSpace(out.Stderr))
		}
		return "", &ProvisioningError{Err: fmt.Errorf("create workspace: %w", err)}
	}

	s.logger.Info().Str("container", name).Str("image", s.cfg.Image).Msg("environment created")
	return resp.ID, nil
}

func (s *DockerSandbox) Execute(ctx context.Context, ref string, payload []byte) (*Outcome, error) {
	out, err := s.exec(ctx, ref, s.cfg.RunCommand, payload)
	if err != nil {
		return nil, &ExecutionError{Op: "execute", Ref: ref, Err: err}
	}
	return out, nil
}

func (s *DockerSandbox) ListWorkspace(ctx context.Context, ref string) ([]string, error) {
	out, err := s.exec(ctx, ref, []string{"ls", "-lR", s.cfg.Workdir}, nil)
	if err != nil {
		return nil, &ExecutionError{Op: "list workspace", Ref: ref, Err: err}
	}
	if !out.Succeeded() {
		return nil, &ExecutionError{Op: "list workspace", Ref: ref, Err: errors.New(strings.TrimSpace(out.Stderr))}
	}
	return splitLines(out.Stdout), nil
}

// DestroyEnvironment force-removes the container. A container that is
// already gone, or already being removed, is not an error.
func (s *DockerSandbox) DestroyEnvironment(ctx context.Context, ref string) error {
	err := s.cli.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true})
	if err == nil || client.IsErrNotFound(err) || strings.Contains(err.Error(), "already in progress") {
		s.logger.Debug().Str("container", ref).Msg("environment destroyed")
		return nil
	}
	return &DestroyError{Ref: ref, Err: err}
}

// PruneOrphans removes managed containers left behind by a previous process.
func (s *DockerSandbox) PruneOrphans(ctx context.Context) (int, error) {
	list, err := s.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedLabel+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("list managed containers: %w", err)
	}

	removed := 0
	for _, c := range list {
		if err := s.DestroyEnvironment(ctx, c.ID); err != nil {
			s.logger.Warn().Err(err).Str("container", c.ID).Msg("failed to prune orphan")
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *DockerSandbox) EnsureImage(ctx context.Context) error {
	img := s.cfg.Image
	_, _, err := s.cli.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}

	s.logger.Info().Str("image", img).Msg("pulling docker image")
	reader, err := s.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	defer reader.Close()

	// the pull only completes once the stream is drained
	_, _ = io.Copy(io.Discard, reader)

	s.logger.Info().Str("image", img).Msg("successfully pulled docker image")
	return nil
}

func (s *DockerSandbox) Close() error {
	return s.cli.Close()
}

// exec runs cmd inside the container, feeding stdin when given, and waits for
// it to exit.
func (s *DockerSandbox) exec(ctx context.Context, ref string, cmd []string, stdin []byte) (*Outcome, error) {
	startTime := time.Now()
	execResp, err := s.cli.ContainerExecCreate(ctx, ref, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   s.cfg.Workdir,
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, classify(err)
	}

	attachResp, err := s.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, classify(err)
	}
	defer attachResp.Close()

	if stdin != nil {
		if _, err := attachResp.Conn.Write(stdin); err != nil {
			return nil, fmt.Errorf("write payload: %w", err)
		}
		_ = attachResp.CloseWrite()
	}

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("read exec output: %w", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	exitCode, err := s.waitExit(ctx, execResp.ID)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Duration: time.Since(startTime),
	}, nil
}

// waitExit polls until the daemon reports the exec as finished. The output
// stream can close slightly before the exit code is recorded.
func (s *DockerSandbox) waitExit(ctx context.Context, execID string) (int, error) {
	for {
		inspect, err := s.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, classify(err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *DockerSandbox) removeQuietly(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.DestroyEnvironment(ctx, id); err != nil {
		s.logger.Error().Err(err).Str("container", id).Msg("failed to clean up container")
	}
}

func classify(err error) error {
	msg := err.Error()
	if client.IsErrNotFound(err) || strings.Contains(msg, "is not running") || strings.Contains(msg, "No such container") {
		return fmt.Errorf("%w: %v", ErrEnvironmentGone, err)
	}
	return err
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return []string{}
	}
	return strings.Split(s, "\n")
}
