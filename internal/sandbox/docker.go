package sandbox

import (
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"ai_arena/internal/domain/model"
	"ai_arena/internal/languages"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
)

const (
	sandboxHome = "/home/sandbox"
	// dockerOverhead is the extra time allowed for exec round trips before
	// the host gives up on a run that the in-container timeout should have
	// ended.
	dockerOverhead = 500 * time.Millisecond
	// exit statuses of a process killed with SIGKILL and SIGXCPU
	exitKilled   = 128 + 9
	exitCPULimit = 128 + 24
)

// DockerBackend keeps one container per prepared program: the source is
// written and compiled once, and every turn is a docker exec inside it.
type DockerBackend struct {
	cli    *client.Client
	logger *zerolog.Logger
}

func NewDockerBackend(logger *zerolog.Logger) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerBackend{cli: cli, logger: logger}, nil
}

func (s *DockerBackend) Close() error {
	return s.cli.Close()
}

func (s *DockerBackend) Prepare(ctx context.Context, lang languages.Language, code string, limits Limits) (Program, error) {
	if err := s.EnsureImage(ctx, lang.Config.Image); err != nil {
		return nil, err
	}

	pidsLimit := int64(64)
	resources := container.Resources{
		CPUQuota:  100000, // 1 CPU
		PidsLimit: &pidsLimit,
	}
	if limits.MemoryBytes > 0 {
		resources.Memory = limits.MemoryBytes
		resources.MemorySwap = limits.MemoryBytes // no swap
	}

	resp, err := s.cli.ContainerCreate(ctx, &container.Config{
		Image:           lang.Config.Image,
		Cmd:             []string{"sleep", "infinity"},
		OpenStdin:       true,
		NetworkDisabled: true,
		WorkingDir:      sandboxHome,
		User:            "nobody",
	}, &container.HostConfig{
		Resources:   resources,
		NetworkMode: "none",
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Tmpfs: map[string]string{
			sandboxHome: "rw,exec,nosuid,size=64m,mode=1777",
			"/tmp":      "rw,noexec,nosuid,size=16m,mode=1777",
		},
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	prog := &dockerProgram{cli: s.cli, containerID: resp.ID, cmd: lang.Config.RunCommand}

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		prog.Close()
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	// CopyToContainer does not work with tmpfs mounts, so the source goes in
	// through cat.
	_, exit, err := prog.exec(ctx, []string{"sh", "-c", "cat > " + lang.Config.SourceFile}, nil, []byte(code), math.MaxInt32)
	if err != nil {
		prog.Close()
		return nil, fmt.Errorf("failed to write source: %w", err)
	}
	if exit != 0 {
		prog.Close()
		return nil, fmt.Errorf("failed to write source: exit status %d", exit)
	}

	if len(lang.Config.CompileCommand) > 0 {
		cctx, cancel := context.WithTimeout(ctx, compileTimeout)
		defer cancel()
		out, exit, err := prog.exec(cctx, lang.Config.CompileCommand, nil, nil, 64<<10)
		if err != nil {
			prog.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if cctx.Err() != nil {
				return brokenProgram{fault: newFault(model.FaultNonZeroExit, "compile timed out after %s", compileTimeout)}, nil
			}
			return nil, fmt.Errorf("failed to compile: %w", err)
		}
		if exit != 0 {
			prog.Close()
			return brokenProgram{fault: newFault(model.FaultNonZeroExit, "compile failed: %s", tail(string(out.stderr), 512))}, nil
		}
	}

	s.logger.Debug().Str("container", resp.ID).Str("language", lang.ID).Msg("program prepared")
	return prog, nil
}

func (s *DockerBackend) EnsureImage(ctx context.Context, img string) error {
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

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	s.logger.Info().Str("image", img).Msg("pulled docker image")
	return nil
}

type dockerProgram struct {
	cli         *client.Client
	containerID string
	cmd         []string
}

func (p *dockerProgram) Close() error {
	return p.cli.ContainerRemove(context.Background(), p.containerID, container.RemoveOptions{Force: true})
}

func (p *dockerProgram) Run(ctx context.Context, input []byte, limits Limits) ([]byte, error) {
	limits = limits.withDefaults()
	// The in-container timeout kills the program; the host deadline only
	// covers a wedged exec.
	runCtx, cancel := context.WithTimeout(ctx, limits.WallClock+dockerOverhead)
	defer cancel()

	argv, env := dockerRunCommand(p.cmd, limits)

	start := time.Now()
	out, exit, err := p.exec(runCtx, argv, env, input, limits.OutputBytes)
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runCtx.Err() != nil {
		return nil, newFault(model.FaultTimeout, "no answer within %s", limits.WallClock)
	}
	if err != nil {
		return nil, err
	}
	if out.overflow {
		return nil, newFault(model.FaultResourceExceeded, "output exceeds %d bytes", limits.OutputBytes)
	}
	if f := dockerExitFault(exit, elapsed, out.stderr, limits); f != nil {
		return nil, f
	}
	return out.stdout, nil
}

// dockerRunCommand builds the exec for one turn: the in-container timeout
// bounds wall-clock time and limitScript the CPU time. Memory is left to
// the container's cgroup.
func dockerRunCommand(cmd []string, limits Limits) (argv, env []string) {
	secs := strconv.FormatFloat(limits.WallClock.Seconds(), 'f', 3, 64)
	argv, env = limitedCommand(cmd, limits.CPU, 0)
	return append([]string{"timeout", "-s", "KILL", secs}, argv...), env
}

func dockerExitFault(exit int, elapsed time.Duration, stderr []byte, limits Limits) *Fault {
	switch {
	case exit == 0:
		return nil
	case exit == exitCPULimit:
		return cpuFault(limits)
	case exit == exitKilled && elapsed >= limits.WallClock:
		return newFault(model.FaultTimeout, "no answer within %s", limits.WallClock)
	case exit == exitKilled:
		return newFault(model.FaultResourceExceeded, "killed on its cpu or memory limit")
	case limits.MemoryBytes > 0 && allocFailed(stderr):
		return memoryFault(limits)
	default:
		return newFault(model.FaultNonZeroExit, "exit status %d: %s", exit, tail(string(stderr), 512))
	}
}

type execOutput struct {
	stdout, stderr []byte
	overflow       bool
}

// exec runs cmd in the container with env added, feeding stdin, and returns
// its output and exit code.
func (p *dockerProgram) exec(ctx context.Context, cmd, env []string, stdin []byte, outputLimit int) (execOutput, int, error) {
	execResp, err := p.cli.ContainerExecCreate(ctx, p.containerID, container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		WorkingDir:   sandboxHome,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return execOutput{}, 0, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := p.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return execOutput{}, 0, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	if len(stdin) > 0 {
		if _, err := attach.Conn.Write(stdin); err != nil {
			return execOutput{}, 0, fmt.Errorf("failed to write stdin: %w", err)
		}
	}
	_ = attach.CloseWrite()

	stdout := newLimitedBuffer(outputLimit)
	stderr := &limitedBuffer{limit: 4 << 10, quiet: true}
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil && !stdout.Overflowed() {
			return execOutput{}, 0, fmt.Errorf("failed to read exec output: %w", err)
		}
	case <-ctx.Done():
		return execOutput{}, 0, ctx.Err()
	}

	out := execOutput{stdout: stdout.Bytes(), stderr: stderr.Bytes(), overflow: stdout.Overflowed()}
	if out.overflow {
		return out, 0, nil
	}

	// The stream can close a moment before the exec is marked finished.
	for {
		inspect, err := p.cli.ContainerExecInspect(ctx, execResp.ID)
		if err != nil {
			return out, 0, fmt.Errorf("failed to inspect exec: %w", err)
		}
		if !inspect.Running {
			return out, inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return out, 0, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
