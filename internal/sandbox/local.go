package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"ai_arena/internal/domain/model"
	"ai_arena/internal/languages"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// killGrace is how long Wait may block on inherited pipes after the process
// group was killed.
const killGrace = 200 * time.Millisecond

// LocalBackend builds and runs programs as host processes, each in its own
// process group and work directory. It is meant for trusted deployments and
// development; use the Docker backend for real isolation.
type LocalBackend struct {
	workDir string
	logger  *zerolog.Logger
}

func NewLocalBackend(workDir string, logger *zerolog.Logger) *LocalBackend {
	return &LocalBackend{workDir: workDir, logger: logger}
}

func (l *LocalBackend) Prepare(ctx context.Context, lang languages.Language, code string, limits Limits) (Program, error) {
	dir, err := os.MkdirTemp(l.workDir, "arena-"+lang.ID+"-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, lang.Config.SourceFile), []byte(code), 0o644); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("write source: %w", err)
	}

	if len(lang.Config.CompileCommand) > 0 {
		cctx, cancel := context.WithTimeout(ctx, compileTimeout)
		defer cancel()
		cmd := exec.CommandContext(cctx, lang.Config.CompileCommand[0], lang.Config.CompileCommand[1:]...)
		cmd.Dir = dir
		var stderr bytes.Buffer
		cmd.Stdout = &stderr
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			os.RemoveAll(dir)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) || cctx.Err() != nil {
				return brokenProgram{fault: newFault(model.FaultNonZeroExit, "compile failed: %s", tail(stderr.String(), 512))}, nil
			}
			return nil, fmt.Errorf("run compiler: %w", err)
		}
	}

	l.logger.Debug().Str("dir", dir).Str("language", lang.ID).Msg("program prepared")
	return &localProgram{dir: dir, cmd: lang.Config.RunCommand}, nil
}

type localProgram struct {
	dir string
	cmd []string
}

func (p *localProgram) Close() error {
	return os.RemoveAll(p.dir)
}

func (p *localProgram) Run(ctx context.Context, input []byte, limits Limits) ([]byte, error) {
	limits = limits.withDefaults()
	runCtx, cancel := context.WithTimeout(ctx, limits.WallClock)
	defer cancel()

	argv, env := limitedCommand(p.cmd, limits.CPU, limits.MemoryBytes/1024)
	cmd := exec.CommandContext(runCtx, "/bin/sh", argv[1:]...)
	cmd.Dir = p.dir
	cmd.Env = append(os.Environ(), env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = killGrace

	stdout := newLimitedBuffer(limits.OutputBytes)
	stderr := &limitedBuffer{limit: 4 << 10, quiet: true}
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start program: %w", err)
	}
	waitErr := cmd.Wait()
	// Children that escaped the exec'd program still belong to the group.
	_ = killGroup(cmd.Process.Pid)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, newFault(model.FaultTimeout, "no answer within %s", limits.WallClock)
	}
	if stdout.Overflowed() {
		return nil, newFault(model.FaultResourceExceeded, "output exceeds %d bytes", limits.OutputBytes)
	}

	if f := localResourceFault(cmd.ProcessState, stderr.Bytes(), limits); f != nil {
		return nil, f
	}

	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, newFault(model.FaultNonZeroExit, "%s: %s", exitErr.ProcessState.String(),
				strings.TrimSpace(tail(string(stderr.Bytes()), 512)))
		}
		return nil, fmt.Errorf("wait program: %w", waitErr)
	}
	return stdout.Bytes(), nil
}

// localResourceFault reports a run that ended on its CPU or memory limit.
// The CPU soft limit ends the program with SIGXCPU and the hard limit with
// SIGKILL. The address space limit makes allocations fail inside the
// program, which then usually exits non-zero with a runtime message.
func localResourceFault(state *os.ProcessState, stderr []byte, limits Limits) *Fault {
	if state == nil {
		return nil
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		switch ws.Signal() {
		case syscall.SIGXCPU:
			return cpuFault(limits)
		case syscall.SIGKILL:
			if state.UserTime()+state.SystemTime() >= limits.CPU {
				return cpuFault(limits)
			}
		}
	}
	if limits.MemoryBytes <= 0 {
		return nil
	}
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru.Maxrss*1024 > limits.MemoryBytes {
		return memoryFault(limits)
	}
	if !state.Success() && allocFailed(stderr) {
		return memoryFault(limits)
	}
	return nil
}

func killGroup(pid int) error {
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
