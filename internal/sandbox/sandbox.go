// Package sandbox runs untrusted battle programs, one invocation per turn,
// under wall-clock, CPU, memory and output limits.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"ai_arena/internal/domain/model"
	"ai_arena/internal/languages"
	"ai_arena/internal/platform/metrics"

	"github.com/rs/zerolog"
)

const (
	DefaultWallClock   = 2 * time.Second
	DefaultOutputBytes = 64 << 10

	// compileTimeout bounds building a submission before its first turn.
	compileTimeout = 60 * time.Second
)

var ErrNoCode = errors.New("submission has no code")

// limitScript applies the rlimits in the shell and then execs the program,
// so the limits bind the program itself. The CPU soft limit sits a second
// below the hard one: crossing it delivers SIGXCPU, which tells a CPU fault
// apart from a plain kill.
const limitScript = `set -e
if [ "$ARENA_CPU_SEC" -gt 0 ]; then
	ulimit -H -t $((ARENA_CPU_SEC + 1))
	ulimit -S -t "$ARENA_CPU_SEC"
fi
if [ "$ARENA_MEM_KB" -gt 0 ]; then
	ulimit -v "$ARENA_MEM_KB"
fi
exec "$@"`

// limitedCommand wraps cmd in limitScript. memoryKB of zero leaves the
// address space unlimited.
func limitedCommand(cmd []string, cpu time.Duration, memoryKB int64) (argv, env []string) {
	argv = append([]string{"sh", "-c", limitScript, "sandbox"}, cmd...)
	env = []string{
		fmt.Sprintf("ARENA_CPU_SEC=%d", int(math.Ceil(cpu.Seconds()))),
		fmt.Sprintf("ARENA_MEM_KB=%d", memoryKB),
	}
	return argv, env
}

// allocFailureMarkers are what common runtimes print to stderr when the
// address space limit refuses an allocation.
var allocFailureMarkers = []string{
	"memoryerror",
	"bad_alloc",
	"out of memory",
	"cannot allocate memory",
	"failed to allocate",
}

func allocFailed(stderr []byte) bool {
	s := strings.ToLower(string(stderr))
	for _, m := range allocFailureMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func cpuFault(limits Limits) *Fault {
	return newFault(model.FaultResourceExceeded, "cpu time exceeds %s", limits.CPU)
}

func memoryFault(limits Limits) *Fault {
	return newFault(model.FaultResourceExceeded, "memory exceeds %d KiB", limits.MemoryBytes/1024)
}

// Limits apply to a single invocation. Zero CPU means the wall clock also
// caps CPU time; zero memory means unlimited.
type Limits struct {
	WallClock   time.Duration
	CPU         time.Duration
	MemoryBytes int64
	OutputBytes int
}

func (l Limits) withDefaults() Limits {
	if l.WallClock <= 0 {
		l.WallClock = DefaultWallClock
	}
	if l.CPU <= 0 {
		l.CPU = l.WallClock
	}
	if l.OutputBytes <= 0 {
		l.OutputBytes = DefaultOutputBytes
	}
	return l
}

// Fault is a failure caused by the submitted program rather than by the
// platform. Callers record it and move on; it is never retried.
type Fault struct {
	Kind   model.FaultKind
	Detail string
}

func (f *Fault) Error() string {
	if f.Detail == "" {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Detail
}

func newFault(kind model.FaultKind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// AsFault unwraps a *Fault from err.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Program is a submission made ready to run, e.g. compiled once for the
// whole battle. Close releases whatever Prepare allocated.
type Program interface {
	Run(ctx context.Context, input []byte, limits Limits) ([]byte, error)
	Close() error
}

// Backend builds programs for submitted source code.
type Backend interface {
	Prepare(ctx context.Context, lang languages.Language, code string, limits Limits) (Program, error)
}

// Executor is what a battle runner needs from the sandbox.
type Executor interface {
	Prepare(ctx context.Context, sub *model.Submission, limits Limits) (Program, error)
	Run(ctx context.Context, prog Program, input []byte, limits Limits) ([]byte, error)
}

// Sandbox routes preset submissions to built-in strategies and everything
// else to the configured backend.
type Sandbox struct {
	backend     Backend
	backendName string
	presets     *PresetBackend
	languages   *languages.Registry
	logger      *zerolog.Logger
}

var _ Executor = (*Sandbox)(nil)

func New(backend Backend, backendName string, presets *PresetBackend, langs *languages.Registry, logger *zerolog.Logger) *Sandbox {
	return &Sandbox{
		backend:     backend,
		backendName: backendName,
		presets:     presets,
		languages:   langs,
		logger:      logger,
	}
}

// Prepare returns an error only for platform or configuration problems. A
// submission that fails to compile still yields a Program, one whose every
// run faults.
func (s *Sandbox) Prepare(ctx context.Context, sub *model.Submission, limits Limits) (Program, error) {
	limits = limits.withDefaults()
	if sub.IsPreset {
		return s.presets.Prepare(sub.Name)
	}
	if sub.Language == nil || sub.Code == nil {
		return nil, fmt.Errorf("submission %s: %w", sub.ID, ErrNoCode)
	}
	lang, err := s.languages.Get(*sub.Language)
	if err != nil {
		return nil, fmt.Errorf("submission %s language %q: %w", sub.ID, *sub.Language, err)
	}
	if s.backend == nil {
		return nil, fmt.Errorf("submission %s: no sandbox backend configured", sub.ID)
	}

	prog, err := s.backend.Prepare(ctx, lang, *sub.Code, limits)
	if err != nil {
		return nil, err
	}
	if b, ok := prog.(brokenProgram); ok {
		s.logger.Info().Str("submission_id", sub.ID).Str("language", lang.ID).
			Str("detail", b.fault.Detail).Msg("submission failed to build")
	}
	return prog, nil
}

// Run executes one invocation. A program fault is returned as *Fault; any
// other error means the platform could not run the program at all.
func (s *Sandbox) Run(ctx context.Context, prog Program, input []byte, limits Limits) ([]byte, error) {
	limits = limits.withDefaults()
	backend := s.backendName
	if _, ok := prog.(*presetProgram); ok {
		backend = "preset"
	}

	start := time.Now()
	out, err := prog.Run(ctx, input, limits)
	metrics.SandboxDuration.WithLabelValues(backend).Observe(float64(time.Since(start).Milliseconds()))

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if f, ok := AsFault(err); ok {
			outcome = string(f.Kind)
		}
	}
	metrics.SandboxRuns.WithLabelValues(backend, outcome).Inc()
	return out, err
}

// brokenProgram stands in for a submission that could not be built.
type brokenProgram struct {
	fault *Fault
}

func (b brokenProgram) Run(context.Context, []byte, Limits) ([]byte, error) { return nil, b.fault }
func (b brokenProgram) Close() error                                         { return nil }

// limitedBuffer keeps at most limit bytes and remembers whether more were
// offered. Unless quiet, writing past the limit fails, which closes the pipe
// on the program.
type limitedBuffer struct {
	buf      []byte
	limit    int
	overflow bool
	quiet    bool
}

var errOutputLimit = errors.New("output limit exceeded")

func newLimitedBuffer(limit int) *limitedBuffer {
	return &limitedBuffer{limit: limit}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.limit - len(b.buf)
	if len(p) > room {
		b.buf = append(b.buf, p[:max(room, 0)]...)
		b.overflow = true
		if b.quiet {
			return len(p), nil
		}
		return max(room, 0), errOutputLimit
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte    { return b.buf }
func (b *limitedBuffer) Overflowed() bool { return b.overflow }

// tail trims diagnostic text to its last n bytes.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
