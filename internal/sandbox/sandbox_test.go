package sandbox

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"ai_arena/internal/domain/model"
	"ai_arena/internal/languages"
	"ai_arena/internal/platform/logging"
)

func shellProgram(t *testing.T, script string) *localProgram {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no shell available")
	}
	return &localProgram{dir: t.TempDir(), cmd: []string{"sh", "-c", script}}
}

func wantFault(t *testing.T, err error, kind model.FaultKind) {
	t.Helper()
	f, ok := AsFault(err)
	if !ok {
		t.Fatalf("err = %v, want %s fault", err, kind)
	}
	if f.Kind != kind {
		t.Fatalf("fault = %s (%s), want %s", f.Kind, f.Detail, kind)
	}
}

func TestLocalEchoesInput(t *testing.T) {
	p := shellProgram(t, "cat")
	out, err := p.Run(context.Background(), []byte("5 5\nA\n"), Limits{WallClock: 2 * time.Second})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out) != "5 5\nA\n" {
		t.Errorf("out = %q", out)
	}
}

func TestLocalTimeoutReturnsPromptly(t *testing.T) {
	p := shellProgram(t, "sleep 30")
	limit := 300 * time.Millisecond

	start := time.Now()
	_, err := p.Run(context.Background(), nil, Limits{WallClock: limit})
	elapsed := time.Since(start)

	wantFault(t, err, model.FaultTimeout)
	if elapsed > limit+2*time.Second {
		t.Errorf("Run took %s with a %s limit", elapsed, limit)
	}
}

func TestLocalTimeoutKillsChildren(t *testing.T) {
	// The backgrounded sleep holds stdout open; without the group kill Wait
	// would block until it exits.
	p := shellProgram(t, "sleep 30 & sleep 30")
	start := time.Now()
	_, err := p.Run(context.Background(), nil, Limits{WallClock: 200 * time.Millisecond})
	wantFault(t, err, model.FaultTimeout)
	if time.Since(start) > 3*time.Second {
		t.Errorf("Run took %s", time.Since(start))
	}
}

func TestLocalNonZeroExit(t *testing.T) {
	p := shellProgram(t, "echo boom >&2; exit 3")
	_, err := p.Run(context.Background(), nil, Limits{WallClock: 2 * time.Second})
	wantFault(t, err, model.FaultNonZeroExit)
	if f, _ := AsFault(err); !strings.Contains(f.Detail, "boom") {
		t.Errorf("detail %q lacks stderr", f.Detail)
	}
}

func TestLocalOutputLimit(t *testing.T) {
	p := shellProgram(t, "while :; do echo 0 u; done")
	_, err := p.Run(context.Background(), nil, Limits{WallClock: 2 * time.Second, OutputBytes: 1024})
	wantFault(t, err, model.FaultResourceExceeded)
}

func TestLocalCPULimit(t *testing.T) {
	p := shellProgram(t, "while :; do :; done")
	start := time.Now()
	_, err := p.Run(context.Background(), nil, Limits{WallClock: 5 * time.Second, CPU: time.Second})
	wantFault(t, err, model.FaultResourceExceeded)
	if f, _ := AsFault(err); !strings.Contains(f.Detail, "cpu") {
		t.Errorf("detail %q does not name the cpu limit", f.Detail)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("Run took %s with a 1s cpu limit", elapsed)
	}
}

func TestLocalMemoryLimit(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	p := &localProgram{dir: t.TempDir(), cmd: []string{"python3", "-c", "b = bytearray(400 << 20)"}}
	_, err := p.Run(context.Background(), nil, Limits{WallClock: 5 * time.Second, MemoryBytes: 128 << 20})
	wantFault(t, err, model.FaultResourceExceeded)
	if f, _ := AsFault(err); !strings.Contains(f.Detail, "memory") {
		t.Errorf("detail %q does not name the memory limit", f.Detail)
	}

	// The same program fits without the limit.
	if _, err := p.Run(context.Background(), nil, Limits{WallClock: 5 * time.Second}); err != nil {
		t.Errorf("unlimited Run: %v", err)
	}
}

func TestLocalFailureUnderMemoryLimitStaysNonZeroExit(t *testing.T) {
	p := shellProgram(t, "echo bad move >&2; exit 1")
	_, err := p.Run(context.Background(), nil, Limits{WallClock: 2 * time.Second, MemoryBytes: 128 << 20})
	wantFault(t, err, model.FaultNonZeroExit)
}

func TestLocalParentCancel(t *testing.T) {
	p := shellProgram(t, "sleep 30")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := p.Run(ctx, nil, Limits{WallClock: 5 * time.Second})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if _, ok := AsFault(err); ok {
		t.Error("shutdown must not be reported as a program fault")
	}
}

func TestLocalCompileFailureFaultsEveryRun(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no shell available")
	}
	backend := NewLocalBackend(t.TempDir(), logging.Nop())
	lang := languages.Language{
		ID: "broken",
		Config: languages.RuntimeConfig{
			SourceFile:     "main.txt",
			CompileCommand: []string{"sh", "-c", "echo syntax error >&2; exit 1"},
			RunCommand:     []string{"cat", "main.txt"},
		},
	}
	prog, err := backend.Prepare(context.Background(), lang, "hello", Limits{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	defer prog.Close()

	for range 2 {
		_, err := prog.Run(context.Background(), nil, Limits{})
		wantFault(t, err, model.FaultNonZeroExit)
	}
}

func TestLocalPrepareRunsSource(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no shell available")
	}
	backend := NewLocalBackend(t.TempDir(), logging.Nop())
	lang := languages.Language{
		ID:     "sh",
		Config: languages.RuntimeConfig{SourceFile: "main.sh", RunCommand: []string{"sh", "main.sh"}},
	}
	prog, err := backend.Prepare(context.Background(), lang, "read w h; echo \"$w $h\"", Limits{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	out, err := prog.Run(context.Background(), []byte("4 2\n"), Limits{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(string(out)) != "4 2" {
		t.Errorf("out = %q", out)
	}
	if err := prog.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestPresetBackend(t *testing.T) {
	presets := NewPresetBackend()
	presets.Register("echo", func(in []byte) ([]byte, error) { return in, nil })
	presets.Register("slow", func(in []byte) ([]byte, error) {
		time.Sleep(time.Second)
		return in, nil
	})
	presets.Register("crash", func([]byte) ([]byte, error) { return nil, errors.New("bad board") })

	if _, err := presets.Prepare("missing"); !errors.Is(err, ErrUnknownPreset) {
		t.Errorf("missing preset err = %v", err)
	}

	echo, _ := presets.Prepare("echo")
	out, err := echo.Run(context.Background(), []byte("0 u"), Limits{})
	if err != nil || string(out) != "0 u" {
		t.Errorf("echo = %q, %v", out, err)
	}
	_, err = echo.Run(context.Background(), []byte(strings.Repeat("x", 100)), Limits{OutputBytes: 10})
	wantFault(t, err, model.FaultResourceExceeded)

	slow, _ := presets.Prepare("slow")
	_, err = slow.Run(context.Background(), nil, Limits{WallClock: 50 * time.Millisecond})
	wantFault(t, err, model.FaultTimeout)

	crash, _ := presets.Prepare("crash")
	_, err = crash.Run(context.Background(), nil, Limits{})
	wantFault(t, err, model.FaultNonZeroExit)
}

func TestSandboxRouting(t *testing.T) {
	presets := NewPresetBackend()
	presets.Register("cat", func(in []byte) ([]byte, error) { return in, nil })
	sb := New(nil, "local", presets, languages.NewRegistry(), logging.Nop())
	ctx := context.Background()

	prog, err := sb.Prepare(ctx, &model.Submission{ID: "p", Name: "cat", IsPreset: true}, Limits{})
	if err != nil {
		t.Fatalf("Prepare preset: %v", err)
	}
	out, err := sb.Run(ctx, prog, []byte("hi"), Limits{})
	if err != nil || string(out) != "hi" {
		t.Errorf("Run = %q, %v", out, err)
	}

	if _, err := sb.Prepare(ctx, &model.Submission{ID: "s"}, Limits{}); !errors.Is(err, ErrNoCode) {
		t.Errorf("no code err = %v", err)
	}
	lang, code := "brainfuck", "+"
	if _, err := sb.Prepare(ctx, &model.Submission{ID: "s", Language: &lang, Code: &code}, Limits{}); !errors.Is(err, languages.ErrLanguageNotFound) {
		t.Errorf("unknown language err = %v", err)
	}
}

func TestDockerRunCommand(t *testing.T) {
	limits := Limits{WallClock: 1500 * time.Millisecond, CPU: 1200 * time.Millisecond, MemoryBytes: 64 << 20}
	argv, env := dockerRunCommand([]string{"python3", "main.py"}, limits)

	want := []string{"timeout", "-s", "KILL", "1.500", "sh", "-c", limitScript, "sandbox", "python3", "main.py"}
	if strings.Join(argv, "\x00") != strings.Join(want, "\x00") {
		t.Errorf("argv = %q", argv)
	}
	if !strings.Contains(limitScript, "ulimit -S -t") || !strings.Contains(limitScript, "ulimit -H -t") {
		t.Error("limit script sets no cpu limit")
	}
	wantEnv := map[string]bool{"ARENA_CPU_SEC=2": true, "ARENA_MEM_KB=0": true}
	for _, kv := range env {
		delete(wantEnv, kv)
	}
	if len(wantEnv) != 0 {
		t.Errorf("env = %q, missing %v", env, wantEnv)
	}
}

func TestDockerExitFault(t *testing.T) {
	limits := Limits{WallClock: 2 * time.Second, CPU: time.Second, MemoryBytes: 64 << 20}
	tests := []struct {
		name    string
		exit    int
		elapsed time.Duration
		stderr  string
		want    model.FaultKind
	}{
		{"clean exit", 0, time.Millisecond, "", model.FaultNone},
		{"cpu soft limit", exitCPULimit, time.Second, "", model.FaultResourceExceeded},
		{"killed at the deadline", exitKilled, 2 * time.Second, "", model.FaultTimeout},
		{"killed early", exitKilled, 300 * time.Millisecond, "", model.FaultResourceExceeded},
		{"allocation refused", 1, time.Millisecond, "std::bad_alloc", model.FaultResourceExceeded},
		{"plain failure", 3, time.Millisecond, "boom", model.FaultNonZeroExit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := dockerExitFault(tt.exit, tt.elapsed, []byte(tt.stderr), limits)
			if tt.want == model.FaultNone {
				if f != nil {
					t.Fatalf("fault = %v, want none", f)
				}
				return
			}
			if f == nil || f.Kind != tt.want {
				t.Fatalf("fault = %v, want %s", f, tt.want)
			}
		})
	}
}

func TestLimitedBuffer(t *testing.T) {
	b := newLimitedBuffer(4)
	if n, err := b.Write([]byte("ab")); n != 2 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if _, err := b.Write([]byte("cdef")); !errors.Is(err, errOutputLimit) {
		t.Errorf("overflow err = %v", err)
	}
	if string(b.Bytes()) != "abcd" || !b.Overflowed() {
		t.Errorf("buffer = %q overflow %v", b.Bytes(), b.Overflowed())
	}

	quiet := &limitedBuffer{limit: 2, quiet: true}
	if n, err := quiet.Write([]byte("xyz")); n != 3 || err != nil {
		t.Errorf("quiet Write = %d, %v", n, err)
	}
}
