package sandbox_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/examportal/coderunner/internal/languages"
	"github.com/examportal/coderunner/internal/sandbox"
	"github.com/examportal/coderunner/internal/sandbox/sandboxtest"
	"github.com/examportal/coderunner/internal/workspace"
)

var testLimits = languages.Limits{
	CPUs:           1,
	MemoryBytes:    512 << 20,
	PidsLimit:      64,
	CompileTimeout: 2 * time.Second,
	RunTimeout:     200 * time.Millisecond,
}

type fixture struct {
	rt       *sandboxtest.Runtime
	runner   *sandbox.Runner
	ws       *workspace.Manager
	registry *languages.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	rt := sandboxtest.NewRuntime()
	reg, err := languages.NewRegistry(languages.Defaults(testLimits)...)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		rt:       rt,
		runner:   sandbox.NewRunner(rt, &logger, 1<<20),
		ws:       workspace.NewManager(filepath.Join(t.TempDir(), "ws"), &logger),
		registry: reg,
	}
}

func (f *fixture) run(t *testing.T, lang, code string) (*sandbox.Handle, sandbox.Outcome, error) {
	t.Helper()
	prof, err := f.registry.Resolve(lang)
	if err != nil {
		t.Fatal(err)
	}
	ws, err := f.ws.Create(code, prof.FileExtension)
	if err != nil {
		t.Fatal(err)
	}
	h, err := f.runner.Start(context.Background(), ws, prof)
	if err != nil {
		return h, sandbox.Outcome{}, err
	}
	out, err := f.runner.Run(context.Background(), h, prof)
	return h, out, err
}

func TestStartBuildsHardenedSpec(t *testing.T) {
	f := newFixture(t)
	h, _, err := f.run(t, "python", "print('hi')")
	if err != nil {
		t.Fatal(err)
	}

	c, ok := f.rt.Container(h.ContainerID)
	if !ok {
		t.Fatal("container not recorded")
	}
	spec := c.Spec
	if !spec.NetworkDisabled {
		t.Error("network must be disabled")
	}
	if spec.MemoryBytes != 512<<20 || spec.NanoCPUs != 1e9 || spec.PidsLimit != 64 {
		t.Errorf("limits = mem %d cpu %d pids %d", spec.MemoryBytes, spec.NanoCPUs, spec.PidsLimit)
	}
	if spec.HostSourcePath != h.Workspace.FilePath {
		t.Errorf("host source = %s, want %s", spec.HostSourcePath, h.Workspace.FilePath)
	}
	if spec.SourcePath != sandbox.SourceDir+"/"+h.Workspace.FileName {
		t.Errorf("source path = %s", spec.SourcePath)
	}
	if spec.Labels[sandbox.LabelManaged] != "true" || spec.Labels[sandbox.LabelWorkspace] != h.Workspace.ID {
		t.Errorf("labels = %v", spec.Labels)
	}
	if !strings.HasPrefix(h.Name, "coderunner-") || spec.Name != h.Name {
		t.Errorf("name = %s / %s", h.Name, spec.Name)
	}
}

func TestRunInterpretedSuccess(t *testing.T) {
	f := newFixture(t)
	h, out, err := f.run(t, "python", "print('hello')")
	if err != nil {
		t.Fatal(err)
	}
	if out.Phase != sandbox.PhaseRun || out.ExitCode != 0 || out.Stdout != "hello\n" {
		t.Errorf("outcome = %+v", out)
	}
	if h.State() != sandbox.StateCompleted {
		t.Errorf("state = %s", h.State())
	}
	execs := f.rt.Execs()
	if len(execs) != 1 || execs[0][0] != "python3" {
		t.Errorf("execs = %v", execs)
	}
}

func TestRunCompiledSuccess(t *testing.T) {
	f := newFixture(t)
	_, out, err := f.run(t, "cpp", `int main(){ cout << "ok"; }`)
	if err != nil {
		t.Fatal(err)
	}
	if out.Stdout != "ok\n" {
		t.Errorf("stdout = %q", out.Stdout)
	}
	execs := f.rt.Execs()
	if len(execs) != 2 || execs[0][0] != "g++" || execs[1][0] != sandbox.WorkDir+"/main" {
		t.Errorf("execs = %v", execs)
	}
}

func TestCompileErrorSkipsRun(t *testing.T) {
	f := newFixture(t)
	h, out, err := f.run(t, "c", "int main() { SYNTAX ERROR }")
	if err != nil {
		t.Fatal(err)
	}
	if !out.CompileFailed() || out.Phase != sandbox.PhaseCompile || out.ExitCode == 0 {
		t.Errorf("outcome = %+v", out)
	}
	if !strings.Contains(out.Stderr, "error:") {
		t.Errorf("stderr = %q", out.Stderr)
	}
	if n := len(f.rt.Execs()); n != 1 {
		t.Errorf("exec count = %d, run step must not be invoked", n)
	}
	if h.State() != sandbox.StateFailed {
		t.Errorf("state = %s", h.State())
	}
}

func TestRunTimeoutKillsContainer(t *testing.T) {
	f := newFixture(t)

	begin := time.Now()
	h, out, err := f.run(t, "python", "while True: pass")
	elapsed := time.Since(begin)
	if err != nil {
		t.Fatal(err)
	}
	if !out.TimedOut || out.Phase != sandbox.PhaseRun {
		t.Errorf("outcome = %+v", out)
	}
	if elapsed > testLimits.RunTimeout+time.Second {
		t.Errorf("took %s, want about %s", elapsed, testLimits.RunTimeout)
	}
	if f.rt.CountOp("kill") != 1 {
		t.Errorf("kill calls = %d, want 1", f.rt.CountOp("kill"))
	}
	if f.rt.Running() != 0 {
		t.Errorf("running containers = %d after timeout", f.rt.Running())
	}
	if h.State() != sandbox.StateTimedOut {
		t.Errorf("state = %s", h.State())
	}
}

func TestCompileTimeout(t *testing.T) {
	f := newFixture(t)
	f.rt.ExecFunc = func(ctx context.Context, c *sandboxtest.Container, cmd []string, stdout, stderr io.Writer) (int, error) {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	prof, _ := f.registry.Resolve("c")
	prof.Limits.CompileTimeout = 50 * time.Millisecond
	ws, _ := f.ws.Create("int main(){}", "c")

	h, err := f.runner.Start(context.Background(), ws, prof)
	if err != nil {
		t.Fatal(err)
	}
	out, err := f.runner.Run(context.Background(), h, prof)
	if err != nil {
		t.Fatal(err)
	}
	if !out.TimedOut || out.Phase != sandbox.PhaseCompile {
		t.Errorf("outcome = %+v", out)
	}
	if len(f.rt.Execs()) != 1 {
		t.Errorf("run step invoked after compile timeout")
	}
}

func TestRuntimeErrorCapturesStderr(t *testing.T) {
	f := newFixture(t)
	_, out, err := f.run(t, "python", "print(1/0)")
	if err != nil {
		t.Fatal(err)
	}
	if out.ExitCode == 0 || !strings.Contains(out.Stderr, "ZeroDivisionError") {
		t.Errorf("outcome = %+v", out)
	}
}

func TestOutputIsBounded(t *testing.T) {
	logger := zerolog.Nop()
	f := newFixture(t)
	f.runner = sandbox.NewRunner(f.rt, &logger, 16)
	f.rt.ExecFunc = func(ctx context.Context, c *sandboxtest.Container, cmd []string, stdout, stderr io.Writer) (int, error) {
		for i := 0; i < 100; i++ {
			io.WriteString(stdout, "0123456789")
		}
		return 0, nil
	}

	_, out, err := f.run(t, "python", "spam")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Truncated || !strings.HasPrefix(out.Stdout, "0123456789012345\n") || !strings.Contains(out.Stdout, "truncated") {
		t.Errorf("outcome = %+v", out)
	}
}

func TestStartInfraFailures(t *testing.T) {
	daemonDown := errors.New("Cannot connect to the Docker daemon")

	t.Run("create", func(t *testing.T) {
		f := newFixture(t)
		f.rt.CreateErr = daemonDown
		h, _, err := f.run(t, "python", "print(1)")
		if !errors.Is(err, sandbox.ErrInfra) || !errors.Is(err, daemonDown) {
			t.Fatalf("err = %v", err)
		}
		if h == nil || h.ContainerID != "" || h.Started() {
			t.Errorf("handle = %+v, want partial handle without container", h)
		}
	})

	t.Run("start", func(t *testing.T) {
		f := newFixture(t)
		f.rt.StartErr = errors.New("image not found")
		h, _, err := f.run(t, "python", "print(1)")
		if !errors.Is(err, sandbox.ErrInfra) {
			t.Fatalf("err = %v", err)
		}
		if h.ContainerID == "" || h.Started() {
			t.Errorf("handle = %+v, want created but not started", h)
		}
		if f.rt.Live() != 1 {
			t.Errorf("live = %d, created container must be left for teardown", f.rt.Live())
		}
	})
}

func TestRunOnUnstartedHandle(t *testing.T) {
	f := newFixture(t)
	prof, _ := f.registry.Resolve("python")
	if _, err := f.runner.Run(context.Background(), nil, prof); !errors.Is(err, sandbox.ErrInfra) {
		t.Fatalf("err = %v", err)
	}
}

func TestExecFailureIsInfra(t *testing.T) {
	f := newFixture(t)
	f.rt.ExecFunc = func(ctx context.Context, c *sandboxtest.Container, cmd []string, stdout, stderr io.Writer) (int, error) {
		return -1, errors.New("connection reset")
	}
	h, _, err := f.run(t, "python", "print(1)")
	if !errors.Is(err, sandbox.ErrInfra) {
		t.Fatalf("err = %v", err)
	}
	if h.State() != sandbox.StateFailed {
		t.Errorf("state = %s", h.State())
	}
}
