package sandbox_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/examportal/coderunner/internal/cleanup"
	"github.com/examportal/coderunner/internal/languages"
	"github.com/examportal/coderunner/internal/sandbox"
	"github.com/examportal/coderunner/internal/workspace"
)

// dockerRuntime returns a runtime against the local daemon, skipping the test
// when none is reachable.
func dockerRuntime(t *testing.T) *sandbox.DockerRuntime {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping docker integration test in short mode")
	}
	if os.Getenv("CODERUNNER_DOCKER_TESTS") == "" {
		t.Skip("set CODERUNNER_DOCKER_TESTS=1 to run against a local docker daemon")
	}
	logger := zerolog.Nop()
	rt, err := sandbox.NewDockerRuntime(&logger)
	if err != nil {
		t.Skipf("docker client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rt.Ping(ctx); err != nil {
		rt.Close()
		t.Skipf("docker not available: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestDockerPythonRoundTrip(t *testing.T) {
	rt := dockerRuntime(t)
	logger := zerolog.Nop()

	reg, err := languages.NewRegistry(languages.Defaults(languages.Limits{
		CPUs:           1,
		MemoryBytes:    256 << 20,
		PidsLimit:      64,
		CompileTimeout: 10 * time.Second,
		RunTimeout:     2 * time.Second,
	})...)
	if err != nil {
		t.Fatal(err)
	}
	prof, _ := reg.Resolve("python")

	ctx := context.Background()
	if err := rt.EnsureImage(ctx, prof.Image); err != nil {
		t.Skipf("image %s unavailable: %v", prof.Image, err)
	}

	wsm := workspace.NewManager(filepath.Join(t.TempDir(), "ws"), &logger)
	runner := sandbox.NewRunner(rt, &logger, 1<<20)
	coordinator := cleanup.NewCoordinator(rt, wsm, &logger, 10*time.Second)

	cases := []struct {
		name  string
		code  string
		check func(out sandbox.Outcome) bool
	}{
		{"hello", "print('hello')", func(o sandbox.Outcome) bool {
			return o.ExitCode == 0 && o.Stdout == "hello\n"
		}},
		{"zero division", "print(1/0)", func(o sandbox.Outcome) bool {
			return o.ExitCode != 0 && strings.Contains(o.Stderr, "ZeroDivisionError")
		}},
		{"no network", "import socket\nsocket.create_connection(('1.1.1.1', 53), timeout=1)", func(o sandbox.Outcome) bool {
			return o.ExitCode != 0
		}},
		{"read-only source", "open(__file__, 'a').write('x')", func(o sandbox.Outcome) bool {
			return o.ExitCode != 0
		}},
		{"infinite loop", "while True:\n    pass", func(o sandbox.Outcome) bool {
			return o.TimedOut
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ws, err := wsm.Create(tc.code, prof.FileExtension)
			if err != nil {
				t.Fatal(err)
			}
			h, err := runner.Start(ctx, ws, prof)
			defer coordinator.Teardown(h, ws)
			if err != nil {
				t.Fatal(err)
			}

			out, err := runner.Run(ctx, h, prof)
			if err != nil {
				t.Fatal(err)
			}
			if !tc.check(out) {
				t.Errorf("outcome = %+v", out)
			}
		})
	}

	ids, err := rt.ListManaged(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("managed containers left behind: %v", ids)
	}
}
