package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrInfra marks failures of the container runtime itself (daemon
	// unreachable, image missing), as opposed to failures of user code.
	ErrInfra = errors.New("sandbox infrastructure error")

	ErrContainerNotFound   = errors.New("container not found")
	ErrContainerNotRunning = errors.New("container not running")
)

// Labels put on every container this service creates.
const (
	LabelManaged   = "coderunner.managed"
	LabelWorkspace = "coderunner.workspace"
)

// Runtime is the container daemon as seen by the runner and the cleanup
// coordinator. DockerRuntime is the production implementation.
type Runtime interface {
	EnsureImage(ctx context.Context, image string) error
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, id string) error
	// Exec runs cmd inside a started container and blocks until it exits or
	// ctx is done. On ctx expiry it returns ctx.Err() without killing the
	// process; callers decide whether to kill the container.
	Exec(ctx context.Context, id string, cmd []string, workDir string, stdout, stderr io.Writer) (int, error)
	Kill(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	ListManaged(ctx context.Context) ([]string, error)
}

type ContainerSpec struct {
	Name            string
	Image           string
	HostSourcePath  string
	SourcePath      string
	WorkDir         string
	MemoryBytes     int64
	NanoCPUs        int64
	PidsLimit       int64
	NetworkDisabled bool
	Labels          map[string]string
}

type Phase string

const (
	PhaseCompile Phase = "compile"
	PhaseRun     Phase = "run"
)

// Outcome is the raw result of the last step that ran.
type Outcome struct {
	Phase     Phase
	Stdout    string
	Stderr    string
	ExitCode  int
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
}

// CompileFailed reports whether the compile step ran and failed.
func (o Outcome) CompileFailed() bool {
	return o.Phase == PhaseCompile && (o.TimedOut || o.ExitCode != 0)
}
