package sandbox

import (
	"sync"

	"github.com/examportal/coderunner/internal/workspace"
)

// State is the lifecycle of one sandboxed execution:
//
//	Created -> Compiling -> Running -> Completed | TimedOut | Failed -> TornDown
type State string

const (
	StatePending   State = "pending"
	StateCreated   State = "created"
	StateCompiling State = "compiling"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateTimedOut  State = "timed_out"
	StateFailed    State = "failed"
	StateTornDown  State = "torn_down"
)

// Handle is one isolated environment bound to one workspace. ContainerID is
// empty when creation never succeeded.
type Handle struct {
	Name        string
	ContainerID string
	Workspace   *workspace.Workspace

	mu      sync.Mutex
	state   State
	started bool
}

func newHandle(name string, ws *workspace.Workspace) *Handle {
	return &Handle{Name: name, Workspace: ws, state: StatePending}
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Started reports whether the container was ever started.
func (h *Handle) Started() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

func (h *Handle) markStarted() {
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
}

// BeginTeardown flips the handle to TornDown and reports whether the caller
// is the first to do so.
func (h *Handle) BeginTeardown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateTornDown {
		return false
	}
	h.state = StateTornDown
	return true
}
