// Package sandboxtest provides an in-memory sandbox.Runtime for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/examportal/coderunner/internal/sandbox"
)

// Container is the fake's record of one created container.
type Container struct {
	ID      string
	Spec    sandbox.ContainerSpec
	Running bool
	Killed  bool

	dead chan struct{}
}

// Dead is closed once the container is killed, stopped or removed.
func (c *Container) Dead() <-chan struct{} {
	return c.dead
}

// Source reads the bind-mounted workspace file from the host.
func (c *Container) Source() string {
	data, _ := os.ReadFile(c.Spec.HostSourcePath)
	return string(data)
}

// ExecFunc emulates one exec inside c.
type ExecFunc func(ctx context.Context, c *Container, cmd []string, stdout, stderr io.Writer) (int, error)

// Call is one recorded runtime invocation.
type Call struct {
	Op  string
	ID  string
	Cmd []string
}

type Runtime struct {
	ExecFunc ExecFunc

	CreateErr error
	StartErr  error
	StopErr   error
	RemoveErr error
	ImageErr  error

	mu         sync.Mutex
	seq        int
	containers map[string]*Container
	calls      []Call
	images     []string
}

// NewRuntime returns a fake whose execs are handled by Interpreter.
func NewRuntime() *Runtime {
	return &Runtime{
		ExecFunc:   Interpreter,
		containers: make(map[string]*Container),
	}
}

func (r *Runtime) record(op, id string, cmd []string) {
	r.calls = append(r.calls, Call{Op: op, ID: id, Cmd: cmd})
}

func (r *Runtime) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Execs returns the commands executed, in order.
func (r *Runtime) Execs() [][]string {
	var out [][]string
	for _, c := range r.Calls() {
		if c.Op == "exec" {
			out = append(out, c.Cmd)
		}
	}
	return out
}

func (r *Runtime) CountOp(op string) int {
	n := 0
	for _, c := range r.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Live is the number of containers created and not yet removed.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

// Running is the number of containers whose processes are still alive.
func (r *Runtime) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.containers {
		if c.Running {
			n++
		}
	}
	return n
}

func (r *Runtime) Container(id string) (*Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	return c, ok
}

func (r *Runtime) Images() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.images...)
}

// Adopt registers a container that was left behind by a previous process.
func (r *Runtime) Adopt(spec sandbox.ContainerSpec) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := fmt.Sprintf("orphan-%d", r.seq)
	r.containers[id] = &Container{ID: id, Spec: spec, Running: true, dead: make(chan struct{})}
	return id
}

func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("ensure_image", image, nil)
	if r.ImageErr != nil {
		return r.ImageErr
	}
	r.images = append(r.images, image)
	return nil
}

func (r *Runtime) Create(ctx context.Context, spec sandbox.ContainerSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("create", spec.Name, nil)
	if r.CreateErr != nil {
		return "", r.CreateErr
	}
	r.seq++
	id := fmt.Sprintf("ctr-%d", r.seq)
	r.containers[id] = &Container{ID: id, Spec: spec, dead: make(chan struct{})}
	return id, nil
}

func (r *Runtime) Start(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("start", id, nil)
	if r.StartErr != nil {
		return r.StartErr
	}
	c, ok := r.containers[id]
	if !ok {
		return sandbox.ErrContainerNotFound
	}
	c.Running = true
	return nil
}

func (r *Runtime) Exec(ctx context.Context, id string, cmd []string, workDir string, stdout, stderr io.Writer) (int, error) {
	r.mu.Lock()
	r.record("exec", id, cmd)
	c, ok := r.containers[id]
	running := ok && c.Running
	r.mu.Unlock()

	if !ok {
		return -1, sandbox.ErrContainerNotFound
	}
	if !running {
		return -1, sandbox.ErrContainerNotRunning
	}
	return r.ExecFunc(ctx, c, cmd, stdout, stderr)
}

func (r *Runtime) Kill(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("kill", id, nil)
	c, ok := r.containers[id]
	if !ok {
		return sandbox.ErrContainerNotFound
	}
	if !c.Running {
		return sandbox.ErrContainerNotRunning
	}
	c.Killed = true
	r.terminate(c)
	return nil
}

func (r *Runtime) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("stop", id, nil)
	if r.StopErr != nil {
		return r.StopErr
	}
	c, ok := r.containers[id]
	if !ok {
		return sandbox.ErrContainerNotFound
	}
	r.terminate(c)
	return nil
}

func (r *Runtime) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("remove", id, nil)
	if r.RemoveErr != nil {
		return r.RemoveErr
	}
	c, ok := r.containers[id]
	if !ok {
		return sandbox.ErrContainerNotFound
	}
	r.terminate(c)
	delete(r.containers, id)
	return nil
}

func (r *Runtime) ListManaged(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("list", "", nil)
	var ids []string
	for id, c := range r.containers {
		if c.Spec.Labels[sandbox.LabelManaged] == "true" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// terminate must be called with r.mu held.
func (r *Runtime) terminate(c *Container) {
	if c.Running {
		c.Running = false
		close(c.dead)
	}
}

var (
	printPattern  = regexp.MustCompile(`print\(['"](.*?)['"]\)`)
	printfPattern = regexp.MustCompile(`(?:printf|puts)\("(.*?)(?:\\n)?"\)|cout\s*<<\s*"(.*?)"`)
)

// Interpreter is a toy stand-in for real compilers and interpreters. It
// understands just enough of the submitted source to drive tests:
//
//   - "SYNTAX ERROR" anywhere makes gcc/g++ fail
//   - "while True" / "for(;;)" loops until the container dies
//   - "1/0" raises a python ZeroDivisionError, "*(int*)0" segfaults in C
//   - print('x'), printf("x"), puts("x") and cout << "x" write x and a newline
func Interpreter(ctx context.Context, c *Container, cmd []string, stdout, stderr io.Writer) (int, error) {
	src := c.Source()

	switch cmd[0] {
	case "gcc", "g++":
		if strings.Contains(src, "SYNTAX ERROR") {
			fmt.Fprintf(stderr, "%s: In function 'main':\r\n%s:1:1: error: expected ';' before '}' token\r\n", c.Spec.SourcePath, c.Spec.SourcePath)
			return 1, nil
		}
		return 0, nil
	}

	if strings.Contains(src, "while True") || strings.Contains(src, "for(;;)") {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-c.Dead():
			return 137, nil
		}
	}
	if strings.Contains(src, "1/0") {
		fmt.Fprint(stderr, "Traceback (most recent call last):\n  File \"main.py\", line 1, in <module>\nZeroDivisionError: division by zero\n")
		return 1, nil
	}
	if strings.Contains(src, "*(int*)0") {
		return 139, nil
	}

	pattern := printPattern
	if cmd[0] != "python3" {
		pattern = printfPattern
	}
	for _, m := range pattern.FindAllStringSubmatch(src, -1) {
		text := m[1]
		if len(m) > 2 && m[2] != "" {
			text = m[2]
		}
		fmt.Fprintln(stdout, text)
	}
	return 0, nil
}
