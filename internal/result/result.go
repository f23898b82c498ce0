// Package result classifies raw sandbox outcomes into the response contract
// returned to callers.
package result

import (
	"fmt"
	"strings"
	"time"

	"github.com/examportal/coderunner/internal/sandbox"
)

type ExitClass string

const (
	ClassSuccess      ExitClass = "Success"
	ClassCompileError ExitClass = "CompileError"
	ClassRuntimeError ExitClass = "RuntimeError"
	ClassTimeout      ExitClass = "Timeout"
	ClassInfraError   ExitClass = "InfraError"
)

const (
	MsgRunTimeout     = "execution exceeded time limit"
	MsgCompileTimeout = "compilation exceeded time limit"
	MsgInfra          = "code execution is temporarily unavailable"
)

type ExecutionResult struct {
	Success   bool
	Stdout    string
	Stderr    string
	ExitClass ExitClass
	ExitCode  int
	Duration  time.Duration
}

// Response is the outbound wire shape. Error is empty on success.
type Response struct {
	Success    bool      `json:"success"`
	Output     string    `json:"output"`
	Error      string    `json:"error"`
	ExitClass  ExitClass `json:"exit_class"`
	DurationMs int64     `json:"duration_ms"`
}

func (r ExecutionResult) Response() Response {
	resp := Response{
		Success:    r.Success,
		Output:     r.Stdout,
		ExitClass:  r.ExitClass,
		DurationMs: r.Duration.Milliseconds(),
	}
	if !r.Success {
		resp.Error = r.Stderr
	}
	return resp
}

// Normalize maps the exit state of the last sandbox step to a result. It
// never looks at what the program printed beyond copying it through.
func Normalize(out sandbox.Outcome) ExecutionResult {
	res := ExecutionResult{
		ExitCode: out.ExitCode,
		Duration: out.Duration,
	}

	switch {
	case out.CompileFailed() && out.TimedOut:
		res.ExitClass = ClassTimeout
		res.Stderr = MsgCompileTimeout

	case out.CompileFailed():
		res.ExitClass = ClassCompileError
		diag := out.Stderr
		if strings.TrimSpace(diag) == "" {
			diag = out.Stdout
		}
		res.Stderr = CleanText(diag)
		if res.Stderr == "" {
			res.Stderr = fmt.Sprintf("compilation failed with exit code %d", out.ExitCode)
		}

	case out.TimedOut:
		res.ExitClass = ClassTimeout
		res.Stdout = out.Stdout
		res.Stderr = MsgRunTimeout

	case out.ExitCode != 0:
		res.ExitClass = ClassRuntimeError
		res.Stdout = out.Stdout
		res.Stderr = CleanText(out.Stderr)
		if res.Stderr == "" {
			res.Stderr = exitMessage(out.ExitCode)
		}

	default:
		res.ExitClass = ClassSuccess
		res.Success = true
		res.Stdout = out.Stdout
		res.Stderr = CleanText(out.Stderr)
	}
	return res
}

// Infra builds the result for a failure of the container runtime. The cause
// is logged by the caller, not exposed.
func Infra() ExecutionResult {
	return ExecutionResult{
		ExitClass: ClassInfraError,
		ExitCode:  -1,
		Stderr:    MsgInfra,
	}
}

func exitMessage(code int) string {
	switch code {
	case 137:
		return "process was killed (exit code 137), possibly out of memory"
	case 139:
		return "segmentation fault (exit code 139)"
	case 136:
		return "floating point exception (exit code 136)"
	}
	return fmt.Sprintf("process exited with code %d", code)
}

// CleanText converts CRLF and CR line endings to LF, drops blank lines and
// strips trailing whitespace from each remaining line.
func CleanText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		kept = append(kept, strings.TrimRight(l, " \t"))
	}
	return strings.Join(kept, "\n")
}
