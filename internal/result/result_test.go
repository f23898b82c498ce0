package result

import (
	"testing"
	"time"

	"github.com/examportal/coderunner/internal/sandbox"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		in      sandbox.Outcome
		class   ExitClass
		success bool
		stdout  string
		stderr  string
	}{
		{
			name:    "success",
			in:      sandbox.Outcome{Phase: sandbox.PhaseRun, Stdout: "hello\n"},
			class:   ClassSuccess,
			success: true,
			stdout:  "hello\n",
		},
		{
			name:   "compile error keeps diagnostics",
			in:     sandbox.Outcome{Phase: sandbox.PhaseCompile, ExitCode: 1, Stderr: "a.c:1: error: x\r\n\r\n  note: y\r\n"},
			class:  ClassCompileError,
			stderr: "a.c:1: error: x\n  note: y",
		},
		{
			name:   "compile error from stdout",
			in:     sandbox.Outcome{Phase: sandbox.PhaseCompile, ExitCode: 2, Stdout: "bad\n"},
			class:  ClassCompileError,
			stderr: "bad",
		},
		{
			name:   "compile timeout",
			in:     sandbox.Outcome{Phase: sandbox.PhaseCompile, TimedOut: true, ExitCode: -1},
			class:  ClassTimeout,
			stderr: MsgCompileTimeout,
		},
		{
			name:   "run timeout",
			in:     sandbox.Outcome{Phase: sandbox.PhaseRun, TimedOut: true, ExitCode: -1, Stdout: "partial"},
			class:  ClassTimeout,
			stdout: "partial",
			stderr: MsgRunTimeout,
		},
		{
			name:   "runtime error",
			in:     sandbox.Outcome{Phase: sandbox.PhaseRun, ExitCode: 1, Stderr: "Traceback\nZeroDivisionError: division by zero\n"},
			class:  ClassRuntimeError,
			stderr: "Traceback\nZeroDivisionError: division by zero",
		},
		{
			name:   "runtime error without stderr",
			in:     sandbox.Outcome{Phase: sandbox.PhaseRun, ExitCode: 139},
			class:  ClassRuntimeError,
			stderr: "segmentation fault (exit code 139)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.in)
			if got.ExitClass != tt.class || got.Success != tt.success {
				t.Errorf("class = %s success = %v, want %s %v", got.ExitClass, got.Success, tt.class, tt.success)
			}
			if got.Stdout != tt.stdout {
				t.Errorf("stdout = %q, want %q", got.Stdout, tt.stdout)
			}
			if got.Stderr != tt.stderr {
				t.Errorf("stderr = %q, want %q", got.Stderr, tt.stderr)
			}
		})
	}
}

func TestResponseContract(t *testing.T) {
	ok := Normalize(sandbox.Outcome{Phase: sandbox.PhaseRun, Stdout: "hello\n", Stderr: "warning", Duration: 1500 * time.Millisecond})
	resp := ok.Response()
	if !resp.Success || resp.Output != "hello\n" || resp.Error != "" || resp.DurationMs != 1500 {
		t.Errorf("success response = %+v", resp)
	}

	bad := Normalize(sandbox.Outcome{Phase: sandbox.PhaseRun, ExitCode: 1, Stderr: "boom"})
	resp = bad.Response()
	if resp.Success || resp.Error != "boom" || resp.ExitClass != ClassRuntimeError {
		t.Errorf("failure response = %+v", resp)
	}

	infra := Infra().Response()
	if infra.Success || infra.ExitClass != ClassInfraError || infra.Error == "" {
		t.Errorf("infra response = %+v", infra)
	}
}

func TestCleanText(t *testing.T) {
	in := "\r\n line one\r\n\r\nline two\rline three  \n\n"
	want := " line one\nline two\nline three"
	if got := CleanText(in); got != want {
		t.Errorf("CleanText = %q, want %q", got, want)
	}
	if CleanText("\n \n") != "" {
		t.Error("whitespace only should clean to empty")
	}
}
