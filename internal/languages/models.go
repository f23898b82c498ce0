package languages

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/shlex"
)

// Placeholders substituted into command templates.
const (
	PlaceholderSource = "{src}"
	PlaceholderBinary = "{bin}"
	PlaceholderDir    = "{dir}"
)

type Limits struct {
	CPUs           float64
	MemoryBytes    int64
	PidsLimit      int64
	CompileTimeout time.Duration
	RunTimeout     time.Duration
}

// Profile describes how one language is compiled and run inside the sandbox.
// CompileCommand is empty for interpreted languages.
type Profile struct {
	ID              string
	Name            string
	Image           string
	FileExtension   string
	CompileCommand  string
	RunCommand      string
	Limits          Limits
	NetworkDisabled bool
}

func (p Profile) HasCompileStep() bool {
	return strings.TrimSpace(p.CompileCommand) != ""
}

// Paths are the in-sandbox locations substituted into templates.
type Paths struct {
	Source string
	Binary string
	Dir    string
}

func (p Profile) CompileArgs(paths Paths) ([]string, error) {
	if !p.HasCompileStep() {
		return nil, nil
	}
	return render(p.CompileCommand, paths)
}

func (p Profile) RunArgs(paths Paths) ([]string, error) {
	return render(p.RunCommand, paths)
}

func render(tpl string, paths Paths) ([]string, error) {
	args, err := shlex.Split(tpl)
	if err != nil {
		return nil, fmt.Errorf("parse command template %q: %w", tpl, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command template")
	}
	r := strings.NewReplacer(
		PlaceholderSource, paths.Source,
		PlaceholderBinary, paths.Binary,
		PlaceholderDir, paths.Dir,
	)
	for i, a := range args {
		args[i] = r.Replace(a)
	}
	return args, nil
}

// Merge returns p with every non-zero field of o applied on top.
func (p Profile) Merge(o Profile) Profile {
	if o.Name != "" {
		p.Name = o.Name
	}
	if o.Image != "" {
		p.Image = o.Image
	}
	if o.FileExtension != "" {
		p.FileExtension = o.FileExtension
	}
	if o.CompileCommand != "" {
		p.CompileCommand = o.CompileCommand
	}
	if o.RunCommand != "" {
		p.RunCommand = o.RunCommand
	}
	if o.Limits.CPUs > 0 {
		p.Limits.CPUs = o.Limits.CPUs
	}
	if o.Limits.MemoryBytes > 0 {
		p.Limits.MemoryBytes = o.Limits.MemoryBytes
	}
	if o.Limits.PidsLimit > 0 {
		p.Limits.PidsLimit = o.Limits.PidsLimit
	}
	if o.Limits.CompileTimeout > 0 {
		p.Limits.CompileTimeout = o.Limits.CompileTimeout
	}
	if o.Limits.RunTimeout > 0 {
		p.Limits.RunTimeout = o.Limits.RunTimeout
	}
	return p
}

func (p Profile) validate() error {
	if p.ID == "" {
		return fmt.Errorf("profile without id")
	}
	if p.Image == "" {
		return fmt.Errorf("language %s: image is required", p.ID)
	}
	if strings.Trim(p.FileExtension, ".") == "" {
		return fmt.Errorf("language %s: file extension is required", p.ID)
	}
	if !p.NetworkDisabled {
		return fmt.Errorf("language %s: network must be disabled", p.ID)
	}
	dummy := Paths{Source: "a", Binary: "b", Dir: "c"}
	if _, err := p.RunArgs(dummy); err != nil {
		return fmt.Errorf("language %s: run command: %w", p.ID, err)
	}
	if _, err := p.CompileArgs(dummy); err != nil {
		return fmt.Errorf("language %s: compile command: %w", p.ID, err)
	}
	if p.Limits.MemoryBytes <= 0 || p.Limits.CPUs <= 0 {
		return fmt.Errorf("language %s: cpu and memory limits are required", p.ID)
	}
	if p.Limits.RunTimeout <= 0 || (p.HasCompileStep() && p.Limits.CompileTimeout <= 0) {
		return fmt.Errorf("language %s: timeouts are required", p.ID)
	}
	return nil
}
