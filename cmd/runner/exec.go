package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/examportal/coderunner/internal/config"
	"github.com/examportal/coderunner/internal/executor"
	"github.com/examportal/coderunner/internal/languages"
	"github.com/examportal/coderunner/internal/logging"
	"github.com/examportal/coderunner/internal/result"
	"github.com/examportal/coderunner/internal/sandbox"
	"github.com/examportal/coderunner/internal/server"
)

var (
	languageFlag string
	jsonFlag     bool
)

// exitError carries the process exit status for a finished execution.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

var execCmd = &cobra.Command{
	Use:   "exec [file|-]",
	Short: "Compile and run a source file in a sandbox",
	Long: `Compile and run a source file in a sandbox. Use "-" to read the program
from stdin. The language is taken from --language, or guessed from the file
extension.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.Load(configFlag)
		if err != nil {
			return err
		}
		logger := logging.New(conf.Log, cmd.ErrOrStderr())

		code, err := readSource(args[0], cmd.InOrStdin())
		if err != nil {
			return err
		}

		rt, err := sandbox.NewDockerRuntime(&logger)
		if err != nil {
			return fmt.Errorf("failed to create docker client: %w", err)
		}
		defer rt.Close()

		stack, err := server.Build(conf, rt, &logger)
		if err != nil {
			return err
		}

		lang := languageFlag
		if lang == "" {
			lang, err = guessLanguage(stack.Registry, args[0])
			if err != nil {
				return err
			}
		}

		ctx := cmd.Context()
		if conf.Sandbox.PullImages {
			prof, err := stack.Registry.Resolve(lang)
			if err != nil {
				return err
			}
			if err := rt.EnsureImage(ctx, prof.Image); err != nil {
				return err
			}
		}

		return execute(ctx, stack.Executor, &logger, executor.Request{SourceCode: code, Language: lang}, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	execCmd.Flags().StringVarP(&languageFlag, "language", "l", "", "Language id (see `runner languages`)")
	execCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the response as JSON instead of raw output")
}

type codeExecutor interface {
	Execute(ctx context.Context, req executor.Request) (result.ExecutionResult, error)
}

// execute runs req and writes the program output. A finished execution that
// was not successful is reported as an exitError.
func execute(ctx context.Context, exec codeExecutor, logger *zerolog.Logger, req executor.Request, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := exec.Execute(ctx, req)
	if err != nil {
		return err
	}
	logger.Debug().
		Str("exit_class", string(res.ExitClass)).
		Dur("duration", res.Duration).
		Msg("execution finished")

	resp := res.Response()
	if jsonFlag {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
	} else {
		fmt.Fprint(stdout, resp.Output)
		if resp.Error != "" {
			fmt.Fprintln(stderr, resp.Error)
		}
	}

	switch res.ExitClass {
	case result.ClassSuccess:
		return nil
	case result.ClassInfraError:
		return &exitError{code: 3}
	default:
		return &exitError{code: 1}
	}
}

func readSource(path string, stdin io.Reader) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(b), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func guessLanguage(reg *languages.Registry, path string) (string, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "", fmt.Errorf("cannot guess language of %q, pass --language", path)
	}
	for _, p := range reg.List() {
		if strings.EqualFold(p.FileExtension, ext) {
			return p.ID, nil
		}
	}
	return "", fmt.Errorf("%w: no language for extension %q", languages.ErrUnsupportedLanguage, ext)
}
