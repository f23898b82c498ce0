package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/examportal/coderunner/internal/executor"
	"github.com/examportal/coderunner/internal/languages"
	"github.com/examportal/coderunner/internal/queue"
	"github.com/examportal/coderunner/internal/result"
)

// testHarnessLanguage is what /execute-test runs its embedded code as.
const testHarnessLanguage = "python"

type ExecutionRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

type TestExecutionRequest struct {
	TestEmbeddedCode string `json:"test_embeded_code"`
}

type LanguageInfo struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Extension      string  `json:"extension"`
	Compiled       bool    `json:"compiled"`
	CPUs           float64 `json:"cpus"`
	MemoryBytes    int64   `json:"memory_bytes"`
	CompileTimeout string  `json:"compile_timeout,omitempty"`
	RunTimeout     string  `json:"run_timeout"`
}

// LanguageLister is satisfied by *executor.Executor.
type LanguageLister interface {
	Languages() []languages.Profile
}

type Handler struct {
	queueManager *queue.Manager
	langs        LanguageLister
	logger       *zerolog.Logger
	waitTimeout  time.Duration
	maxBodyBytes int64
}

func NewHandler(manager *queue.Manager, langs LanguageLister, logger *zerolog.Logger, waitTimeout time.Duration, maxBodyBytes int64) *Handler {
	return &Handler{
		queueManager: manager,
		langs:        langs,
		logger:       logger,
		waitTimeout:  waitTimeout,
		maxBodyBytes: maxBodyBytes,
	}
}

func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ExecutionRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.run(w, r, executor.Request{SourceCode: req.Code, Language: req.Language})
}

// ExecuteTest runs exam test-harness code, which is always python.
func (h *Handler) ExecuteTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req TestExecutionRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.run(w, r, executor.Request{SourceCode: req.TestEmbeddedCode, Language: testHarnessLanguage})
}

func (h *Handler) Languages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	profiles := h.langs.Languages()
	out := make([]LanguageInfo, 0, len(profiles))
	for _, p := range profiles {
		info := LanguageInfo{
			ID:          p.ID,
			Name:        p.Name,
			Extension:   p.FileExtension,
			Compiled:    p.HasCompileStep(),
			CPUs:        p.Limits.CPUs,
			MemoryBytes: p.Limits.MemoryBytes,
			RunTimeout:  p.Limits.RunTimeout.String(),
		}
		if info.Compiled {
			info.CompileTimeout = p.Limits.CompileTimeout.String()
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if h.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request, req executor.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.waitTimeout)
	defer cancel()

	job := queue.NewJob(ctx, req)
	if err := h.queueManager.Submit(job); err != nil {
		h.logger.Warn().Err(err).Str("language", req.Language).Msg("rejecting execution")
		writeError(w, http.StatusServiceUnavailable, "execution queue is full, try again later")
		return
	}

	select {
	case res := <-job.Result:
		status := http.StatusOK
		if res.ExitClass == result.ClassInfraError {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, res.Response())
	case err := <-job.Err:
		switch {
		case errors.Is(err, executor.ErrInvalidRequest), errors.Is(err, languages.ErrUnsupportedLanguage):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "execution timed out waiting in queue")
		default:
			h.logger.Error().Err(err).Str("job_id", job.ID).Msg("execution failed")
			writeError(w, http.StatusInternalServerError, "execution failed")
		}
	case <-ctx.Done():
		writeError(w, http.StatusGatewayTimeout, "execution timed out waiting in queue")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, result.Response{Success: false, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
