// Package workspace materializes one submission's source code as a uniquely
// named file inside a shared temp directory.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrIO = errors.New("workspace io error")

// Workspace is owned by exactly one in-flight request.
type Workspace struct {
	ID        string
	Dir       string
	FileName  string
	FilePath  string
	CreatedAt time.Time
}

type Manager struct {
	dir    string
	logger *zerolog.Logger
}

func NewManager(dir string, logger *zerolog.Logger) *Manager {
	return &Manager{dir: dir, logger: logger}
}

func (m *Manager) Dir() string {
	return m.dir
}

// Create writes code to <dir>/<uuid>.<extension>. The directory is created if
// missing; concurrent callers racing on that are fine.
func (m *Manager) Create(code, extension string) (*Workspace, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create temp dir %s: %v", ErrIO, m.dir, err)
	}

	id := uuid.NewString()
	name := id + "." + strings.TrimPrefix(extension, ".")
	path := filepath.Join(m.dir, name)

	// O_EXCL: a uuid collision must fail instead of sharing a file.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrIO, path, err)
	}
	if _, err := f.WriteString(code); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("%w: write %s: %v", ErrIO, path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%w: close %s: %v", ErrIO, path, err)
	}
	// The sandbox user is not the file owner; make sure umask did not hide it.
	if err := os.Chmod(path, 0o644); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%w: chmod %s: %v", ErrIO, path, err)
	}

	ws := &Workspace{
		ID:        id,
		Dir:       m.dir,
		FileName:  name,
		FilePath:  path,
		CreatedAt: time.Now(),
	}
	m.logger.Debug().Str("workspace", id).Str("path", path).Msg("workspace created")
	return ws, nil
}

// Destroy removes the workspace file. Removing an already removed file is
// not an error.
func (m *Manager) Destroy(ws *Workspace) error {
	if ws == nil {
		return nil
	}
	err := os.Remove(ws.FilePath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %v", ErrIO, ws.FilePath, err)
	}
	m.logger.Debug().Str("workspace", ws.ID).Msg("workspace destroyed")
	return nil
}

// Sweep deletes workspace files older than olderThan. It is meant for files
// left behind by a process that died before its teardown ran.
func (m *Manager) Sweep(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: read %s: %v", ErrIO, m.dir, err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !isWorkspaceName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn().Err(err).Str("file", e.Name()).Msg("failed to sweep stale workspace")
			continue
		}
		removed++
	}
	return removed, nil
}

// Count returns the number of workspace files currently present.
func (m *Manager) Count() (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && isWorkspaceName(e.Name()) {
			n++
		}
	}
	return n, nil
}

func isWorkspaceName(name string) bool {
	base, _, _ := strings.Cut(name, ".")
	return uuid.Validate(base) == nil
}
