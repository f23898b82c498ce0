package sandbox

import (
	"errors"
	"testing"

	"github.com/docker/docker/errdefs"
)

func TestMapError(t *testing.T) {
	cause := errors.New("No such container: abc")

	if err := mapError(errdefs.NotFound(cause)); !errors.Is(err, ErrContainerNotFound) {
		t.Errorf("not found mapped to %v", err)
	}
	if err := mapError(errdefs.Conflict(cause)); !errors.Is(err, ErrContainerNotRunning) {
		t.Errorf("conflict mapped to %v", err)
	}
	if err := mapError(cause); err != cause {
		t.Errorf("plain error changed: %v", err)
	}
	if mapError(nil) != nil {
		t.Error("nil mapped to non-nil")
	}
}
