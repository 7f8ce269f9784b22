package supervisor

import (
	"errors"
	"fmt"

	"github.com/wgst88w/Gemini-CLI-UI/internal/registry"
)

var (
	// ErrSessionBusy rejects a turn for a session that already has one in
	// flight. Nothing is spawned.
	ErrSessionBusy = registry.ErrSessionBusy
	// ErrAborted is reported when an invocation was aborted, whether before
	// or after the process started.
	ErrAborted = errors.New("invocation aborted")
	// ErrNoInvocation is returned when no live invocation matches a key.
	ErrNoInvocation = errors.New("no running invocation")
	// ErrNotInteractive is returned when input is sent to an invocation that
	// was started with a prompt and therefore has no open stdin.
	ErrNotInteractive = errors.New("invocation does not accept input")
)

// SpawnError means the CLI could not be started at all.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ExitError means the CLI ran and exited with a non-zero code. A process
// killed by a signal reports 128 plus the signal number.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("gemini CLI exited with code %d", e.Code)
}
