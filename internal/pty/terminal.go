// Package pty runs interactive Gemini CLI invocations on a pseudo-terminal and
// keeps a bounded tail of their recent output.
package pty

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

const (
	DefaultRows = 24
	DefaultCols = 80
)

// Terminal is the controlling side of a pseudo-terminal attached to a
// running command. stdout and stderr of the command share the one stream.
type Terminal struct {
	ptmx *os.File

	mu   sync.Mutex
	rows int
	cols int
}

// Start launches cmd on a new pseudo-terminal. The command becomes the leader
// of a new session, so signalling its process group reaches its children too.
func Start(cmd *exec.Cmd, rows, cols int) (*Terminal, error) {
	if rows <= 0 {
		rows = DefaultRows
	}
	if cols <= 0 {
		cols = DefaultCols
	}
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return nil, err
	}
	return &Terminal{ptmx: ptmx, rows: rows, cols: cols}, nil
}

// Read reads terminal output. Linux reports EIO once the command has exited
// and the last reference to the terminal is gone; that is returned as io.EOF.
func (t *Terminal) Read(p []byte) (int, error) {
	n, err := t.ptmx.Read(p)
	if err != nil && errors.Is(err, syscall.EIO) {
		err = io.EOF
	}
	return n, err
}

// Write sends input to the command as if typed.
func (t *Terminal) Write(p []byte) (int, error) {
	return t.ptmx.Write(p)
}

func (t *Terminal) Resize(rows, cols int) error {
	t.mu.Lock()
	t.rows, t.cols = rows, cols
	t.mu.Unlock()

	return pty.Setsize(t.ptmx, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
}

// Size returns the current window size.
func (t *Terminal) Size() (rows, cols int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rows, t.cols
}

func (t *Terminal) Close() error {
	if err := t.ptmx.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
