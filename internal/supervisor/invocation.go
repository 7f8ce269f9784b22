package supervisor

import (
	"io"
	"os"
	"sync"
	"time"
)

// State is the lifecycle position of an invocation.
type State int

const (
	StateBuilding State = iota
	StateSpawned
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateSpawned:
		return "spawned"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Invocation is one spawned CLI process serving exactly one turn. It is the
// registry handle used to abort the turn.
type Invocation struct {
	// emitMu serializes events and the abort gate, so once Terminate returns
	// no further response can be sent.
	emitMu sync.Mutex
	sink   EventSink

	mu         sync.Mutex
	key        string
	sessionID  string
	workingDir string
	state      State
	startedAt  time.Time
	proc       *os.Process
	input      io.Writer
	aborted    bool
	exited     bool
	// historyLen is the session's message count after this turn's own
	// writes, or -1 before the turn has a session.
	historyLen int
}

// Snapshot is a point-in-time view of a live invocation.
type Snapshot struct {
	Key         string    `json:"key"`
	SessionID   string    `json:"sessionId,omitempty"`
	WorkingDir  string    `json:"workingDir"`
	State       string    `json:"state"`
	PID         int       `json:"pid,omitempty"`
	Interactive bool      `json:"interactive"`
	StartedAt   time.Time `json:"startedAt"`
}

// Terminate marks the invocation aborted and sends SIGTERM to its process
// group. It does not wait for the process to exit.
func (inv *Invocation) Terminate() error {
	inv.emitMu.Lock()
	inv.mu.Lock()
	inv.aborted = true
	proc, exited := inv.proc, inv.exited
	inv.mu.Unlock()
	inv.emitMu.Unlock()

	if proc == nil || exited {
		return nil
	}
	return terminateProcess(proc)
}

// WriteInput forwards data to the stdin of an interactive invocation.
func (inv *Invocation) WriteInput(data []byte) error {
	inv.mu.Lock()
	w, exited := inv.input, inv.exited
	inv.mu.Unlock()

	if w == nil || exited {
		return ErrNotInteractive
	}
	_, err := w.Write(data)
	return err
}

func (inv *Invocation) Snapshot() Snapshot {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	snap := Snapshot{
		Key:         inv.key,
		SessionID:   inv.sessionID,
		WorkingDir:  inv.workingDir,
		State:       inv.state.String(),
		Interactive: inv.input != nil,
		StartedAt:   inv.startedAt,
	}
	if inv.proc != nil {
		snap.PID = inv.proc.Pid
	}
	return snap
}

func (inv *Invocation) Key() string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.key
}

func (inv *Invocation) SessionID() string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.sessionID
}

func (inv *Invocation) State() State {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state
}

func (inv *Invocation) setState(s State) {
	inv.mu.Lock()
	inv.state = s
	inv.mu.Unlock()
}

func (inv *Invocation) isAborted() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.aborted
}

// spawn runs start unless the invocation was aborted first. The abort check
// and the process hand-off happen under one lock so a concurrent Terminate
// either prevents the start or sees the process.
func (inv *Invocation) spawn(start func() (*os.Process, io.Writer, error)) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.aborted {
		return ErrAborted
	}
	proc, input, err := start()
	if err != nil {
		return err
	}
	inv.proc = proc
	inv.input = input
	inv.state = StateSpawned
	return nil
}

func (inv *Invocation) setHistoryLen(n int) {
	inv.mu.Lock()
	inv.historyLen = n
	inv.mu.Unlock()
}

func (inv *Invocation) getHistoryLen() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.historyLen
}

func (inv *Invocation) markExited() {
	inv.mu.Lock()
	inv.exited = true
	inv.mu.Unlock()
}

// emit sends an event regardless of abort state.
func (inv *Invocation) emit(ev Event) {
	inv.emitMu.Lock()
	defer inv.emitMu.Unlock()
	sendLogged(inv.sink, inv.Key(), ev)
}
