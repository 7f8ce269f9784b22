// Package supervisor runs one Gemini CLI process per conversation turn and
// turns its output into the event stream clients consume.
//
// An invocation moves through Building, Spawned and Streaming to Completed or
// Failed. Whatever the outcome, staged images are released and the registry
// entry removed in a single deferred exit path.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wgst88w/Gemini-CLI-UI/internal/agentsessions"
	"github.com/wgst88w/Gemini-CLI-UI/internal/attachments"
	"github.com/wgst88w/Gemini-CLI-UI/internal/persistence"
	"github.com/wgst88w/Gemini-CLI-UI/internal/pty"
	"github.com/wgst88w/Gemini-CLI-UI/internal/registry"
	"github.com/wgst88w/Gemini-CLI-UI/internal/streamfilter"
)

const readBufferSize = 32 * 1024

// MCPDetector reports whether MCP servers apply to a working directory.
type MCPDetector interface {
	HasServers(workingDir string) bool
	Path() string
}

// Recorder stores finished invocations.
type Recorder interface {
	RecordInvocation(persistence.Invocation) error
}

// Options configures a Supervisor. Zero values get working defaults.
type Options struct {
	// Command is the CLI executable, "gemini" by default.
	Command      string
	DefaultModel string

	Sessions *agentsessions.Manager
	Registry *registry.Registry
	Stager   *attachments.Stager
	Filter   *streamfilter.Filter
	MCP      MCPDetector
	Recorder Recorder

	// InteractivePTY runs prompt-less invocations on a pseudo-terminal.
	InteractivePTY bool
	Rows           int
	Cols           int
}

// Request is one turn as asked for by a client.
type Request struct {
	Command     string
	SessionID   string
	ProjectPath string
	// Cwd is the working directory of the CLI process. Empty means the
	// gateway's own working directory.
	Cwd             string
	Resume          bool
	Model           string
	Debug           bool
	SkipPermissions bool
	AllowedTools    []string
	DisallowedTools []string
	PermissionMode  string
	Images          []attachments.Attachment
}

// Result describes a finished invocation.
type Result struct {
	SessionID    string
	State        State
	ExitCode     int
	IsNewSession bool
	Response     string
}

type Supervisor struct {
	command        string
	defaultModel   string
	sessions       *agentsessions.Manager
	registry       *registry.Registry
	stager         *attachments.Stager
	filter         *streamfilter.Filter
	mcp            MCPDetector
	recorder       Recorder
	interactivePTY bool
	rows, cols     int

	ids *sessionIDs
	now func() time.Time
}

func New(opts Options) *Supervisor {
	s := &Supervisor{
		command:        opts.Command,
		defaultModel:   opts.DefaultModel,
		sessions:       opts.Sessions,
		registry:       opts.Registry,
		stager:         opts.Stager,
		filter:         opts.Filter,
		mcp:            opts.MCP,
		recorder:       opts.Recorder,
		interactivePTY: opts.InteractivePTY,
		rows:           opts.Rows,
		cols:           opts.Cols,
		now:            time.Now,
	}
	if s.command == "" {
		s.command = "gemini"
	}
	if s.defaultModel == "" {
		s.defaultModel = DefaultModel
	}
	if s.sessions == nil {
		s.sessions = agentsessions.NewManager(0)
	}
	if s.registry == nil {
		s.registry = registry.New()
	}
	if s.stager == nil {
		s.stager = attachments.NewStager("")
	}
	if s.filter == nil {
		s.filter = streamfilter.NewDefault(nil, nil)
	}
	s.ids = &sessionIDs{now: func() time.Time { return s.now() }}
	return s
}

// Sessions returns the conversation store the supervisor appends to.
func (s *Supervisor) Sessions() *agentsessions.Manager {
	return s.sessions
}

// Abort terminates the invocation registered under key. Aborting an unknown
// or finished key is a no-op that reports false.
func (s *Supervisor) Abort(key string) bool {
	return s.registry.Abort(key)
}

// WriteInput delivers data to the interactive invocation registered under key.
func (s *Supervisor) WriteInput(key string, data []byte) error {
	h, ok := s.registry.Lookup(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoInvocation, key)
	}
	inv, ok := h.(*Invocation)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoInvocation, key)
	}
	return inv.WriteInput(data)
}

// Active lists the live invocations.
func (s *Supervisor) Active() []Snapshot {
	var out []Snapshot
	for _, key := range s.registry.Keys() {
		h, ok := s.registry.Lookup(key)
		if !ok {
			continue
		}
		if inv, ok := h.(*Invocation); ok {
			out = append(out, inv.Snapshot())
		}
	}
	if out == nil {
		out = []Snapshot{}
	}
	return out
}

// Run executes one turn, streaming events to sink, and returns once the
// process has exited and its output has been drained. gemini-complete is the
// last event of a run that reached the process. Cancelling ctx terminates
// the process the same way Abort does.
func (s *Supervisor) Run(ctx context.Context, req Request, sink EventSink) (res Result, err error) {
	if sink == nil {
		sink = Discard
	}

	hasPrompt := HasPrompt(req.Command)
	newSession := req.SessionID == ""
	res = Result{SessionID: req.SessionID, IsNewSession: newSession && hasPrompt, ExitCode: -1}

	workingDir := req.Cwd
	if workingDir == "" {
		if wd, werr := os.Getwd(); werr == nil {
			workingDir = wd
		}
	}

	inv := &Invocation{
		sink:       sink,
		sessionID:  req.SessionID,
		workingDir: workingDir,
		state:      StateBuilding,
		startedAt:  s.now(),
		historyLen: -1,
	}
	inv.key = req.SessionID
	if inv.key == "" {
		inv.key = pendingKey(inv.startedAt)
	}

	model := req.Model
	if model == "" {
		model = s.defaultModel
	}

	var staged *attachments.Staged
	defer func() {
		staged.Release()
		s.registry.Remove(inv.Key(), inv)
		res.State = inv.State()
		s.record(inv, res, model, newSession, staged, err)
	}()

	if err = s.registry.Insert(inv.key, inv); err != nil {
		inv.setState(StateFailed)
		slog.Warn("Rejected turn for busy session", "key", inv.key)
		inv.emit(errorEvent(err.Error()))
		return res, err
	}

	if req.SessionID != "" {
		s.recoverSession(req.SessionID, workingDir)
	}

	var history string
	if hasPrompt && req.SessionID != "" {
		history, _ = s.sessions.BuildConversationContext(req.SessionID)
	}

	if len(req.Images) > 0 {
		st, serr := s.stager.Stage(workingDir, req.Images)
		if serr != nil {
			slog.Warn("Failed to stage image attachments", "key", inv.key, "error", serr)
		} else {
			staged = st
		}
	}

	var imagePaths []string
	if staged != nil {
		imagePaths = staged.Paths
	}

	var mcpPath string
	if s.mcp != nil && s.mcp.HasServers(workingDir) {
		mcpPath = s.mcp.Path()
	}

	args := BuildArgs(ArgsInput{
		Command:         req.Command,
		Context:         history,
		ImagePaths:      imagePaths,
		Debug:           req.Debug,
		MCPConfigPath:   mcpPath,
		NewSession:      newSession,
		Model:           model,
		SkipPermissions: req.SkipPermissions,
	})

	if len(req.AllowedTools) > 0 || len(req.DisallowedTools) > 0 {
		slog.Debug("Tool allow/deny lists are not supported by the Gemini CLI",
			"key", inv.key, "allowed", len(req.AllowedTools), "disallowed", len(req.DisallowedTools))
	}

	cmd := exec.Command(s.command, args...)
	cmd.Dir = workingDir
	cmd.Env = os.Environ()

	usePTY := !hasPrompt && s.interactivePTY
	var (
		stdout   io.Reader
		stderr   io.Reader
		terminal *pty.Terminal
	)
	err = inv.spawn(func() (*os.Process, io.Writer, error) {
		if usePTY {
			t, perr := pty.Start(cmd, s.rows, s.cols)
			if perr != nil {
				return nil, nil, perr
			}
			terminal, stdout = t, t
			return cmd.Process, t, nil
		}

		stdin, perr := cmd.StdinPipe()
		if perr != nil {
			return nil, nil, perr
		}
		if stdout, perr = cmd.StdoutPipe(); perr != nil {
			return nil, nil, perr
		}
		if stderr, perr = cmd.StderrPipe(); perr != nil {
			return nil, nil, perr
		}
		setProcessGroup(cmd)
		if perr := cmd.Start(); perr != nil {
			return nil, nil, perr
		}
		if hasPrompt {
			stdin.Close()
			return cmd.Process, nil, nil
		}
		return cmd.Process, stdin, nil
	})
	if err != nil {
		inv.setState(StateFailed)
		if errors.Is(err, ErrAborted) {
			slog.Info("Invocation aborted before spawn", "key", inv.Key())
			inv.emit(errorEvent(ErrAborted.Error()))
			return res, err
		}
		err = &SpawnError{Command: s.command, Err: err}
		slog.Error("Failed to spawn Gemini CLI", "key", inv.Key(), "error", err)
		inv.emit(errorEvent(err.Error()))
		return res, err
	}
	if terminal != nil {
		defer terminal.Close()
	}

	slog.Info("Gemini CLI started",
		"key", inv.Key(),
		"pid", cmd.Process.Pid,
		"workingDir", workingDir,
		"args", describeArgs(args),
		"interactive", !hasPrompt,
		"pty", usePTY)

	if req.SessionID != "" {
		if hasPrompt {
			s.addMessage(req.SessionID, agentsessions.RoleUser, req.Command)
		}
		inv.setHistoryLen(s.historyLen(req.SessionID))
	}

	stop := context.AfterFunc(ctx, func() {
		slog.Info("Context cancelled, terminating invocation", "key", inv.Key())
		_ = inv.Terminate()
	})
	defer stop()

	var acc streamfilter.Accumulator
	stderrTail := pty.NewTailBuffer(0)

	var g errgroup.Group
	g.Go(func() error {
		return pump(stdout, func(chunk []byte) {
			s.handleStdout(inv, string(chunk), &acc, req.Command, hasPrompt)
		})
	})
	if stderr != nil {
		g.Go(func() error {
			return pump(stderr, func(chunk []byte) {
				_, _ = stderrTail.Write(chunk)
				s.handleStderr(inv, string(chunk))
			})
		})
	}
	if perr := g.Wait(); perr != nil {
		slog.Warn("Error reading Gemini CLI output", "key", inv.Key(), "error", perr)
	}

	waitErr := cmd.Wait()
	inv.markExited()

	code := exitCode(cmd.ProcessState)
	if cmd.ProcessState == nil {
		slog.Error("Failed to wait for Gemini CLI", "key", inv.Key(), "error", waitErr)
	}

	res.SessionID = inv.SessionID()
	res.ExitCode = code
	res.Response = acc.String()
	if res.Response != "" && res.SessionID != "" {
		s.addResponse(inv, res.SessionID, res.Response)
	}

	if code == 0 {
		inv.setState(StateCompleted)
	} else {
		inv.setState(StateFailed)
		err = &ExitError{Code: code}
		if inv.isAborted() {
			err = fmt.Errorf("%w: %w", ErrAborted, err)
		}
		slog.Warn("Gemini CLI exited with error",
			"key", inv.Key(), "exitCode", code, "stderrTail", strings.TrimSpace(stderrTail.String()))
	}

	slog.Info("Gemini CLI finished",
		"key", inv.Key(),
		"sessionId", res.SessionID,
		"exitCode", code,
		"duration", s.now().Sub(inv.startedAt).Round(time.Millisecond))

	inv.emit(Event{Type: EventComplete, ExitCode: code, IsNewSession: res.IsNewSession})
	return res, err
}

// pump reads r until EOF, handing each chunk to fn as delivered.
func pump(r io.Reader, fn func([]byte)) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			fn(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (s *Supervisor) handleStdout(inv *Invocation, chunk string, acc *streamfilter.Accumulator, command string, hasPrompt bool) {
	filtered := s.filter.FilterStdout(chunk)
	if filtered == "" {
		return
	}

	inv.emitMu.Lock()
	defer inv.emitMu.Unlock()

	if inv.isAborted() {
		slog.Debug("Dropping output of aborted invocation", "key", inv.Key())
		return
	}

	if inv.SessionID() == "" {
		s.startSession(inv, command, hasPrompt)
	}
	if inv.State() == StateSpawned {
		inv.setState(StateStreaming)
	}

	acc.Add(filtered)
	sendLogged(inv.sink, inv.Key(), responseEvent(filtered))
}

// startSession mints the session of a sessionless turn on its first
// forwarded output. Callers hold inv.emitMu.
func (s *Supervisor) startSession(inv *Invocation, command string, hasPrompt bool) {
	var id string
	for attempt := 0; attempt < 3; attempt++ {
		id = s.ids.next()
		_, err := s.sessions.CreateSession(id, inv.workingDir)
		if err == nil {
			break
		}
		if !errors.Is(err, agentsessions.ErrDuplicateSession) {
			slog.Warn("Failed to create session", "sessionId", id, "error", err)
			break
		}
	}

	if hasPrompt {
		s.addMessage(id, agentsessions.RoleUser, command)
	}
	inv.setHistoryLen(s.historyLen(id))

	oldKey := inv.Key()
	if err := s.registry.Rekey(oldKey, id, inv); err != nil {
		slog.Warn("Failed to re-key invocation", "from", oldKey, "to", id, "error", err)
	} else {
		inv.mu.Lock()
		inv.key = id
		inv.mu.Unlock()
	}

	inv.mu.Lock()
	inv.sessionID = id
	inv.mu.Unlock()

	slog.Info("Session created", "sessionId", id, "workingDir", inv.workingDir)
	sendLogged(inv.sink, id, Event{Type: EventSessionCreated, SessionID: id})
}

func (s *Supervisor) handleStderr(inv *Invocation, chunk string) {
	if s.filter.ClassifyStderr(chunk) == streamfilter.Suppress {
		slog.Debug("Gemini CLI warning (suppressed)", "key", inv.Key(), "output", strings.TrimSpace(chunk))
		return
	}
	slog.Warn("Gemini CLI stderr", "key", inv.Key(), "output", strings.TrimSpace(chunk))
	inv.emit(errorEvent(chunk))
}

// recoverSession recreates a client-supplied session the store does not know,
// typically after a gateway restart, so the turn's history is kept from now on.
func (s *Supervisor) recoverSession(id, workingDir string) {
	if _, ok := s.sessions.Get(id); ok {
		return
	}
	if _, err := s.sessions.CreateSession(id, workingDir); err != nil {
		if !errors.Is(err, agentsessions.ErrDuplicateSession) {
			slog.Warn("Failed to recover session", "sessionId", id, "error", err)
		}
		return
	}
	slog.Info("Session recovered", "sessionId", id, "workingDir", workingDir)
}

// addResponse records the assistant reply of a finished turn. An aborted
// turn frees its session for the next one, so its partial reply is kept only
// while nothing has been appended to the session since.
func (s *Supervisor) addResponse(inv *Invocation, sessionID, content string) {
	if !inv.isAborted() {
		s.addMessage(sessionID, agentsessions.RoleAssistant, content)
		return
	}
	err := s.sessions.AddMessageAt(sessionID, inv.getHistoryLen(), agentsessions.RoleAssistant, content)
	switch {
	case errors.Is(err, agentsessions.ErrHistoryChanged):
		slog.Info("Dropped partial response of aborted turn, session has moved on", "sessionId", sessionID)
	case err != nil:
		slog.Warn("Dropped session message", "sessionId", sessionID, "role", agentsessions.RoleAssistant, "error", err)
	}
}

func (s *Supervisor) historyLen(sessionID string) int {
	msgs, err := s.sessions.Messages(sessionID)
	if err != nil {
		return -1
	}
	return len(msgs)
}

func (s *Supervisor) addMessage(sessionID string, role agentsessions.Role, content string) {
	if err := s.sessions.AddMessage(sessionID, role, content); err != nil {
		slog.Warn("Dropped session message", "sessionId", sessionID, "role", role, "error", err)
	}
}

func (s *Supervisor) record(inv *Invocation, res Result, model string, newSession bool, staged *attachments.Staged, runErr error) {
	if s.recorder == nil {
		return
	}

	rec := persistence.Invocation{
		Key:          inv.Key(),
		SessionID:    inv.SessionID(),
		WorkingDir:   inv.workingDir,
		State:        res.State.String(),
		ExitCode:     res.ExitCode,
		IsNewSession: res.IsNewSession,
		StartedAt:    inv.startedAt,
		FinishedAt:   s.now(),
	}
	if newSession {
		rec.Model = model
	}
	if staged != nil {
		rec.ImageCount = len(staged.Paths)
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}

	if err := s.recorder.RecordInvocation(rec); err != nil {
		slog.Warn("Failed to record invocation", "key", rec.Key, "error", err)
	}
}

// describeArgs renders args for logging with the prompt text elided.
func describeArgs(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i+1 < len(out); i++ {
		if out[i] == "--prompt" {
			out[i+1] = fmt.Sprintf("<%d bytes>", len(args[i+1]))
		}
	}
	return out
}
