// Package streamfilter separates meaningful Gemini CLI output from the
// diagnostic noise the CLI writes to the same streams.
//
// Noise detection is data-driven: a Filter holds a list of Rules, each naming
// a marker substring, the stream it applies to, and what happens to matching
// output. Callers extend the defaults without touching any control flow.
package streamfilter

import (
	"strings"
	"sync"
)

// Stream identifies which standard stream a rule applies to.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// Action is the outcome for output matching a rule.
type Action int

const (
	// Forward passes the output on to the caller.
	Forward Action = iota
	// Drop removes a stdout line from the forwarded text.
	Drop
	// Suppress keeps a stderr chunk away from the caller; it is still
	// logged locally.
	Suppress
)

func (a Action) String() string {
	switch a {
	case Drop:
		return "drop"
	case Suppress:
		return "suppress"
	default:
		return "forward"
	}
}

// Rule matches output containing Marker on the given stream.
type Rule struct {
	Marker string
	Stream Stream
	Action Action
}

// DefaultRules are the debug traces, telemetry flush notices and discovery
// logs the Gemini CLI prints on stdout, plus the Node.js deprecation warnings
// it prints on stderr.
var DefaultRules = []Rule{
	{Marker: "[DEBUG]", Stream: Stdout, Action: Drop},
	{Marker: "Flushing log events", Stream: Stdout, Action: Drop},
	{Marker: "Clearcut response", Stream: Stdout, Action: Drop},
	{Marker: "[MemoryDiscovery]", Stream: Stdout, Action: Drop},
	{Marker: "[BfsFileSearch]", Stream: Stdout, Action: Drop},
	{Marker: "[DEP0040]", Stream: Stderr, Action: Suppress},
	{Marker: "DeprecationWarning", Stream: Stderr, Action: Suppress},
	{Marker: "--trace-deprecation", Stream: Stderr, Action: Suppress},
}

// Filter applies a fixed rule set. It is immutable and safe for concurrent use.
type Filter struct {
	stdout []string
	stderr []string
}

// New builds a filter from rules. Rules with an empty marker are ignored.
func New(rules []Rule) *Filter {
	f := &Filter{}
	for _, r := range rules {
		if r.Marker == "" {
			continue
		}
		switch {
		case r.Stream == Stdout && r.Action == Drop:
			f.stdout = append(f.stdout, r.Marker)
		case r.Stream == Stderr && r.Action == Suppress:
			f.stderr = append(f.stderr, r.Marker)
		}
	}
	return f
}

// NewDefault builds a filter from DefaultRules plus extra stdout markers to
// drop and extra stderr markers to suppress.
func NewDefault(extraStdout, extraStderr []string) *Filter {
	rules := make([]Rule, 0, len(DefaultRules)+len(extraStdout)+len(extraStderr))
	rules = append(rules, DefaultRules...)
	for _, m := range extraStdout {
		rules = append(rules, Rule{Marker: m, Stream: Stdout, Action: Drop})
	}
	for _, m := range extraStderr {
		rules = append(rules, Rule{Marker: m, Stream: Stderr, Action: Suppress})
	}
	return New(rules)
}

// FilterStdout splits a raw stdout chunk into lines, removes lines matching a
// drop rule, and returns the rejoined, trimmed remainder. An empty result
// means nothing in the chunk should reach the caller.
func (f *Filter) FilterStdout(chunk string) string {
	lines := strings.Split(chunk, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if containsAny(line, f.stdout) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// ClassifyStderr reports whether a stderr chunk should be forwarded to the
// caller or suppressed.
func (f *Filter) ClassifyStderr(chunk string) Action {
	if containsAny(chunk, f.stderr) {
		return Suppress
	}
	return Forward
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// Accumulator collects the forwarded chunks of one invocation into the full
// response, newline-joined.
type Accumulator struct {
	mu    sync.Mutex
	b     strings.Builder
	parts int
}

func (a *Accumulator) Add(chunk string) {
	if chunk == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.parts > 0 {
		a.b.WriteByte('\n')
	}
	a.b.WriteString(chunk)
	a.parts++
}

func (a *Accumulator) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.b.String()
}

// Len returns the number of chunks accumulated.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.parts
}
