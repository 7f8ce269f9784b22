// Package mcpconfig decides whether the Gemini CLI should be pointed at an MCP
// server configuration for a given working directory.
package mcpconfig

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/jsonc"
)

// DefaultProjectsKey is the top-level key holding per-directory settings.
const DefaultProjectsKey = "geminiProjects"

// document is the subset of the config file the detector cares about. Each
// section is decoded on its own, so a section of the wrong shape counts as
// having no servers without hiding the others.
type document struct {
	MCPServers map[string]json.RawMessage
	Projects   map[string]json.RawMessage
}

// Detector reads the MCP config document. Without Watch every query re-reads
// the file; with Watch the parsed document is cached until the file changes.
type Detector struct {
	path        string
	projectsKey string

	mu      sync.Mutex
	cached  *document
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewDetector(path, projectsKey string) *Detector {
	if projectsKey == "" {
		projectsKey = DefaultProjectsKey
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &Detector{path: path, projectsKey: projectsKey}
}

// Path is the absolute path passed to the CLI as --mcp-config.
func (d *Detector) Path() string {
	return d.path
}

// HasServers reports whether MCP servers are configured globally or for
// workingDir. Any failure to read or parse the document means no servers.
func (d *Detector) HasServers(workingDir string) bool {
	doc := d.load()
	if doc == nil {
		return false
	}
	if len(doc.MCPServers) > 0 {
		return true
	}
	if workingDir == "" {
		return false
	}
	project, ok := doc.Projects[workingDir]
	if !ok {
		project, ok = doc.Projects[filepath.Clean(workingDir)]
	}
	if !ok {
		return false
	}
	return len(projectServers(project)) > 0
}

// projectServers decodes the mcpServers of one project entry. Entries of an
// unexpected shape have no servers.
func projectServers(raw json.RawMessage) map[string]json.RawMessage {
	var settings map[string]json.RawMessage
	if err := json.Unmarshal(raw, &settings); err != nil {
		slog.Debug("Ignoring malformed MCP project entry", "error", err)
		return nil
	}
	return decodeServers(settings["mcpServers"], "project mcpServers")
}

func decodeServers(raw json.RawMessage, section string) map[string]json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var servers map[string]json.RawMessage
	if err := json.Unmarshal(raw, &servers); err != nil {
		slog.Debug("Ignoring malformed MCP config section", "section", section, "error", err)
		return nil
	}
	return servers
}

func (d *Detector) load() *document {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.watcher != nil && d.cached != nil {
		return d.cached
	}

	doc, err := d.read()
	if err != nil {
		slog.Debug("MCP config not usable", "path", d.path, "error", err)
		doc = &document{}
	}
	if d.watcher != nil {
		d.cached = doc
	}
	return doc
}

func (d *Detector) read() (*document, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", d.path, err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(jsonc.ToJSON(data), &top); err != nil {
		return nil, fmt.Errorf("parse %s: %w", d.path, err)
	}

	doc := &document{MCPServers: decodeServers(top["mcpServers"], "mcpServers")}
	if raw, ok := top[d.projectsKey]; ok {
		if err := json.Unmarshal(raw, &doc.Projects); err != nil {
			slog.Debug("Ignoring malformed MCP config section", "section", d.projectsKey, "error", err)
			doc.Projects = nil
		}
	}
	return doc, nil
}

// Watch starts caching the parsed document and invalidates the cache whenever
// the file is written, created, renamed or removed. The parent directory is
// watched so editors that replace the file by rename are seen too.
func (d *Detector) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(d.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(d.path), err)
	}

	d.mu.Lock()
	if d.watcher != nil {
		d.mu.Unlock()
		w.Close()
		return nil
	}
	d.watcher = w
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.watchLoop(w, d.done)
	slog.Info("Watching MCP config", "path", d.path)
	return nil
}

func (d *Detector) watchLoop(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != d.path {
				continue
			}
			d.mu.Lock()
			d.cached = nil
			d.mu.Unlock()
			slog.Debug("MCP config changed", "path", d.path, "op", ev.Op.String())
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Warn("MCP config watcher error", "error", err)
			d.mu.Lock()
			d.cached = nil
			d.mu.Unlock()
		}
	}
}

// Close stops the watcher, if any. Subsequent queries re-read the file.
func (d *Detector) Close() error {
	d.mu.Lock()
	w, done := d.watcher, d.done
	d.watcher, d.done, d.cached = nil, nil, nil
	d.mu.Unlock()

	if w == nil {
		return nil
	}
	err := w.Close()
	<-done
	return err
}
