package mcpconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestHasServers(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		workingDir string
		want       bool
	}{
		{
			name: "global servers",
			body: `{"mcpServers": {"fs": {"command": "mcp-fs"}}}`,
			want: true,
		},
		{
			name: "empty global servers",
			body: `{"mcpServers": {}}`,
			want: false,
		},
		{
			name:       "project servers for working dir",
			body:       `{"geminiProjects": {"/work/app": {"mcpServers": {"db": {}}}}}`,
			workingDir: "/work/app",
			want:       true,
		},
		{
			name:       "project servers for other dir",
			body:       `{"geminiProjects": {"/work/other": {"mcpServers": {"db": {}}}}}`,
			workingDir: "/work/app",
			want:       false,
		},
		{
			name:       "working dir with trailing slash",
			body:       `{"geminiProjects": {"/work/app": {"mcpServers": {"db": {}}}}}`,
			workingDir: "/work/app/",
			want:       true,
		},
		{
			name: "comments and trailing commas",
			body: "{\n  // servers\n  \"mcpServers\": {\"fs\": {},},\n}",
			want: true,
		},
		{
			name: "malformed document",
			body: `{"mcpServers": `,
			want: false,
		},
		{
			name: "wrong type",
			body: `{"mcpServers": ["fs"]}`,
			want: false,
		},
		{
			name:       "global servers with array-valued project servers elsewhere",
			body:       `{"mcpServers": {"fs": {"command": "mcp-fs"}}, "geminiProjects": {"/other": {"mcpServers": []}}}`,
			workingDir: "/w",
			want:       true,
		},
		{
			name:       "global servers with non-object project entry",
			body:       `{"mcpServers": {"fs": {}}, "geminiProjects": {"/other": "oops"}}`,
			workingDir: "/w",
			want:       true,
		},
		{
			name:       "global servers with non-object projects section",
			body:       `{"mcpServers": {"fs": {}}, "geminiProjects": 42}`,
			workingDir: "/w",
			want:       true,
		},
		{
			name:       "malformed global with project servers",
			body:       `{"mcpServers": ["fs"], "geminiProjects": {"/w": {"mcpServers": {"db": {}}}}}`,
			workingDir: "/w",
			want:       true,
		},
		{
			name:       "malformed project for working dir",
			body:       `{"geminiProjects": {"/w": {"mcpServers": "db"}}}`,
			workingDir: "/w",
			want:       false,
		},
		{
			name:       "malformed sibling project does not hide working dir",
			body:       `{"geminiProjects": {"/other": [], "/w": {"mcpServers": {"db": {}}}}}`,
			workingDir: "/w",
			want:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "gemini.json")
			writeConfig(t, path, tt.body)

			d := NewDetector(path, "")
			if got := d.HasServers(tt.workingDir); got != tt.want {
				t.Fatalf("HasServers(%q) = %v, want %v", tt.workingDir, got, tt.want)
			}
		})
	}
}

func TestHasServersMissingFile(t *testing.T) {
	d := NewDetector(filepath.Join(t.TempDir(), "absent.json"), "")
	if d.HasServers("/anywhere") {
		t.Fatal("missing file should mean no servers")
	}
}

func TestCustomProjectsKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gemini.json")
	writeConfig(t, path, `{"projects": {"/w": {"mcpServers": {"x": {}}}}}`)

	if NewDetector(path, "").HasServers("/w") {
		t.Fatal("default key should not match a custom document layout")
	}
	if !NewDetector(path, "projects").HasServers("/w") {
		t.Fatal("custom key should be honoured")
	}
}

func TestUnwatchedRereadsEveryCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gemini.json")
	writeConfig(t, path, `{}`)
	d := NewDetector(path, "")

	if d.HasServers("") {
		t.Fatal("expected no servers")
	}
	writeConfig(t, path, `{"mcpServers": {"fs": {}}}`)
	if !d.HasServers("") {
		t.Fatal("change should be visible immediately without a watcher")
	}
}

func TestWatchInvalidatesCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gemini.json")
	writeConfig(t, path, `{"mcpServers": {"fs": {}}}`)

	d := NewDetector(path, "")
	if err := d.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer d.Close()

	if !d.HasServers("") {
		t.Fatal("expected servers")
	}

	writeConfig(t, path, `{"mcpServers": {}}`)

	deadline := time.Now().Add(5 * time.Second)
	for d.HasServers("") {
		if time.Now().After(deadline) {
			t.Fatal("cache was not invalidated after the file changed")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, path, `{"mcpServers": {"again": {}}}`)
	deadline = time.Now().Add(5 * time.Second)
	for !d.HasServers("") {
		if time.Now().After(deadline) {
			t.Fatal("recreated file was not picked up")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCloseWithoutWatch(t *testing.T) {
	d := NewDetector(filepath.Join(t.TempDir(), "x.json"), "")
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestPathIsAbsolute(t *testing.T) {
	d := NewDetector("relative.json", "")
	if !filepath.IsAbs(d.Path()) {
		t.Fatalf("Path() = %q, want absolute", d.Path())
	}
}
