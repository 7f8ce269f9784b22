// Package attachments materializes base64 data-URI image attachments as files
// inside an invocation's working directory, where the Gemini CLI (sandboxed
// to that tree) can read them by path.
package attachments

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

var dataURIPattern = regexp.MustCompile(`^data:([^;]+);base64,(.+)$`)

// Attachment is one image as sent by the client.
type Attachment struct {
	Data string `json:"data"`
}

// Stager creates per-invocation staging directories.
type Stager struct {
	// Dir is the staging root, relative to the invocation working directory.
	Dir string
	now func() time.Time
}

func NewStager(dir string) *Stager {
	if dir == "" {
		dir = filepath.Join(".tmp", "images")
	}
	return &Stager{Dir: dir, now: time.Now}
}

// Staged is the set of files written for one invocation. It must be released
// exactly once when the invocation ends, whatever the outcome.
type Staged struct {
	Dir   string
	Paths []string

	// created lists the directories Stage had to create, deepest first,
	// excluding Dir itself.
	created []string
	once    sync.Once
}

// Stage writes every well-formed attachment to <workingDir>/<Dir>/<ts>-<rand>/
// as image_<index>.<ext>. Malformed entries are logged and skipped. An error
// is returned only when the staging directory itself cannot be created.
func (s *Stager) Stage(workingDir string, attachments []Attachment) (*Staged, error) {
	root, err := filepath.Abs(filepath.Join(workingDir, s.Dir))
	if err != nil {
		return nil, fmt.Errorf("resolve staging root: %w", err)
	}

	created := missingDirs(root)
	prefix := strconv.FormatInt(s.now().UnixMilli(), 10) + "-"

	var dir string
	for attempt := 0; attempt < 2; attempt++ {
		// A concurrent Release may remove an empty root between MkdirAll
		// and MkdirTemp; one retry covers that window.
		if err = os.MkdirAll(root, 0o755); err != nil {
			continue
		}
		if dir, err = os.MkdirTemp(root, prefix); err == nil {
			break
		}
	}
	if err != nil {
		removeEmpty(created)
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	staged := &Staged{Dir: dir, created: created}
	var total uint64
	for index, att := range attachments {
		data, ext, err := decodeDataURI(att.Data)
		if err != nil {
			slog.Warn("Skipping invalid image attachment", "index", index, "error", err)
			continue
		}

		path := filepath.Join(dir, fmt.Sprintf("image_%d.%s", index, ext))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			slog.Warn("Failed to write image attachment", "index", index, "path", path, "error", err)
			continue
		}
		staged.Paths = append(staged.Paths, path)
		total += uint64(len(data))
	}

	slog.Info("Staged image attachments",
		"dir", dir,
		"count", len(staged.Paths),
		"skipped", len(attachments)-len(staged.Paths),
		"size", humanize.Bytes(total))
	return staged, nil
}

// Release deletes the staged files, the staging directory, and any parent
// directories Stage created that are now empty. Files that are already gone
// are not an error. Only the first call has any effect.
func (st *Staged) Release() {
	if st == nil {
		return
	}
	st.once.Do(func() {
		for _, p := range st.Paths {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				slog.Warn("Failed to delete staged image", "path", p, "error", err)
			}
		}
		if err := os.RemoveAll(st.Dir); err != nil {
			slog.Warn("Failed to delete staging directory", "dir", st.Dir, "error", err)
		}
		removeEmpty(st.created)
	})
}

// ReferenceBlock renders the note appended to the prompt so the agent can
// locate the staged files with its own file-reading tools.
func ReferenceBlock(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\n\n[Attached %d image(s), saved at the following paths:]", len(paths))
	for i, p := range paths {
		fmt.Fprintf(&b, "\n%d. %s", i+1, p)
	}
	return b.String()
}

func decodeDataURI(uri string) ([]byte, string, error) {
	matches := dataURIPattern.FindStringSubmatch(uri)
	if matches == nil {
		return nil, "", fmt.Errorf("not a base64 data URI")
	}
	mimeType, payload := matches[1], matches[2]

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode base64 payload: %w", err)
	}
	return data, extensionFor(mimeType), nil
}

// extensionFor derives the file extension from the MIME subtype, defaulting
// to png. Characters that are unsafe in a file name are stripped.
func extensionFor(mimeType string) string {
	_, subtype, ok := strings.Cut(mimeType, "/")
	if !ok {
		return "png"
	}
	subtype = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '+', r == '-', r == '.':
			return r
		}
		return -1
	}, subtype)
	subtype = strings.Trim(subtype, ".")
	if subtype == "" {
		return "png"
	}
	return subtype
}

// missingDirs returns the ancestors of dir (dir included) that do not exist
// yet, deepest first.
func missingDirs(dir string) []string {
	var missing []string
	for d := dir; ; {
		if _, err := os.Stat(d); err == nil {
			break
		}
		missing = append(missing, d)
		parent := filepath.Dir(d)
		if parent == d {
			break
		}
		d = parent
	}
	return missing
}

func removeEmpty(dirs []string) {
	for _, d := range dirs {
		// os.Remove fails on non-empty directories, so a root still holding
		// another invocation's files stays in place.
		if err := os.Remove(d); err != nil && !errors.Is(err, os.ErrNotExist) {
			return
		}
	}
}
