package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/codeswarm/swarm/internal/filelock"
	swarmerrors "github.com/codeswarm/swarm/internal/errors"
)

// resolveInRoot resolves a project-relative path and rejects anything whose
// cleaned path lies outside rootDir, such as ".." traversal. The check is
// lexical: symlinks are not resolved, so a symlink inside rootDir that
// points elsewhere is followed.
func resolveInRoot(rootDir, rel string) (string, error) {
	cleaned := filepath.Clean(filepath.Join(rootDir, rel))
	absRoot, err := filepath.Abs(rootDir)
	if err != nil {
		return "", err
	}
	absCleaned, err := filepath.Abs(cleaned)
	if err != nil {
		return "", err
	}
	if absCleaned != absRoot && !strings.HasPrefix(absCleaned, absRoot+string(filepath.Separator)) {
		return "", swarmerrors.ErrPathEscape
	}
	return absCleaned, nil
}

func argString(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ReadFileTool reads one file's contents relative to the project root.
type ReadFileTool struct {
	RootDir string
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file relative to the project root." }
func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string", "description": "project-relative file path"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	rel, ok := argString(args, "path")
	if !ok {
		return "", fmt.Errorf("read_file: missing path argument")
	}
	abs, err := resolveInRoot(t.RootDir, rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}
	return string(data), nil
}

// WriteFileTool writes (overwriting) a file's full contents, taking the
// file lock for its duration. The write-notification sink is read from the
// call's context (see WithOnWrite) rather than a struct field, since one
// Registry/tool instance is shared across every concurrently-dispatched
// worker.
type WriteFileTool struct {
	RootDir string
	Locker  *filelock.Locker
	Holder  string
}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write (overwrite) a file's full contents relative to the project root." }
func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    map[string]interface{}{"type": "string"},
			"content": map[string]interface{}{"type": "string"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	rel, ok := argString(args, "path")
	if !ok {
		return "", fmt.Errorf("write_file: missing path argument")
	}
	content, _ := argString(args, "content")

	abs, err := resolveInRoot(t.RootDir, rel)
	if err != nil {
		return "", err
	}

	t.Locker.Acquire(abs, t.Holder)
	defer t.Locker.Release(abs, t.Holder)

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("write_file: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write_file: %w", err)
	}
	if onWrite := onWriteFromContext(ctx); onWrite != nil {
		onWrite(rel)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), rel), nil
}

// PatchFileTool replaces the first occurrence of a substring within a file,
// taking the file lock for its duration. Like WriteFileTool, the
// write-notification sink comes from the call's context, not a field.
type PatchFileTool struct {
	RootDir string
	Locker  *filelock.Locker
	Holder  string
}

func (t *PatchFileTool) Name() string { return "patch_file" }
func (t *PatchFileTool) Description() string {
	return "Replace the first occurrence of a string in a file relative to the project root."
}
func (t *PatchFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    map[string]interface{}{"type": "string"},
			"find":    map[string]interface{}{"type": "string"},
			"replace": map[string]interface{}{"type": "string"},
		},
		"required": []string{"path", "find", "replace"},
	}
}

func (t *PatchFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	rel, ok := argString(args, "path")
	if !ok {
		return "", fmt.Errorf("patch_file: missing path argument")
	}
	find, _ := argString(args, "find")
	replace, _ := argString(args, "replace")

	abs, err := resolveInRoot(t.RootDir, rel)
	if err != nil {
		return "", err
	}

	t.Locker.Acquire(abs, t.Holder)
	defer t.Locker.Release(abs, t.Holder)

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("patch_file: %w", err)
	}
	original := string(data)
	idx := strings.Index(original, find)
	if idx == -1 {
		return "", fmt.Errorf("patch_file: pattern not found in %s", rel)
	}
	patched := original[:idx] + replace + original[idx+len(find):]
	if err := os.WriteFile(abs, []byte(patched), 0o644); err != nil {
		return "", fmt.Errorf("patch_file: %w", err)
	}
	if onWrite := onWriteFromContext(ctx); onWrite != nil {
		onWrite(rel)
	}
	return fmt.Sprintf("patched %s", rel), nil
}

// ListDirectoryTool lists one directory's entries.
type ListDirectoryTool struct {
	RootDir string
}

func (t *ListDirectoryTool) Name() string        { return "list_directory" }
func (t *ListDirectoryTool) Description() string { return "List the entries of a directory relative to the project root." }
func (t *ListDirectoryTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string"},
		},
	}
}

func (t *ListDirectoryTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	rel, _ := argString(args, "path")
	abs, err := resolveInRoot(t.RootDir, rel)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", fmt.Errorf("list_directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

// GlobFilesTool returns project-relative paths matching a glob pattern.
type GlobFilesTool struct {
	RootDir string
}

func (t *GlobFilesTool) Name() string        { return "glob_files" }
func (t *GlobFilesTool) Description() string { return "Find files matching a glob pattern relative to the project root." }
func (t *GlobFilesTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pattern": map[string]interface{}{"type": "string"},
		},
		"required": []string{"pattern"},
	}
}

func (t *GlobFilesTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	pattern, ok := argString(args, "pattern")
	if !ok {
		return "", fmt.Errorf("glob_files: missing pattern argument")
	}
	absRoot, err := filepath.Abs(t.RootDir)
	if err != nil {
		return "", err
	}
	matches, err := filepath.Glob(filepath.Join(absRoot, pattern))
	if err != nil {
		return "", fmt.Errorf("glob_files: %w", err)
	}
	rels := make([]string, 0, len(matches))
	for _, m := range matches {
		rel, err := filepath.Rel(absRoot, m)
		if err != nil {
			continue
		}
		if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	return strings.Join(rels, "\n"), nil
}

// SearchFilesTool does a plain substring search across files under the
// project root, returning matching "path:line: text" entries.
type SearchFilesTool struct {
	RootDir string
}

func (t *SearchFilesTool) Name() string        { return "search_files" }
func (t *SearchFilesTool) Description() string { return "Search for a substring across files under the project root." }
func (t *SearchFilesTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{"type": "string"},
		},
		"required": []string{"query"},
	}
}

func (t *SearchFilesTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	query, ok := argString(args, "query")
	if !ok {
		return "", fmt.Errorf("search_files: missing query argument")
	}
	absRoot, err := filepath.Abs(t.RootDir)
	if err != nil {
		return "", err
	}

	var results []string
	err = filepath.Walk(absRoot, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil || info.IsDir() {
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, query) {
				rel, _ := filepath.Rel(absRoot, path)
				results = append(results, fmt.Sprintf("%s:%d: %s", rel, i+1, strings.TrimSpace(line)))
				if len(results) >= 200 {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("search_files: %w", err)
	}
	if len(results) == 0 {
		return "(no matches)", nil
	}
	return strings.Join(results, "\n"), nil
}
