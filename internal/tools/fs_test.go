package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/codeswarm/swarm/internal/filelock"
)

func TestResolveInRootRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	if _, err := resolveInRoot(dir, "../../etc/passwd"); err == nil {
		t.Fatal("expected path traversal to be rejected")
	}
}

func TestResolveInRootAllowsNestedPath(t *testing.T) {
	dir := t.TempDir()
	abs, err := resolveInRoot(dir, "src/main.go")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dir, "src", "main.go")
	if abs != want {
		t.Fatalf("expected %s, got %s", want, abs)
	}
}

func TestWriteThenReadFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	locker := filelock.New()

	write := &WriteFileTool{RootDir: dir, Locker: locker, Holder: "worker-0"}
	if _, err := write.Execute(context.Background(), map[string]interface{}{"path": "a.go", "content": "package main\n"}); err != nil {
		t.Fatal(err)
	}

	read := &ReadFileTool{RootDir: dir}
	content, err := read.Execute(context.Background(), map[string]interface{}{"path": "a.go"})
	if err != nil {
		t.Fatal(err)
	}
	if content != "package main\n" {
		t.Fatalf("unexpected content: %q", content)
	}
}

func TestWriteFileNotifiesOnWriteFromContext(t *testing.T) {
	dir := t.TempDir()
	locker := filelock.New()

	var notified []string
	ctx := WithOnWrite(context.Background(), func(path string) {
		notified = append(notified, path)
	})

	write := &WriteFileTool{RootDir: dir, Locker: locker, Holder: "worker-0"}
	if _, err := write.Execute(ctx, map[string]interface{}{"path": "a.go", "content": "package main\n"}); err != nil {
		t.Fatal(err)
	}

	if len(notified) != 1 || notified[0] != "a.go" {
		t.Fatalf("expected a single notification for a.go, got %v", notified)
	}

	// A call made through a context with no sink attached must not panic.
	if _, err := write.Execute(context.Background(), map[string]interface{}{"path": "b.go", "content": "package main\n"}); err != nil {
		t.Fatal(err)
	}
}

func TestPatchFileReplacesFirstOccurrence(t *testing.T) {
	dir := t.TempDir()
	locker := filelock.New()
	if err := os.WriteFile(filepath.Join(dir, "a.go"), []byte("foo bar foo"), 0o644); err != nil {
		t.Fatal(err)
	}

	patch := &PatchFileTool{RootDir: dir, Locker: locker, Holder: "worker-0"}
	if _, err := patch.Execute(context.Background(), map[string]interface{}{"path": "a.go", "find": "foo", "replace": "baz"}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "a.go"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "baz bar foo" {
		t.Fatalf("expected only first occurrence replaced, got %q", data)
	}
}

func TestListDirectorySortsEntries(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.go", "a.go"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(""), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	list := &ListDirectoryTool{RootDir: dir}
	out, err := list.Execute(context.Background(), map[string]interface{}{})
	if err != nil {
		t.Fatal(err)
	}
	if out != "a.go\nb.go" {
		t.Fatalf("expected sorted entries, got %q", out)
	}
}

func TestSearchFilesFindsMatches(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.go"), []byte("func main() {}\n// TODO: fix this\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	search := &SearchFilesTool{RootDir: dir}
	out, err := search.Execute(context.Background(), map[string]interface{}{"query": "TODO"})
	if err != nil {
		t.Fatal(err)
	}
	if out == "(no matches)" {
		t.Fatal("expected a match for TODO")
	}
}

func TestExecuteCommandRejectsNonAllowListed(t *testing.T) {
	dir := t.TempDir()
	exec := &ExecuteCommandTool{RootDir: dir, AllowedCommands: []string{"go"}}
	if _, err := exec.Execute(context.Background(), map[string]interface{}{"command": "rm"}); err == nil {
		t.Fatal("expected non-allow-listed command to be rejected")
	}
}

func TestExecuteCommandRejectsMetacharacters(t *testing.T) {
	dir := t.TempDir()
	exec := &ExecuteCommandTool{RootDir: dir, AllowedCommands: []string{"echo"}}
	if _, err := exec.Execute(context.Background(), map[string]interface{}{"command": "echo", "args": []interface{}{"a; rm -rf /"}}); err == nil {
		t.Fatal("expected metacharacter-bearing argument to be rejected")
	}
}

func TestExecuteCommandRunsAllowListed(t *testing.T) {
	dir := t.TempDir()
	exec := &ExecuteCommandTool{RootDir: dir, AllowedCommands: []string{"echo"}}
	out, err := exec.Execute(context.Background(), map[string]interface{}{"command": "echo", "args": []interface{}{"hello"}})
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello\n" {
		t.Fatalf("unexpected output: %q", out)
	}
}
