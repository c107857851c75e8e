package worker

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/codeswarm/swarm/internal/bus"
	"github.com/codeswarm/swarm/internal/filelock"
	"github.com/codeswarm/swarm/internal/llm"
	"github.com/codeswarm/swarm/internal/task"
	"github.com/codeswarm/swarm/internal/tools"
)

// scriptedTransport replays a fixed sequence of responses, one per call to
// ChatCompletionStream, so the tool-calling loop can be driven deterministically.
type scriptedTransport struct {
	responses []llm.Response
	errs      []error
	calls     int
	deltas    []string
}

func (s *scriptedTransport) ChatCompletionStream(ctx context.Context, req llm.Request, onDelta func(llm.StreamDelta)) (*llm.Response, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	resp := s.responses[i]
	if onDelta != nil && resp.Message.Content != "" {
		onDelta(llm.StreamDelta{ContentDelta: resp.Message.Content})
	}
	return &resp, nil
}

func newRegistry(t *testing.T, dir string) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	locker := filelock.New()
	if err := reg.Register(&tools.WriteFileTool{RootDir: dir, Locker: locker, Holder: "worker-0"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(&tools.ReadFileTool{RootDir: dir}); err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestRunReturnsCompletedWhenNoToolCallsRequested(t *testing.T) {
	dir := t.TempDir()
	transport := &scriptedTransport{
		responses: []llm.Response{{Message: llm.Message{Content: "all done"}}},
	}
	cfg := Config{
		WorkerIndex: 0,
		RootDir:     dir,
		Model:       "test-model",
		Transport:   transport,
		Tools:       newRegistry(t, dir),
		Bus:         bus.New(),
	}
	in := Input{Subtask: &task.Subtask{ID: "s1", Title: "write a file", Description: "do it"}}

	result := Run(context.Background(), cfg, in)
	if result.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s (err=%v)", result.Status, result.Err)
	}
	if result.Summary != "all done" {
		t.Fatalf("unexpected summary: %q", result.Summary)
	}
	if transport.calls != 1 {
		t.Fatalf("expected exactly one transport call, got %d", transport.calls)
	}
}

func TestRunExecutesToolCallThenCompletes(t *testing.T) {
	dir := t.TempDir()
	transport := &scriptedTransport{
		responses: []llm.Response{
			{Message: llm.Message{ToolCalls: []llm.ToolCall{
				{ID: "call-1", Name: "write_file", Arguments: `{"path":"out.go","content":"package main\n"}`},
			}}},
			{Message: llm.Message{Content: "wrote out.go"}},
		},
	}
	cfg := Config{
		WorkerIndex: 0,
		RootDir:     dir,
		Model:       "test-model",
		Transport:   transport,
		Tools:       newRegistry(t, dir),
		Bus:         bus.New(),
	}
	in := Input{Subtask: &task.Subtask{ID: "s1", Title: "write a file", Description: "do it"}}

	result := Run(context.Background(), cfg, in)
	if result.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s (err=%v)", result.Status, result.Err)
	}
	if len(result.Artifacts) != 1 || result.Artifacts[0] != "out.go" {
		t.Fatalf("expected artifact out.go, got %v", result.Artifacts)
	}
	if transport.calls != 2 {
		t.Fatalf("expected two transport calls, got %d", transport.calls)
	}
}

func TestRunFailsWhenLLMCallErrors(t *testing.T) {
	dir := t.TempDir()
	transport := &scriptedTransport{
		errs:      []error{errors.New("boom")},
		responses: []llm.Response{{}},
	}
	cfg := Config{
		WorkerIndex: 0,
		RootDir:     dir,
		Model:       "test-model",
		Transport:   transport,
		Tools:       newRegistry(t, dir),
	}
	in := Input{Subtask: &task.Subtask{ID: "s1", Title: "x", Description: "y"}}

	result := Run(context.Background(), cfg, in)
	if result.Status != task.StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.Err == nil {
		t.Fatal("expected a non-nil error")
	}
}

func TestRunExhaustsMaxToolLoops(t *testing.T) {
	dir := t.TempDir()
	resp := llm.Response{Message: llm.Message{ToolCalls: []llm.ToolCall{
		{ID: "call-1", Name: "read_file", Arguments: `{"path":"missing.go"}`},
	}}}
	transport := &scriptedTransport{responses: []llm.Response{resp, resp, resp}}
	cfg := Config{
		WorkerIndex:  0,
		RootDir:      dir,
		Model:        "test-model",
		MaxToolLoops: 3,
		Transport:    transport,
		Tools:        newRegistry(t, dir),
	}
	in := Input{Subtask: &task.Subtask{ID: "s1", Title: "x", Description: "y"}}

	result := Run(context.Background(), cfg, in)
	if result.Status != task.StatusFailed {
		t.Fatalf("expected failed on loop exhaustion, got %s", result.Status)
	}
	if transport.calls != 3 {
		t.Fatalf("expected exactly MaxToolLoops calls, got %d", transport.calls)
	}
}

func TestExecuteToolWithRetrySucceedsOnSecondAttempt(t *testing.T) {
	dir := t.TempDir()
	reg := tools.NewRegistry()
	if err := reg.Register(&flakyTool{failuresLeft: 1}); err != nil {
		t.Fatal(err)
	}
	out, err := executeToolWithRetry(context.Background(), reg, llm.ToolCall{Name: "flaky", Arguments: "{}"})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if out != "ok" {
		t.Fatalf("unexpected output: %q", out)
	}
}

type flakyTool struct {
	failuresLeft int
}

func (f *flakyTool) Name() string                                { return "flaky" }
func (f *flakyTool) Description() string                         { return "fails once then succeeds" }
func (f *flakyTool) Parameters() map[string]interface{}          { return map[string]interface{}{} }
func (f *flakyTool) Execute(context.Context, map[string]interface{}) (string, error) {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return "", errors.New("transient failure")
	}
	return "ok", nil
}

func TestParseArgumentsEmptyStringYieldsEmptyMap(t *testing.T) {
	args, err := parseArguments("")
	if err != nil {
		t.Fatal(err)
	}
	if len(args) != 0 {
		t.Fatalf("expected empty map, got %v", args)
	}
}

func TestParseArgumentsInvalidJSONErrors(t *testing.T) {
	if _, err := parseArguments("{not json"); err == nil {
		t.Fatal("expected an error for invalid JSON arguments")
	}
}

func TestBuildInitialMessagesIncludesFeedbackAndTree(t *testing.T) {
	cfg := Config{WorkerIndex: 2, RootDir: "/proj", ProjectTree: "main.go\n"}
	in := Input{
		Subtask:          &task.Subtask{Title: "fix bug", Description: "see above", Feedback: "tests still fail"},
		SiblingSummaries: "- other subtask: done",
	}
	msgs := buildInitialMessages(cfg, in)
	if len(msgs) != 2 {
		t.Fatalf("expected system+user messages, got %d", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Fatalf("unexpected roles: %+v", msgs)
	}
	user := msgs[1].Content
	for _, want := range []string{"fix bug", "tests still fail", "main.go", "other subtask"} {
		if !strings.Contains(user, want) {
			t.Fatalf("expected user message to contain %q, got %q", want, user)
		}
	}
}
