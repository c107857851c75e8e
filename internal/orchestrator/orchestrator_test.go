package orchestrator

import (
	"context"
	"testing"

	"github.com/codeswarm/swarm/internal/bus"
	"github.com/codeswarm/swarm/internal/llm"
	"github.com/codeswarm/swarm/internal/project"
	"github.com/codeswarm/swarm/internal/resilience"
	"github.com/codeswarm/swarm/internal/salvage"
	"github.com/codeswarm/swarm/internal/task"
	"github.com/codeswarm/swarm/internal/tools"
	"github.com/codeswarm/swarm/internal/worker"
)

// scriptedTransport replays one reply string per ChatCompletion call.
type scriptedTransport struct {
	replies []string
	calls   int
}

func (s *scriptedTransport) ChatCompletion(ctx context.Context, req llm.Request) (*llm.Response, error) {
	i := s.calls
	s.calls++
	if i >= len(s.replies) {
		return &llm.Response{Message: llm.Message{Content: s.replies[len(s.replies)-1]}}, nil
	}
	return &llm.Response{Message: llm.Message{Content: s.replies[i]}}, nil
}

// stubWorkerTransport completes immediately with no tool calls, so the
// dispatch/review loop advances without any real tool execution.
type stubWorkerTransport struct {
	summary string
}

func (s *stubWorkerTransport) ChatCompletionStream(ctx context.Context, req llm.Request, onDelta func(llm.StreamDelta)) (*llm.Response, error) {
	return &llm.Response{Message: llm.Message{Content: s.summary}}, nil
}

func newTestOrchestrator(t *testing.T, transport *scriptedTransport) *Orchestrator {
	t.Helper()
	dir := t.TempDir()
	return New(Config{
		RootDir:         dir,
		TaskDescription: "build a thing",
		Model:           "test-model",
		Transport:       transport,
		Tools:           tools.NewRegistry(),
		Bus:             bus.New(),
		NewWorkerTransport: func(limiter *resilience.Limiter) worker.Transport {
			return &stubWorkerTransport{summary: "done"}
		},
	})
}

func TestPlanSeedsSubtasksFromJSONPlan(t *testing.T) {
	transport := &scriptedTransport{replies: []string{
		`{"subtasks": [{"title": "write main.go", "description": "entry point", "dependencies": []}]}`,
	}}
	o := newTestOrchestrator(t, transport)

	if err := o.plan(context.Background()); err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	snapshot := o.tasks.Snapshot()
	if len(snapshot) != 1 || snapshot[0].Title != "write main.go" {
		t.Fatalf("expected one seeded subtask, got %+v", snapshot)
	}
}

func TestPlanFailsOnZeroSubtasks(t *testing.T) {
	transport := &scriptedTransport{replies: []string{`{"subtasks": []}`}}
	o := newTestOrchestrator(t, transport)

	if err := o.plan(context.Background()); err == nil {
		t.Fatal("expected an error for an empty plan")
	}
}

func TestAskOrchestratorRetriesOnMalformedJSONThenSucceeds(t *testing.T) {
	transport := &scriptedTransport{replies: []string{
		"not json at all",
		"still not json",
		`{"subtasks": [{"title": "a", "description": "b", "dependencies": []}]}`,
	}}
	o := newTestOrchestrator(t, transport)
	o.messages = []llm.Message{o.systemMessage()}

	result, err := askOrchestrator(context.Background(), o, "plan please", func(reply string) (planResponse, bool) {
		return salvage.Extract[planResponse](reply)
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if len(result.Subtasks) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if transport.calls != 3 {
		t.Fatalf("expected 3 calls (2 retries), got %d", transport.calls)
	}
}

func TestAskOrchestratorExhaustsRetryBudget(t *testing.T) {
	transport := &scriptedTransport{replies: []string{"nope", "nope", "nope"}}
	o := newTestOrchestrator(t, transport)
	o.messages = []llm.Message{o.systemMessage()}

	_, err := askOrchestrator(context.Background(), o, "plan please", func(reply string) (planResponse, bool) {
		return salvage.Extract[planResponse](reply)
	})
	if err == nil {
		t.Fatal("expected malformed JSON error after exhausting retries")
	}
	if transport.calls != jsonRetryBudget+1 {
		t.Fatalf("expected %d calls, got %d", jsonRetryBudget+1, transport.calls)
	}
}

func TestMainLoopDeadlocksOnUnresolvableDependency(t *testing.T) {
	transport := &scriptedTransport{}
	o := newTestOrchestrator(t, transport)

	o.tasks.AddSubtasksFromPlan([]task.PlanItem{
		{Title: "a", Dependencies: []string{"b"}},
		{Title: "b", Dependencies: []string{"a"}},
	})

	err := o.mainLoop(context.Background())
	if err == nil {
		t.Fatal("expected a deadlock error")
	}
}

func TestMainLoopTerminatesOnPermanentFailure(t *testing.T) {
	transport := &scriptedTransport{}
	o := newTestOrchestrator(t, transport)
	o.cfg.MaxAttempts = 1
	o.tasks.MaxAttempts = 1

	ids := o.tasks.AddSubtasksFromPlan([]task.PlanItem{{Title: "a"}})
	o.tasks.ApplyWorkerResult(task.WorkerResult{SubtaskID: ids[0], Status: task.StatusFailed})

	err := o.mainLoop(context.Background())
	if err == nil {
		t.Fatal("expected a subtasks-failed error")
	}
}

func TestRunCompletesEndToEnd(t *testing.T) {
	transport := &scriptedTransport{replies: []string{
		`{"subtasks": [{"title": "write main.go", "description": "entry point", "dependencies": []}]}`,
		`{"decisions": [{"subtaskId": "placeholder", "verdict": "accept"}]}`,
		`{"status": "done", "summary": "all good"}`,
	}}
	o := newTestOrchestrator(t, transport)
	o.cfg.Verifier = project.NoopVerifier{}
	o.cfg.Analyzer = project.NoopAnalyzer{}

	// The review step needs the real subtask id, not a placeholder, so patch
	// the second scripted reply once the subtask id is known.
	if err := o.plan(context.Background()); err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	snapshot := o.tasks.Snapshot()
	transport.replies[1] = `{"decisions": [{"subtaskId": "` + snapshot[0].ID + `", "verdict": "accept"}]}`
	transport.calls = 1

	if err := o.mainLoop(context.Background()); err != nil {
		t.Fatalf("mainLoop failed: %v", err)
	}
	if !o.tasks.AllCompleted() {
		t.Fatalf("expected all subtasks completed, got %+v", o.tasks.Snapshot())
	}
}
