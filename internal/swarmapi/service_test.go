package swarmapi_test

import (
	"context"
	"testing"
	"time"

	"github.com/codeswarm/swarm/internal/bus"
	"github.com/codeswarm/swarm/internal/llm"
	"github.com/codeswarm/swarm/internal/orchestrator"
	"github.com/codeswarm/swarm/internal/project"
	"github.com/codeswarm/swarm/internal/resilience"
	"github.com/codeswarm/swarm/internal/swarmapi"
	"github.com/codeswarm/swarm/internal/tools"
	"github.com/codeswarm/swarm/internal/worker"
)

// scriptedTransport replays one reply string per ChatCompletion call,
// repeating the last reply for any call beyond the scripted sequence. If
// block is non-nil, the first call waits for it to close before replying,
// so a test can observe the build mid-flight.
type scriptedTransport struct {
	replies []string
	calls   int
	block   <-chan struct{}
}

func (s *scriptedTransport) ChatCompletion(ctx context.Context, req llm.Request) (*llm.Response, error) {
	i := s.calls
	s.calls++
	if i == 0 && s.block != nil {
		<-s.block
	}
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	return &llm.Response{Message: llm.Message{Content: s.replies[i]}}, nil
}

// stubWorkerTransport completes immediately with no tool calls, so every
// dispatched subtask finishes without touching a real model.
type stubWorkerTransport struct{}

func (stubWorkerTransport) ChatCompletionStream(ctx context.Context, req llm.Request, onDelta func(llm.StreamDelta)) (*llm.Response, error) {
	return &llm.Response{Message: llm.Message{Content: "done"}}, nil
}

func newConfig(t *testing.T, transport *scriptedTransport) orchestrator.Config {
	t.Helper()
	return orchestrator.Config{
		RootDir:         t.TempDir(),
		TaskDescription: "build a thing",
		Model:           "test-model",
		Transport:       transport,
		Tools:           tools.NewRegistry(),
		Analyzer:        project.NoopAnalyzer{},
		Verifier:        project.NoopVerifier{},
		NewWorkerTransport: func(limiter *resilience.Limiter) worker.Transport {
			return stubWorkerTransport{}
		},
	}
}

func waitForDone(t *testing.T, ch <-chan bus.Event) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for project:done")
	}
}

func TestStartBuildRunsToCompletion(t *testing.T) {
	b := bus.New()
	done := b.Subscribe(bus.TopicProjectDone)

	cfg := newConfig(t, &scriptedTransport{replies: []string{
		`{"subtasks": [{"title": "write main.go", "description": "entry point", "dependencies": []}]}`,
		`{"decisions": [{"subtaskId": "unknown", "verdict": "accept"}]}`,
		`{"status": "done", "summary": "all good"}`,
	}})
	cfg.Bus = b

	svc := swarmapi.New(b, nil)
	id, err := svc.StartBuild(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartBuild failed: %v", err)
	}

	waitForDone(t, done)

	status, err := svc.Status(id)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Phase != swarmapi.PhaseDone {
		t.Fatalf("expected phase done, got %s (err=%v)", status.Phase, status.Err)
	}
}

func TestResumeRejectsMissingCheckpoint(t *testing.T) {
	b := bus.New()
	svc := swarmapi.New(b, nil)
	cfg := newConfig(t, &scriptedTransport{replies: []string{`{"subtasks": []}`}})

	if _, err := svc.Resume(context.Background(), cfg); err == nil {
		t.Fatal("expected an error when resuming without a checkpoint store configured")
	}
}

func TestStatusReturnsErrorForUnknownBuild(t *testing.T) {
	svc := swarmapi.New(bus.New(), nil)
	if _, err := svc.Status("does-not-exist"); err == nil {
		t.Fatal("expected an error for an unknown build id")
	}
}

func TestContinueRejectsStillRunningBuild(t *testing.T) {
	b := bus.New()
	svc := swarmapi.New(b, nil)

	block := make(chan struct{})
	cfg := newConfig(t, &scriptedTransport{
		block:   block,
		replies: []string{`{"subtasks": [{"title": "a", "description": "b", "dependencies": []}]}`},
	})
	cfg.Bus = b
	id, err := svc.StartBuild(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartBuild failed: %v", err)
	}

	if err := svc.Continue(context.Background(), id, "add a feature"); err == nil {
		t.Fatal("expected an error continuing a build that is still running")
	}

	close(block)
}

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	b := bus.New()
	svc := swarmapi.New(b, nil)

	ch := svc.Subscribe(bus.TopicProjectDone)
	defer svc.Unsubscribe(bus.TopicProjectDone, ch)

	b.Publish(bus.TopicProjectDone, orchestrator.ProjectDoneEvent{Summary: "ok"})

	select {
	case ev := <-ch:
		if _, ok := ev.Payload.(orchestrator.ProjectDoneEvent); !ok {
			t.Fatalf("unexpected payload type: %T", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected to receive the published event")
	}
}
