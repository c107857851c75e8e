package convo

import (
	"context"
	"testing"

	"github.com/codeswarm/swarm/internal/llm"
	"github.com/codeswarm/swarm/internal/logging"
	"github.com/codeswarm/swarm/internal/resilience"
)

type fakeConfigSource struct{}

func (fakeConfigSource) APIKey() string  { return "test-key" }
func (fakeConfigSource) BaseURL() string { return "" }

func newTestManager() *Manager {
	limiter := resilience.New(resilience.Config{MaxConcurrent: 1, MaxCallsPerHour: 1000}, nil)
	transport := llm.New(fakeConfigSource{}, limiter, nil, nil, logging.NoOp{})
	return New(transport, logging.NoOp{}, Manager{
		CharBudget:         200,
		SummarizeThreshold: 100,
		TranscriptCap:      1000,
		PreserveLast:       2,
		Model:              "gpt-4o",
	})
}

func TestEnsureReturnsUnchangedUnderThreshold(t *testing.T) {
	m := newTestManager()
	messages := []llm.Message{
		{Role: "system", Content: "short"},
		{Role: "user", Content: "hi"},
	}
	out, err := m.Ensure(context.Background(), messages)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(messages) {
		t.Fatalf("expected unchanged messages, got %d", len(out))
	}
}

func TestEnsureDropsMiddleOnSummarizationFailure(t *testing.T) {
	m := newTestManager()

	messages := []llm.Message{{Role: "system", Content: "system prompt"}}
	for i := 0; i < 10; i++ {
		messages = append(messages, llm.Message{Role: "user", Content: "a long turn describing a build step in great detail"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := m.Ensure(ctx, messages)
	if err != nil {
		t.Fatalf("Ensure should fall back rather than error: %v", err)
	}
	if len(out) != 1+m.PreserveLast {
		t.Fatalf("expected head + preserved tail (%d), got %d", 1+m.PreserveLast, len(out))
	}
	if out[0].Content != "system prompt" {
		t.Fatalf("expected system message preserved first, got %q", out[0].Content)
	}
}

func TestEnsureNoOpWhenTooFewMessagesToSummarize(t *testing.T) {
	m := newTestManager()
	messages := []llm.Message{
		{Role: "system", Content: "system"},
		{Role: "user", Content: "this single long message alone exceeds the summarize threshold by padding characters to push it past one hundred chars"},
	}
	out, err := m.Ensure(context.Background(), messages)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(messages) {
		t.Fatalf("expected no-op when too few messages to trim, got %d", len(out))
	}
}
