package llm

import (
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func TestIsRetryableRateLimitAndServerErrors(t *testing.T) {
	cases := []struct {
		err      error
		expected bool
	}{
		{&openai.APIError{HTTPStatusCode: 429}, true},
		{&openai.APIError{HTTPStatusCode: 503}, true},
		{&openai.APIError{HTTPStatusCode: 400}, false},
		{errors.New("connection reset by peer"), true},
		{errors.New("boom"), false},
		{nil, false},
	}
	for _, c := range cases {
		if got := isRetryable(c.err); got != c.expected {
			t.Errorf("isRetryable(%v) = %v, want %v", c.err, got, c.expected)
		}
	}
}

func TestToolCallAccumulatorMergesByIndex(t *testing.T) {
	acc := newToolCallAccumulator()
	idx0, idx1 := 0, 1

	acc.merge(openai.ToolCall{Index: &idx0, ID: "call_1", Function: openai.FunctionCall{Name: "read_file", Arguments: `{"pa`}})
	acc.merge(openai.ToolCall{Index: &idx1, ID: "call_2", Function: openai.FunctionCall{Name: "write_file"}})
	acc.merge(openai.ToolCall{Index: &idx0, Function: openai.FunctionCall{Arguments: `th":"a.go"}`}})

	calls := acc.toolCalls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 merged tool calls, got %d", len(calls))
	}
	if calls[0].ID != "call_1" || calls[0].Name != "read_file" || calls[0].Arguments != `{"path":"a.go"}` {
		t.Fatalf("unexpected merged call 0: %+v", calls[0])
	}
	if calls[1].ID != "call_2" || calls[1].Name != "write_file" {
		t.Fatalf("unexpected merged call 1: %+v", calls[1])
	}
}

func TestMessageConversionRoundTrip(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "be terse"},
		{Role: "assistant", Content: "", ToolCalls: []ToolCall{{ID: "c1", Name: "read_file", Arguments: `{}`}}},
		{Role: "tool", Content: "ok", ToolCallID: "c1"},
	}
	converted := toOpenAIMessages(msgs)
	if len(converted) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(converted))
	}
	if converted[1].ToolCalls[0].Function.Name != "read_file" {
		t.Fatalf("expected tool call name to survive conversion, got %+v", converted[1].ToolCalls)
	}
	if converted[2].ToolCallID != "c1" {
		t.Fatalf("expected tool call id to survive conversion, got %q", converted[2].ToolCallID)
	}
}

func TestToOpenAIToolsEmpty(t *testing.T) {
	if got := toOpenAITools(nil); got != nil {
		t.Fatalf("expected nil tools for empty input, got %+v", got)
	}
}
