package llm

import (
	"sort"

	openai "github.com/sashabaranov/go-openai"
)

// toolCallAccumulator merges streaming tool-call deltas by index: the
// first delta for an index carries the ID and name, subsequent deltas for
// the same index append to Arguments until the stream ends.
type toolCallAccumulator struct {
	order   []int
	byIndex map[int]*ToolCall
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]*ToolCall)}
}

func (a *toolCallAccumulator) merge(delta openai.ToolCall) {
	idx := 0
	if delta.Index != nil {
		idx = *delta.Index
	}

	tc, ok := a.byIndex[idx]
	if !ok {
		tc = &ToolCall{}
		a.byIndex[idx] = tc
		a.order = append(a.order, idx)
	}
	if delta.ID != "" {
		tc.ID = delta.ID
	}
	if delta.Function.Name != "" {
		tc.Name = delta.Function.Name
	}
	tc.Arguments += delta.Function.Arguments
}

// toolCalls returns the merged calls ordered by their stream index.
func (a *toolCallAccumulator) toolCalls() []ToolCall {
	order := append([]int(nil), a.order...)
	sort.Ints(order)
	out := make([]ToolCall, 0, len(order))
	for _, idx := range order {
		out = append(out, *a.byIndex[idx])
	}
	return out
}
