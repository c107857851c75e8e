// Package convo keeps a long-running orchestrator conversation inside its
// LLM's context window by summarizing the middle of the transcript once it
// grows past a threshold, preserving the system message and a tail of
// recent turns verbatim.
package convo

import (
	"context"
	"strings"

	"github.com/codeswarm/swarm/internal/llm"
	"github.com/codeswarm/swarm/internal/logging"
)

const contextSummaryTag = "[CONTEXT SUMMARY]"

// Manager enforces a character budget on a growing message list.
type Manager struct {
	CharBudget         int
	SummarizeThreshold int
	TranscriptCap      int
	PreserveLast       int
	Model              string

	transport *llm.Transport
	log       logging.Logger
}

// New builds a Manager with the documented defaults. Any zero field in cfg
// is replaced with its default.
func New(transport *llm.Transport, log logging.Logger, cfg Manager) *Manager {
	if cfg.CharBudget == 0 {
		cfg.CharBudget = 90_000
	}
	if cfg.SummarizeThreshold == 0 {
		cfg.SummarizeThreshold = 65_000
	}
	if cfg.TranscriptCap == 0 {
		cfg.TranscriptCap = 40_000
	}
	if cfg.PreserveLast == 0 {
		cfg.PreserveLast = 8
	}
	if log == nil {
		log = logging.NoOp{}
	}
	cfg.transport = transport
	cfg.log = log
	return &cfg
}

func charLen(messages []llm.Message) int {
	n := 0
	for _, m := range messages {
		n += len(m.Content)
	}
	return n
}

// Ensure returns messages unchanged if under SummarizeThreshold. Otherwise
// it summarizes every message except index 0 (the system prompt) and the
// last PreserveLast messages, replacing them with one synthetic
// [CONTEXT SUMMARY] message. On summarization failure it silently drops
// the same middle span instead, logging a warning.
func (m *Manager) Ensure(ctx context.Context, messages []llm.Message) ([]llm.Message, error) {
	if charLen(messages) < m.SummarizeThreshold {
		return messages, nil
	}
	if len(messages) <= m.PreserveLast+1 {
		return messages, nil
	}

	head := messages[:1]
	tailStart := len(messages) - m.PreserveLast
	middle := messages[1:tailStart]
	tail := messages[tailStart:]

	summary, err := m.summarize(ctx, middle)
	if err != nil {
		m.log.Warn("context summarization failed, dropping middle transcript", logging.Err(err), logging.Int("dropped_messages", len(middle)))
		out := make([]llm.Message, 0, len(head)+len(tail))
		out = append(out, head...)
		out = append(out, tail...)
		return out, nil
	}

	summaryMsg := llm.Message{
		Role:    "user",
		Content: contextSummaryTag + "\n" + summary,
	}

	out := make([]llm.Message, 0, len(head)+1+len(tail))
	out = append(out, head...)
	out = append(out, summaryMsg)
	out = append(out, tail...)
	return out, nil
}

func (m *Manager) summarize(ctx context.Context, middle []llm.Message) (string, error) {
	var transcript strings.Builder
	for _, msg := range middle {
		transcript.WriteString(msg.Role)
		transcript.WriteString(": ")
		transcript.WriteString(msg.Content)
		transcript.WriteString("\n")
		if transcript.Len() > m.TranscriptCap {
			break
		}
	}
	capped := transcript.String()
	if len(capped) > m.TranscriptCap {
		capped = capped[:m.TranscriptCap]
	}

	req := llm.Request{
		Model: m.Model,
		Messages: []llm.Message{
			{
				Role: "system",
				Content: "Summarize the following build conversation. Preserve every task, plan, " +
					"decision, open issue, and filename mentioned. Be concise but do not drop facts " +
					"a future step would need.",
			},
			{Role: "user", Content: capped},
		},
		Temperature: 0.2,
		MaxTokens:   1024,
	}

	resp, err := m.transport.ChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}
