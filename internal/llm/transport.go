// Package llm wraps an OpenAI-compatible chat completion API with the
// retry, rate-limiting, and token-accounting behavior every caller in the
// swarm needs: the orchestrator's planning/review calls and every worker's
// tool-calling loop all go through a Transport rather than the raw client.
package llm

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/codeswarm/swarm/internal/bus"
	swarmerrors "github.com/codeswarm/swarm/internal/errors"
	"github.com/codeswarm/swarm/internal/logging"
	"github.com/codeswarm/swarm/internal/resilience"
	"github.com/codeswarm/swarm/internal/tokens"
)

var tracer = otel.Tracer("github.com/codeswarm/swarm/internal/llm")

// Message is a single chat turn. ToolCalls is populated on assistant
// messages that invoke tools; ToolCallID is populated on the matching
// "tool" role reply.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDef describes a callable tool in OpenAI function-calling schema.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Request is one chat completion call.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolDef
	Temperature float32
	MaxTokens   int
}

// Response is a completed (non-streaming, or fully drained streaming) call.
type Response struct {
	Message          Message
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
	Model            string
}

// StreamDelta is one incremental piece of a streaming response.
type StreamDelta struct {
	ContentDelta string
	Done         bool
	Final        *Response
}

// ConfigSource supplies per-call connection settings, read fresh on every
// call so operators can rotate keys or repoint the base URL without a
// restart.
type ConfigSource interface {
	APIKey() string
	BaseURL() string
}

// Transport is the sole entry point the orchestrator and workers use to
// reach the model: it owns retry-with-backoff, rate limiting, and token
// accounting so callers never touch the raw client.
type Transport struct {
	cfg        ConfigSource
	limiter    *resilience.Limiter
	policy     *resilience.Policy
	accountant *tokens.Accountant
	bus        *bus.Bus
	log        logging.Logger
}

// New builds a Transport. limiter and accountant may be shared across many
// Transport instances (e.g. one shared limiter plus per-worker limiters).
func New(cfg ConfigSource, limiter *resilience.Limiter, accountant *tokens.Accountant, b *bus.Bus, log logging.Logger) *Transport {
	if log == nil {
		log = logging.NoOp{}
	}
	return &Transport{
		cfg:        cfg,
		limiter:    limiter,
		policy:     resilience.DefaultTransportPolicy(),
		accountant: accountant,
		bus:        b,
		log:        log,
	}
}

func (t *Transport) client() *openai.Client {
	config := openai.DefaultConfig(t.cfg.APIKey())
	if base := t.cfg.BaseURL(); base != "" {
		config.BaseURL = base
	}
	return openai.NewClientWithConfig(config)
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func toOpenAITools(defs []ToolDef) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}

func fromOpenAIMessage(m openai.ChatCompletionMessage) Message {
	out := Message{Role: m.Role, Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}

// isRetryable is the closed list of error conditions eligible for retry:
// HTTP 429/5xx, DNS lookup failures, network timeouts, and errors whose
// text contains "connection reset" or "EOF".
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 {
			return true
		}
		if apiErr.HTTPStatusCode >= 500 && apiErr.HTTPStatusCode < 600 {
			return true
		}
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	msg := err.Error()
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "EOF") {
		return true
	}

	return false
}

// ChatCompletion performs one non-streaming chat completion, retrying
// transient failures per the fixed transport retry schedule.
func (t *Transport) ChatCompletion(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "llm.ChatCompletion", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
	))
	defer span.End()

	if err := t.limiter.Acquire(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer t.limiter.Release()

	var result *Response
	err := resilience.Do(ctx, t.withRetryHooks(t.policy), func(attempt int) error {
		resp, callErr := t.client().CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       req.Model,
			Messages:    toOpenAIMessages(req.Messages),
			Tools:       toOpenAITools(req.Tools),
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		})
		if callErr != nil {
			return swarmerrors.NewTransportError("chat_completion", callErr, isRetryable(callErr))
		}
		if len(resp.Choices) == 0 {
			return swarmerrors.NewTransportError("chat_completion", errors.New("no choices returned"), false)
		}

		choice := resp.Choices[0]
		result = &Response{
			Message:          fromOpenAIMessage(choice.Message),
			FinishReason:     string(choice.FinishReason),
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			Model:            resp.Model,
		}
		return nil
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if t.accountant != nil {
		t.accountant.Add(result.Model, result.PromptTokens, result.CompletionTokens)
	}
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", result.PromptTokens),
		attribute.Int("llm.completion_tokens", result.CompletionTokens),
	)
	return result, nil
}

// ChatCompletionStream performs one streaming chat completion, invoking
// onDelta for every content fragment and returning the fully assembled
// Response (including merged tool calls, accumulated by index) once the
// stream completes.
func (t *Transport) ChatCompletionStream(ctx context.Context, req Request, onDelta func(StreamDelta)) (*Response, error) {
	ctx, span := tracer.Start(ctx, "llm.ChatCompletionStream", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
	))
	defer span.End()

	if err := t.limiter.Acquire(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer t.limiter.Release()

	var result *Response
	err := resilience.Do(ctx, t.withRetryHooks(t.policy), func(attempt int) error {
		stream, callErr := t.client().CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:       req.Model,
			Messages:    toOpenAIMessages(req.Messages),
			Tools:       toOpenAITools(req.Tools),
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			StreamOptions: &openai.StreamOptions{
				IncludeUsage: true,
			},
		})
		if callErr != nil {
			return swarmerrors.NewTransportError("chat_completion_stream", callErr, isRetryable(callErr))
		}
		defer stream.Close()

		acc := newToolCallAccumulator()
		var content strings.Builder
		var finishReason string
		var model string
		var promptTokens, completionTokens int

		for {
			chunk, recvErr := stream.Recv()
			if errors.Is(recvErr, io.EOF) {
				break
			}
			if recvErr != nil {
				return swarmerrors.NewTransportError("chat_completion_stream", recvErr, isRetryable(recvErr))
			}
			if chunk.Model != "" {
				model = chunk.Model
			}
			// The final chunk of a stream_options.include_usage stream carries
			// Usage with an empty Choices slice, so this must be read before
			// the choiceless continue below, not instead of it.
			if chunk.Usage != nil {
				promptTokens = chunk.Usage.PromptTokens
				completionTokens = chunk.Usage.CompletionTokens
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finishReason = string(choice.FinishReason)
			}
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if onDelta != nil {
					onDelta(StreamDelta{ContentDelta: choice.Delta.Content})
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				acc.merge(tc)
			}
		}

		result = &Response{
			Message: Message{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   content.String(),
				ToolCalls: acc.toolCalls(),
			},
			FinishReason:     finishReason,
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			Model:            model,
		}
		return nil
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if t.accountant != nil {
		t.accountant.Add(result.Model, result.PromptTokens, result.CompletionTokens)
	}
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", result.PromptTokens),
		attribute.Int("llm.completion_tokens", result.CompletionTokens),
	)

	if onDelta != nil {
		onDelta(StreamDelta{Done: true, Final: result})
	}
	return result, nil
}

// withRetryHooks clones the base policy with RetryableErrors/OnRetry wired
// to publish bus.TopicLLMRetry, so retries attempted by any Transport are
// observable without every caller plumbing its own hook.
func (t *Transport) withRetryHooks(base *resilience.Policy) *resilience.Policy {
	p := *base
	p.RetryableErrors = func(err error) bool {
		return errors.Is(err, swarmerrors.ErrRetryable)
	}
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		t.log.Warn("llm call failed, retrying", logging.Int("attempt", attempt), logging.Err(err), logging.Duration("delay", delay))
		if t.bus != nil {
			t.bus.Publish(bus.TopicLLMRetry, RetryEvent{Attempt: attempt, Err: err, Delay: delay})
		}
	}
	return &p
}

// RetryEvent is published on bus.TopicLLMRetry before each backoff sleep.
type RetryEvent struct {
	Attempt int
	Err     error
	Delay   time.Duration
}
