// Package worker implements the tool-calling loop that drives a single
// subtask to completion: stream the LLM, execute any requested tools, feed
// results back, repeat until the assistant stops calling tools or the
// iteration budget runs out.
package worker

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/codeswarm/swarm/internal/bus"
	"github.com/codeswarm/swarm/internal/llm"
	"github.com/codeswarm/swarm/internal/logging"
	"github.com/codeswarm/swarm/internal/task"
	"github.com/codeswarm/swarm/internal/tools"
)

var tracer = otel.Tracer("github.com/codeswarm/swarm/internal/worker")

const defaultMaxToolLoops = 20

// Transport is the subset of *llm.Transport the worker loop calls, narrowed
// to an interface so tests can drive the loop with a stub model.
type Transport interface {
	ChatCompletionStream(ctx context.Context, req llm.Request, onDelta func(llm.StreamDelta)) (*llm.Response, error)
}

// Config carries everything one worker invocation needs, all owned by the
// caller and safe to share across concurrent worker invocations except the
// per-worker limiter, which the caller constructs fresh per worker slot.
type Config struct {
	WorkerIndex  int
	RootDir      string
	Model        string
	MaxToolLoops int
	Transport    Transport
	Tools        *tools.Registry
	Bus          *bus.Bus
	Log          logging.Logger
	Limitations  string
	ProjectTree  string
	SystemPrompt string
}

// Input is everything specific to the subtask being run.
type Input struct {
	Subtask          *task.Subtask
	SiblingSummaries string
}

// Result is a worker's outcome for one attempt.
type Result struct {
	SubtaskID string
	Status    task.Status
	Summary   string
	Artifacts []string
	Err       error
}

// Run drives one subtask through the tool-calling loop until the assistant
// stops calling tools, the loop budget is exhausted, or the LLM call fails.
func Run(ctx context.Context, cfg Config, in Input) Result {
	if cfg.MaxToolLoops <= 0 {
		cfg.MaxToolLoops = defaultMaxToolLoops
	}
	log := cfg.Log
	if log == nil {
		log = logging.NoOp{}
	}

	ctx, span := tracer.Start(ctx, "worker.Run", trace.WithAttributes(
		attribute.String("subtask.id", in.Subtask.ID),
		attribute.Int("worker.index", cfg.WorkerIndex),
	))
	defer span.End()

	var artifacts []string
	onWrite := func(path string) {
		artifacts = append(artifacts, path)
		if cfg.Bus != nil {
			cfg.Bus.Publish(bus.TopicFileWritten, FileWrittenEvent{SubtaskID: in.Subtask.ID, Path: path})
		}
	}
	// Scoped to this call's context rather than mutated onto the shared
	// Registry's tool instances, since BatchSize workers run concurrently
	// against the same Registry and a struct field would race/misattribute
	// writes across subtasks.
	ctx = tools.WithOnWrite(ctx, onWrite)

	messages := buildInitialMessages(cfg, in)
	toolDefs := cfg.Tools.ToolDefs()

	for iteration := 1; iteration <= cfg.MaxToolLoops; iteration++ {
		req := llm.Request{
			Model:       cfg.Model,
			Messages:    messages,
			Tools:       toolDefs,
			Temperature: 0.3,
			MaxTokens:   4096,
		}

		resp, err := cfg.Transport.ChatCompletionStream(ctx, req, func(delta llm.StreamDelta) {
			if delta.ContentDelta != "" && cfg.Bus != nil {
				cfg.Bus.Publish(bus.TopicWorkerToken, WorkerTokenEvent{
					SubtaskID: in.Subtask.ID, WorkerIndex: cfg.WorkerIndex, Token: delta.ContentDelta,
				})
			}
		})
		if err != nil {
			return Result{SubtaskID: in.Subtask.ID, Status: task.StatusFailed, Artifacts: artifacts, Err: err}
		}

		if len(resp.Message.ToolCalls) == 0 {
			return Result{SubtaskID: in.Subtask.ID, Status: task.StatusCompleted, Summary: resp.Message.Content, Artifacts: artifacts}
		}

		messages = append(messages, resp.Message)

		for _, tc := range resp.Message.ToolCalls {
			if cfg.Bus != nil {
				cfg.Bus.Publish(bus.TopicSubtaskProgress, SubtaskProgressEvent{
					SubtaskID: in.Subtask.ID, Tool: tc.Name, Iteration: iteration,
				})
			}

			output, execErr := executeToolWithRetry(ctx, cfg.Tools, tc)
			content := output
			if execErr != nil {
				log.Warn("tool call failed after retry", logging.String("tool", tc.Name), logging.Err(execErr))
				content = execErr.Error()
			}
			messages = append(messages, llm.Message{Role: "tool", Content: content, ToolCallID: tc.ID})
		}
	}

	return Result{
		SubtaskID: in.Subtask.ID,
		Status:    task.StatusFailed,
		Artifacts: artifacts,
		Err:       fmt.Errorf("max_iterations: exceeded %d tool loop iterations", cfg.MaxToolLoops),
	}
}

// executeToolWithRetry invokes a tool call's arguments through the
// registry, retrying once transparently on a tool execution error before
// surfacing the error string as the tool's own result.
func executeToolWithRetry(ctx context.Context, registry *tools.Registry, tc llm.ToolCall) (string, error) {
	args, parseErr := parseArguments(tc.Arguments)
	if parseErr != nil {
		return "", fmt.Errorf("invalid arguments for %s: %w", tc.Name, parseErr)
	}

	out, err := registry.Execute(ctx, tc.Name, args)
	if err == nil {
		return out, nil
	}
	out, err = registry.Execute(ctx, tc.Name, args)
	return out, err
}

// FileWrittenEvent is published on bus.TopicFileWritten.
type FileWrittenEvent struct {
	SubtaskID string
	Path      string
}

// WorkerTokenEvent is published on bus.TopicWorkerToken for every streamed
// content fragment.
type WorkerTokenEvent struct {
	SubtaskID   string
	WorkerIndex int
	Token       string
}

// SubtaskProgressEvent is published on bus.TopicSubtaskProgress before each
// tool call executes.
type SubtaskProgressEvent struct {
	SubtaskID string
	Tool      string
	Iteration int
}
