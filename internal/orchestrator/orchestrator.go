// Package orchestrator drives one build end to end: plan, dispatch workers
// in batches, review their results, verify the finished project, and run a
// final review before declaring the build done.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/codeswarm/swarm/internal/bus"
	"github.com/codeswarm/swarm/internal/checkpoint"
	"github.com/codeswarm/swarm/internal/convo"
	swarmerrors "github.com/codeswarm/swarm/internal/errors"
	"github.com/codeswarm/swarm/internal/llm"
	"github.com/codeswarm/swarm/internal/logging"
	"github.com/codeswarm/swarm/internal/project"
	"github.com/codeswarm/swarm/internal/resilience"
	"github.com/codeswarm/swarm/internal/salvage"
	"github.com/codeswarm/swarm/internal/task"
	"github.com/codeswarm/swarm/internal/tools"
	"github.com/codeswarm/swarm/internal/worker"
)

var tracer = otel.Tracer("github.com/codeswarm/swarm/internal/orchestrator")

// Transport is the subset of *llm.Transport the orchestrator's own planning
// and review calls need, narrowed to an interface so tests can drive the
// control loop with a stub model.
type Transport interface {
	ChatCompletion(ctx context.Context, req llm.Request) (*llm.Response, error)
}

const (
	defaultMaxOrchIter = 50
	defaultBatchSize   = 3
	defaultMaxAttempts = 3
	jsonRetryBudget    = 2
	reviewSummaryCap   = 1500
)

// Config wires every collaborator the orchestrator needs. NewWorkerTransport
// builds a *llm.Transport bound to a fresh per-worker limiter, since each
// worker gets its own limiter instance (§4.2's per-worker population) while
// Transport's credentials, accountant, and bus stay shared.
type Config struct {
	RootDir         string
	TaskDescription string
	Model           string

	MaxOrchIterations int
	BatchSize         int
	MaxAttempts       int
	MaxToolLoops      int

	Transport          Transport
	NewWorkerTransport func(limiter *resilience.Limiter) worker.Transport
	Convo              *convo.Manager
	Tools              *tools.Registry
	Bus                *bus.Bus
	Log                logging.Logger
	Checkpoint         checkpoint.Store
	Analyzer           project.Analyzer
	Verifier           project.Verifier

	RateLimit resilience.Config
}

// Orchestrator owns one build's subtask graph and conversation.
type Orchestrator struct {
	cfg      Config
	log      logging.Logger
	ctx      *task.ProjectContext
	tasks    *task.Manager
	messages []llm.Message
}

// New constructs an Orchestrator for a fresh or resumed build.
func New(cfg Config) *Orchestrator {
	if cfg.MaxOrchIterations <= 0 {
		cfg.MaxOrchIterations = defaultMaxOrchIter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Analyzer == nil {
		cfg.Analyzer = project.NoopAnalyzer{}
	}
	if cfg.Verifier == nil {
		cfg.Verifier = project.NoopVerifier{}
	}
	log := cfg.Log
	if log == nil {
		log = logging.NoOp{}
	}

	projCtx := task.NewProjectContext(cfg.RootDir, cfg.TaskDescription)
	return &Orchestrator{
		cfg:   cfg,
		log:   log,
		ctx:   projCtx,
		tasks: task.New(projCtx, cfg.MaxAttempts, cfg.Bus),
	}
}

// Run executes initialization, planning (unless resumed), the main
// dispatch/review loop, verification, and final review.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "orchestrator.Run", trace.WithAttributes(
		attribute.String("project.id", o.ctx.ID),
	))
	defer span.End()

	resumed, err := o.initialize(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if !resumed {
		if err := o.plan(ctx); err != nil {
			o.publishError(err)
			span.RecordError(err)
			return err
		}
	}

	err = o.mainLoop(ctx)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// Continue implements §4.12: after a successful build, rebuild the
// conversation and re-enter the main loop with a fresh plan layered on top
// of the already-completed subtasks.
func (o *Orchestrator) Continue(ctx context.Context, changeRequest string) error {
	o.messages = []llm.Message{o.systemMessage()}
	content := "[CONTINUATION]\n" + changeRequest + "\n\nCurrent project status:\n" + o.tasks.StatusSummary()
	if err := o.plan(ctx, content); err != nil {
		o.publishError(err)
		return err
	}
	return o.mainLoop(ctx)
}

func (o *Orchestrator) initialize(ctx context.Context) (resumed bool, err error) {
	if o.cfg.Checkpoint != nil {
		payload, found, loadErr := o.cfg.Checkpoint.Load(ctx, o.cfg.RootDir)
		if loadErr != nil {
			return false, loadErr
		}
		if found && len(payload.Subtasks) > 0 {
			o.ctx.ID = payload.ID
			o.tasks.Restore(payload.Subtasks)
			o.messages = []llm.Message{
				o.systemMessage(),
				{Role: "user", Content: checkpoint.ResumedMessage(o.tasks.StatusSummary())},
			}
			return true, nil
		}
	}

	o.messages = []llm.Message{o.systemMessage()}
	return false, nil
}

func (o *Orchestrator) systemMessage() llm.Message {
	return llm.Message{
		Role: "system",
		Content: "You are the orchestrator of a multi-agent code-building swarm. You decompose a " +
			"task into subtasks with dependencies, review worker output, and decide when the " +
			"project is done. Respond to every request with ONLY valid JSON matching the requested shape.",
	}
}

// plan runs Phase 1: send the planning prompt, extract a plan, and seed the
// subtask graph from it. An optional extra prompt (used by Continue) is
// prepended before the standard planning instructions.
func (o *Orchestrator) plan(ctx context.Context, extra ...string) error {
	var prompt string
	if len(extra) > 0 {
		prompt = extra[0] + "\n\n"
	}

	analysis, err := o.cfg.Analyzer.Analyze(ctx, o.cfg.RootDir)
	if err != nil {
		o.log.Warn("project analysis failed, planning without it", logging.Err(err))
	}

	prompt += fmt.Sprintf(
		"Task: %s\n\nProject root: %s\n\nFile tree:\n%s\n\n"+
			"Produce a plan as JSON: {\"subtasks\": [{\"title\": string, \"description\": string, "+
			"\"dependencies\": [string]}]}. Dependencies reference sibling titles.",
		o.cfg.TaskDescription, o.cfg.RootDir, analysis.FileTree,
	)

	result, err := askOrchestrator(ctx, o, prompt, func(reply string) (planResponse, bool) {
		return salvage.Extract[planResponse](reply)
	})
	if err != nil {
		return swarmerrors.NewPlanningError("plan", err)
	}
	if len(result.Subtasks) == 0 {
		return swarmerrors.NewPlanningError("plan", swarmerrors.ErrPlanningFailed)
	}

	ids := o.tasks.AddSubtasksFromPlan(result.Subtasks)
	if o.cfg.Bus != nil {
		o.cfg.Bus.Publish(bus.TopicOrchestratorPlan, PlanEvent{SubtaskIDs: ids})
	}
	return nil
}

// mainLoop runs phases 2+: up to MaxOrchIterations rounds of ready-check,
// dispatch, apply-results, review, followed by verification and final
// review once every subtask is completed.
func (o *Orchestrator) mainLoop(ctx context.Context) error {
	for iteration := 1; iteration <= o.cfg.MaxOrchIterations; iteration++ {
		o.publishPhase("executing")
		if o.cfg.Bus != nil {
			o.cfg.Bus.Publish(bus.TopicIteration, IterationEvent{Iteration: iteration, Status: o.tasks.StatusSummary()})
		}

		ready := o.tasks.GetReadySubtasks()
		if len(ready) == 0 {
			if o.tasks.AllCompleted() {
				return o.verifyAndFinish(ctx)
			}
			if o.tasks.AnyFailed() {
				err := swarmerrors.NewSubtasksFailedError(o.tasks.FailedIDs())
				o.publishError(err)
				return err
			}
			err := swarmerrors.NewDeadlockError(o.pendingIDs())
			o.publishError(err)
			return err
		}

		batch := ready
		if len(batch) > o.cfg.BatchSize {
			batch = batch[:o.cfg.BatchSize]
		}

		o.dispatch(ctx, batch)
		o.checkpointNow(ctx)

		if err := o.review(ctx, batch); err != nil {
			o.log.Warn("review phase failed, keeping worker verdicts as-is", logging.Err(err))
		}
		o.checkpointNow(ctx)
	}

	o.log.Warn("orchestrator hit max iterations", logging.Int("max_iterations", o.cfg.MaxOrchIterations))
	o.checkpointNow(ctx)
	return nil
}

// dispatch marks the batch in_progress, runs every subtask's worker loop
// concurrently, waits for all to settle, then applies every result — even
// if some subtasks in the batch failed.
func (o *Orchestrator) dispatch(ctx context.Context, batch []*task.Subtask) {
	o.publishPhase("dispatching")

	var wg sync.WaitGroup
	results := make([]task.WorkerResult, len(batch))

	for i, st := range batch {
		workerIndex := i % o.cfg.BatchSize
		o.tasks.Assign(st.ID, workerIndex)

		wg.Add(1)
		go func(i int, st *task.Subtask, workerIndex int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = task.WorkerResult{
						SubtaskID: st.ID,
						Status:    task.StatusFailed,
						Err:       fmt.Errorf("worker panic: %v", r),
					}
				}
			}()
			results[i] = o.runWorker(ctx, st, workerIndex)
		}(i, st, workerIndex)
	}

	wg.Wait()

	for _, result := range results {
		o.tasks.ApplyWorkerResult(result)
	}
}

func (o *Orchestrator) runWorker(ctx context.Context, st *task.Subtask, workerIndex int) task.WorkerResult {
	var transport worker.Transport
	if o.cfg.NewWorkerTransport != nil {
		limiter := resilience.NewWorker(workerIndex, o.cfg.RateLimit, o.cfg.Bus)
		transport = o.cfg.NewWorkerTransport(limiter)
	}
	if transport == nil {
		return task.WorkerResult{
			SubtaskID: st.ID,
			Status:    task.StatusFailed,
			Err:       fmt.Errorf("no worker transport configured"),
		}
	}

	snapshot := o.tasks.Snapshot()
	siblingSummaries := task.SiblingSummaries(snapshot, st.ID)

	result := worker.Run(ctx, worker.Config{
		WorkerIndex:  workerIndex,
		RootDir:      o.cfg.RootDir,
		Model:        o.cfg.Model,
		MaxToolLoops: o.cfg.MaxToolLoops,
		Transport:    transport,
		Tools:        o.cfg.Tools,
		Bus:          o.cfg.Bus,
		Log:          o.log,
	}, worker.Input{Subtask: st, SiblingSummaries: siblingSummaries})

	return task.WorkerResult{
		SubtaskID: result.SubtaskID,
		Status:    result.Status,
		Summary:   result.Summary,
		Artifacts: result.Artifacts,
		Err:       result.Err,
	}
}

// review sends the reviewer prompt for the just-run batch and applies its
// verdicts.
func (o *Orchestrator) review(ctx context.Context, batch []*task.Subtask) error {
	o.publishPhase("reviewing")

	prompt := "Review the following subtask results from this batch and decide accept/revise/reassign " +
		"for each. Respond as JSON: {\"decisions\": [{\"subtaskId\": string, \"verdict\": string, " +
		"\"feedback\": string}]}.\n\n"
	for _, st := range batch {
		prompt += fmt.Sprintf("Subtask %s (%s): status=%s\nSummary: %s\nArtifacts: %v\n\n",
			st.ID, st.Title, st.Status, truncateForReview(st.Result), st.Artifacts)
	}
	prompt += "\nOverall status:\n" + o.tasks.StatusSummary()

	result, err := askOrchestrator(ctx, o, prompt, func(reply string) (reviewResponse, bool) {
		return salvage.Extract[reviewResponse](reply)
	})
	if err != nil {
		return err
	}

	o.tasks.ApplyReviewDecisions(result.Decisions)
	if o.cfg.Bus != nil {
		o.cfg.Bus.Publish(bus.TopicOrchestratorReview, ReviewEvent{Decisions: result.Decisions})
	}
	return nil
}

// verifyAndFinish runs the project verifier once every subtask is
// completed, looping back into the main loop with fix subtasks on failure,
// and running the final review once it passes.
func (o *Orchestrator) verifyAndFinish(ctx context.Context) error {
	o.publishPhase("verifying")

	report, err := o.cfg.Verifier.Verify(ctx, o.cfg.RootDir)
	if err != nil {
		o.publishError(err)
		return err
	}

	if !report.Passed {
		prompt := "The project failed verification with the following output. Propose fix subtasks as " +
			"JSON: {\"subtasks\": [{\"title\": string, \"description\": string, \"dependencies\": [string]}]}." +
			"\n\nVerifier output:\n" + report.Output

		result, askErr := askOrchestrator(ctx, o, prompt, func(reply string) (planResponse, bool) {
			return salvage.Extract[planResponse](reply)
		})
		if askErr != nil || len(result.Subtasks) == 0 {
			err := swarmerrors.NewPlanningError("verify_fix", swarmerrors.ErrPlanningFailed)
			o.publishError(err)
			return err
		}

		o.tasks.AddMoreSubtasks(result.Subtasks)
		return o.mainLoop(ctx)
	}

	return o.finalReview(ctx, report)
}

func (o *Orchestrator) finalReview(ctx context.Context, report project.Report) error {
	o.publishPhase("final_review")

	prompt := fmt.Sprintf(
		"Every subtask is complete and verification passed. Decide if the project is fully done. "+
			"Respond as JSON: {\"status\": \"done\"|\"needs_more\", \"summary\": string, "+
			"\"additionalSubtasks\": [{\"title\": string, \"description\": string, \"dependencies\": [string]}]}."+
			"\n\nProject status:\n%s\n\nVerifier output:\n%s",
		o.tasks.StatusSummary(), report.Output,
	)

	result, err := askOrchestrator(ctx, o, prompt, func(reply string) (finalResponse, bool) {
		return salvage.Extract[finalResponse](reply)
	})
	if err != nil {
		o.publishError(err)
		return err
	}

	if result.Status == "needs_more" && len(result.AdditionalSubtasks) > 0 {
		o.tasks.AddMoreSubtasks(result.AdditionalSubtasks)
		return o.mainLoop(ctx)
	}

	if o.cfg.Bus != nil {
		o.cfg.Bus.Publish(bus.TopicProjectDone, ProjectDoneEvent{Summary: result.Summary})
	}
	return nil
}

type planResponse struct {
	Subtasks []task.PlanItem `json:"subtasks"`
}

type reviewResponse struct {
	Decisions []task.ReviewDecision `json:"decisions"`
}

type finalResponse struct {
	Status             string          `json:"status"`
	Summary            string          `json:"summary"`
	AdditionalSubtasks []task.PlanItem `json:"additionalSubtasks"`
}

const jsonReminder = "Your response was not valid JSON. Respond with ONLY valid JSON."

// askOrchestrator implements the helper from §4.11: append the message,
// ensure the conversation fits its budget, call the LLM, retry on
// malformed JSON up to jsonRetryBudget extra times with a reminder, and
// always append the final reply before returning. It is a free function
// rather than a method because Go methods cannot carry their own type
// parameter.
func askOrchestrator[T any](ctx context.Context, o *Orchestrator, message string, parse func(string) (T, bool)) (T, error) {
	var zero T
	o.messages = append(o.messages, llm.Message{Role: "user", Content: message})

	for attempt := 0; attempt <= jsonRetryBudget; attempt++ {
		pending := o.messages
		if o.cfg.Convo != nil {
			ensured, err := o.cfg.Convo.Ensure(ctx, o.messages)
			if err != nil {
				return zero, err
			}
			pending = ensured
		}

		resp, err := o.cfg.Transport.ChatCompletion(ctx, llm.Request{
			Model:    o.cfg.Model,
			Messages: pending,
		})
		if err != nil {
			return zero, err
		}

		o.messages = append(o.messages, resp.Message)

		if resp.Message.Content != "" {
			if parsed, ok := parse(resp.Message.Content); ok {
				return parsed, nil
			}
		}

		if attempt < jsonRetryBudget {
			o.messages = append(o.messages, llm.Message{Role: "user", Content: jsonReminder})
		}
	}

	return zero, swarmerrors.ErrMalformedJSON
}

// ID returns the project id of the build this orchestrator owns, stable
// across a resume once initialize has restored a checkpoint.
func (o *Orchestrator) ID() string {
	return o.ctx.ID
}

// StatusSummary renders the current subtask graph status, for callers that
// want a snapshot without driving the build themselves.
func (o *Orchestrator) StatusSummary() string {
	return o.tasks.StatusSummary()
}

func (o *Orchestrator) pendingIDs() []string {
	var ids []string
	for _, st := range o.tasks.Snapshot() {
		if st.Status != task.StatusCompleted && st.Status != task.StatusFailed {
			ids = append(ids, st.ID)
		}
	}
	return ids
}

func (o *Orchestrator) checkpointNow(ctx context.Context) {
	if o.cfg.Checkpoint == nil {
		return
	}
	payload := checkpoint.Payload{
		ID:              o.ctx.ID,
		RootDir:         o.cfg.RootDir,
		TaskDescription: o.cfg.TaskDescription,
		Subtasks:        o.tasks.Snapshot(),
	}
	if err := o.cfg.Checkpoint.Save(ctx, payload); err != nil {
		o.log.Warn("checkpoint save failed", logging.Err(err))
	}
}

func (o *Orchestrator) publishPhase(phase string) {
	if o.cfg.Bus != nil {
		o.cfg.Bus.Publish(bus.TopicOrchestratorPhase, PhaseEvent{Phase: phase})
	}
}

func (o *Orchestrator) publishError(err error) {
	if o.cfg.Bus != nil {
		o.cfg.Bus.Publish(bus.TopicProjectError, ProjectErrorEvent{Err: err})
	}
}

func truncateForReview(s string) string {
	if len(s) <= reviewSummaryCap {
		return s
	}
	return s[:reviewSummaryCap]
}

// PhaseEvent is published on bus.TopicOrchestratorPhase.
type PhaseEvent struct {
	Phase string
}

// PlanEvent is published on bus.TopicOrchestratorPlan.
type PlanEvent struct {
	SubtaskIDs []string
}

// ReviewEvent is published on bus.TopicOrchestratorReview.
type ReviewEvent struct {
	Decisions []task.ReviewDecision
}

// IterationEvent is published on bus.TopicIteration.
type IterationEvent struct {
	Iteration int
	Status    string
}

// ProjectDoneEvent is published on bus.TopicProjectDone.
type ProjectDoneEvent struct {
	Summary string
}

// ProjectErrorEvent is published on bus.TopicProjectError.
type ProjectErrorEvent struct {
	Err error
}
