// Package task owns the subtask dependency graph: creation from a plan,
// ready-set computation, and the mutation rules that apply worker results
// and review verdicts.
package task

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeswarm/swarm/internal/bus"
)

// Status is a subtask's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// resultCap bounds how much of a worker's summary is retained per subtask,
// to keep the orchestrator's prompt growth bounded across iterations.
const resultCap = 2000

// Subtask is the unit of work planned by the orchestrator and executed by
// one worker.
type Subtask struct {
	ID             string
	Title          string
	Description    string
	Dependencies   []string
	AssignedWorker int
	HasWorker      bool
	Status         Status
	Result         string
	Artifacts      []string
	Attempts       int
	Feedback       string
}

// PlanItem is one subtask proposal from the orchestrator's plan or
// fix/additional-subtasks response. Dependencies are unresolved tokens:
// sibling titles, existing titles, or numeric indices.
type PlanItem struct {
	Title        string
	Description  string
	Dependencies []string
}

// WorkerResult is what a worker loop returns for one subtask attempt.
type WorkerResult struct {
	SubtaskID string
	Status    Status
	Summary   string
	Artifacts []string
	Err       error
}

// ReviewDecision is one reviewer verdict for a subtask in the just-run batch.
type ReviewDecision struct {
	SubtaskID string
	Verdict   string // "accept", "revise", "reassign"
	Feedback  string
}

// ProjectContext is the single owner of a build's subtask collection and
// the running orchestrator conversation.
type ProjectContext struct {
	ID              string
	RootDir         string
	TaskDescription string
	ProjectFileTree string
	PlanningContext string

	mu       sync.RWMutex
	subtasks map[string]*Subtask
	order    []string
}

// NewProjectContext creates an empty context for a fresh build.
func NewProjectContext(rootDir, taskDescription string) *ProjectContext {
	return &ProjectContext{
		ID:              uuid.NewString(),
		RootDir:         rootDir,
		TaskDescription: taskDescription,
		subtasks:        make(map[string]*Subtask),
	}
}

// Manager enforces every mutation rule in the data model: ready-set
// computation, result/feedback application, and the attempt cap.
type Manager struct {
	MaxAttempts int
	bus         *bus.Bus
	ctx         *ProjectContext
}

// New binds a Manager to one build's ProjectContext.
func New(ctx *ProjectContext, maxAttempts int, b *bus.Bus) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Manager{MaxAttempts: maxAttempts, bus: b, ctx: ctx}
}

// AddSubtasksFromPlan assigns fresh ids to each plan item and resolves its
// dependency tokens against (a) sibling titles in the same plan, (b)
// existing subtask titles, (c) a numeric index into the current plan.
// Unresolved tokens are dropped.
func (m *Manager) AddSubtasksFromPlan(items []PlanItem) []string {
	c := m.ctx
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, len(items))
	for i := range items {
		ids[i] = uuid.NewString()
	}

	titleToID := make(map[string]string, len(items))
	for i, item := range items {
		titleToID[item.Title] = ids[i]
	}

	for i, item := range items {
		deps := make([]string, 0, len(item.Dependencies))
		for _, token := range item.Dependencies {
			if id, ok := resolveDependency(token, item.Title, titleToID, c, ids); ok {
				deps = append(deps, id)
			}
		}

		st := &Subtask{
			ID:           ids[i],
			Title:        item.Title,
			Description:  item.Description,
			Dependencies: deps,
			Status:       StatusPending,
		}
		c.subtasks[st.ID] = st
		c.order = append(c.order, st.ID)
	}

	return ids
}

// AddMoreSubtasks is AddSubtasksFromPlan under a different name, used when
// the orchestrator appends fix or continuation subtasks mid-build.
func (m *Manager) AddMoreSubtasks(items []PlanItem) []string {
	return m.AddSubtasksFromPlan(items)
}

func resolveDependency(token, selfTitle string, titleToID map[string]string, c *ProjectContext, planIDs []string) (string, bool) {
	if token == selfTitle {
		return "", false
	}
	if id, ok := titleToID[token]; ok {
		return id, true
	}
	for _, id := range c.order {
		if c.subtasks[id].Title == token {
			return id, true
		}
	}
	if n, err := strconv.Atoi(token); err == nil {
		if n >= 0 && n < len(planIDs) {
			return planIDs[n], true
		}
	}
	return "", false
}

// isCompleted reports whether id resolves to a completed subtask. Unknown
// ids resolve to "not completed" per invariant 1.
func isCompleted(c *ProjectContext, id string) bool {
	st, ok := c.subtasks[id]
	return ok && st.Status == StatusCompleted
}

// GetReadySubtasks returns every pending subtask whose dependencies are all
// completed, in insertion order. A dependency id that matches no subtask
// counts as not completed, so its dependent never becomes ready.
func (m *Manager) GetReadySubtasks() []*Subtask {
	c := m.ctx
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ready []*Subtask
	for _, id := range c.order {
		st := c.subtasks[id]
		if st.Status != StatusPending {
			continue
		}
		allDone := true
		for _, dep := range st.Dependencies {
			if !isCompleted(c, dep) {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, st)
		}
	}
	return ready
}

// Assign marks a subtask in_progress and binds it to a worker slot.
func (m *Manager) Assign(subtaskID string, workerIndex int) {
	c := m.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.subtasks[subtaskID]
	if !ok {
		return
	}
	st.Status = StatusInProgress
	st.AssignedWorker = workerIndex
	st.HasWorker = true
	if m.bus != nil {
		m.bus.Publish(bus.TopicSubtaskAssigned, SubtaskAssignedEvent{SubtaskID: subtaskID, WorkerIndex: workerIndex})
	}
}

// ApplyWorkerResult applies one attempt's outcome per §4.8: truncates and
// stores the summary, appends artifacts, and advances status. A completed
// result is only tentatively completed — a subsequent review may still
// revert it to pending.
func (m *Manager) ApplyWorkerResult(result WorkerResult) {
	c := m.ctx
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.subtasks[result.SubtaskID]
	if !ok {
		return
	}

	st.Result = truncate(result.Summary, resultCap)
	st.Artifacts = append(st.Artifacts, result.Artifacts...)

	switch result.Status {
	case StatusCompleted:
		st.Status = StatusCompleted
	case StatusFailed:
		st.Attempts++
		if st.Attempts >= m.MaxAttempts {
			st.Status = StatusFailed
		} else {
			st.Status = StatusPending
			if result.Err != nil {
				st.Feedback = result.Err.Error()
			}
		}
	default:
		st.Status = result.Status
	}

	if m.bus != nil {
		m.bus.Publish(bus.TopicSubtaskCompleted, SubtaskCompletedEvent{SubtaskID: st.ID, Status: st.Status})
	}
}

// ApplyReviewDecisions applies the reviewer's verdicts for the just-run
// batch per §4.8's three verdicts.
func (m *Manager) ApplyReviewDecisions(decisions []ReviewDecision) {
	c := m.ctx
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range decisions {
		st, ok := c.subtasks[d.SubtaskID]
		if !ok {
			continue
		}
		switch d.Verdict {
		case "accept":
			st.Status = StatusCompleted
		case "revise":
			st.Status = StatusPending
			st.Feedback = d.Feedback
			st.Attempts++
			if st.Attempts >= m.MaxAttempts {
				st.Status = StatusFailed
			}
		case "reassign":
			st.Status = StatusPending
			st.HasWorker = false
			st.AssignedWorker = 0
			st.Feedback = d.Feedback
		}
	}
}

// AllCompleted reports whether every subtask is completed.
func (m *Manager) AllCompleted() bool {
	c := m.ctx
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subtasks) == 0 {
		return false
	}
	for _, st := range c.subtasks {
		if st.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// AnyFailed reports whether at least one subtask is permanently failed.
func (m *Manager) AnyFailed() bool {
	c := m.ctx
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, st := range c.subtasks {
		if st.Status == StatusFailed && st.Attempts >= m.MaxAttempts {
			return true
		}
	}
	return false
}

// FailedIDs returns the ids of every permanently-failed subtask.
func (m *Manager) FailedIDs() []string {
	c := m.ctx
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []string
	for _, id := range c.order {
		st := c.subtasks[id]
		if st.Status == StatusFailed && st.Attempts >= m.MaxAttempts {
			ids = append(ids, id)
		}
	}
	return ids
}

// StatusSummary renders a human-readable multi-line status report, used
// both for display and as context injected into the next LLM prompt.
func (m *Manager) StatusSummary() string {
	c := m.ctx
	c.mu.RLock()
	defer c.mu.RUnlock()

	var b strings.Builder
	counts := map[Status]int{}
	for _, id := range c.order {
		st := c.subtasks[id]
		counts[st.Status]++
		fmt.Fprintf(&b, "- [%s] %s (attempts=%d)\n", st.Status, st.Title, st.Attempts)
		if st.Feedback != "" {
			fmt.Fprintf(&b, "    feedback: %s\n", st.Feedback)
		}
	}
	fmt.Fprintf(&b, "\ntotals: pending=%d in_progress=%d completed=%d failed=%d\n",
		counts[StatusPending], counts[StatusInProgress], counts[StatusCompleted], counts[StatusFailed])
	return b.String()
}

// Snapshot returns a defensive copy of every subtask, in insertion order.
func (m *Manager) Snapshot() []Subtask {
	c := m.ctx
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Subtask, 0, len(c.order))
	for _, id := range c.order {
		st := *c.subtasks[id]
		st.Dependencies = append([]string(nil), c.subtasks[id].Dependencies...)
		st.Artifacts = append([]string(nil), c.subtasks[id].Artifacts...)
		out = append(out, st)
	}
	return out
}

// Restore replaces the subtask collection wholesale, used when loading a
// checkpoint. Any in_progress subtask is reset to pending by the caller
// before Restore, per the checkpointer's load contract.
func (m *Manager) Restore(subtasks []Subtask) {
	c := m.ctx
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subtasks = make(map[string]*Subtask, len(subtasks))
	c.order = make([]string, 0, len(subtasks))
	for i := range subtasks {
		st := subtasks[i]
		c.subtasks[st.ID] = &st
		c.order = append(c.order, st.ID)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// SavedAt is an alias for a checkpoint timestamp. The checkpoint payload
// declares its own SavedAt field as time.Time and does not use this alias.
type SavedAt = time.Time

// SubtaskAssignedEvent is published on bus.TopicSubtaskAssigned.
type SubtaskAssignedEvent struct {
	SubtaskID   string
	WorkerIndex int
}

// SubtaskCompletedEvent is published on bus.TopicSubtaskCompleted.
type SubtaskCompletedEvent struct {
	SubtaskID string
	Status    Status
}
