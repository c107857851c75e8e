// Package swarmapi is the facade external collaborators use to drive
// builds without reaching into internal/orchestrator directly: start,
// resume, and continue builds, query status, and subscribe to the bus. It
// is the thin seam an out-of-scope CLI, TUI, or dashboard would sit behind.
package swarmapi

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/codeswarm/swarm/internal/bus"
	"github.com/codeswarm/swarm/internal/logging"
	"github.com/codeswarm/swarm/internal/orchestrator"
)

// Phase is a build handle's coarse lifecycle state, distinct from the
// finer-grained orchestrator phases published on the bus.
type Phase string

const (
	PhaseRunning Phase = "running"
	PhaseDone    Phase = "done"
	PhaseFailed  Phase = "failed"
)

// BuildStatus is a point-in-time snapshot returned by Status.
type BuildStatus struct {
	ID      string
	Phase   Phase
	Summary string
	Err     error
}

type buildHandle struct {
	mu    sync.Mutex
	orch  *orchestrator.Orchestrator
	phase Phase
	err   error
}

func (h *buildHandle) snapshot(id string) BuildStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return BuildStatus{
		ID:      id,
		Phase:   h.phase,
		Summary: h.orch.StatusSummary(),
		Err:     h.err,
	}
}

func (h *buildHandle) settle(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
	if err != nil {
		h.phase = PhaseFailed
		return
	}
	h.phase = PhaseDone
}

// Service tracks every build it has started or resumed, keyed by a handle
// id independent of the orchestrator's own project id, so a caller can
// query status before the orchestrator has finished its checkpoint-load
// initialization.
type Service struct {
	mu     sync.RWMutex
	builds map[string]*buildHandle
	bus    *bus.Bus
	log    logging.Logger
}

// New constructs a Service. b is the shared bus every started orchestrator
// publishes to unless its Config.Bus is already set to something else.
func New(b *bus.Bus, log logging.Logger) *Service {
	if log == nil {
		log = logging.NoOp{}
	}
	return &Service{
		builds: make(map[string]*buildHandle),
		bus:    b,
		log:    log,
	}
}

// StartBuild constructs an orchestrator from cfg and runs it to completion
// in the background, returning a handle id immediately.
func (s *Service) StartBuild(ctx context.Context, cfg orchestrator.Config) (string, error) {
	if cfg.Bus == nil {
		cfg.Bus = s.bus
	}
	orch := orchestrator.New(cfg)
	id := uuid.NewString()
	h := &buildHandle{orch: orch, phase: PhaseRunning}

	s.mu.Lock()
	s.builds[id] = h
	s.mu.Unlock()

	go func() {
		err := orch.Run(ctx)
		if err != nil {
			s.log.Warn("build finished with an error", logging.String("build_id", id), logging.Err(err))
		}
		h.settle(err)
	}()

	return id, nil
}

// Resume is StartBuild for a build that should pick up from a checkpoint:
// the orchestrator's own initialize phase loads the checkpoint
// transparently, so this only enforces that the caller actually configured
// one.
func (s *Service) Resume(ctx context.Context, cfg orchestrator.Config) (string, error) {
	if cfg.Checkpoint == nil {
		return "", fmt.Errorf("resume requires a configured checkpoint store")
	}
	return s.StartBuild(ctx, cfg)
}

// Continue re-enters a finished build's orchestrator with a change
// request, per the continuation-mode contract. The build must not already
// be running.
func (s *Service) Continue(ctx context.Context, buildID, changeRequest string) error {
	h, err := s.get(buildID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.phase == PhaseRunning {
		h.mu.Unlock()
		return fmt.Errorf("build %s is still running", buildID)
	}
	h.phase = PhaseRunning
	h.err = nil
	orch := h.orch
	h.mu.Unlock()

	go func() {
		err := orch.Continue(ctx, changeRequest)
		if err != nil {
			s.log.Warn("continuation finished with an error", logging.String("build_id", buildID), logging.Err(err))
		}
		h.settle(err)
	}()

	return nil
}

// Status returns a snapshot of one build's lifecycle phase and current
// subtask status summary.
func (s *Service) Status(buildID string) (BuildStatus, error) {
	h, err := s.get(buildID)
	if err != nil {
		return BuildStatus{}, err
	}
	return h.snapshot(buildID), nil
}

// Subscribe passes through to the shared bus, so external collaborators
// never need to import internal/bus themselves.
func (s *Service) Subscribe(topic bus.Topic) <-chan bus.Event {
	return s.bus.Subscribe(topic)
}

// Unsubscribe passes through to the shared bus.
func (s *Service) Unsubscribe(topic bus.Topic, ch <-chan bus.Event) {
	s.bus.Unsubscribe(topic, ch)
}

func (s *Service) get(buildID string) (*buildHandle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.builds[buildID]
	if !ok {
		return nil, fmt.Errorf("unknown build id %q", buildID)
	}
	return h, nil
}
