// Package bus implements the process-wide publish/subscribe primitive used
// to surface swarm progress to external observers (UIs, the facade, tests).
//
// Emit is non-blocking and delivery to each subscriber happens synchronously
// in the publisher's goroutine, in subscription order, before Publish
// returns — matching the ordering guarantee in the concurrency model.
// There are no delivery guarantees across a process crash.
package bus

import (
	"sync"
	"time"
)

// Topic names the well-known event channels external observers watch.
type Topic string

const (
	TopicOrchestratorPhase  Topic = "orchestrator:phase"
	TopicOrchestratorPlan   Topic = "orchestrator:plan"
	TopicOrchestratorReview Topic = "orchestrator:review"
	TopicIteration          Topic = "orchestrator:iteration"
	TopicSubtaskAssigned    Topic = "subtask:assigned"
	TopicSubtaskProgress    Topic = "subtask:progress"
	TopicSubtaskCompleted   Topic = "subtask:completed"
	TopicWorkerToken        Topic = "worker:token"
	TopicFileWritten        Topic = "file:written"
	TopicProjectDone        Topic = "project:done"
	TopicProjectError       Topic = "project:error"
	TopicRateLimitWait      Topic = "rate-limit:wait"
	TopicLLMRetry           Topic = "llm:retry"
	TopicTokensUpdate       Topic = "tokens:update"
)

// Event is a single published message.
type Event struct {
	Topic   Topic
	Payload interface{}
	At      time.Time
}

// Bus is a topic-keyed, process-wide publish/subscribe primitive.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic][]chan Event
	dropped     int64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[Topic][]chan Event)}
}

// Subscribe returns a buffered channel receiving events for topic. The
// channel is never closed by the bus; callers should Unsubscribe when done.
func (b *Bus) Subscribe(topic Topic) <-chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel previously returned by Subscribe for topic.
func (b *Bus) Unsubscribe(topic Topic, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[topic]
	for i, s := range subs {
		if s == ch {
			b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers an event to every subscriber of topic, in subscription
// order, without blocking: a subscriber whose channel is full has the event
// dropped rather than stalling the publisher.
func (b *Bus) Publish(topic Topic, payload interface{}) {
	ev := Event{Topic: topic, Payload: payload, At: time.Now()}

	b.mu.RLock()
	subs := make([]chan Event, len(b.subscribers[topic]))
	copy(subs, b.subscribers[topic])
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
		}
	}
}

// Dropped reports how many events have been dropped due to a full
// subscriber channel, for /metrics exposition.
func (b *Bus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
