// Package tokens tracks cumulative prompt/completion token usage for a
// build, publishing a running total after every call so external observers
// can watch consumption without polling the LLM transport directly.
package tokens

import (
	"sync"
	"sync/atomic"

	"github.com/codeswarm/swarm/internal/bus"
)

// Totals is a point-in-time snapshot of accumulated usage.
type Totals struct {
	PromptTokens     int64
	CompletionTokens int64
	Calls            int64
}

// Total returns prompt plus completion tokens.
func (t Totals) Total() int64 {
	return t.PromptTokens + t.CompletionTokens
}

// Accountant aggregates token usage across every LLM call in a build and
// publishes bus.TopicTokensUpdate after each Add.
type Accountant struct {
	prompt     int64
	completion int64
	calls      int64
	bus        *bus.Bus
	mu         sync.Mutex
	byModel    map[string]Totals
}

// New creates an Accountant. b may be nil, in which case updates are not
// published anywhere.
func New(b *bus.Bus) *Accountant {
	return &Accountant{bus: b, byModel: make(map[string]Totals)}
}

// Add records one call's usage and publishes the new running totals.
func (a *Accountant) Add(model string, prompt, completion int) {
	atomic.AddInt64(&a.prompt, int64(prompt))
	atomic.AddInt64(&a.completion, int64(completion))
	atomic.AddInt64(&a.calls, 1)

	a.mu.Lock()
	mt := a.byModel[model]
	mt.PromptTokens += int64(prompt)
	mt.CompletionTokens += int64(completion)
	mt.Calls++
	a.byModel[model] = mt
	a.mu.Unlock()

	if a.bus != nil {
		a.bus.Publish(bus.TopicTokensUpdate, a.Snapshot())
	}
}

// Reset zeroes every counter, for continuation-mode fresh-session accounting.
func (a *Accountant) Reset() {
	atomic.StoreInt64(&a.prompt, 0)
	atomic.StoreInt64(&a.completion, 0)
	atomic.StoreInt64(&a.calls, 0)
	a.mu.Lock()
	a.byModel = make(map[string]Totals)
	a.mu.Unlock()
}

// Snapshot returns the current running totals.
func (a *Accountant) Snapshot() Totals {
	return Totals{
		PromptTokens:     atomic.LoadInt64(&a.prompt),
		CompletionTokens: atomic.LoadInt64(&a.completion),
		Calls:            atomic.LoadInt64(&a.calls),
	}
}

// ByModel returns a copy of the per-model breakdown.
func (a *Accountant) ByModel() map[string]Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]Totals, len(a.byModel))
	for k, v := range a.byModel {
		out[k] = v
	}
	return out
}
