package tokens

import (
	"testing"

	"github.com/codeswarm/swarm/internal/bus"
)

func TestAccountantAddAccumulates(t *testing.T) {
	a := New(nil)
	a.Add("gpt-4o", 100, 50)
	a.Add("gpt-4o", 10, 5)

	snap := a.Snapshot()
	if snap.PromptTokens != 110 || snap.CompletionTokens != 55 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Calls != 2 {
		t.Fatalf("expected 2 calls, got %d", snap.Calls)
	}
	if snap.Total() != 165 {
		t.Fatalf("expected total 165, got %d", snap.Total())
	}
}

func TestAccountantByModel(t *testing.T) {
	a := New(nil)
	a.Add("gpt-4o", 100, 50)
	a.Add("gpt-4o-mini", 20, 10)

	byModel := a.ByModel()
	if byModel["gpt-4o"].PromptTokens != 100 {
		t.Fatalf("unexpected gpt-4o totals: %+v", byModel["gpt-4o"])
	}
	if byModel["gpt-4o-mini"].CompletionTokens != 10 {
		t.Fatalf("unexpected gpt-4o-mini totals: %+v", byModel["gpt-4o-mini"])
	}
}

func TestAccountantReset(t *testing.T) {
	a := New(nil)
	a.Add("gpt-4o", 100, 50)
	a.Reset()

	snap := a.Snapshot()
	if snap.Total() != 0 || snap.Calls != 0 {
		t.Fatalf("expected zeroed snapshot after reset, got %+v", snap)
	}
	if len(a.ByModel()) != 0 {
		t.Fatal("expected empty per-model map after reset")
	}
}

func TestAccountantPublishesUpdate(t *testing.T) {
	b := bus.New()
	ch := b.Subscribe(bus.TopicTokensUpdate)
	a := New(b)

	a.Add("gpt-4o", 10, 5)

	select {
	case ev := <-ch:
		snap, ok := ev.Payload.(Totals)
		if !ok {
			t.Fatalf("expected Totals payload, got %T", ev.Payload)
		}
		if snap.Total() != 15 {
			t.Fatalf("expected total 15, got %d", snap.Total())
		}
	default:
		t.Fatal("expected tokens:update event to be published")
	}
}
