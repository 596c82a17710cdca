package reconciler

import (
	"testing"

	"github.com/Strob0t/AgentBridge/internal/domain/state"
)

func TestSnapshotIdempotence(t *testing.T) {
	r := New(nil)
	snap := state.Document{"plan": []any{"A", "B"}, "count": float64(2)}

	r.ApplySnapshot(snap)
	once := r.View()
	r.ApplySnapshot(snap)
	twice := r.View()

	if !once.Equal(twice) {
		t.Fatalf("snapshot not idempotent: %v vs %v", once, twice)
	}
	if !twice.Equal(snap) {
		t.Fatalf("view diverged from snapshot: %v", twice)
	}
}

func TestSnapshotPreservesUnsentEdit(t *testing.T) {
	r := New(state.Document{"title": "draft", "count": float64(1)})
	r.LocalEdit(func(doc state.Document) {
		doc["title"] = "edited locally"
	})

	r.ApplySnapshot(state.Document{"title": "agent wins", "count": float64(9)})

	view := r.View()
	if view["title"] != "edited locally" {
		t.Fatalf("unsent edit clobbered: %v", view["title"])
	}
	if view["count"] != float64(9) {
		t.Fatalf("untouched field must follow snapshot: %v", view["count"])
	}
}

func TestSnapshotWinsAfterShipment(t *testing.T) {
	r := New(state.Document{"title": "draft"})
	r.LocalEdit(func(doc state.Document) {
		doc["title"] = "edited locally"
	})

	shipped := r.ToRequestState()
	if shipped["title"] != "edited locally" {
		t.Fatalf("outgoing state must carry the edit verbatim: %v", shipped)
	}
	if r.Dirty() {
		t.Fatal("dirty flag must clear on shipment")
	}

	// Once shipped, the field reverts to agent authority.
	r.ApplySnapshot(state.Document{"title": "agent wins"})
	if got := r.View()["title"]; got != "agent wins" {
		t.Fatalf("shipped field still shielded: %v", got)
	}
}

func TestDeltaSkipsEditedFields(t *testing.T) {
	r := New(state.Document{"a": float64(1), "b": float64(1)})
	r.LocalEdit(func(doc state.Document) {
		doc["a"] = float64(100)
	})

	r.ApplyDelta(state.Document{"a": float64(2), "b": float64(2)})

	view := r.View()
	if view["a"] != float64(100) {
		t.Fatalf("edited field patched: %v", view["a"])
	}
	if view["b"] != float64(2) {
		t.Fatalf("unedited field not patched: %v", view["b"])
	}
}

func TestDeltaMergesNestedAndReplacesArrays(t *testing.T) {
	r := New(state.Document{
		"doc":  map[string]any{"title": "t", "body": "b"},
		"plan": []any{"A", "B"},
	})

	r.ApplyDelta(state.Document{
		"doc":  map[string]any{"body": "patched"},
		"plan": []any{"C"},
	})

	view := r.View()
	doc := view["doc"].(map[string]any)
	if doc["title"] != "t" || doc["body"] != "patched" {
		t.Fatalf("nested merge wrong: %v", doc)
	}
	plan := view["plan"].([]any)
	if len(plan) != 1 || plan[0] != "C" {
		t.Fatalf("array must replace wholesale: %v", plan)
	}
}

func TestLocalEditTracksRemovals(t *testing.T) {
	r := New(state.Document{"note": "keep me"})
	r.LocalEdit(func(doc state.Document) {
		delete(doc, "note")
	})

	r.ApplySnapshot(state.Document{"note": "resurrected"})
	if _, ok := r.View()["note"]; ok {
		t.Fatal("locally removed field must stay removed until shipped")
	}
}

// Scenario: the agent streams a plan, the operator reorders steps before the
// next snapshot lands, and the reorder survives until the next request ships.
func TestPlanSyncScenario(t *testing.T) {
	r := New(nil)
	r.ApplySnapshot(state.Document{"plan": []any{"research", "draft", "review"}})

	r.LocalEdit(func(doc state.Document) {
		doc["plan"] = []any{"draft", "research", "review"}
	})

	// A late snapshot from the in-flight run must not undo the reorder.
	r.ApplySnapshot(state.Document{"plan": []any{"research", "draft", "review"}, "status": "planning"})

	view := r.View()
	plan := view["plan"].([]any)
	if plan[0] != "draft" {
		t.Fatalf("operator reorder lost: %v", plan)
	}
	if view["status"] != "planning" {
		t.Fatalf("new snapshot field missing: %v", view)
	}

	// The next request carries the reordered plan and releases the shield.
	out := r.ToRequestState()
	if out["plan"].([]any)[0] != "draft" {
		t.Fatalf("request state wrong: %v", out)
	}
	r.ApplySnapshot(state.Document{"plan": []any{"draft", "research", "review"}, "status": "executing"})
	if r.View()["status"] != "executing" {
		t.Fatal("post-shipment snapshot must win everywhere")
	}
}

func TestViewReturnsCopy(t *testing.T) {
	r := New(state.Document{"a": float64(1)})
	v := r.View()
	v["a"] = float64(999)
	if r.View()["a"] != float64(1) {
		t.Fatal("View must not expose internal storage")
	}
}
