package store

import (
	"sort"
	"testing"
)

func TestTree_WriteReadDelete(t *testing.T) {
	tr := NewTree()

	if err := tr.Write("sessions/s1/notes", "hello"); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, err := tr.ReadOnce("sessions/s1/notes")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if v != "hello" {
		t.Fatalf("got %v, want hello", v)
	}

	if err := tr.Delete("sessions/s1/notes"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	v, _ = tr.ReadOnce("sessions/s1/notes")
	if v != nil {
		t.Fatalf("deleted value still present: %v", v)
	}
	// Empty branches are pruned.
	v, _ = tr.ReadOnce("sessions")
	if v != nil {
		t.Fatalf("empty branch not pruned: %v", v)
	}
}

func TestTree_PatchMergesAndDeletesKeys(t *testing.T) {
	tr := NewTree()
	if err := tr.Write("t/a", map[string]any{"x": 1, "y": 2, "color": "red"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tr.Patch("t/a", map[string]any{"x": 9, "color": nil}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	v, _ := tr.ReadOnce("t/a")
	m := v.(map[string]any)
	if m["x"].(float64) != 9 {
		t.Fatalf("x = %v, want 9", m["x"])
	}
	if m["y"].(float64) != 2 {
		t.Fatalf("y = %v, want 2 (untouched)", m["y"])
	}
	if _, ok := m["color"]; ok {
		t.Fatalf("color not deleted by nil patch")
	}
}

func TestTree_SubscribeDeliversFullSubtree(t *testing.T) {
	tr := NewTree()
	if err := tr.Write("s/tokens/t1", map[string]any{"x": 1.0}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var got []any
	cancel, err := tr.Subscribe("s/tokens", func(v any) { got = append(got, v) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if len(got) != 1 {
		t.Fatalf("no initial delivery")
	}
	if _, ok := got[0].(map[string]any)["t1"]; !ok {
		t.Fatalf("initial snapshot missing t1: %v", got[0])
	}

	// A descendant write delivers the whole subtree, not a diff.
	if err := tr.Write("s/tokens/t2", map[string]any{"x": 2.0}); err != nil {
		t.Fatalf("write: %v", err)
	}
	last := got[len(got)-1].(map[string]any)
	if len(last) != 2 {
		t.Fatalf("snapshot = %v, want both tokens", last)
	}

	// An ancestor write that wipes the subtree delivers nil.
	if err := tr.Write("s", map[string]any{"notes": "x"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got[len(got)-1] != nil {
		t.Fatalf("expected nil snapshot after ancestor replace, got %v", got[len(got)-1])
	}
}

func TestTree_CancelStopsDelivery(t *testing.T) {
	tr := NewTree()
	n := 0
	cancel, _ := tr.Subscribe("a", func(any) { n++ })
	cancel()
	_ = tr.Write("a", "v")
	if n != 1 { // the initial delivery only
		t.Fatalf("delivered %d times after cancel", n)
	}
}

func TestTree_SnapshotIsACopy(t *testing.T) {
	tr := NewTree()
	_ = tr.Write("a/b", map[string]any{"k": "v"})

	var snap any
	cancel, _ := tr.Subscribe("a", func(v any) { snap = v })
	defer cancel()

	snap.(map[string]any)["b"].(map[string]any)["k"] = "mutated"
	v, _ := tr.ReadOnce("a/b")
	if v.(map[string]any)["k"] != "v" {
		t.Fatalf("subscriber mutation leaked into the tree")
	}
}

func TestTree_NewKeysSortByCreation(t *testing.T) {
	tr := NewTree()
	keys := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		k, err := tr.NewKey("s/chat")
		if err != nil {
			t.Fatalf("newkey: %v", err)
		}
		keys = append(keys, k)
	}
	if !sort.StringsAreSorted(keys) {
		t.Fatalf("keys not creation-ordered: %v", keys)
	}
	seen := map[string]bool{}
	for _, k := range keys {
		if seen[k] {
			t.Fatalf("duplicate key %s", k)
		}
		seen[k] = true
	}
}

func TestTree_ImportRedeliversSubscriptions(t *testing.T) {
	tr := NewTree()
	var last any
	cancel, _ := tr.Subscribe("s/map", func(v any) { last = v })
	defer cancel()

	doc := map[string]any{"s": map[string]any{"map": map[string]any{"url": "u"}}}
	if err := tr.Import(doc); err != nil {
		t.Fatalf("import: %v", err)
	}
	m, ok := last.(map[string]any)
	if !ok || m["url"] != "u" {
		t.Fatalf("subscription not redelivered on import: %v", last)
	}
}
