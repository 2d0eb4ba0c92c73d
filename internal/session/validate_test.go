package session

import (
	"math"
	"testing"
)

func TestClampPosition(t *testing.T) {
	cases := []struct {
		x, y         float64
		wantX, wantY float64
	}{
		{50, 60, 50, 60},
		{-10, 30, 0, 30},
		{900, 700, 800, 600},
		{math.NaN(), 10, 0, 10},
		{math.Inf(1), math.Inf(-1), 0, 0},
	}
	for _, c := range cases {
		gx, gy := ClampPosition(c.x, c.y, 800, 600)
		if gx != c.wantX || gy != c.wantY {
			t.Fatalf("ClampPosition(%v,%v) = (%v,%v), want (%v,%v)", c.x, c.y, gx, gy, c.wantX, c.wantY)
		}
	}
}

func TestNormalizeToken(t *testing.T) {
	tok := NormalizeToken(Token{X: -5, Y: 1e6, HP: 42, MaxHP: 10, Size: 0, RevealRadius: -1}, 800, 600)
	if tok.X != 0 || tok.Y != 600 {
		t.Fatalf("position not clamped: (%v,%v)", tok.X, tok.Y)
	}
	if tok.HP != 10 {
		t.Fatalf("hp = %d, want clamped to maxHp", tok.HP)
	}
	if tok.Size != DefaultTokenSize || tok.RevealRadius != DefaultRevealRadius {
		t.Fatalf("defaults not restored: size=%v radius=%v", tok.Size, tok.RevealRadius)
	}
}

func TestParseInitiativeValue(t *testing.T) {
	if _, err := ParseInitiativeValue("  17 "); err != nil {
		t.Fatalf("valid value rejected: %v", err)
	}
	for _, bad := range []string{"", "abc", "NaN", "Inf"} {
		if _, err := ParseInitiativeValue(bad); err == nil {
			t.Fatalf("%q accepted", bad)
		}
	}
}

func TestSortInitiative_StableTies(t *testing.T) {
	entries := []InitiativeEntry{
		{ID: "1", Name: "A", Value: 15, TS: 1},
		{ID: "2", Name: "B", Value: 20, TS: 2},
		{ID: "3", Name: "C", Value: 15, TS: 3},
	}
	got := SortInitiative(entries)
	names := []string{got[0].Name, got[1].Name, got[2].Name}
	if names[0] != "B" || names[1] != "A" || names[2] != "C" {
		t.Fatalf("order = %v, want [B A C]", names)
	}
	// Input slice untouched.
	if entries[0].Name != "A" {
		t.Fatalf("SortInitiative mutated its input")
	}
}

func TestCurrentTurn_WrapsIndex(t *testing.T) {
	entries := []InitiativeEntry{
		{ID: "1", Name: "A", Value: 15},
		{ID: "2", Name: "B", Value: 20},
	}
	e, ok := CurrentTurn(entries, 3)
	if !ok || e.Name != "A" {
		t.Fatalf("turn 3 of 2 = %v, want wrap to A", e.Name)
	}
	if _, ok := CurrentTurn(nil, 0); ok {
		t.Fatalf("empty initiative must have no current turn")
	}
}
