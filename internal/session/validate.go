package session

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ClampPosition confines (x, y) to [0, w] x [0, h]. NaN and infinities
// collapse to 0 so they can never reach the store.
func ClampPosition(x, y, w, h float64) (float64, float64) {
	return clampCoord(x, w), clampCoord(y, h)
}

func clampCoord(v, max float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	if v < 0 {
		return 0
	}
	if max > 0 && v > max {
		return max
	}
	return v
}

// ClampHP enforces 0 <= hp <= maxHp.
func ClampHP(hp, maxHP int) int {
	if maxHP < 0 {
		maxHP = 0
	}
	if hp < 0 {
		return 0
	}
	if hp > maxHP {
		return maxHP
	}
	return hp
}

// NormalizeToken applies the token invariants before a commit: position
// clamped to the map bounds, hp clamped to [0, maxHp], non-positive size and
// reveal radius restored to defaults.
func NormalizeToken(t Token, mapW, mapH float64) Token {
	t.X, t.Y = ClampPosition(t.X, t.Y, mapW, mapH)
	if t.MaxHP <= 0 {
		t.MaxHP = DefaultHP
	}
	t.HP = ClampHP(t.HP, t.MaxHP)
	if t.Size <= 0 || math.IsNaN(t.Size) {
		t.Size = DefaultTokenSize
	}
	if t.RevealRadius < 0 || math.IsNaN(t.RevealRadius) {
		t.RevealRadius = DefaultRevealRadius
	}
	return t
}

// ParseInitiativeValue parses user input for an initiative value. Rejected
// input never reaches the store.
func ParseInitiativeValue(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty initiative value")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("bad initiative value %q", raw)
	}
	return v, nil
}

// SortInitiative orders entries by value descending. Ties keep creation
// order (timestamp, then id), so equal values never reshuffle between
// renders.
func SortInitiative(entries []InitiativeEntry) []InitiativeEntry {
	out := make([]InitiativeEntry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Value > out[j].Value
	})
	return out
}

// CurrentTurn resolves the persisted turn index against the derived ordering,
// wrapping out-of-range indexes.
func CurrentTurn(entries []InitiativeEntry, turnIndex int) (InitiativeEntry, bool) {
	if len(entries) == 0 {
		return InitiativeEntry{}, false
	}
	ordered := SortInitiative(entries)
	if turnIndex < 0 {
		turnIndex = 0
	}
	return ordered[turnIndex%len(ordered)], true
}
