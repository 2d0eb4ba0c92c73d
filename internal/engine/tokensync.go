// Package engine holds the client-side synchronization core: the token sync
// engine with its optimistic overlay, and the session controller that wires
// store subscriptions to it.
package engine

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"loreforge.gg/internal/session"
	"loreforge.gg/internal/store"
)

// TokenSync owns the local token state for one session: cache mirrors the
// last remote snapshot, pending is the optimistic overlay for tokens this
// client is actively mutating. The store stays the source of truth; both
// maps are disposable.
type TokenSync struct {
	store     store.Store
	sessionID string

	mu        sync.Mutex
	mapW      float64
	mapH      float64
	gridPitch float64
	cache     map[string]session.Token
	pending   map[string]session.Token
	drags     map[string]*dragState

	repaint func()
}

type dragState struct {
	offX, offY float64
}

// DragHandle identifies one in-flight drag. It is only valid until EndDrag
// or AbortDrag.
type DragHandle struct {
	TokenID string
}

func NewTokenSync(st store.Store, sessionID string, repaint func()) *TokenSync {
	if repaint == nil {
		repaint = func() {}
	}
	return &TokenSync{
		store:     st,
		sessionID: sessionID,
		cache:     map[string]session.Token{},
		pending:   map[string]session.Token{},
		drags:     map[string]*dragState{},
		repaint:   repaint,
	}
}

// SetMapBounds updates the clamp bounds; zero means unbounded on that axis.
func (ts *TokenSync) SetMapBounds(w, h float64) {
	ts.mu.Lock()
	ts.mapW, ts.mapH = w, h
	ts.mu.Unlock()
}

// SetGridPitch sets the snap pitch used when a drag requests grid snapping.
func (ts *TokenSync) SetGridPitch(p float64) {
	ts.mu.Lock()
	ts.gridPitch = p
	ts.mu.Unlock()
}

// OnRemoteSnapshot replaces the cache wholesale with the delivered subtree.
// The store sends full values, never diffs, so this is a replace, not a
// merge. Pending entries survive until the remote value catches up or their
// drag ends, which keeps the acting client from seeing its own token snap
// back mid-commit.
func (ts *TokenSync) OnRemoteSnapshot(v any) {
	ts.mu.Lock()
	ts.cache = session.DecodeTokens(v)
	for id, p := range ts.pending {
		if _, dragging := ts.drags[id]; dragging {
			continue
		}
		c, ok := ts.cache[id]
		if !ok {
			// Deleted remotely; the overlay has nothing to protect.
			delete(ts.pending, id)
			continue
		}
		if samePos(c.X, p.X) && samePos(c.Y, p.Y) {
			delete(ts.pending, id)
		}
	}
	ts.mu.Unlock()
	ts.repaint()
}

func samePos(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

// Render returns the presented token list: cache overlaid by pending,
// ordered by token key (creation order). Hit-testing and painting both rely
// on this ordering.
func (ts *TokenSync) Render() []session.Token {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]session.Token, 0, len(ts.cache))
	for id, t := range ts.cache {
		if p, ok := ts.pending[id]; ok {
			t = p
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BeginDrag starts a drag if the role gate allows it. pointerX/Y is the
// pointer position at grab time; the offset to the token center is kept so
// the token does not jump under the cursor. A leaked drag on the same token
// from a lost pointer-up is reset here.
func (ts *TokenSync) BeginDrag(tokenID string, role session.Role, userID string, override bool, pointerX, pointerY float64) (DragHandle, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	tok, ok := ts.presented(tokenID)
	if !ok {
		return DragHandle{}, fmt.Errorf("begin drag %s: %w", tokenID, ErrNotFound)
	}
	if !session.CanMutateToken(role, tok, userID, override) {
		return DragHandle{}, fmt.Errorf("begin drag %s: %w", tokenID, ErrDenied)
	}

	// Defensive reset of a stale drag on this token.
	if _, leaked := ts.drags[tokenID]; leaked {
		delete(ts.drags, tokenID)
		delete(ts.pending, tokenID)
		tok, _ = ts.presented(tokenID)
	}

	ts.drags[tokenID] = &dragState{offX: tok.X - pointerX, offY: tok.Y - pointerY}
	return DragHandle{TokenID: tokenID}, nil
}

// UpdateDrag moves the optimistic copy. Local only: no store traffic, safe
// at pointer-move frequency.
func (ts *TokenSync) UpdateDrag(h DragHandle, pointerX, pointerY float64, gridSnap bool) {
	ts.mu.Lock()
	d, ok := ts.drags[h.TokenID]
	if !ok {
		ts.mu.Unlock()
		return
	}
	tok, ok := ts.presented(h.TokenID)
	if !ok {
		ts.mu.Unlock()
		return
	}
	x, y := pointerX+d.offX, pointerY+d.offY
	if gridSnap && ts.gridPitch > 0 {
		x = math.Round(x/ts.gridPitch) * ts.gridPitch
		y = math.Round(y/ts.gridPitch) * ts.gridPitch
	}
	tok.X, tok.Y = session.ClampPosition(x, y, ts.mapW, ts.mapH)
	ts.pending[h.TokenID] = tok
	ts.mu.Unlock()
	ts.repaint()
}

// EndDrag commits the final position with a single patch. The pending entry
// stays until the subscription echoes the value back; on store failure it is
// rolled back and the error returned; retry is the user's re-drag, not ours.
func (ts *TokenSync) EndDrag(h DragHandle) error {
	ts.mu.Lock()
	_, active := ts.drags[h.TokenID]
	delete(ts.drags, h.TokenID)
	tok, hasPending := ts.pending[h.TokenID]
	if !active || !hasPending {
		// Grab without movement: nothing to commit.
		delete(ts.pending, h.TokenID)
		ts.mu.Unlock()
		return nil
	}
	ts.mu.Unlock()

	err := ts.store.Patch(session.TokenPath(ts.sessionID, h.TokenID), map[string]any{
		"x": tok.X,
		"y": tok.Y,
	})
	if err != nil {
		ts.mu.Lock()
		delete(ts.pending, h.TokenID)
		ts.mu.Unlock()
		ts.repaint()
		return fmt.Errorf("commit drag %s: %w: %v", h.TokenID, ErrStore, err)
	}
	return nil
}

// AbortDrag discards the overlay without any remote write; the UI falls back
// to the last confirmed position.
func (ts *TokenSync) AbortDrag(h DragHandle) {
	ts.mu.Lock()
	delete(ts.drags, h.TokenID)
	delete(ts.pending, h.TokenID)
	ts.mu.Unlock()
	ts.repaint()
}

// Place creates a token. Players place for themselves; only the DM may set
// another owner.
func (ts *TokenSync) Place(callerID string, role session.Role, ownerID string, x, y float64, portrait string) (string, error) {
	if callerID == "" {
		return "", fmt.Errorf("place token: no identity: %w", ErrValidation)
	}
	if ownerID == "" {
		ownerID = callerID
	}
	if role != session.RoleDM && ownerID != callerID {
		return "", fmt.Errorf("place token for %s: %w", ownerID, ErrDenied)
	}

	id, err := ts.store.NewKey(session.TokensPath(ts.sessionID))
	if err != nil {
		return "", fmt.Errorf("place token: %w: %v", ErrStore, err)
	}

	ts.mu.Lock()
	w, h := ts.mapW, ts.mapH
	ts.mu.Unlock()
	tok := session.NormalizeToken(session.Token{
		ID:           id,
		Owner:        ownerID,
		X:            x,
		Y:            y,
		Size:         session.DefaultTokenSize,
		Portrait:     portrait,
		HP:           session.DefaultHP,
		MaxHP:        session.DefaultHP,
		RevealRadius: session.DefaultRevealRadius,
	}, w, h)

	if err := ts.store.Write(session.TokenPath(ts.sessionID, id), tok); err != nil {
		return "", fmt.Errorf("place token: %w: %v", ErrStore, err)
	}
	return id, nil
}

// Remove deletes a token. DM only.
func (ts *TokenSync) Remove(tokenID string, role session.Role) error {
	if role != session.RoleDM {
		return fmt.Errorf("remove token %s: %w", tokenID, ErrDenied)
	}
	ts.mu.Lock()
	_, ok := ts.presented(tokenID)
	ts.mu.Unlock()
	if !ok {
		return fmt.Errorf("remove token %s: %w", tokenID, ErrNotFound)
	}
	if err := ts.store.Delete(session.TokenPath(ts.sessionID, tokenID)); err != nil {
		return fmt.Errorf("remove token %s: %w: %v", tokenID, ErrStore, err)
	}
	return nil
}

// Edit patches token attributes (portrait, color, hp, reveal radius...).
// DM only. Numeric fields are validated against the merged result so the
// invariants hold no matter which subset is patched.
func (ts *TokenSync) Edit(tokenID string, role session.Role, patch map[string]any) error {
	if role != session.RoleDM {
		return fmt.Errorf("edit token %s: %w", tokenID, ErrDenied)
	}
	ts.mu.Lock()
	tok, ok := ts.presented(tokenID)
	w, h := ts.mapW, ts.mapH
	ts.mu.Unlock()
	if !ok {
		return fmt.Errorf("edit token %s: %w", tokenID, ErrNotFound)
	}

	merged, err := mergeTokenPatch(tok, patch)
	if err != nil {
		return fmt.Errorf("edit token %s: %w: %v", tokenID, ErrValidation, err)
	}
	merged = session.NormalizeToken(merged, w, h)

	sanitized := make(map[string]any, len(patch))
	for k := range patch {
		switch k {
		case "x":
			sanitized[k] = merged.X
		case "y":
			sanitized[k] = merged.Y
		case "hp":
			sanitized[k] = merged.HP
		case "maxHp":
			sanitized[k] = merged.MaxHP
		case "size":
			sanitized[k] = merged.Size
		case "revealRadius":
			sanitized[k] = merged.RevealRadius
		case "color":
			sanitized[k] = merged.Color
		case "portrait":
			sanitized[k] = merged.Portrait
		default:
			return fmt.Errorf("edit token %s: unknown field %q: %w", tokenID, k, ErrValidation)
		}
	}
	// Raising hp above the stored max requires patching maxHp too.
	if _, ok := patch["hp"]; ok {
		sanitized["hp"] = merged.HP
	}

	if err := ts.store.Patch(session.TokenPath(ts.sessionID, tokenID), sanitized); err != nil {
		return fmt.Errorf("edit token %s: %w: %v", tokenID, ErrStore, err)
	}
	return nil
}

func mergeTokenPatch(tok session.Token, patch map[string]any) (session.Token, error) {
	for k, v := range patch {
		switch k {
		case "x", "y", "hp", "maxHp", "size", "revealRadius":
			f, ok := toFloat(v)
			if !ok {
				return tok, fmt.Errorf("field %s: not a number", k)
			}
			switch k {
			case "x":
				tok.X = f
			case "y":
				tok.Y = f
			case "hp":
				tok.HP = int(f)
			case "maxHp":
				tok.MaxHP = int(f)
			case "size":
				tok.Size = f
			case "revealRadius":
				tok.RevealRadius = f
			}
		case "color":
			s, ok := v.(string)
			if !ok {
				return tok, fmt.Errorf("field color: not a string")
			}
			tok.Color = s
		case "portrait":
			s, ok := v.(string)
			if !ok {
				return tok, fmt.Errorf("field portrait: not a string")
			}
			tok.Portrait = s
		}
	}
	return tok, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// presented returns the token as currently shown (pending wins over cache);
// callers hold ts.mu.
func (ts *TokenSync) presented(id string) (session.Token, bool) {
	if p, ok := ts.pending[id]; ok {
		return p, true
	}
	c, ok := ts.cache[id]
	return c, ok
}

// Cached returns the last confirmed remote value, ignoring the overlay.
func (ts *TokenSync) Cached(id string) (session.Token, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	c, ok := ts.cache[id]
	return c, ok
}

// HasPending reports whether an optimistic overlay entry exists for id.
func (ts *TokenSync) HasPending(id string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	_, ok := ts.pending[id]
	return ok
}
