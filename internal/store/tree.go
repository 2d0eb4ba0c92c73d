package store

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Tree is the authoritative in-memory document. It is safe for concurrent
// use; subscription callbacks for a single path are delivered in the same
// order the writes were applied.
type Tree struct {
	mu   sync.Mutex
	root map[string]any

	deliverMu sync.Mutex

	subs   map[int]*subscription
	nextID int

	ulidMu      sync.Mutex
	ulidEntropy *ulid.MonotonicEntropy
}

type subscription struct {
	path []string
	fn   Handler
}

func NewTree() *Tree {
	return &Tree{
		root:        map[string]any{},
		subs:        map[int]*subscription{},
		ulidEntropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// normalize converts v into the generic JSON shape (maps, slices, float64,
// string, bool, nil) so that stored values are uniform and already copied.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: value not representable: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, c := range t {
			m[k] = deepCopy(c)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, c := range t {
			s[i] = deepCopy(c)
		}
		return s
	default:
		return v
	}
}

func (t *Tree) ReadOnce(path string) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return deepCopy(t.get(splitPath(path))), nil
}

func (t *Tree) Write(path string, value any) error {
	v, err := normalize(value)
	if err != nil {
		return err
	}
	t.mutate(path, func(parts []string) {
		t.set(parts, v)
	})
	return nil
}

func (t *Tree) Patch(path string, partial map[string]any) error {
	v, err := normalize(partial)
	if err != nil {
		return err
	}
	merged, _ := v.(map[string]any)
	t.mutate(path, func(parts []string) {
		cur, _ := t.get(parts).(map[string]any)
		if cur == nil {
			cur = map[string]any{}
		} else {
			cur = deepCopy(cur).(map[string]any)
		}
		for k, pv := range merged {
			if pv == nil {
				delete(cur, k)
			} else {
				cur[k] = pv
			}
		}
		if len(cur) == 0 {
			t.set(parts, nil)
			return
		}
		t.set(parts, cur)
	})
	return nil
}

func (t *Tree) Delete(path string) error {
	t.mutate(path, func(parts []string) {
		t.set(parts, nil)
	})
	return nil
}

func (t *Tree) NewKey(string) (string, error) {
	t.ulidMu.Lock()
	defer t.ulidMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), t.ulidEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (t *Tree) Subscribe(path string, fn Handler) (func(), error) {
	parts := splitPath(path)

	t.deliverMu.Lock()
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = &subscription{path: parts, fn: fn}
	initial := deepCopy(t.get(parts))
	t.mu.Unlock()
	fn(initial)
	t.deliverMu.Unlock()

	cancel := func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
	return cancel, nil
}

// Export returns a deep copy of the whole document, for snapshots.
func (t *Tree) Export() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return deepCopy(t.root)
}

// Import replaces the whole document, e.g. when resuming from a snapshot,
// and re-delivers every active subscription.
func (t *Tree) Import(doc any) error {
	v, err := normalize(doc)
	if err != nil {
		return err
	}
	m, _ := v.(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	t.mutate("", func([]string) {
		t.root = m
	})
	return nil
}

// mutate applies fn under the tree lock, then delivers full-subtree
// snapshots to every subscription whose path overlaps the changed path.
// deliverMu keeps the delivery order equal to the write order.
func (t *Tree) mutate(path string, fn func(parts []string)) {
	parts := splitPath(path)

	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	t.mu.Lock()
	fn(parts)
	type delivery struct {
		fn    Handler
		value any
	}
	var pending []delivery
	for _, s := range t.subs {
		if isPrefix(s.path, parts) || isPrefix(parts, s.path) {
			pending = append(pending, delivery{s.fn, deepCopy(t.get(s.path))})
		}
	}
	t.mu.Unlock()

	for _, d := range pending {
		d.fn(d.value)
	}
}

// get walks the tree; callers hold t.mu.
func (t *Tree) get(parts []string) any {
	var cur any = t.root
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[p]
		if !ok {
			return nil
		}
	}
	return cur
}

// set writes value at parts, pruning empty branches on delete; callers hold t.mu.
func (t *Tree) set(parts []string, value any) {
	if len(parts) == 0 {
		m, _ := value.(map[string]any)
		if m == nil {
			m = map[string]any{}
		}
		t.root = m
		return
	}
	setIn(t.root, parts, value)
}

func setIn(m map[string]any, parts []string, value any) (empty bool) {
	key := parts[0]
	if len(parts) == 1 {
		if value == nil {
			delete(m, key)
		} else {
			m[key] = value
		}
		return len(m) == 0
	}
	child, ok := m[key].(map[string]any)
	if !ok {
		if value == nil {
			return len(m) == 0
		}
		child = map[string]any{}
		m[key] = child
	}
	if setIn(child, parts[1:], value) {
		delete(m, key)
	}
	return len(m) == 0
}
