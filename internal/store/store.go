// Package store implements the hierarchical key-path document store that
// backs every shared session. Paths are slash-separated ("sessions/s1/tokens").
// Subscribers always receive the full current subtree value, never a diff,
// and there is no compare-and-swap: concurrent writers converge by
// last-writer-wins in store delivery order.
package store

import "strings"

// Handler receives the full subtree value at the subscribed path after every
// change. A nil value means the subtree does not exist. Handlers must not
// call back into the store's mutating operations.
type Handler func(value any)

// Store is the client-side contract shared by the in-process tree and the
// websocket-backed remote adapter.
type Store interface {
	// ReadOnce returns a deep copy of the subtree at path, or nil if absent.
	ReadOnce(path string) (any, error)

	// Write replaces the subtree at path. Writing nil deletes it.
	Write(path string, value any) error

	// Patch shallow-merges partial into the map at path. A nil entry value
	// deletes that key. Patching a non-map subtree replaces it.
	Patch(path string, partial map[string]any) error

	// Delete removes the subtree at path.
	Delete(path string) error

	// NewKey returns a fresh globally-unique key under path. Keys sort
	// lexicographically by creation time.
	NewKey(path string) (string, error)

	// Subscribe registers fn for path and immediately delivers the current
	// value. The returned func cancels the subscription.
	Subscribe(path string, fn Handler) (func(), error)
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// isPrefix reports whether a is a path prefix of b (or equal).
func isPrefix(a, b []string) bool {
	if len(a) > len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
