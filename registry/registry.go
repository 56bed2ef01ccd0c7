// Package registry holds the set of Active sessions. It is the only data
// structure the host mutates from several goroutines, and every access goes
// through its lock.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/text/cases"

	"github.com/cyberinferno/notnet/session"
)

var (
	// ErrDuplicateIdentity is returned by Register when the folded display
	// name is already taken.
	ErrDuplicateIdentity = errors.New("registry: duplicate identity")

	// ErrNotConnecting is returned by Register for a session that already
	// left the Connecting state.
	ErrNotConnecting = errors.New("registry: session is not connecting")
)

// Key returns the identity key for a display name. Names are compared after
// Unicode case folding, so "Alice" and "alice" collide.
func Key(name string) string {
	return cases.Fold().String(name)
}

// Registry maps identity keys to Active sessions and remembers registration
// order for snapshots. The zero value is not usable; call New.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]*session.Session
	order []*session.Session
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byKey: make(map[string]*session.Session)}
}

// Register activates s and adds it under its current name.
//
// Parameters:
//   - s: A session in the Connecting state with its name set
//
// Returns:
//   - An error wrapping ErrDuplicateIdentity if the name is taken
//   - ErrNotConnecting if s was already activated or closed
func (r *Registry) Register(s *session.Session) error {
	return r.RegisterThen(s, nil)
}

// RegisterThen is Register followed by fn, run under the registry lock once
// s is Active. No snapshot can include s before fn returns, so anything fn
// queues on s precedes every broadcast s will receive.
func (r *Registry) RegisterThen(s *session.Session, fn func()) error {
	key := Key(s.Name())

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byKey[key]; taken {
		return fmt.Errorf("%w: %q", ErrDuplicateIdentity, s.Name())
	}

	if !s.Activate() {
		return ErrNotConnecting
	}

	r.byKey[key] = s
	r.order = append(r.order, s)
	if fn != nil {
		fn()
	}

	return nil
}

// Unregister removes the session registered under name. It leaves the
// session's state alone, so whoever owns it still wins Retire and runs the
// teardown. Removing an absent name is a no-op.
//
// Returns:
//   - true if a session was removed
func (r *Registry) Unregister(name string) bool {
	key := Key(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byKey[key]
	if !ok {
		return false
	}

	r.removeLocked(key, s)
	return true
}

// Retire claims teardown of s: it moves s to Closing and drops it from the
// registry in one step. Only the first caller for a given session gets true;
// later triggers (a second I/O error, a racing kick) get false and must do
// nothing.
func (r *Registry) Retire(s *session.Session) bool {
	key := Key(s.Name())

	r.mu.Lock()
	defer r.mu.Unlock()

	if !s.BeginClose() {
		return false
	}

	if r.byKey[key] == s {
		r.removeLocked(key, s)
	}

	return true
}

// Lookup returns the session registered under name.
func (r *Registry) Lookup(name string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byKey[Key(name)]
	return s, ok
}

// Snapshot returns the registered sessions in registration order. The slice
// is a copy; later registry changes do not affect it.
func (r *Registry) Snapshot() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.order)
}

// Names returns registered display names in registration order.
func (r *Registry) Names() []string {
	return lo.Map(r.Snapshot(), func(s *session.Session, _ int) string {
		return s.Name()
	})
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byKey)
}

func (r *Registry) removeLocked(key string, s *session.Session) {
	delete(r.byKey, key)
	if i := slices.Index(r.order, s); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
}
