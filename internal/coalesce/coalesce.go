// Package coalesce serializes work per key. A request that arrives while
// the key is in flight is remembered as pending and becomes exactly one
// extra run, however many requests arrived meanwhile.
package coalesce

import "sync"

type state uint8

const (
	running state = iota + 1
	runningPending
)

// Registry tracks in-flight keys.
type Registry struct {
	mu    sync.Mutex
	state map[string]state
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{state: make(map[string]state)}
}

// TryBegin claims key. It returns false when key is already in flight, in
// which case the key is marked pending and the holder will re-run.
func (r *Registry) TryBegin(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.state[key]; busy {
		r.state[key] = runningPending
		return false
	}
	r.state[key] = running
	return true
}

// Finish ends the current run of key. If a request arrived during the run
// it returns true and the caller still holds key for one more run;
// otherwise key is released.
func (r *Registry) Finish(key string) (rerun bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state[key] == runningPending {
		r.state[key] = running
		return true
	}
	delete(r.state, key)
	return false
}

// Hold runs fn for a key the caller claimed with TryBegin, once more for
// each batch of requests that arrived meanwhile, then releases key. It
// returns the error of the last run. A panic in fn releases key before it
// propagates.
func (r *Registry) Hold(key string, fn func() error) error {
	defer func() {
		if p := recover(); p != nil {
			r.release(key)
			panic(p)
		}
	}()
	for {
		err := fn()
		if !r.Finish(key) {
			return err
		}
	}
}

// Abandon releases key without running, dropping any pending request.
func (r *Registry) Abandon(key string) {
	r.release(key)
}

func (r *Registry) release(key string) {
	r.mu.Lock()
	delete(r.state, key)
	r.mu.Unlock()
}
