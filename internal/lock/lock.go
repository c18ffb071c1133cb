// Package lock implements advisory, time-boxed edit locks held in memory.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcliao/content-engine/internal/apperr"
	"github.com/rcliao/content-engine/internal/model"
)

// Status of a resource's edit lock.
type Status string

const (
	StatusNone    Status = "NONE"
	StatusActive  Status = "ACTIVE"
	StatusExpired Status = "EXPIRED"
)

// Outcome of a release.
type Outcome string

const (
	Released Outcome = "RELEASED"
	NotHeld  Outcome = "NOT_HELD"
)

// Manager arbitrates edit sessions per resource id. Every check-and-set
// runs under one mutex.
type Manager struct {
	mu    sync.Mutex
	locks map[string]model.ResourceEditLock
	ttl   time.Duration
	now   func() time.Time
	log   zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the manager logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a manager whose locks expire after ttl.
func NewManager(ttl time.Duration, opts ...Option) *Manager {
	m := &Manager{
		locks: make(map[string]model.ResourceEditLock),
		ttl:   ttl,
		now:   time.Now,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) expired(l model.ResourceEditLock, now time.Time) bool {
	return now.Sub(time.UnixMilli(l.LockedAt)) > m.ttl
}

// Acquire grants user a fresh lock on resourceID when the resource is
// unlocked, already held by user, or held by an expired lock. A live lock
// held by someone else is returned unchanged; callers compare LockedBy to
// learn whether they got it.
func (m *Manager) Acquire(user, resourceID string) model.ResourceEditLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur, ok := m.locks[resourceID]
	if ok && cur.LockedBy != user && !m.expired(cur, now) {
		m.log.Debug().Str("resource", resourceID).Str("holder", cur.LockedBy).Str("user", user).
			Msg("lock held by another user")
		return cur
	}
	l := model.ResourceEditLock{ResourceID: resourceID, LockedBy: user, LockedAt: now.UnixMilli()}
	m.locks[resourceID] = l
	return l
}

// Release drops the lock only when user holds it.
func (m *Manager) Release(user, resourceID string) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[resourceID]
	if !ok || cur.LockedBy != user {
		return NotHeld
	}
	delete(m.locks, resourceID)
	return Released
}

// Status reports the lock state of a resource.
func (m *Manager) Status(resourceID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[resourceID]
	switch {
	case !ok:
		return StatusNone
	case m.expired(cur, m.now()):
		return StatusExpired
	default:
		return StatusActive
	}
}

// CheckPermission fails with Forbidden unless user holds the lock. An
// expired lock still held by user is honored, since nobody else claimed
// it. With touch the TTL slides forward.
func (m *Manager) CheckPermission(user, resourceID string, touch bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[resourceID]
	if !ok {
		return apperr.Forbidden("resource %s is not locked", resourceID)
	}
	if cur.LockedBy != user {
		return apperr.Forbidden("resource %s is locked by %s", resourceID, cur.LockedBy)
	}
	if touch {
		cur.LockedAt = m.now().UnixMilli()
		m.locks[resourceID] = cur
	}
	return nil
}

// Sweep drops expired entries and returns how many were removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for id, l := range m.locks {
		if m.expired(l, now) {
			delete(m.locks, id)
			n++
		}
	}
	return n
}

// Start sweeps expired locks every interval until ctx is done.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					m.log.Debug().Int("removed", n).Msg("swept expired edit locks")
				}
			}
		}
	}()
}
