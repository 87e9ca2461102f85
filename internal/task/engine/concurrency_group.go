package engine

import (
	"strings"
	"sync"
)

// groupSemaphore bounds concurrent executions in one group.
// The limit is fixed at creation.
type groupSemaphore struct {
	limit int
	ch    chan struct{}
	// freed is signalled on release so parked workers can retry.
	freed chan struct{}
}

func newGroupSemaphore(limit int) *groupSemaphore {
	if limit <= 0 {
		limit = 1
	}
	gs := &groupSemaphore{limit: limit, ch: make(chan struct{}, limit), freed: make(chan struct{}, 1)}
	for i := 0; i < limit; i++ {
		gs.ch <- struct{}{}
	}
	return gs
}

func (g *groupSemaphore) tryAcquire() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *groupSemaphore) release() {
	select {
	case g.ch <- struct{}{}:
	default:
	}
	select {
	case g.freed <- struct{}{}:
	default:
	}
}

func (g *groupSemaphore) inFlight() int { return g.limit - len(g.ch) }

type groupStore struct {
	mu     sync.Mutex
	groups map[string]*groupSemaphore
}

// get returns the semaphore for key, or nil when the group is unlimited.
func (s *groupStore) get(key string, limits map[string]int) *groupSemaphore {
	k := strings.TrimSpace(key)
	if k == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if gs := s.groups[k]; gs != nil {
		return gs
	}
	limit := limits[k]
	if limit <= 0 {
		return nil
	}
	if s.groups == nil {
		s.groups = make(map[string]*groupSemaphore)
	}
	gs := newGroupSemaphore(limit)
	s.groups[k] = gs
	return gs
}

func (s *groupStore) snapshot() map[string]GroupSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.groups) == 0 {
		return nil
	}
	out := make(map[string]GroupSnapshot, len(s.groups))
	for k, gs := range s.groups {
		out[k] = GroupSnapshot{Limit: gs.limit, InFlight: gs.inFlight()}
	}
	return out
}
