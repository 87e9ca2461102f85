package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"govcast/internal/model"
	logx "govcast/pkg/logx"
)

// memoryStore keeps everything in maps guarded by one mutex. Critical
// sections are short copies, never I/O, so delivery workers do not wait on
// each other for long.
type memoryStore struct {
	log logx.Logger

	mu         sync.RWMutex
	broadcasts map[string]model.Broadcast
	tasks      map[model.TaskKey]model.DeliveryTask
	byExternal map[string]model.TaskKey
	dedup      map[string]time.Time

	auditMu   sync.Mutex
	auditFile *os.File
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return newMemory(logx.Nop())
}

func newMemory(log logx.Logger) *memoryStore {
	return &memoryStore{
		log:        log,
		broadcasts: map[string]model.Broadcast{},
		tasks:      map[model.TaskKey]model.DeliveryTask{},
		byExternal: map[string]model.TaskKey{},
		dedup:      map[string]time.Time{},
	}
}

func openMemory(cfg Config, log logx.Logger) (Store, error) {
	s := newMemory(log)
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return s, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.auditFile = f
	return s, nil
}

func externalKey(ch model.Channel, id string) string { return string(ch) + "\x00" + id }

func cloneBroadcast(b model.Broadcast) model.Broadcast {
	b.Channels = slices.Clone(b.Channels)
	return b
}

func (s *memoryStore) CreateBroadcast(_ context.Context, b model.Broadcast) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.broadcasts[b.ID]; ok {
		return ErrExists
	}
	b.Version = 1
	s.broadcasts[b.ID] = cloneBroadcast(b)
	return nil
}

func (s *memoryStore) GetBroadcast(_ context.Context, id string) (model.Broadcast, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.broadcasts[id]
	if !ok {
		return model.Broadcast{}, ErrNotFound
	}
	return cloneBroadcast(b), nil
}

func (s *memoryStore) UpdateBroadcast(_ context.Context, b model.Broadcast) (model.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.broadcasts[b.ID]
	if !ok {
		return model.Broadcast{}, ErrNotFound
	}
	if cur.Version != b.Version {
		return model.Broadcast{}, ErrStale
	}
	b.Version++
	s.broadcasts[b.ID] = cloneBroadcast(b)
	return b, nil
}

func (s *memoryStore) DueBroadcasts(_ context.Context, now time.Time, limit int) ([]model.Broadcast, error) {
	s.mu.RLock()
	out := make([]model.Broadcast, 0)
	for _, b := range s.broadcasts {
		if b.Due(now) {
			out = append(out, cloneBroadcast(b))
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.Broadcast) int { return a.ScheduledAt.Compare(b.ScheduledAt) })
	if n := limitOr(limit, defaultListLimit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *memoryStore) StalledBroadcasts(_ context.Context, startedBefore time.Time, limit int) ([]model.Broadcast, error) {
	s.mu.RLock()
	out := make([]model.Broadcast, 0)
	for _, b := range s.broadcasts {
		if b.Status == model.BroadcastExecuting && b.StartedAt != nil && b.StartedAt.Before(startedBefore) {
			out = append(out, cloneBroadcast(b))
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.Broadcast) int { return a.StartedAt.Compare(*b.StartedAt) })
	if n := limitOr(limit, defaultListLimit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *memoryStore) InsertTasks(_ context.Context, tasks []model.DeliveryTask) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range tasks {
		if _, ok := s.tasks[t.Key]; ok {
			continue
		}
		t.Version = 1
		s.tasks[t.Key] = t
		if t.ExternalID != "" {
			s.byExternal[externalKey(t.Key.Channel, t.ExternalID)] = t.Key
		}
		n++
	}
	return n, nil
}

func (s *memoryStore) GetTask(_ context.Context, key model.TaskKey) (model.DeliveryTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[key]
	if !ok {
		return model.DeliveryTask{}, ErrNotFound
	}
	return t, nil
}

func (s *memoryStore) FindTaskByExternalID(_ context.Context, ch model.Channel, externalID string) (model.DeliveryTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byExternal[externalKey(ch, externalID)]
	if !ok {
		return model.DeliveryTask{}, ErrNotFound
	}
	return s.tasks[key], nil
}

func (s *memoryStore) UpdateTask(_ context.Context, t model.DeliveryTask) (model.DeliveryTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.Key]
	if !ok {
		return model.DeliveryTask{}, ErrNotFound
	}
	if cur.Version != t.Version {
		return model.DeliveryTask{}, ErrStale
	}
	t.Version++
	s.tasks[t.Key] = t
	if t.ExternalID != "" {
		s.byExternal[externalKey(t.Key.Channel, t.ExternalID)] = t.Key
	}
	return t, nil
}

func (s *memoryStore) ListTasks(_ context.Context, broadcastID string, f TaskFilter) ([]model.DeliveryTask, error) {
	out := s.collect(func(t model.DeliveryTask) bool {
		return t.Key.BroadcastID == broadcastID && f.match(t)
	})
	slices.SortFunc(out, func(a, b model.DeliveryTask) int {
		if c := strings.Compare(string(a.Key.Channel), string(b.Key.Channel)); c != 0 {
			return c
		}
		return strings.Compare(a.Key.RecipientID, b.Key.RecipientID)
	})
	if n := limitOr(f.Limit, defaultListLimit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *memoryStore) DueRetries(_ context.Context, now time.Time, limit int) ([]model.DeliveryTask, error) {
	out := s.collect(func(t model.DeliveryTask) bool {
		return t.Status == model.TaskRetrying && t.NextRetryAt != nil && !t.NextRetryAt.After(now)
	})
	slices.SortFunc(out, func(a, b model.DeliveryTask) int { return a.NextRetryAt.Compare(*b.NextRetryAt) })
	return truncateTasks(out, limit), nil
}

func (s *memoryStore) StaleTasks(_ context.Context, before time.Time, limit int) ([]model.DeliveryTask, error) {
	out := s.collect(func(t model.DeliveryTask) bool {
		if !t.UpdatedAt.Before(before) {
			return false
		}
		return t.Status == model.TaskPending || (t.Status == model.TaskSending && t.ExternalID == "")
	})
	slices.SortFunc(out, func(a, b model.DeliveryTask) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	return truncateTasks(out, limit), nil
}

func (s *memoryStore) AwaitingCallback(_ context.Context, before time.Time, limit int) ([]model.DeliveryTask, error) {
	out := s.collect(func(t model.DeliveryTask) bool {
		return t.AwaitingCallback() && t.SentAt != nil && t.SentAt.Before(before)
	})
	slices.SortFunc(out, func(a, b model.DeliveryTask) int { return a.SentAt.Compare(*b.SentAt) })
	return truncateTasks(out, limit), nil
}

func (s *memoryStore) TaskStats(_ context.Context, broadcastID string) (model.DeliveryStats, error) {
	return model.StatsOf(s.collect(func(t model.DeliveryTask) bool { return t.Key.BroadcastID == broadcastID })), nil
}

func (s *memoryStore) collect(keep func(model.DeliveryTask) bool) []model.DeliveryTask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.DeliveryTask, 0)
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

func truncateTasks(in []model.DeliveryTask, limit int) []model.DeliveryTask {
	if n := limitOr(limit, defaultListLimit); len(in) > n {
		return in[:n]
	}
	return in
}

func (s *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.auditFile.Write(append(b, '\n'))
	return err
}

func (s *memoryStore) ClaimDedup(_ context.Context, key string, until time.Time) (bool, error) {
	if key == "" {
		return true, nil
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.dedup[key]; ok && exp.After(now) {
		return false, nil
	}
	s.dedup[key] = until
	if len(s.dedup)%512 == 0 {
		for k, exp := range s.dedup {
			if exp.Before(now) {
				delete(s.dedup, k)
			}
		}
	}
	return true, nil
}

func (s *memoryStore) ReleaseDedup(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.dedup, key)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Close() error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}
