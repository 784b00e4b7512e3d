package queue

import (
	"context"
	"sync"
	"time"
)

// memoryStore keeps everything under one mutex. Good enough for a single
// daemon process; multi-process deployments use the redis store.
type memoryStore struct {
	mu      sync.Mutex
	pending map[string][]*Task // workerType → priority-ordered slice
	tasks   map[string]*Task   // every known task by id
	results map[string]memResult
	dead    []Task
	workers map[string]*Registration
}

type memResult struct {
	value   any
	expires time.Time
}

func NewMemoryStore() Store {
	return &memoryStore{
		pending: make(map[string][]*Task),
		tasks:   make(map[string]*Task),
		results: make(map[string]memResult),
		workers: make(map[string]*Registration),
	}
}

func (s *memoryStore) Put(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[cp.ID] = &cp
	q := s.pending[cp.WorkerType]
	// insert before the first strictly lower tier; equal tiers stay FIFO
	idx := len(q)
	for i, p := range q {
		if p.Priority < cp.Priority {
			idx = i
			break
		}
	}
	q = append(q, nil)
	copy(q[idx+1:], q[idx:])
	q[idx] = &cp
	s.pending[cp.WorkerType] = q
	return nil
}

// Pop takes the head of the first listed type with pending work. The slice
// per type is priority-ordered by Put, so the head is that type's best task;
// across types the caller's order decides.
func (s *memoryStore) Pop(_ context.Context, workerTypes []string, workerID string, now time.Time) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wt := range workerTypes {
		q := s.pending[wt]
		if len(q) == 0 {
			continue
		}
		head := q[0]
		s.pending[wt] = q[1:]
		head.Status = StatusProcessing
		head.WorkerID = workerID
		started := now
		head.StartedAt = &started
		cp := *head
		return &cp, nil
	}
	return nil, nil
}

func (s *memoryStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memoryStore) Update(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return ErrTaskNotFound
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *memoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != StatusPending {
		return ErrTaskNotFound
	}
	q := s.pending[t.WorkerType]
	for i, p := range q {
		if p.ID == id {
			s.pending[t.WorkerType] = append(q[:i], q[i+1:]...)
			break
		}
	}
	delete(s.tasks, id)
	return nil
}

func (s *memoryStore) PendingCounts(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.pending))
	for wt, q := range s.pending {
		if len(q) > 0 {
			out[wt] = len(q)
		}
	}
	return out, nil
}

func (s *memoryStore) PutResult(_ context.Context, id string, result any, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[id] = memResult{value: result, expires: time.Now().Add(ttl)}
	return nil
}

func (s *memoryStore) GetResult(_ context.Context, id string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(r.expires) {
		delete(s.results, id)
		return nil, false, nil
	}
	return r.value, true, nil
}

func (s *memoryStore) DeadLetter(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = append(s.dead, *t)
	return nil
}

func (s *memoryStore) DeadLetters(_ context.Context, workerType string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.dead {
		if workerType == "" || t.WorkerType == workerType {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memoryStore) Register(_ context.Context, r *Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.workers[cp.WorkerID] = &cp
	return nil
}

func (s *memoryStore) Heartbeat(_ context.Context, workerID string, currentTasks int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return ErrNotRegistered
	}
	w.CurrentTasks = currentTasks
	w.LastHeartbeat = at
	return nil
}

func (s *memoryStore) Unregister(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, workerID)
	return nil
}

func (s *memoryStore) Registrations(_ context.Context) ([]Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Registration, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, *w)
	}
	return out, nil
}

func (s *memoryStore) ProcessingBy(_ context.Context, workerID string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.tasks {
		if t.Status == StatusProcessing && t.WorkerID == workerID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *memoryStore) Close() error { return nil }
