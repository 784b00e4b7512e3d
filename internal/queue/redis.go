package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"taskhive/internal/worker"
)

// redisStore spreads the queue across Redis so several daemon processes can
// share it. One list per (workerType, priority) keeps tier ordering without
// any client-side sorting; LPOP gives atomic handover.
type redisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) Store {
	if prefix == "" {
		prefix = "taskhive"
	}
	return &redisStore{rdb: rdb, prefix: prefix}
}

func (s *redisStore) listKey(workerType string, p worker.Priority) string {
	return fmt.Sprintf("%s:queue:%s:%d", s.prefix, workerType, int(p))
}
func (s *redisStore) taskKey(id string) string   { return s.prefix + ":task:" + id }
func (s *redisStore) resultKey(id string) string { return s.prefix + ":result:" + id }
func (s *redisStore) deadKey() string            { return s.prefix + ":dead" }
func (s *redisStore) workersKey() string         { return s.prefix + ":workers" }
func (s *redisStore) procKey(workerID string) string {
	return s.prefix + ":processing:" + workerID
}

var popOrder = []worker.Priority{
	worker.PriorityCritical, worker.PriorityHigh, worker.PriorityNormal, worker.PriorityLow,
}

func (s *redisStore) Put(ctx context.Context, t *Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.taskKey(t.ID), raw, 0)
	pipe.RPush(ctx, s.listKey(t.WorkerType, t.Priority), t.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// Pop drains the first listed type with pending work, best priority tier
// first. Caller order ranks across types, matching the memory store.
func (s *redisStore) Pop(ctx context.Context, workerTypes []string, workerID string, now time.Time) (*Task, error) {
	for _, wt := range workerTypes {
		for _, p := range popOrder {
			id, err := s.rdb.LPop(ctx, s.listKey(wt, p)).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, err
			}
			t, err := s.Get(ctx, id)
			if err != nil {
				if errors.Is(err, ErrTaskNotFound) {
					continue // cancelled between push and pop
				}
				return nil, err
			}
			t.Status = StatusProcessing
			t.WorkerID = workerID
			started := now
			t.StartedAt = &started
			if err := s.Update(ctx, t); err != nil {
				return nil, err
			}
			if err := s.rdb.SAdd(ctx, s.procKey(workerID), id).Err(); err != nil {
				return nil, err
			}
			return t, nil
		}
	}
	return nil, nil
}

func (s *redisStore) Get(ctx context.Context, id string) (*Task, error) {
	raw, err := s.rdb.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &t, nil
}

func (s *redisStore) Update(ctx context.Context, t *Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if t.Status != StatusProcessing && t.WorkerID != "" {
		// moving out of processing: drop the ownership marker
		_ = s.rdb.SRem(ctx, s.procKey(t.WorkerID), t.ID).Err()
	}
	return s.rdb.Set(ctx, s.taskKey(t.ID), raw, 0).Err()
}

func (s *redisStore) Remove(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != StatusPending {
		return ErrTaskNotFound
	}
	pipe := s.rdb.TxPipeline()
	pipe.LRem(ctx, s.listKey(t.WorkerType, t.Priority), 1, id)
	pipe.Del(ctx, s.taskKey(id))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) PendingCounts(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)
	var cursor uint64
	pattern := s.prefix + ":queue:*"
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			n, err := s.rdb.LLen(ctx, k).Result()
			if err != nil {
				return nil, err
			}
			if n == 0 {
				continue
			}
			// key layout: <prefix>:queue:<workerType>:<priority>
			wt := k[len(s.prefix)+len(":queue:"):]
			if i := lastColon(wt); i >= 0 {
				wt = wt[:i]
			}
			out[wt] += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

func (s *redisStore) PutResult(ctx context.Context, id string, result any, ttl time.Duration) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return s.rdb.Set(ctx, s.resultKey(id), raw, ttl).Err()
}

func (s *redisStore) GetResult(ctx context.Context, id string) (any, bool, error) {
	raw, err := s.rdb.Get(ctx, s.resultKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *redisStore) DeadLetter(ctx context.Context, t *Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return s.rdb.RPush(ctx, s.deadKey(), raw).Err()
}

func (s *redisStore) DeadLetters(ctx context.Context, workerType string) ([]Task, error) {
	raws, err := s.rdb.LRange(ctx, s.deadKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []Task
	for _, raw := range raws {
		var t Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		if workerType == "" || t.WorkerType == workerType {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *redisStore) Register(ctx context.Context, r *Registration) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}
	return s.rdb.HSet(ctx, s.workersKey(), r.WorkerID, raw).Err()
}

func (s *redisStore) Heartbeat(ctx context.Context, workerID string, currentTasks int, at time.Time) error {
	raw, err := s.rdb.HGet(ctx, s.workersKey(), workerID).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotRegistered
	}
	if err != nil {
		return err
	}
	var r Registration
	if err := json.Unmarshal(raw, &r); err != nil {
		return err
	}
	r.CurrentTasks = currentTasks
	r.LastHeartbeat = at
	return s.Register(ctx, &r)
}

func (s *redisStore) Unregister(ctx context.Context, workerID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, s.workersKey(), workerID)
	pipe.Del(ctx, s.procKey(workerID))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) Registrations(ctx context.Context) ([]Registration, error) {
	raws, err := s.rdb.HGetAll(ctx, s.workersKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Registration, 0, len(raws))
	for _, raw := range raws {
		var r Registration
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *redisStore) ProcessingBy(ctx context.Context, workerID string) ([]Task, error) {
	ids, err := s.rdb.SMembers(ctx, s.procKey(workerID)).Result()
	if err != nil {
		return nil, err
	}
	var out []Task
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }
