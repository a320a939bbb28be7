package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/cinegen/types"
)

// MemoryStore 进程内存储，用于开发与测试
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	queued map[string]int64
	seq    int64
	closed bool
}

// NewMemoryStore creates an in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*Job),
		queued: make(map[string]int64),
	}
}

func (s *MemoryStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return types.Validation("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.StoreFailure("create", errStoreClosed)
	}
	if _, ok := s.jobs[job.ID]; ok {
		return types.Errorf(types.ErrConflict, "job %q already exists", job.ID)
	}
	s.seq++
	job.Seq = s.seq
	s.jobs[job.ID] = job.Clone()
	s.index(job)
	return nil
}

func (s *MemoryStore) index(job *Job) {
	if job.State == StateQueued {
		s.queued[job.ID] = job.Seq
	} else {
		delete(s.queued, job.ID)
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, notFound(id)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Job, error) {
	filter = filter.normalized()

	s.mu.RLock()
	matched := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.State == "" || job.State == filter.State {
			matched = append(matched, job)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].Seq > matched[j].Seq })

	if filter.Offset >= len(matched) {
		return []*Job{}, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	out := make([]*Job, len(matched))
	s.mu.RLock()
	for i, job := range matched {
		out[i] = job.Clone()
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn func(job *Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[id]
	if !ok {
		return nil, notFound(id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return cur.Clone(), nil
		}
		return nil, err
	}
	next.ID, next.Seq = cur.ID, cur.Seq
	s.jobs[id] = next
	s.index(next)
	return next.Clone(), nil
}

func (s *MemoryStore) ClaimNext(ctx context.Context) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		bestID  string
		bestSeq int64
	)
	for id, seq := range s.queued {
		if bestID == "" || seq < bestSeq {
			bestID, bestSeq = id, seq
		}
	}
	if bestID == "" {
		return nil, nil
	}

	next := s.jobs[bestID].Clone()
	if err := claimFn(time.Now().UTC())(next); err != nil {
		return nil, err
	}
	s.jobs[bestID] = next
	s.index(next)
	return next.Clone(), nil
}

func (s *MemoryStore) Cleanup(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, job := range s.jobs {
		if job.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(before) {
			delete(s.jobs, id)
			delete(s.queued, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (map[State]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[State]int, len(States))
	for _, st := range States {
		out[st] = 0
	}
	for _, job := range s.jobs {
		out[job.State]++
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.StoreFailure("ping", errStoreClosed)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
