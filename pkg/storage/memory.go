package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/uhyunpark/instruction-desk/pkg/instruction"
)

// MemoryStore keeps everything in maps. Used by tests and the dev server.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	items   map[int64]*instruction.Instruction
	history map[int64][]instruction.Transition
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:   make(map[int64]*instruction.Instruction),
		history: make(map[int64][]instruction.Transition),
	}
}

func (s *MemoryStore) Create(_ context.Context, in *instruction.Instruction, t instruction.Transition) (*instruction.Instruction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	out := in.Clone()
	out.ID = s.nextID
	out.Version = 0
	if out.CreatedAt.IsZero() {
		out.CreatedAt = t.At
	}
	applyTo(out, &t)

	s.items[out.ID] = out
	s.history[out.ID] = []instruction.Transition{t}
	return out.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*instruction.Instruction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.items[id]
	if !ok {
		return nil, instruction.ErrNotFound
	}
	return in.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*instruction.Instruction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*instruction.Instruction, 0, len(s.items))
	for _, in := range s.items {
		if f.Match(in) {
			out = append(out, in.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ApplyTransition(_ context.Context, id int64, from instruction.Status, t instruction.Transition) (*instruction.Instruction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.items[id]
	if !ok {
		return nil, instruction.ErrNotFound
	}
	if cur.Status != from {
		return nil, ErrConflict
	}
	next := cur.Clone()
	applyTo(next, &t)

	s.items[id] = next
	s.history[id] = append(s.history[id], t)
	return next.Clone(), nil
}

func (s *MemoryStore) History(_ context.Context, id int64) ([]instruction.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.history[id]
	if !ok {
		return nil, instruction.ErrNotFound
	}
	return append([]instruction.Transition(nil), h...), nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
