package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/instruction-desk/pkg/instruction"
)

// PebbleStore persists instructions in an embedded Pebble database.
// Writes are serialized by mu and committed as one synced batch, so a snapshot
// and its history entry are never observed apart.
type PebbleStore struct {
	mu     sync.Mutex
	db     *pebble.DB
	nextID int64
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	s := &PebbleStore{db: db}
	if err := s.loadNextID(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) loadNextID() error {
	val, closer, err := s.db.Get([]byte(keyNextID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load next id: %w", err)
	}
	defer closer.Close()

	n, err := strconv.ParseInt(string(val), 10, 64)
	if err != nil {
		return fmt.Errorf("corrupt next id %q: %w", val, err)
	}
	s.nextID = n
	return nil
}

func (s *PebbleStore) Create(_ context.Context, in *instruction.Instruction, t instruction.Transition) (*instruction.Instruction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID + 1
	out := in.Clone()
	out.ID = id
	out.Version = 0
	if out.CreatedAt.IsZero() {
		out.CreatedAt = t.At
	}
	applyTo(out, &t)

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := putJSON(batch, instructionKey(id), out); err != nil {
		return nil, err
	}
	if err := putJSON(batch, historyKey(id, t.Seq), t); err != nil {
		return nil, err
	}
	if err := batch.Set([]byte(keyNextID), []byte(strconv.FormatInt(id, 10)), nil); err != nil {
		return nil, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to commit instruction %d: %w", id, err)
	}

	s.nextID = id
	return out, nil
}

func (s *PebbleStore) Get(_ context.Context, id int64) (*instruction.Instruction, error) {
	return s.load(id)
}

func (s *PebbleStore) load(id int64) (*instruction.Instruction, error) {
	val, closer, err := s.db.Get(instructionKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, instruction.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get instruction %d: %w", id, err)
	}
	defer closer.Close()

	var in instruction.Instruction
	if err := json.Unmarshal(val, &in); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instruction %d: %w", id, err)
	}
	return &in, nil
}

// List walks instruction keys from the highest id down.
func (s *PebbleStore) List(_ context.Context, f Filter) ([]*instruction.Instruction, error) {
	prefix := []byte(prefixInstruction)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*instruction.Instruction
	for iter.Last(); iter.Valid(); iter.Prev() {
		var in instruction.Instruction
		if err := json.Unmarshal(iter.Value(), &in); err != nil {
			continue // Skip invalid entries
		}
		if !f.Match(&in) {
			continue
		}
		out = append(out, &in)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, iter.Error()
}

func (s *PebbleStore) ApplyTransition(_ context.Context, id int64, from instruction.Status, t instruction.Transition) (*instruction.Instruction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if cur.Status != from {
		return nil, ErrConflict
	}
	applyTo(cur, &t)

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := putJSON(batch, instructionKey(id), cur); err != nil {
		return nil, err
	}
	if err := putJSON(batch, historyKey(id, t.Seq), t); err != nil {
		return nil, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to commit transition for %d: %w", id, err)
	}
	return cur, nil
}

func (s *PebbleStore) History(_ context.Context, id int64) ([]instruction.Transition, error) {
	prefix := historyPrefix(id)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []instruction.Transition
	for iter.First(); iter.Valid(); iter.Next() {
		var t instruction.Transition
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history of %d: %w", id, err)
		}
		out = append(out, t)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, instruction.ErrNotFound
	}
	return out, nil
}

func putJSON(b *pebble.Batch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return b.Set(key, data, nil)
}

var _ Store = (*PebbleStore)(nil)
