// Package storage persists instructions together with their transition history.
package storage

import (
	"context"
	"errors"

	"github.com/uhyunpark/instruction-desk/pkg/instruction"
)

// ErrConflict is returned by ApplyTransition when the stored status no longer
// matches the status the caller evaluated against.
var ErrConflict = errors.New("storage: status conflict")

// Store is the instruction store. Implementations must commit status, version
// and the appended transition atomically.
type Store interface {
	// Create assigns the next id and persists the instruction with its
	// creation transition as the first history entry.
	Create(ctx context.Context, in *instruction.Instruction, t instruction.Transition) (*instruction.Instruction, error)
	Get(ctx context.Context, id int64) (*instruction.Instruction, error)
	// List returns instructions matching f, newest first.
	List(ctx context.Context, f Filter) ([]*instruction.Instruction, error)
	// ApplyTransition moves id from status `from` to t.To and appends t.
	ApplyTransition(ctx context.Context, id int64, from instruction.Status, t instruction.Transition) (*instruction.Instruction, error)
	History(ctx context.Context, id int64) ([]instruction.Transition, error)
	Close() error
}

type Filter struct {
	CreatedBy int64 // 0 = any
	Org       string
	Statuses  []instruction.Status
	Limit     int // 0 = no limit
}

func (f Filter) Match(in *instruction.Instruction) bool {
	if f.CreatedBy != 0 && in.CreatedBy != f.CreatedBy {
		return false
	}
	if f.Org != "" && in.Org != f.Org {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if in.Status == s {
			return true
		}
	}
	return false
}

// applyTo stamps a transition onto an instruction copy.
func applyTo(in *instruction.Instruction, t *instruction.Transition) {
	t.Seq = in.Version + 1
	in.Status = t.To
	in.Version = t.Seq
	in.UpdatedAt = t.At
}
