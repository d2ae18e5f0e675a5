package syncagent

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/uhyunpark/instruction-desk/pkg/auth"
	"github.com/uhyunpark/instruction-desk/pkg/event"
	"github.com/uhyunpark/instruction-desk/pkg/instruction"
)

// Outcome of applying one message to the view.
type Outcome int

const (
	Ignored Outcome = iota
	Applied
	NeedsRefetch
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case NeedsRefetch:
		return "needs_refetch"
	}
	return "ignored"
}

// Scope decides which instructions belong in a view.
type Scope func(*instruction.Instruction) bool

// ScopeFor returns the scope of a user's view: managers see their own
// instructions, everyone else sees all.
func ScopeFor(id auth.Identity) Scope {
	if id.Role == instruction.RoleIM {
		return func(in *instruction.Instruction) bool { return in.CreatedBy == id.UserID }
	}
	return func(*instruction.Instruction) bool { return true }
}

// View is the client-side id → instruction map.
type View struct {
	mu    sync.RWMutex
	scope Scope
	items map[int64]*instruction.Instruction
}

func NewView(scope Scope) *View {
	if scope == nil {
		scope = func(*instruction.Instruction) bool { return true }
	}
	return &View{scope: scope, items: make(map[int64]*instruction.Instruction)}
}

// Replace discards the view and loads list.
func (v *View) Replace(list []*instruction.Instruction) {
	items := make(map[int64]*instruction.Instruction, len(list))
	for _, in := range list {
		if v.scope(in) {
			items[in.ID] = in.Clone()
		}
	}
	v.mu.Lock()
	v.items = items
	v.mu.Unlock()
}

// Apply patches the view from one server message. Unknown types and
// payloads it cannot read ask for a refetch. A snapshot older than the one
// held is stale and ignored.
func (v *View) Apply(msg event.Message) (Outcome, *instruction.Instruction) {
	switch msg.Type {
	case event.Pong:
		return Ignored, nil
	case event.InstructionCreated, event.InstructionDispatched, event.InstructionAcknowledged,
		event.InstructionCancelled, event.InstructionExecuted:
	default:
		return NeedsRefetch, nil
	}

	var p event.Payload
	if err := json.Unmarshal(msg.Data, &p); err != nil || p.Instruction == nil || p.Instruction.ID != p.ID {
		return NeedsRefetch, nil
	}
	in := p.Instruction
	if !v.scope(in) {
		return Ignored, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if cur, ok := v.items[in.ID]; ok && cur.Version >= in.Version {
		return Ignored, nil
	}
	v.items[in.ID] = in
	return Applied, in.Clone()
}

func (v *View) Get(id int64) (*instruction.Instruction, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	in, ok := v.items[id]
	if !ok {
		return nil, false
	}
	return in.Clone(), true
}

// Snapshot returns the view newest first.
func (v *View) Snapshot() []*instruction.Instruction {
	v.mu.RLock()
	out := make([]*instruction.Instruction, 0, len(v.items))
	for _, in := range v.items {
		out = append(out, in.Clone())
	}
	v.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.items)
}
