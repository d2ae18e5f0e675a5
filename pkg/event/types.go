// Package event defines the notifications emitted after accepted instruction
// transitions and the in-process bus that fans them out.
package event

import (
	"encoding/json"
	"time"

	"github.com/uhyunpark/instruction-desk/pkg/instruction"
)

// Type names follow "category.action".
type Type string

const (
	InstructionCreated      Type = "instruction.created"
	InstructionDispatched   Type = "instruction.dispatched"
	InstructionAcknowledged Type = "instruction.acknowledged"
	InstructionCancelled    Type = "instruction.cancelled"
	InstructionExecuted     Type = "instruction.executed"

	// Pong is a heartbeat reply. It is never published on the bus.
	Pong Type = "pong"
)

// TypeFor maps an accepted transition to the event it produces.
func TypeFor(t instruction.Transition) Type {
	switch t.Action {
	case instruction.ActionCreate:
		return InstructionCreated
	case instruction.ActionDispatch:
		return InstructionDispatched
	case instruction.ActionCancel:
		return InstructionCancelled
	}
	if t.To == instruction.StatusExecuted {
		return InstructionExecuted
	}
	return InstructionAcknowledged
}

// Event is emitted once per accepted transition.
type Event struct {
	Type      Type
	Sequence  uint64
	Timestamp time.Time

	InstructionID int64
	CreatedBy     int64
	Org           string

	Instruction *instruction.Instruction
	Transition  instruction.Transition
}

// New builds the event for a committed transition. The snapshot is cloned so
// subscribers never share memory with the engine.
func New(in *instruction.Instruction, t instruction.Transition) Event {
	return Event{
		Type:          TypeFor(t),
		Timestamp:     t.At,
		InstructionID: in.ID,
		CreatedBy:     in.CreatedBy,
		Org:           in.Org,
		Instruction:   in.Clone(),
		Transition:    t,
	}
}

// Message is the wire envelope sent to real-time clients.
type Message struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Payload is the "data" object of an instruction event.
type Payload struct {
	Seq         uint64                       `json:"seq"`
	ID          int64                        `json:"id"`
	Status      instruction.Status           `json:"status"`
	Actor       string                       `json:"actor,omitempty"`
	ActorRole   instruction.Role             `json:"actor_role,omitempty"`
	Ack         *instruction.Acknowledgement `json:"ack,omitempty"`
	Instruction *instruction.Instruction     `json:"instruction"`
}

// Encode renders the event as a wire message.
func (e Event) Encode() ([]byte, error) {
	p := Payload{
		Seq:         e.Sequence,
		ID:          e.InstructionID,
		Actor:       e.Transition.ActorName,
		ActorRole:   e.Transition.ActorRole,
		Ack:         e.Transition.Ack,
		Instruction: e.Instruction,
	}
	if e.Instruction != nil {
		p.Status = e.Instruction.Status
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: e.Type, Data: data})
}

var pongFrame = []byte(`{"type":"pong"}`)

// PongFrame returns the heartbeat reply frame.
func PongFrame() []byte { return append([]byte(nil), pongFrame...) }
