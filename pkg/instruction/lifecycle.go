package instruction

import "fmt"

// Status of an instruction. The zero value means "no instruction yet".
type Status string

const (
	StatusNone      Status = ""
	StatusSubmitted Status = "SUBMITTED"
	StatusSent      Status = "SENT"
	StatusAcked     Status = "ACKED"
	StatusExecuting Status = "EXECUTING"
	StatusExecuted  Status = "EXECUTED"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
)

func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusCancelled || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusSubmitted, StatusSent, StatusAcked, StatusExecuting,
		StatusExecuted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Action is the event requested against an instruction.
type Action string

const (
	ActionCreate   Action = "create"
	ActionDispatch Action = "dispatch"
	ActionCancel   Action = "cancel"
	ActionAck      Action = "ack"
)

// Request is a transition request: an action plus, for acks, the acknowledgement.
type Request struct {
	Action Action
	Ack    *Acknowledgement
}

func (r Request) label() string {
	if r.Action == ActionAck && r.Ack != nil {
		return fmt.Sprintf("ack(%s)", r.Ack.AckType)
	}
	return string(r.Action)
}

type rule struct {
	from   func(Status) bool
	action Action
	ack    AckType
	role   Role
	to     Status
}

func only(states ...Status) func(Status) bool {
	return func(s Status) bool {
		for _, st := range states {
			if s == st {
				return true
			}
		}
		return false
	}
}

func nonTerminal(s Status) bool { return s.Valid() && !s.Terminal() }

// table is the single source of truth for what each role may do from each state.
var table = []rule{
	{from: only(StatusNone), action: ActionCreate, role: RoleIM, to: StatusSubmitted},
	{from: only(StatusSubmitted), action: ActionDispatch, role: RoleSystem, to: StatusSent},
	{from: only(StatusSubmitted, StatusSent), action: ActionCancel, role: RoleIM, to: StatusCancelled},
	{from: only(StatusSubmitted, StatusSent), action: ActionAck, ack: AckReceived, role: RoleTrader, to: StatusAcked},
	{from: nonTerminal, action: ActionAck, ack: AckInProgress, role: RoleTrader, to: StatusExecuting},
	{from: nonTerminal, action: ActionAck, ack: AckCompleted, role: RoleTrader, to: StatusExecuted},
	{from: nonTerminal, action: ActionAck, ack: AckFailed, role: RoleTrader, to: StatusFailed},
}

// Next applies the transition table. It rejects requests with no matching row,
// rows the role has no authority for, and self-loops, so a duplicate of an
// already-accepted request is never accepted twice.
func Next(from Status, req Request, role Role) (Status, error) {
	var ack AckType
	if req.Action == ActionAck {
		if req.Ack == nil || !req.Ack.AckType.Valid() {
			return from, fmt.Errorf("%w: unknown acknowledgement type", ErrInvalidTransition)
		}
		ack = req.Ack.AckType
	}

	for _, r := range table {
		if r.action != req.Action || r.ack != ack || !r.from(from) {
			continue
		}
		if r.role != role {
			return from, fmt.Errorf("%w: role %s may not %s", ErrInvalidTransition, role, req.label())
		}
		if r.to == from {
			return from, fmt.Errorf("%w: instruction already %s", ErrInvalidTransition, from)
		}
		return r.to, nil
	}

	if from == StatusNone {
		return from, fmt.Errorf("%w: %s before create", ErrInvalidTransition, req.label())
	}
	return from, fmt.Errorf("%w: %s not allowed from %s", ErrInvalidTransition, req.label(), from)
}

// Evaluate is Next plus the detail requirement for completion acknowledgements.
func Evaluate(from Status, req Request, role Role) (Status, error) {
	to, err := Next(from, req, role)
	if err != nil {
		return from, err
	}
	if req.Action == ActionAck && req.Ack.AckType == AckCompleted && !req.Ack.HasExecutionDetail() {
		return from, fmt.Errorf("%w: completion requires execution_price, execution_qty and execution_time", ErrMissingDetail)
	}
	return to, nil
}

// Project replays a history through the transition table and returns the
// resulting status. Every recorded transition must be legal from the status
// produced by the ones before it.
func Project(history []Transition) (Status, error) {
	status := StatusNone
	for i, t := range history {
		next, err := Next(status, Request{Action: t.Action, Ack: t.Ack}, t.ActorRole)
		if err != nil {
			return status, fmt.Errorf("history entry %d: %w", i, err)
		}
		if next != t.To {
			return status, fmt.Errorf("history entry %d: recorded %s, table gives %s", i, t.To, next)
		}
		status = next
	}
	return status, nil
}
