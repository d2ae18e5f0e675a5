// Package instruction holds the instruction data model and the lifecycle
// transition table. It has no dependencies on storage or transport.
package instruction

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type PriceType string

const (
	PriceMarket PriceType = "MARKET"
	PriceLimit  PriceType = "LIMIT"
)

type Urgency string

const (
	UrgencyHigh   Urgency = "HIGH"
	UrgencyNormal Urgency = "NORMAL"
	UrgencyLow    Urgency = "LOW"
)

// Role is the authority a caller acts with.
// SYSTEM is reserved for in-process actors (the dispatcher) and is never issued a token.
type Role string

const (
	RoleIM     Role = "IM"
	RoleTrader Role = "TRADER"
	RoleAdmin  Role = "ADMIN"
	RoleSystem Role = "SYSTEM"
)

// ParseRole accepts the short role names plus the long form used by older clients.
func ParseRole(s string) (Role, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IM", "INVESTMENT_MANAGER":
		return RoleIM, true
	case "TRADER":
		return RoleTrader, true
	case "ADMIN":
		return RoleAdmin, true
	case "SYSTEM":
		return RoleSystem, true
	}
	return "", false
}

// Instruction is a trading order issued by an investment manager.
// Status is a projection of History and is only ever changed through the
// lifecycle engine.
type Instruction struct {
	ID            int64            `json:"id"`
	Title         string           `json:"title"`
	AssetCode     string           `json:"asset_code"`
	Side          Side             `json:"side"`
	Qty           decimal.Decimal  `json:"qty"`
	PriceType     PriceType        `json:"price_type"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	Urgency       Urgency          `json:"urgency"`
	Remarks       string           `json:"remarks,omitempty"`
	TargetTraders []int64          `json:"target_traders,omitempty"`
	Deadline      *time.Time       `json:"deadline,omitempty"`
	Status        Status           `json:"status"`
	CreatedBy     int64            `json:"created_by"`
	CreatedByName string           `json:"created_by_name,omitempty"`
	Org           string           `json:"org,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	// Version counts accepted transitions, creation included.
	Version int `json:"version"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (in *Instruction) Clone() *Instruction {
	if in == nil {
		return nil
	}
	out := *in
	if in.LimitPrice != nil {
		lp := *in.LimitPrice
		out.LimitPrice = &lp
	}
	if in.Deadline != nil {
		d := *in.Deadline
		out.Deadline = &d
	}
	if in.TargetTraders != nil {
		out.TargetTraders = append([]int64(nil), in.TargetTraders...)
	}
	return &out
}

type AckType string

const (
	AckReceived   AckType = "RECEIVED"
	AckInProgress AckType = "IN_PROGRESS"
	AckCompleted  AckType = "COMPLETED"
	AckFailed     AckType = "FAILED"
)

func (a AckType) Valid() bool {
	switch a {
	case AckReceived, AckInProgress, AckCompleted, AckFailed:
		return true
	}
	return false
}

// Acknowledgement is a trader's response to an instruction. Immutable once recorded.
type Acknowledgement struct {
	AckType        AckType          `json:"ack_type"`
	ExecutionPrice *decimal.Decimal `json:"execution_price,omitempty"`
	ExecutionQty   *decimal.Decimal `json:"execution_qty,omitempty"`
	ExecutionTime  *time.Time       `json:"execution_time,omitempty"`
	Remarks        string           `json:"remarks,omitempty"`
}

// HasExecutionDetail reports whether price, qty and time are all present.
func (a *Acknowledgement) HasExecutionDetail() bool {
	return a != nil && a.ExecutionPrice != nil && a.ExecutionQty != nil && a.ExecutionTime != nil
}

// Transition is one accepted entry in an instruction's append-only history.
type Transition struct {
	Seq       int              `json:"seq"`
	Action    Action           `json:"action"`
	Ack       *Acknowledgement `json:"ack,omitempty"`
	ActorID   int64            `json:"actor_id"`
	ActorName string           `json:"actor_name,omitempty"`
	ActorRole Role             `json:"actor_role"`
	From      Status           `json:"from,omitempty"`
	To        Status           `json:"to"`
	At        time.Time        `json:"at"`
	Notes     string           `json:"notes,omitempty"`
}

// Acknowledgements filters the acknowledgement records out of a history.
func Acknowledgements(history []Transition) []Acknowledgement {
	out := make([]Acknowledgement, 0, len(history))
	for _, t := range history {
		if t.Ack != nil {
			out = append(out, *t.Ack)
		}
	}
	return out
}
