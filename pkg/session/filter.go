package session

import (
	"github.com/uhyunpark/instruction-desk/pkg/auth"
	"github.com/uhyunpark/instruction-desk/pkg/event"
	"github.com/uhyunpark/instruction-desk/pkg/instruction"
)

// Visible reports whether an event is delivered to a session of the given
// identity.
//
//	TRADER  created, acknowledged (same org), cancelled
//	IM      acknowledged, cancelled, executed
//	ADMIN   everything
func Visible(id auth.Identity, ev event.Event) bool {
	switch id.Role {
	case instruction.RoleAdmin:
		return true
	case instruction.RoleTrader:
		switch ev.Type {
		case event.InstructionCreated, event.InstructionCancelled:
			return true
		case event.InstructionAcknowledged:
			return sameOrg(id.Org, ev.Org)
		}
	case instruction.RoleIM:
		switch ev.Type {
		case event.InstructionAcknowledged, event.InstructionCancelled, event.InstructionExecuted:
			return true
		}
	}
	return false
}

// sameOrg treats a missing org on either side as a match.
func sameOrg(a, b string) bool {
	return a == "" || b == "" || a == b
}
