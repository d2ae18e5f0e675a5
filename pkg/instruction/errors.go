package instruction

import "errors"

var (
	// ErrInvalidTransition: the requested action is not legal from the current
	// status, or the caller's role lacks authority for it.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrMissingDetail: a completion acknowledgement without execution price, qty and time.
	ErrMissingDetail = errors.New("missing execution detail")
	ErrNotFound      = errors.New("instruction not found")
	// ErrInvalidInstruction: a malformed create payload.
	ErrInvalidInstruction = errors.New("invalid instruction")
)
