package exception

import (
	"errors"
	"fmt"
)

// Order lifecycle errors
var (
	ErrDuplicateOrder    = errors.New("order: duplicate client order id")
	ErrUnknownOrder      = errors.New("order: not found")
	ErrInvalidTransition = errors.New("order: invalid state transition")
	ErrInconsistentFill  = errors.New("order: fill quantity decreased")
	ErrAckTimeout        = errors.New("order: acknowledgement timeout")
	ErrInvalidIntent     = errors.New("order: invalid intent")
	ErrNoEligibleVenue   = errors.New("order: no eligible venue")
	ErrRouterClosed      = errors.New("order: router closed")
	ErrCancelBeforeAck   = errors.New("order: cancel queued until acknowledgement")
	ErrOverfill          = errors.New("order: fill exceeds order quantity")
)

// RejectError is a venue reject with the venue's reason preserved.
type RejectError struct {
	Venue  string
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("order: rejected by %s: %s", e.Venue, e.Reason)
}

// IsReject reports whether err is a venue reject and returns it.
func IsReject(err error) (*RejectError, bool) {
	var reject *RejectError
	if errors.As(err, &reject) {
		return reject, true
	}
	return nil, false
}
