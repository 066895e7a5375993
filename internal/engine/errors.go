package engine

import (
	"errors"
	"fmt"
)

// ErrUnknownOrder is returned for a local id the engine is not tracking.
var ErrUnknownOrder = errors.New("unknown local order id")

// RejectedError carries the venue's refusal reason verbatim.
type RejectedError struct {
	LocalID string
	Reason  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("order %s rejected by exchange: %s", e.LocalID, e.Reason)
}

// CancelResult reports the outcome of a cancellation. The Already* flags mark
// benign terminal-state conflicts: the caller asked for something that had
// already happened, which is success with no action taken.
type CancelResult struct {
	LocalID          string
	AlreadyFilled    bool
	AlreadyCancelled bool
}
