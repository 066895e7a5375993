package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrOrderNotFound is returned by status lookups when the venue has no record
// of the order. During reconciliation it means the submission never arrived.
var ErrOrderNotFound = errors.New("order not found on exchange")

// ExchangeError is a business-level rejection decoded from a venue response
// body. HTTPStatus is the transport status the body arrived with.
type ExchangeError struct {
	Code       int
	Message    string
	HTTPStatus int
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Message)
}

// transientCodes are venue codes that indicate a temporary condition worth
// retrying: internal errors, timeouts and rate limiting.
var transientCodes = map[int]bool{
	10001: true, // service error
	10006: true, // too many visits
	10016: true, // internal system error
}

// Transient reports whether the error is worth retrying. Anything not
// recognized as transient is treated as permanent; guessing the other way
// risks duplicate orders.
func (e *ExchangeError) Transient() bool {
	if transientCodes[e.Code] {
		return true
	}
	if e.HTTPStatus == http.StatusTooManyRequests || e.HTTPStatus >= 500 {
		return true
	}
	return false
}

// IsTransient classifies an arbitrary gateway error. Network failures and
// timeouts are transient; decoded venue rejections answer for themselves;
// everything else is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	// Unwrapped transport failures from net/http arrive as *url.Error,
	// which implements net.Error, so the check above covers them.
	return false
}
