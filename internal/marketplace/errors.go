package marketplace

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// AdapterError is returned by adapters when a marketplace call fails
type AdapterError struct {
	Marketplace Marketplace
	Op          string
	StatusCode  int
	Transient   bool
	Err         error
}

func (e *AdapterError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Marketplace, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Marketplace, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// TransientStatus classifies HTTP status codes that should be retried
func TransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// newTransportError wraps a failed round trip. Network errors and timeouts
// are transient, cancellation by the caller is not.
func newTransportError(mp Marketplace, op string, err error) *AdapterError {
	transient := true
	if errors.Is(err, context.Canceled) {
		transient = false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		transient = true
	}
	return &AdapterError{Marketplace: mp, Op: op, Transient: transient, Err: err}
}

// ValidationError reports a malformed entity payload
type ValidationError struct {
	EntityType EntityType
	EntityID   string
	Err        error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.EntityType, e.EntityID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
