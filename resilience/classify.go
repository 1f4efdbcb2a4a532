package resilience

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

// Error types recorded in ErrorMetrics.ByType.
const (
	TypeBreakerOpen = "breaker_open"
	TypeTimeout     = "timeout"
	TypeRateLimited = "rate_limited"
	TypeNotFound    = "not_found"
	TypeNetwork     = "network"
	TypeCanceled    = "canceled"
	TypeOther       = "other"
)

// Classify maps an error to one of the Type constants.
// It knows only about errors from this package, the context package, and net.
// Callers with platform-specific errors layer their own classifier on top
// (see ErrorHandler.Classify).
func Classify(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, ErrBreakerOpen):
		return TypeBreakerOpen
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return TypeTimeout
	case errors.Is(err, context.Canceled):
		return TypeCanceled
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return TypeTimeout
		}
		return TypeNetwork
	}
	return TypeOther
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || errors.Is(err, ErrBreakerOpen) || errors.Is(err, context.Canceled)
}
