package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type RetryOptions struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

var DefaultRetryOptions = RetryOptions{
	MaxRetries:   3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
}

// ErrorHandler runs operations on behalf of a mapping,
// retrying failures with exponential backoff
// and recording every failure against the mapping id.
type ErrorHandler struct {
	Metrics *Metrics
	Options RetryOptions

	// Classify, if set, is consulted before the package-level Classify.
	// It returns "" for errors it does not recognize.
	Classify func(error) string

	Collectors *Collectors
	Logger     *slog.Logger
}

// ExecuteWithRetry runs fn until it succeeds, fails permanently,
// or runs out of retries.
// opts overrides the handler's Options when non-nil.
func (h *ErrorHandler) ExecuteWithRetry(ctx context.Context, mappingID, operation string, fn func(context.Context) error, opts *RetryOptions) error {
	o := h.Options
	if opts != nil {
		o = *opts
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}

	b := backoff.NewExponentialBackOff()
	if o.InitialDelay > 0 {
		b.InitialInterval = o.InitialDelay
	}
	if o.MaxDelay > 0 {
		b.MaxInterval = o.MaxDelay
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		h.record(mappingID, operation, err)
		if isPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(o.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			h.Collectors.incRetries(mappingID)
			h.logger().Debug("Retrying operation", "mapping", mappingID, "operation", operation, "attempt", attempt, "delay", d, "error", err)
		}),
	)
	if err != nil {
		return err
	}
	if h.Metrics != nil {
		h.Metrics.RecordSuccess(mappingID)
	}
	return nil
}

func (h *ErrorHandler) record(mappingID, operation string, err error) {
	typ := h.classify(err)
	if h.Metrics != nil {
		h.Metrics.RecordError(mappingID, typ, err)
	}
	h.Collectors.incErrors(mappingID, typ)
	h.logger().Warn("Operation failed", "mapping", mappingID, "operation", operation, "type", typ, "error", err)
}

func (h *ErrorHandler) classify(err error) string {
	if h.Classify != nil {
		if typ := h.Classify(err); typ != "" {
			return typ
		}
	}
	return Classify(err)
}

func (h *ErrorHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}
