// Package errs provides the structured error returned by every exposed
// broadcast operation: a machine-readable kind, a human message and the
// correlation id of the request that produced it.
package errs

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies an error for callers and transports.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindTargetingFailure  Kind = "targeting_failure"
	KindTransientDelivery Kind = "transient_delivery"
	KindPermanentDelivery Kind = "permanent_delivery"
	KindCircuitOpen       Kind = "circuit_open"
	KindConflict          Kind = "conflict"
	KindInternal          Kind = "internal"
)

// Retryable reports whether deliveries failing with k may be attempted again.
func (k Kind) Retryable() bool {
	return k == KindTransientDelivery || k == KindCircuitOpen
}

// Error is the structured error.
type Error struct {
	Kind          Kind   `json:"kind"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`

	err error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// New creates an error of kind k tagged with the correlation id found in ctx.
func New(ctx context.Context, k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...), CorrelationID: CorrelationID(ctx)}
}

// Wrap is New with a cause. A nil cause yields a plain New.
func Wrap(ctx context.Context, k Kind, err error, format string, args ...any) *Error {
	e := New(ctx, k, format, args...)
	e.err = err
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool { return err != nil && KindOf(err) == k }

// From converts any error into *Error, keeping an existing one as is.
func From(ctx context.Context, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.CorrelationID == "" {
			cp := *e
			cp.CorrelationID = CorrelationID(ctx)
			return &cp
		}
		return e
	}
	return Wrap(ctx, KindInternal, err, "internal error")
}

type corrKey struct{}

// WithCorrelation stores id in ctx. An empty id is replaced by a new UUID.
func WithCorrelation(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.NewString()
	}
	return context.WithValue(ctx, corrKey{}, id)
}

// CorrelationID returns the id stored by WithCorrelation, or "".
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(corrKey{}).(string)
	return id
}
