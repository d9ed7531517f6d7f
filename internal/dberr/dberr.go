// Package dberr defines the error taxonomy surfaced by the binding.
//
// Every failure is an *Error carrying a Kind. Errors also unwrap to the
// matching containerd errdefs class, so callers can branch with either
// errors.As on *Error or the errdefs.IsXxx helpers.
package dberr

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindNamespace
	KindIndex
	KindQuery
	KindTransactionState
	KindBufferProtocol
	KindTimeout
	KindEngineFatal
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindNamespace:
		return "namespace"
	case KindIndex:
		return "index"
	case KindQuery:
		return "query"
	case KindTransactionState:
		return "transaction_state"
	case KindBufferProtocol:
		return "buffer_protocol"
	case KindTimeout:
		return "timeout"
	case KindEngineFatal:
		return "engine_fatal"
	}
	return "unknown"
}

// Error is a classified binding error. Code is the engine error code when
// the failure came from the engine, zero otherwise.
type Error struct {
	Kind Kind
	Op   string
	Code int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s error: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, msg)
}

// Unwrap exposes both the cause and the errdefs class of the error.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if c := e.class(); c != nil {
		errs = append(errs, c)
	}
	return errs
}

func (e *Error) class() error {
	switch e.Kind {
	case KindConnection, KindEngineFatal:
		return errdefs.ErrUnavailable
	case KindNamespace, KindIndex:
		switch e.Code {
		case CodeNotFound:
			return errdefs.ErrNotFound
		case CodeConflict:
			return errdefs.ErrAlreadyExists
		case CodeStateInvalidated, CodeNamespaceInvalidated:
			return errdefs.ErrConflict
		}
		return errdefs.ErrInvalidArgument
	case KindQuery:
		if e.Code == CodeNotFound {
			return errdefs.ErrNotFound
		}
		return errdefs.ErrInvalidArgument
	case KindTransactionState:
		return errdefs.ErrFailedPrecondition
	case KindBufferProtocol:
		return errdefs.ErrDataLoss
	case KindTimeout:
		if e.Code == CodeCanceled {
			return context.Canceled
		}
		return context.DeadlineExceeded
	}
	return nil
}

// New returns an *Error of kind k.
func New(k Kind, op, format string, args ...any) *Error {
	return &Error{Kind: k, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err as kind k. A nil err yields nil.
func Wrap(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindUnknown
}

// Is reports whether err is an *Error of kind k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}

// IsStateInvalidated reports whether err is a stale namespace state token
// rejection. The caller should refresh its schema view and retry.
func IsStateInvalidated(err error) bool {
	var e *Error
	return errors.As(err, &e) && (e.Code == CodeStateInvalidated || e.Code == CodeNamespaceInvalidated)
}
