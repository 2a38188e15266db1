package provider

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure by what the caller can do about it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransport is a network or auth failure. Retryable a bounded number of times.
	KindTransport
	// KindProcessingFailed means the provider declared the uploaded object
	// unusable. Not retryable; the file must be uploaded again.
	KindProcessingFailed
	// KindTimeout means the object did not become ready within the poll timeout.
	KindTimeout
	// KindGenerationTimeout means the generation call did not complete in time.
	KindGenerationTimeout
	// KindGeneration is a provider rejection of the request (quota, content, auth).
	KindGeneration
	// KindNotFound means the handle was already released.
	KindNotFound
	// KindInvalid is a caller input error detected before any provider call.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProcessingFailed:
		return "processing_failed"
	case KindTimeout:
		return "timeout"
	case KindGenerationTimeout:
		return "generation_timeout"
	case KindGeneration:
		return "generation"
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrTransport         = &Error{Kind: KindTransport, Msg: "transport error"}
	ErrProcessingFailed  = &Error{Kind: KindProcessingFailed, Msg: "remote processing failed"}
	ErrTimeout           = &Error{Kind: KindTimeout, Msg: "timed out waiting for remote processing"}
	ErrGenerationTimeout = &Error{Kind: KindGenerationTimeout, Msg: "generation timed out"}
	ErrGeneration        = &Error{Kind: KindGeneration, Msg: "generation rejected by provider"}
	ErrNotFound          = &Error{Kind: KindNotFound, Msg: "remote object not found"}
	ErrInvalid           = &Error{Kind: KindInvalid, Msg: "invalid request"}
)

// Error is the single error type crossing component boundaries.
//
// Handle is set whenever a remote object exists at the time of failure so the
// caller can still release it. State is the last observed processing state.
type Error struct {
	Kind   Kind
	Op     string
	State  State
	Handle *Handle
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.State != "" {
		msg = fmt.Sprintf("%s (state %s)", msg, e.State)
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, ErrTransport)
// works regardless of message or wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Errorf builds an *Error with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind and operation to err. An err that already carries a
// Kind keeps it.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// HandleOf returns the remote handle attached to err, if any.
func HandleOf(err error) *Handle {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Handle
	}
	return nil
}

// WithHandle returns err with h attached. Non-*Error values are wrapped as
// KindUnknown so the handle is never lost.
func WithHandle(err error, h *Handle) error {
	if err == nil || h == nil {
		return err
	}
	var pe *Error
	if errors.As(err, &pe) {
		cp := *pe
		cp.Handle = h
		if cp.State == "" {
			cp.State = h.State
		}
		return &cp
	}
	return &Error{Kind: KindUnknown, Handle: h, State: h.State, Err: err}
}

// IsTransport reports whether err is a retryable transport failure.
func IsTransport(err error) bool {
	return KindOf(err) == KindTransport
}

// Retryable reports whether re-issuing the same call may succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindGenerationTimeout:
		return true
	}
	return false
}

// IsContextErr reports whether err was caused by cancellation or deadline.
func IsContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// UserMessage converts any error into the single message shown to the user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if !errors.As(err, &pe) {
		if errors.Is(err, context.Canceled) {
			return "The request was cancelled."
		}
		return "Something went wrong while processing your request. Please try again."
	}
	if pe.Kind == KindUnknown && errors.Is(err, context.Canceled) {
		return "The request was cancelled."
	}
	switch pe.Kind {
	case KindTransport:
		return "Could not reach the AI provider. Please check the API configuration and try again."
	case KindProcessingFailed:
		return "The provider could not process the uploaded file. Please upload it again."
	case KindTimeout:
		return "The uploaded file is still being processed. Please try again later."
	case KindGenerationTimeout:
		return "The AI provider did not answer in time. Please submit the request again."
	case KindGeneration:
		return "Error with API request: " + pe.messageOnly()
	case KindNotFound:
		return "The uploaded file is no longer available. Please upload it again."
	case KindInvalid:
		return "Invalid request: " + pe.messageOnly()
	default:
		return "Something went wrong while processing your request. Please try again."
	}
}

func (e *Error) messageOnly() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}
