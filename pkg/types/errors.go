package types

import (
	"errors"
	"fmt"
)

// ErrKind classifies every error the core can surface. Kinds are stable:
// they travel on the wire inside Error responses.
type ErrKind uint8

const (
	ErrUnknown ErrKind = iota
	ErrNoRunnerMatches
	ErrRunnerStartTimeout
	ErrRunnerCrashed
	ErrInterfaceMismatch
	ErrTransportClosed
	ErrFrameTooLarge
	ErrDecode
	ErrUnknownHandle
	ErrPermissionDenied
	ErrNotFound
	ErrIO
	ErrInvalidDevice
	ErrRunnerReported
	ErrInvalidTensor
	ErrTimeout
)

func (k ErrKind) String() string {
	switch k {
	case ErrNoRunnerMatches:
		return "no runner matches"
	case ErrRunnerStartTimeout:
		return "runner start timeout"
	case ErrRunnerCrashed:
		return "runner crashed"
	case ErrInterfaceMismatch:
		return "interface mismatch"
	case ErrTransportClosed:
		return "transport closed"
	case ErrFrameTooLarge:
		return "frame too large"
	case ErrDecode:
		return "decode error"
	case ErrUnknownHandle:
		return "unknown handle"
	case ErrPermissionDenied:
		return "permission denied"
	case ErrNotFound:
		return "not found"
	case ErrIO:
		return "io error"
	case ErrInvalidDevice:
		return "invalid device"
	case ErrRunnerReported:
		return "runner reported error"
	case ErrInvalidTensor:
		return "invalid tensor"
	case ErrTimeout:
		return "timeout"
	default:
		return "unknown error"
	}
}

// Error carries a kind plus context. All core errors are of this type so
// callers can branch on kind without string matching.
type Error struct {
	Kind ErrKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error of the given kind.
func NewError(kind ErrKind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

// Errorf builds an Error with a formatted message.
func Errorf(kind ErrKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying error.
func WrapError(kind ErrKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err, or ErrUnknown when err is not a core
// error.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrUnknown
}

func is(err error, kind ErrKind) bool { return err != nil && KindOf(err) == kind }

// IsNoRunnerMatches reports whether discovery found nothing usable.
func IsNoRunnerMatches(err error) bool { return is(err, ErrNoRunnerMatches) }

// IsRunnerStartTimeout reports whether the runner failed to connect in time.
func IsRunnerStartTimeout(err error) bool { return is(err, ErrRunnerStartTimeout) }

// IsRunnerCrashed reports whether the runner process exited unexpectedly.
func IsRunnerCrashed(err error) bool { return is(err, ErrRunnerCrashed) }

// IsInterfaceMismatch reports an unsupported handshake major.
func IsInterfaceMismatch(err error) bool { return is(err, ErrInterfaceMismatch) }

// IsTransportClosed reports whether the wire hit EOF or a closed stream.
func IsTransportClosed(err error) bool { return is(err, ErrTransportClosed) }

// IsFrameTooLarge reports a frame exceeding the agreed maximum.
func IsFrameTooLarge(err error) bool { return is(err, ErrFrameTooLarge) }

// IsDecodeError reports a malformed payload.
func IsDecodeError(err error) bool { return is(err, ErrDecode) }

// IsUnknownHandle reports seal-handle misuse (already consumed or never
// minted).
func IsUnknownHandle(err error) bool { return is(err, ErrUnknownHandle) }

// IsPermissionDenied reports a refused filesystem-proxy operation.
func IsPermissionDenied(err error) bool { return is(err, ErrPermissionDenied) }

// IsNotFound reports a missing filesystem-proxy path.
func IsNotFound(err error) bool { return is(err, ErrNotFound) }

// IsIO reports a host filesystem or spawn failure with no more specific
// kind.
func IsIO(err error) bool { return is(err, ErrIO) }

// IsInvalidDevice reports an unparseable visible_device.
func IsInvalidDevice(err error) bool { return is(err, ErrInvalidDevice) }

// IsRunnerReported reports an in-band error surfaced by the runner.
func IsRunnerReported(err error) bool { return is(err, ErrRunnerReported) }

// IsInvalidTensor reports shape/strides/buffer disagreement.
func IsInvalidTensor(err error) bool { return is(err, ErrInvalidTensor) }

// IsTimeout reports a caller-side timeout.
func IsTimeout(err error) bool { return is(err, ErrTimeout) }
