package proxy

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// ErrorKind separates failures of the proxy itself from failures of the target object.
type ErrorKind string

const (
	// ErrorCapability is an access-control violation: unexposed member, kind
	// mismatch, duplicate registration or subscription, missing subscription,
	// non-invocable or non-stream target, or mutation of a capability object.
	ErrorCapability ErrorKind = "capability"
	// ErrorApplication is an error returned or panicked by the target object.
	ErrorApplication ErrorKind = "application"
	// ErrorProtocol is a malformed or unrecognized request or response.
	ErrorProtocol ErrorKind = "protocol"
	// ErrorUnavailable is a request refused by host policy, such as rate limiting.
	ErrorUnavailable ErrorKind = "unavailable"
)

var (
	ErrCapability  = errors.New("capability violation")
	ErrApplication = errors.New("application error")
	ErrProtocol    = errors.New("protocol violation")
	ErrUnavailable = errors.New("unavailable")
	// ErrNotFound is a capability error for a missing channel or subscription.
	ErrNotFound = errors.New("not found")
)

// Error codes carried by *Error and SerializedError.
const (
	CodeUnexposedMember       = "unexposed-member"
	CodeKindMismatch          = "kind-mismatch"
	CodeAlreadyRegistered     = "already-registered"
	CodeDuplicateSubscription = "duplicate-subscription"
	CodeNotFound              = "not-found"
	CodeNotInvocable          = "not-invocable"
	CodeNotStream             = "not-stream"
	CodeImmutable             = "immutable"
	CodeUnsupportedTarget     = "unsupported-target"
	CodeMalformedRequest      = "malformed-request"
	CodeMalformedResponse     = "malformed-response"
	CodeBadArguments          = "bad-arguments"
	CodeRateLimited           = "rate-limited"
	CodePeerTerminated        = "peer-terminated"
)

func (k ErrorKind) sentinel() error {
	switch k {
	case ErrorCapability:
		return ErrCapability
	case ErrorApplication:
		return ErrApplication
	case ErrorProtocol:
		return ErrProtocol
	case ErrorUnavailable:
		return ErrUnavailable
	}
	return nil
}

func (k ErrorKind) errorName() string {
	switch k {
	case ErrorCapability:
		return "CapabilityError"
	case ErrorProtocol:
		return "ProtocolError"
	case ErrorUnavailable:
		return "UnavailableError"
	}
	return "Error"
}

// Error is a failure raised by the proxy runtime rather than by a target object.
type Error struct {
	Kind    ErrorKind
	Code    string
	Channel string
	Member  string
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) ErrorName() string { return e.Kind.errorName() }

func (e *Error) ErrorCode() string { return e.Code }

func (e *Error) Is(target error) bool {
	if target == ErrNotFound {
		return e.Code == CodeNotFound
	}
	return target != nil && target == e.Kind.sentinel()
}

func newError(kind ErrorKind, code, channel, member, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Channel: channel,
		Member:  member,
		Message: fmt.Sprintf(format, args...),
	}
}

func unexposedMember(channel, member string) *Error {
	return newError(ErrorCapability, CodeUnexposedMember, channel, member,
		"member %q is not exposed on channel %q", member, channel)
}

func kindMismatch(channel, member string, declared, wanted Kind) *Error {
	return newError(ErrorCapability, CodeKindMismatch, channel, member,
		"member %q on channel %q is declared as %s, not %s", member, channel, declared, wanted)
}

func alreadyRegistered(channel string) *Error {
	return newError(ErrorCapability, CodeAlreadyRegistered, channel, "",
		"channel %q has already been registered", channel)
}

func channelNotFound(channel string) *Error {
	return newError(ErrorCapability, CodeNotFound, channel, "",
		"channel %q is not registered", channel)
}

func duplicateSubscription(channel, id string) *Error {
	return newError(ErrorCapability, CodeDuplicateSubscription, channel, "",
		"subscription %q is already active on channel %q", id, channel)
}

func subscriptionNotFound(channel, id string) *Error {
	return newError(ErrorCapability, CodeNotFound, channel, "",
		"subscription %q does not exist on channel %q", id, channel)
}

func notInvocable(channel, member string) *Error {
	return newError(ErrorCapability, CodeNotInvocable, channel, member,
		"member %q on channel %q is not a function", member, channel)
}

func notStream(channel, member string) *Error {
	return newError(ErrorCapability, CodeNotStream, channel, member,
		"member %q on channel %q is not a live sequence", member, channel)
}

func immutable(channel, member, op string) *Error {
	return newError(ErrorCapability, CodeImmutable, channel, member,
		"%q is not supported by the proxy object (member %q on channel %q)", op, member, channel)
}

func malformedRequest(format string, args ...any) *Error {
	return newError(ErrorProtocol, CodeMalformedRequest, "", "", format, args...)
}

func malformedResponse(format string, args ...any) *Error {
	return newError(ErrorProtocol, CodeMalformedResponse, "", "", format, args...)
}

// SerializedError is the transport-safe form of an error.
type SerializedError struct {
	Kind    ErrorKind        `json:"kind" cbor:"kind"`
	Name    string           `json:"name" cbor:"name"`
	Message string           `json:"message" cbor:"message"`
	Stack   string           `json:"stack,omitempty" cbor:"stack,omitempty"`
	Code    string           `json:"code,omitempty" cbor:"code,omitempty"`
	Info    map[string]any   `json:"info,omitempty" cbor:"info,omitempty"`
	Cause   *SerializedError `json:"cause,omitempty" cbor:"cause,omitempty"`
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// SerializeError converts err to its transport-safe form.
// A *RemoteError is passed through unchanged so errors can be relayed.
func SerializeError(err error) *SerializedError {
	if err == nil {
		return nil
	}
	var remote *RemoteError
	if errors.As(err, &remote) && remote.Error() == err.Error() {
		s := remote.s
		return &s
	}

	s := &SerializedError{
		Kind:    ErrorApplication,
		Name:    errorName(err),
		Message: err.Error(),
	}
	var perr *Error
	if errors.As(err, &perr) {
		s.Kind = perr.Kind
	}
	var coder interface{ ErrorCode() string }
	if errors.As(err, &coder) {
		s.Code = coder.ErrorCode()
	}
	var informer interface{ ErrorInfo() map[string]any }
	if errors.As(err, &informer) {
		s.Info = informer.ErrorInfo()
	}
	var tracer stackTracer
	if errors.As(err, &tracer) {
		s.Stack = fmt.Sprintf("%+v", tracer.StackTrace())
	}
	if cause := errors.Unwrap(err); cause != nil {
		s.Cause = SerializeError(cause)
		if s.Cause.Kind != ErrorApplication {
			s.Kind = s.Cause.Kind
		}
	}
	return s
}

func errorName(err error) string {
	if named, ok := err.(interface{ ErrorName() string }); ok {
		return named.ErrorName()
	}
	return fmt.Sprintf("%T", err)
}

// DeserializeError rehydrates a serialized error.
func DeserializeError(s *SerializedError) error {
	if s == nil {
		return malformedResponse("error response carries no error")
	}
	return &RemoteError{s: *s}
}

// RemoteError is an error that crossed the process boundary.
// Error() returns the original message unchanged.
type RemoteError struct {
	s SerializedError
}

func (e *RemoteError) Error() string { return e.s.Message }

func (e *RemoteError) ErrorName() string { return e.s.Name }

func (e *RemoteError) Name() string { return e.s.Name }

func (e *RemoteError) Kind() ErrorKind { return e.s.Kind }

func (e *RemoteError) ErrorCode() string { return e.s.Code }

func (e *RemoteError) ErrorInfo() map[string]any { return e.s.Info }

func (e *RemoteError) Stack() string { return e.s.Stack }

func (e *RemoteError) Serialized() SerializedError { return e.s }

func (e *RemoteError) Unwrap() error {
	if e.s.Cause == nil {
		return nil
	}
	return &RemoteError{s: *e.s.Cause}
}

// Is matches kind sentinels and, for plain errors, any error with the same
// type name and message, so that remote sentinels such as io.EOF still match.
func (e *RemoteError) Is(target error) bool {
	if target == nil {
		return false
	}
	if target == ErrNotFound {
		return e.s.Code == CodeNotFound
	}
	if target == e.s.Kind.sentinel() {
		return true
	}
	return errorName(target) == e.s.Name && target.Error() == e.s.Message
}

// PanicError is an application error recovered from a panicking target.
type PanicError struct {
	Value any
	trace error
}

func newPanicError(v any) *PanicError {
	return &PanicError{Value: v, trace: pkgerrors.Errorf("panic: %v", v)}
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

func (e *PanicError) ErrorName() string { return "PanicError" }

func (e *PanicError) StackTrace() pkgerrors.StackTrace {
	return e.trace.(stackTracer).StackTrace()
}

func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}
