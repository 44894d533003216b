// Package trap defines the closed set of trap kinds, the typed error that
// terminates a call into compiled code, and the process-wide fault handling
// that turns hardware faults into those errors instead of process crashes.
package trap

import (
	"fmt"
	"runtime/debug"
)

// Kind classifies a trap. The set is closed: compiled code, the fault
// classifier and the metering hook can only produce these values.
type Kind byte

const (
	// KindUnknown is a fault that could not be attributed to a tracked
	// region or a known explicit trap site.
	KindUnknown Kind = iota
	// KindMemoryOutOfBounds is an access beyond a linear memory's
	// accessible window, detected via its guard pages or an explicit check.
	KindMemoryOutOfBounds
	// KindTableOutOfBounds is an access beyond a table's length.
	KindTableOutOfBounds
	// KindIndirectCallTypeMismatch is an indirect call through an element
	// whose function type differs from the one the call site expects.
	KindIndirectCallTypeMismatch
	// KindUndefinedElement is an indirect call through a null table element.
	KindUndefinedElement
	// KindIntegerOverflow is signed division overflow or an invalid
	// float-to-integer truncation.
	KindIntegerOverflow
	// KindIntegerDivisionByZero is an integer div or rem with divisor zero.
	KindIntegerDivisionByZero
	// KindStackOverflow means the call stack grew past its ceiling.
	KindStackOverflow
	// KindUnreachable means the unreachable instruction executed.
	KindUnreachable
	// KindMeteringExhausted means the fuel counter reached zero.
	KindMeteringExhausted
)

// String returns the message used in the rendered error, one per kind.
func (k Kind) String() string {
	switch k {
	case KindMemoryOutOfBounds:
		return "out of bounds memory access"
	case KindTableOutOfBounds:
		return "out of bounds table access"
	case KindIndirectCallTypeMismatch:
		return "indirect call type mismatch"
	case KindUndefinedElement:
		return "undefined element"
	case KindIntegerOverflow:
		return "integer overflow"
	case KindIntegerDivisionByZero:
		return "integer divide by zero"
	case KindStackOverflow:
		return "call stack exhausted"
	case KindUnreachable:
		return "unreachable executed"
	case KindMeteringExhausted:
		return "metering exhausted"
	}
	return "unknown"
}

// Error is the typed, recoverable result of a trapped call. It carries the
// native stack captured when the trap was raised, before unwinding
// discarded it.
type Error struct {
	kind  Kind
	trace []byte
}

// New creates an Error of the given kind, capturing the current native
// stack trace.
func New(kind Kind) *Error {
	return &Error{kind: kind, trace: debug.Stack()}
}

// Kind returns the trap's classification.
func (e *Error) Kind() Kind { return e.kind }

// NativeTrace returns the native stack captured when the trap was raised.
func (e *Error) NativeTrace() string { return string(e.trace) }

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("wasm trap: %s", e.kind)
}

// Is matches any *Error of the same kind, so embedders can test traps with
// errors.Is against a bare New(kind).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.kind == e.kind
}

// Raise terminates the current call with the given trap kind, unwinding to
// the recovery point installed by the call engine. It must only be called
// from code running under an armed recovery point.
func Raise(kind Kind) {
	panic(New(kind))
}
