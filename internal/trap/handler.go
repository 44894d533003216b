package trap

import (
	"runtime"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/kestrelvm/kestrel/internal/guarded"
)

// Fault handling is process-wide state: there is one fault-to-panic
// conversion and one region registry, shared by every instance. Installation
// is reference-counted so that instances can be created and dropped in any
// order, and idempotent so repeated installs are harmless.
var handlers struct {
	mu   sync.Mutex
	refs int
}

// Retain marks the process-wide fault handling as required by one more
// holder, typically a live instance.
func Retain() {
	handlers.mu.Lock()
	defer handlers.mu.Unlock()
	handlers.refs++
}

// Release undoes one Retain. The conversion stays installed while any
// holder remains.
func Release() {
	handlers.mu.Lock()
	defer handlers.mu.Unlock()
	if handlers.refs == 0 {
		panic("BUG: trap handler release without retain")
	}
	handlers.refs--
}

func installed() bool {
	handlers.mu.Lock()
	defer handlers.mu.Unlock()
	return handlers.refs > 0
}

// Arm enables fault recovery for the calling goroutine and returns the
// restore function for the previous state. Every call into compiled code
// runs between Arm and its restore: a hardware fault inside that window
// becomes a recoverable panic instead of a crash.
//
// A second fault raised while already unwinding panics out of the deferred
// recovery itself, which the Go runtime treats as fatal to the process.
// That is deliberate: it means the guard invariants were violated.
func Arm() (restore func()) {
	if !installed() {
		panic("BUG: call into compiled code without installed trap handlers")
	}
	prev := debug.SetPanicOnFault(true)
	return func() { debug.SetPanicOnFault(prev) }
}

// addresser is the optional method carried by the runtime's memory fault
// errors, exposing the faulting address.
type addresser interface {
	Addr() uintptr
}

// Recovered classifies a value recovered at the call boundary into a typed
// trap. Explicit traps pass through unchanged; hardware faults are
// attributed by looking the faulting address up in the region registry;
// runtime division errors map to their dedicated kind. Anything else,
// including panics out of host functions, yields nil and is the caller's
// to surface.
func Recovered(v interface{}) *Error {
	switch e := v.(type) {
	case *Error:
		return e
	case runtime.Error:
		if a, ok := e.(addresser); ok {
			if kind, ok := guarded.LookupKind(a.Addr()); ok {
				switch kind {
				case guarded.KindMemory:
					return New(KindMemoryOutOfBounds)
				case guarded.KindTable:
					return New(KindTableOutOfBounds)
				}
			}
			return New(KindUnknown)
		}
		if strings.Contains(e.Error(), "integer divide by zero") {
			return New(KindIntegerDivisionByZero)
		}
	}
	return nil
}
