// Package wasmdebug renders errors escaping guest execution with a wasm
// stack trace, so the same failure always produces the same search key.
// Note: This is named wasmdebug to avoid conflicts with the normal go module.
package wasmdebug

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/kestrelvm/kestrel/api"
	"github.com/kestrelvm/kestrel/internal/trap"
)

// FuncName returns the naming convention of "artifactName.funcName".
//
// "artifactName.$funcIdx" is used when the function has no name, as is
// common for stripped guests.
func FuncName(artifactName, funcName string, funcIdx uint32) string {
	var ret strings.Builder

	ret.WriteString(artifactName)
	ret.WriteByte('.')
	if funcName == "" {
		ret.WriteByte('$')
		ret.WriteString(strconv.Itoa(int(funcIdx)))
	} else {
		ret.WriteString(funcName)
	}

	return ret.String()
}

// signature returns a formatted signature similar to how it is defined in Go.
func signature(funcName string, paramTypes, resultTypes []api.ValueType) string {
	var ret strings.Builder
	ret.WriteString(funcName)

	ret.WriteByte('(')
	switch len(paramTypes) {
	case 0:
	case 1:
		ret.WriteString(api.ValueTypeName(paramTypes[0]))
	default:
		ret.WriteString(api.ValueTypeName(paramTypes[0]))
		for _, vt := range paramTypes[1:] {
			ret.WriteByte(',')
			ret.WriteString(api.ValueTypeName(vt))
		}
	}
	ret.WriteByte(')')

	switch len(resultTypes) {
	case 0:
	case 1:
		ret.WriteByte(' ')
		ret.WriteString(api.ValueTypeName(resultTypes[0]))
	default:
		ret.WriteByte(' ')
		ret.WriteByte('(')
		ret.WriteString(api.ValueTypeName(resultTypes[0]))
		for _, vt := range resultTypes[1:] {
			ret.WriteByte(',')
			ret.WriteString(api.ValueTypeName(vt))
		}
		ret.WriteByte(')')
	}

	return ret.String()
}

// ErrorBuilder helps build consistent errors, particularly adding a wasm
// stack trace.
//
// AddFrame should be called beginning at the frame that panicked until no
// more frames exist, then FromRecovered turns the recovered value into the
// error returned to the embedder.
type ErrorBuilder interface {
	// AddFrame adds the next frame. paramTypes and resultTypes are present
	// because signature misunderstanding, mismatch or overflow are common.
	AddFrame(funcName string, paramTypes, resultTypes []api.ValueType)

	// FromRecovered returns an error with the wasm stack trace appended to
	// it. A *trap.Error stays in the chain so callers can still match the
	// trap kind with errors.Is or errors.As.
	FromRecovered(recovered interface{}) error
}

func NewErrorBuilder() ErrorBuilder {
	return &stackTrace{}
}

type stackTrace struct {
	frameCount int
	lines      []string
}

// GoRuntimeErrorTracePrefix comes before the Go runtime stack trace
// included in the face of an unclassified runtime.Error. Exported for
// testing purpose.
const GoRuntimeErrorTracePrefix = "Go runtime stack trace:"

func (s *stackTrace) FromRecovered(recovered interface{}) error {
	stack := strings.Join(s.lines, "\n\t")

	// Traps are the expected unwind path; don't mention recovery.
	if te, ok := recovered.(*trap.Error); ok {
		return fmt.Errorf("%w\nwasm stack trace:\n\t%s", te, stack)
	}

	// A runtime.Error that trap classification did not claim means
	// something severe happened, possibly in a host function. Include the
	// Go stack trace too.
	if runtimeErr, ok := recovered.(runtime.Error); ok {
		return fmt.Errorf("%w (recovered)\nwasm stack trace:\n\t%s\n\n%s\n%s",
			runtimeErr, stack, GoRuntimeErrorTracePrefix, debug.Stack())
	}

	if err, ok := recovered.(error); ok { // e.g. panic(errors.New("whoops"))
		return fmt.Errorf("%w (recovered)\nwasm stack trace:\n\t%s", err, stack)
	}
	return fmt.Errorf("%v (recovered)\nwasm stack trace:\n\t%s", recovered, stack)
}

// MaxFrames is the maximum number of frames to include in the stack trace.
const MaxFrames = 30

// AddFrame implements ErrorBuilder.AddFrame
func (s *stackTrace) AddFrame(funcName string, paramTypes, resultTypes []api.ValueType) {
	if s.frameCount == MaxFrames {
		return
	}
	s.frameCount++
	s.lines = append(s.lines, signature(funcName, paramTypes, resultTypes))
	if s.frameCount == MaxFrames {
		s.lines = append(s.lines, "... maybe followed by omitted frames")
	}
}
