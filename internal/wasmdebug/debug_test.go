package wasmdebug

import (
	"errors"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelvm/kestrel/api"
	"github.com/kestrelvm/kestrel/internal/trap"
)

func TestFuncName(t *testing.T) {
	tests := []struct {
		name         string
		artifactName string
		funcName     string
		funcIdx      uint32
		expected     string
	}{
		{name: "empty func name", artifactName: "math", funcIdx: 2, expected: "math.$2"},
		{name: "func name", artifactName: "math", funcName: "pi", expected: "math.pi"},
		{name: "empty everything", expected: ".$0"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, FuncName(tc.artifactName, tc.funcName, tc.funcIdx))
		})
	}
}

func TestAddFrame_Signature(t *testing.T) {
	i32, i64, f64 := api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF64
	tests := []struct {
		name     string
		params   []api.ValueType
		results  []api.ValueType
		expected string
	}{
		{name: "no params no results", expected: "x.y()"},
		{name: "one param one result", params: []api.ValueType{i32}, results: []api.ValueType{i64}, expected: "x.y(i32) i64"},
		{name: "many params", params: []api.ValueType{i32, i64, f64}, expected: "x.y(i32,i64,f64)"},
		{name: "many results", results: []api.ValueType{i32, i64}, expected: "x.y() (i32,i64)"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := &stackTrace{}
			s.AddFrame("x.y", tc.params, tc.results)
			require.Equal(t, tc.expected, s.lines[0])
		})
	}
}

func TestAddFrame_MaxFrames(t *testing.T) {
	s := &stackTrace{}
	for i := 0; i < MaxFrames+5; i++ {
		s.AddFrame("x.y", nil, nil)
	}
	require.Equal(t, MaxFrames, s.frameCount)
	require.Equal(t, "... maybe followed by omitted frames", s.lines[len(s.lines)-1])
}

func TestFromRecovered_Trap(t *testing.T) {
	b := NewErrorBuilder()
	b.AddFrame("main.$3", nil, nil)
	b.AddFrame("main.run", []api.ValueType{api.ValueTypeI32}, nil)

	te := trap.New(trap.KindMemoryOutOfBounds)
	err := b.FromRecovered(te)

	require.ErrorIs(t, err, te)
	var got *trap.Error
	require.True(t, errors.As(err, &got))
	require.Equal(t, trap.KindMemoryOutOfBounds, got.Kind())

	require.Equal(t, `wasm trap: out of bounds memory access
wasm stack trace:
	main.$3()
	main.run(i32)`, err.Error())
}

func TestFromRecovered_RuntimeError(t *testing.T) {
	b := NewErrorBuilder()
	b.AddFrame("main.$0", nil, nil)

	var rte runtime.Error
	func() {
		defer func() {
			rte = recover().(runtime.Error)
		}()
		var p *int
		_ = *p //nolint
	}()

	err := b.FromRecovered(rte)
	require.ErrorIs(t, err, rte)
	require.Contains(t, err.Error(), "(recovered)")
	require.Contains(t, err.Error(), GoRuntimeErrorTracePrefix)
}

func TestFromRecovered_HostPanic(t *testing.T) {
	b := NewErrorBuilder()
	b.AddFrame("env.host", nil, nil)

	cause := errors.New("whoops")
	err := b.FromRecovered(cause)
	require.ErrorIs(t, err, cause)
	require.True(t, strings.HasPrefix(err.Error(), "whoops (recovered)"), err.Error())

	err = b.FromRecovered("whoops")
	require.Equal(t, "whoops (recovered)\nwasm stack trace:\n\tenv.host()", err.Error())
}
