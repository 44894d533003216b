package wasm

import (
	"errors"
	"fmt"
)

var (
	// ErrGrowLimitExceeded is returned by Memory.Grow and Table.Grow when
	// the requested size would exceed the declared maximum. The current
	// size is unchanged.
	ErrGrowLimitExceeded = errors.New("size limit exceeded")
	// ErrExportNotFound is returned by Instance.Call for an unknown export
	// name or a non-function export.
	ErrExportNotFound = errors.New("export not found")
	// ErrSignatureMismatch is returned by Instance.Call when the argument
	// count or types disagree with the export's signature. Compiled code is
	// never entered.
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// InstantiationReason says which phase of instantiation failed.
type InstantiationReason byte

const (
	// ReasonImportMismatch is an import the embedder did not provide, or
	// provided with the wrong extern kind or function signature.
	ReasonImportMismatch InstantiationReason = iota
	// ReasonLimitIncompatible is an imported memory or table whose limits
	// do not satisfy the artifact's declared limits.
	ReasonLimitIncompatible
	// ReasonStartTrap means the module's start function (or an active
	// data/element segment copy) trapped. The instance is never returned.
	ReasonStartTrap
	// ReasonAllocation means the OS could not back a declared memory or
	// table.
	ReasonAllocation
)

func (r InstantiationReason) String() string {
	switch r {
	case ReasonImportMismatch:
		return "import mismatch"
	case ReasonLimitIncompatible:
		return "incompatible limits"
	case ReasonStartTrap:
		return "start function trapped"
	case ReasonAllocation:
		return "allocation failed"
	}
	return "unknown"
}

// InstantiationError is returned by Instantiate. Cause carries the
// underlying trap or description and unwraps for errors.Is/As.
type InstantiationError struct {
	Reason InstantiationReason
	Cause  error
}

func (e *InstantiationError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("instantiation failed: %s", e.Reason)
	}
	return fmt.Sprintf("instantiation failed: %s: %v", e.Reason, e.Cause)
}

func (e *InstantiationError) Unwrap() error { return e.Cause }
