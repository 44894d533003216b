package kestrel

import (
	"github.com/kestrelvm/kestrel/internal/artifact"
	"github.com/kestrelvm/kestrel/internal/guarded"
	"github.com/kestrelvm/kestrel/internal/trap"
	"github.com/kestrelvm/kestrel/internal/wasm"
)

// Sentinel errors, matched with errors.Is.
var (
	// ErrGrowLimitExceeded means a memory or table grow would exceed its
	// declared maximum. The size is unchanged.
	ErrGrowLimitExceeded = wasm.ErrGrowLimitExceeded
	// ErrExportNotFound means Instance.Call named an unknown or
	// non-function export.
	ErrExportNotFound = wasm.ErrExportNotFound
	// ErrSignatureMismatch means Instance.Call arguments disagree with the
	// export's signature; compiled code was never entered.
	ErrSignatureMismatch = wasm.ErrSignatureMismatch
	// ErrInstanceClosed means the instance was closed before the call.
	ErrInstanceClosed = wasm.ErrInstanceClosed
	// ErrAllocationFailed means the OS could not reserve or commit pages.
	ErrAllocationFailed = guarded.ErrAllocationFailed
	// ErrIncompatibleArtifact means a cached artifact was produced by a
	// different runtime or layout version; recompile the guest.
	ErrIncompatibleArtifact = artifact.ErrIncompatibleArtifact
)

// InstantiationError is returned by Runtime.Instantiate; Reason says which
// phase failed and the cause unwraps.
type InstantiationError = wasm.InstantiationError

// InstantiationReason classifies instantiation failures.
type InstantiationReason = wasm.InstantiationReason

const (
	ReasonImportMismatch    = wasm.ReasonImportMismatch
	ReasonLimitIncompatible = wasm.ReasonLimitIncompatible
	ReasonStartTrap         = wasm.ReasonStartTrap
	ReasonAllocation        = wasm.ReasonAllocation
)

// TrapError is in the error chain of any call that trapped; match it with
// errors.As, or errors.Is against a kind sentinel from NewTrapError.
type TrapError = trap.Error

// TrapKind classifies traps.
type TrapKind = trap.Kind

const (
	TrapMemoryOutOfBounds        = trap.KindMemoryOutOfBounds
	TrapTableOutOfBounds         = trap.KindTableOutOfBounds
	TrapIndirectCallTypeMismatch = trap.KindIndirectCallTypeMismatch
	TrapUndefinedElement         = trap.KindUndefinedElement
	TrapIntegerOverflow          = trap.KindIntegerOverflow
	TrapIntegerDivisionByZero    = trap.KindIntegerDivisionByZero
	TrapStackOverflow            = trap.KindStackOverflow
	TrapUnreachable              = trap.KindUnreachable
	TrapMeteringExhausted        = trap.KindMeteringExhausted
)

// NewTrapError returns a TrapError of the given kind, mainly useful as an
// errors.Is target.
func NewTrapError(kind TrapKind) *TrapError {
	return trap.New(kind)
}
