package wasm

import "fmt"

// Limits are declared bounds for a memory (in pages) or a table (in
// elements). Max is nil when the module declared no maximum.
type Limits struct {
	Min uint32
	Max *uint32
}

// maxOrDefault resolves the reservation bound: the declared maximum, or the
// given default when unbounded.
func (l Limits) maxOrDefault(def uint32) uint32 {
	if l.Max != nil {
		return *l.Max
	}
	return def
}

// compatibleWith reports whether an imported entity with limits `got`
// satisfies the declaration `l`: its minimum must reach the declared
// minimum, and it must not be allowed to outgrow the declared maximum.
func (l Limits) compatibleWith(got Limits) error {
	if got.Min < l.Min {
		return fmt.Errorf("minimum %d is smaller than declared minimum %d", got.Min, l.Min)
	}
	if l.Max != nil && (got.Max == nil || *got.Max > *l.Max) {
		return fmt.Errorf("maximum exceeds declared maximum %d", *l.Max)
	}
	return nil
}

// Uint32Ptr is a convenience for building Limits literals.
func Uint32Ptr(v uint32) *uint32 { return &v }
