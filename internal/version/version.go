// Package version resolves the runtime's own module version. Artifact
// encodings embed it, so entries compiled by one version are never loaded
// by another.
package version

import (
	"runtime/debug"
)

// Default is the version used when the build carries none, e.g. a binary
// built from a working tree.
const Default = "dev"

// version may be set at link time with -ldflags.
var version string

const modulePath = "github.com/kestrelvm/kestrel"

// GetRuntimeVersion returns the module version recorded in the embedding
// binary's build info, the -ldflags override, or Default.
func GetRuntimeVersion() string {
	if version != "" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Default
	}
	for _, dep := range info.Deps {
		if dep.Path == modulePath {
			if dep.Replace != nil && dep.Replace.Version != "" {
				return dep.Replace.Version
			}
			return dep.Version
		}
	}
	return Default
}
