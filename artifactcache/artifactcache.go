// Package artifactcache persists serialized artifacts keyed by the
// checksum of the guest code they were compiled from, so a guest is
// compiled once per runtime version rather than once per process.
package artifactcache

import (
	"crypto/sha256"
	"io"
)

// Checksum identifies a cache entry: the digest of the guest code bytes an
// artifact was compiled from.
type Checksum = [sha256.Size]byte

// ChecksumOf returns the cache key for the given guest code bytes.
func ChecksumOf(code []byte) Checksum {
	return sha256.Sum256(code)
}

// Cache stores serialized artifacts. Implementations must be safe for
// concurrent use.
//
// Get returns ok false when the key has no entry; the caller owns closing
// content. Put replaces any existing entry for the key. Delete of an
// absent key is not an error.
type Cache interface {
	Get(key Checksum) (content io.ReadCloser, ok bool, err error)
	Put(key Checksum, content io.Reader) error
	Delete(key Checksum) error
}
