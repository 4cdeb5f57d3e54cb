// Package secretstore abstracts secret-at-rest storage for the agent. The
// default implementation keeps owner-only files under the agent data
// directory; platform keychain (macOS) and DPAPI (Windows) backends satisfy
// the same interface.
package secretstore

import "errors"

// ErrNotFound is returned by Load when no secret exists under the key.
var ErrNotFound = errors.New("secretstore: not found")

// Store persists small opaque blobs keyed by name.
type Store interface {
	Save(key string, data []byte) error
	Load(key string) ([]byte, error)
	Delete(key string) error
}
