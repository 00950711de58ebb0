package storage

import (
	"io"
)

// Storage defines the interface for staging and retrieving chunk payloads.
type Storage interface {
	// Put stores a payload under the given scope and returns its unique
	// identifier. Payloads with identical content never collide across
	// scopes, so one session's cleanup cannot remove another's chunks.
	Put(scope string, chunkData io.Reader) (string, error)
	// Get retrieves a payload by its identifier.
	Get(id string) (io.ReadCloser, error)
	// Delete removes a payload. Chunks are ephemeral; they are deleted after
	// the owning session reassembles or terminates.
	Delete(id string) error
}
