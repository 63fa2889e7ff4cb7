// Package filebackend defines the content-addressed byte-store contract
// (component G) used to persist tool-produced multimodal content. Concrete
// backends live in subpackages: noop (required for tests) and local
// (reference disk-backed implementation). Object-store and database-backed
// adapters are additional pluggable implementations left to callers (spec
// §1 explicitly scopes concrete object-store URL shapes out of the core).
package filebackend

import (
	"context"
	"time"
)

// Meta describes the outcome of a Store or Update call.
type Meta struct {
	FileID  string
	Filename string

	// StorageLocation is an opaque string (path, URL, or empty for no-op
	// backends). Callers must not parse it.
	StorageLocation string

	Size      int64
	Timestamp time.Time

	// IsUpdate reports whether this call replaced existing bytes for
	// FileID rather than creating them for the first time.
	IsUpdate bool

	// BackendID identifies which backend implementation produced this
	// metadata (e.g. "noop", "local", "s3").
	BackendID string

	// PriorSize is the size of the bytes this call replaced, when
	// IsUpdate is true.
	PriorSize int64

	// Extras carries backend-specific metadata not covered above.
	Extras map[string]any
}

// Backend is the content-addressed file store contract. Every operation is
// scoped by (agentUUID, fileID); the same fileID may be stored multiple
// times, with later writes fully replacing earlier bytes.
type Backend interface {
	Store(ctx context.Context, agentUUID, fileID, filename, mediaType string, data []byte) (Meta, error)
	Update(ctx context.Context, agentUUID, fileID string, data []byte) (Meta, error)
	Retrieve(ctx context.Context, agentUUID, fileID string) ([]byte, Meta, error)
	Delete(ctx context.Context, agentUUID, fileID string) error
}
