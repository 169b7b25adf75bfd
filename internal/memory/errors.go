package memory

import "errors"

// Sentinel errors for engine operations.
var (
	// ErrNotFound is returned when a fragment does not exist or lies outside
	// the caller's scope. The two cases are indistinguishable on purpose.
	ErrNotFound = errors.New("memory fragment not found")

	// ErrInvalidType indicates an unknown memory type or role.
	ErrInvalidType = errors.New("invalid memory type")

	// ErrVectorWriteFailed indicates the vector upsert failed after the
	// metadata row was written; the row has been compensated (deleted).
	ErrVectorWriteFailed = errors.New("vector write failed")

	// ErrEmbeddingFailed indicates the embedding service call failed;
	// nothing was written.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)
