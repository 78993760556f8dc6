package trace

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for an unknown record id.
var ErrNotFound = errors.New("audit record not found")

// Store defines the interface for audit persistence backends.
type Store interface {
	// Initialize creates tables and indexes and restores the chain head.
	Initialize(ctx context.Context) error

	// Close cleanly shuts down the store.
	Close() error

	// Insert assigns the record its id, sequence number and chain hashes.
	Insert(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, filter Filter) ([]*Record, int, error)
	Stats(ctx context.Context) (*Stats, error)

	// Verify walks the retained records and checks hash integrity.
	Verify(ctx context.Context) (VerifyResult, error)

	// Prune keeps only the newest keep records.
	Prune(ctx context.Context, keep int) (int64, error)
}
