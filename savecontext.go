// Package savecontext provides a minimal public API for embedding the
// savecontext storage layer in other Go programs.
//
// Most integrations should talk to a running server over the tool protocol
// instead. This package exports only the types and constructors needed to
// open the store programmatically.
package savecontext

import (
	"context"

	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/storage/sqlite"
)

// Storage is the interface for savecontext storage operations.
type Storage = storage.Storage

// Tx provides atomic multi-operation support within a database transaction.
// Use Storage.RunInTransaction to obtain one.
type Tx = storage.Tx

// Open creates or opens a savecontext database at the given path, running
// any pending migrations.
func Open(ctx context.Context, dbPath string) (Storage, error) {
	return sqlite.New(ctx, dbPath)
}

// IsNotFound reports whether err marks a missing record.
func IsNotFound(err error) bool {
	return storage.Code(err) == "not_found"
}

// ErrorCode returns the stable error code for err ("not_found",
// "validation", "conflict", "integrity", "unavailable", or "internal").
func ErrorCode(err error) string {
	return storage.Code(err)
}
