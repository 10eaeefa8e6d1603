// Package store defines the external persistence contract the reconciler
// depends on, plus the memory, bbolt and postgres implementations.
package store

import (
	"context"
	"errors"

	"collabcanvas/internal/canvas"
	"collabcanvas/internal/protocol"
)

// ErrNotFound is returned by Load when no snapshot or operations exist for
// a canvas.
var ErrNotFound = errors.New("canvas not found")

// Store is the durable collaborator behind the sync engine. The engine
// guarantees AppendOperation is called with strictly increasing ServerSeq
// per canvas; implementations only have to keep what they are given.
type Store interface {
	// Load returns the latest snapshot and the ServerSeq it was taken at.
	// The caller replays LoadSince(id, seq) on top to materialize.
	Load(ctx context.Context, canvasID string) (*canvas.Document, uint64, error)

	// AppendOperation durably records one sequenced operation.
	AppendOperation(ctx context.Context, op protocol.Operation) error

	// LoadSince returns all operations with ServerSeq > since, ordered by
	// ServerSeq ascending.
	LoadSince(ctx context.Context, canvasID string, since uint64) ([]protocol.Operation, error)

	// SaveSnapshot replaces the stored snapshot for a canvas.
	SaveSnapshot(ctx context.Context, canvasID string, doc *canvas.Document, serverSeq uint64) error
}
