// Package blobnode is the storage node: a flat blob store keyed by UUID
// plus the TCP server that exposes it over the framed protocol. The node
// knows nothing about paths, directories, or users; that structure lives
// entirely in the front node's catalog.
package blobnode

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
)

// ErrBlobNotFound means no blob is stored under the requested UUID.
var ErrBlobNotFound = errors.New("no blob stored under that uuid")

// Store is a flat UUID-keyed blob store.
type Store interface {
	// Put stores r under id, replacing any existing blob. size is the
	// payload length when known, or negative to read until EOF.
	Put(ctx context.Context, id uuid.UUID, r io.Reader, size int64) error
	// Get opens the blob stored under id. The returned size is negative
	// when the backend cannot cheaply know the plaintext length.
	Get(ctx context.Context, id uuid.UUID) (io.ReadCloser, int64, error)
	// Delete removes the blob stored under id.
	Delete(ctx context.Context, id uuid.UUID) error
}
