package docstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a document id does not exist in a collection.
var ErrNotFound = errors.New("document not found")

// ErrExists is returned by CreateIfAbsent when the id is already taken.
var ErrExists = errors.New("document already exists")

// Filter matches documents whose top-level fields equal every entry.
type Filter map[string]any

// Store is a schema-less collection/document store. Documents are JSON
// values addressed by (collection, id). All round trips are network calls;
// callers pass a context and get an explicit error back.
type Store interface {
	// Get unmarshals the document into out, or returns ErrNotFound.
	Get(ctx context.Context, collection, id string, out any) error
	// Query unmarshals all documents matching filter into out, which must be
	// a pointer to a slice. An empty filter matches the whole collection.
	Query(ctx context.Context, collection string, filter Filter, out any) error
	// Create writes a new document, overwriting any existing one.
	Create(ctx context.Context, collection, id string, doc any) error
	// CreateIfAbsent writes the document only when the id is free, returning
	// ErrExists otherwise. The check and write are atomic at the store.
	CreateIfAbsent(ctx context.Context, collection, id string, doc any) error
	// Update replaces an existing document, or returns ErrNotFound.
	Update(ctx context.Context, collection, id string, doc any) error
	// Mutate runs a read-modify-write on one document under the store's
	// transaction primitive: fn receives the current raw JSON and returns
	// the replacement value. Concurrent Mutate calls on the same id are
	// serialized; lost updates cannot occur.
	Mutate(ctx context.Context, collection, id string, fn func(raw []byte) (any, error)) error
	// Delete removes a document. Deleting a missing id is not an error.
	Delete(ctx context.Context, collection, id string) error
}
