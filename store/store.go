// Package store defines the capability interface the FTSM core consumes
// from the shared document store: find-one / replace-one on named
// collections. The concrete Mongo-like client is an external collaborator
// (spec §1); store/pgstore ships one concrete, Postgres-backed
// implementation.
package store

import (
	"context"
	"errors"
)

// Collection names per spec §6.
const (
	CollectionComponents = "components"
	CollectionStatus     = "status"
	CollectionSMStates   = "component_sm_states"
)

// ErrNotFound is returned by FindOne when no document matches selector.
var ErrNotFound = errors.New("store: document not found")

// Document is an opaque, decoded document. Keys mirror the JSON field
// names described in spec §6.
type Document map[string]any

// Store is the find-one/replace-one capability consumed by the FTSM core.
type Store interface {
	// FindOne returns the first document in collection matching selector,
	// or ErrNotFound.
	FindOne(ctx context.Context, collection string, selector map[string]any) (Document, error)

	// ReplaceOne replaces the document matching selector with replacement.
	// Implementations used by the state publisher (spec §4.2.2) must NOT
	// insert when no document matches -- that invariant is enforced by
	// the FTSM core, but a well-behaved Store should honor whatever
	// upsert flag its ReplaceOne call is given; this interface has no
	// upsert flag, so the core never asks for one.
	ReplaceOne(ctx context.Context, collection string, selector map[string]any, replacement Document) error

	// Close releases the store client's resources.
	Close() error
}
