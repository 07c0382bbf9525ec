// Package store provides the document store the pipeline persists its
// contacts, sent-records, retry bookkeeping and dead letters in. The store is
// treated as eventually consistent; every call is independently retryable.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when a document does not exist in a collection.
var ErrNotFound = errors.New("store: document not found")

// Filter restricts Query results to documents whose top-level fields equal
// the supplied values. An empty filter matches every document.
type Filter map[string]any

// DocumentStore is the generic key-value document storage contract consumed
// by the pipeline. Implementations must keep Get/Add/Update/Query independent
// so callers can retry each operation on its own.
type DocumentStore interface {
	// Get loads the document with the given id and unmarshals it into out.
	Get(ctx context.Context, collection, id string, out any) error
	// Add stores doc under id, overwriting any existing document.
	Add(ctx context.Context, collection, id string, doc any) error
	// Update applies a shallow field patch to an existing document.
	Update(ctx context.Context, collection, id string, patch map[string]any) error
	// Query returns the raw documents matching the filter.
	Query(ctx context.Context, collection string, filter Filter) ([]json.RawMessage, error)
	// Delete removes a document; deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error
}

func matchesFilter(raw []byte, filter Filter) bool {
	if len(filter) == 0 {
		return true
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false
	}
	for field, want := range filter {
		got, ok := doc[field]
		if !ok {
			return false
		}
		wantJSON, err1 := json.Marshal(want)
		gotJSON, err2 := json.Marshal(got)
		if err1 != nil || err2 != nil || string(wantJSON) != string(gotJSON) {
			return false
		}
	}
	return true
}
