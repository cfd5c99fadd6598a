// Package store defines the document/collection contract the chat engine
// consumes. Concrete backends live in storage (SQLite) and network (relay
// client).
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates a requested document does not exist.
	ErrNotFound = errors.New("store: document not found")
	// ErrInvalidPath indicates a malformed collection or document path.
	ErrInvalidPath = errors.New("store: invalid path")
	// ErrClosed indicates the store was closed.
	ErrClosed = errors.New("store: closed")
	// ErrUnavailable indicates the backend could not be reached.
	ErrUnavailable = errors.New("store: unavailable")
)

// ChangeType classifies a change notification.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Direction is an ordered-query sort direction.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// Document is one stored document and its id within its collection.
type Document struct {
	ID   string `json:"id"`
	Data Data   `json:"data"`
}

// Change is a single notification delivered to a subscription.
type Change struct {
	Type     ChangeType `json:"type"`
	Document Document   `json:"document"`
}

// Cursor positions an ordered query strictly after a document.
type Cursor struct {
	Value any    `json:"value"`
	ID    string `json:"id"`
}

// Query selects documents of one collection ordered by a single field.
type Query struct {
	Path       string    `json:"path"`
	OrderBy    string    `json:"order_by"`
	Direction  Direction `json:"direction"`
	Limit      int       `json:"limit"`
	StartAfter *Cursor   `json:"start_after,omitempty"`
}

// SetOptions controls SetDocument write semantics.
type SetOptions struct {
	Merge bool `json:"merge"`
}

// Store is the remote document store contract.
//
// Paths with an odd number of segments name collections; an even number
// names a single document.
type Store interface {
	CreateDocument(ctx context.Context, path string, data Data) (string, error)
	SetDocument(ctx context.Context, path, id string, data Data, options SetOptions) error
	GetDocument(ctx context.Context, path, id string) (Data, error)
	QueryOrdered(ctx context.Context, query Query) ([]Document, error)
	// Subscribe watches a collection (changes after subscription) or a
	// document (current snapshot first, then every write).
	Subscribe(ctx context.Context, path string) (*Subscription, error)
	CountDocuments(ctx context.Context, path string) (int, error)
}

// ValidateDirection rejects unknown sort directions.
func ValidateDirection(direction Direction) error {
	switch direction {
	case Ascending, Descending:
		return nil
	default:
		return errors.New("store: invalid direction " + string(direction))
	}
}

// ValidateQuery checks a query before it reaches a backend.
func ValidateQuery(query Query) error {
	if _, err := ParseCollectionPath(query.Path); err != nil {
		return err
	}
	if query.OrderBy == "" {
		return errors.New("store: order field is required")
	}
	if query.Limit <= 0 {
		return errors.New("store: limit must be > 0")
	}
	return ValidateDirection(query.Direction)
}

// CursorAfter returns a cursor positioned at doc for queries ordered by field.
func CursorAfter(doc Document, field string) *Cursor {
	return &Cursor{Value: doc.Data[field], ID: doc.ID}
}
