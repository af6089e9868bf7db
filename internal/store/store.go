// Package store defines the record store contract shared by the SQLite and MongoDB
// adapters: point reads, inserts, merges and a live change feed per collection.
package store

import (
	"context"
	"errors"
	"time"
)

// Collection names a logical record collection.
type Collection string

const (
	Presence Collection = "presence"
	Calls    Collection = "call"
)

// Collections lists every collection the store knows about.
var Collections = []Collection{Presence, Calls}

// Field names shared between the store, the services and the wire format.
const (
	FieldUserCallID  = "userCallId"
	FieldEmail       = "email"
	FieldCallID      = "callId"
	FieldStatus      = "status"
	FieldLastUpdated = "lastUpdated"
	FieldBalance     = "balance"
	FieldPassword    = "password"
)

// KeyField returns the identity field of the collection.
func (c Collection) KeyField() string {
	switch c {
	case Presence:
		return FieldUserCallID
	case Calls:
		return FieldCallID
	default:
		return ""
	}
}

// UniqueFields returns every field that must be unique across the collection,
// identity first.
func (c Collection) UniqueFields() []string {
	switch c {
	case Presence:
		return []string{FieldUserCallID, FieldEmail}
	case Calls:
		return []string{FieldCallID}
	default:
		return nil
	}
}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	return c.KeyField() != ""
}

// Document is a schemaless record. Values are JSON-compatible.
type Document map[string]any

// Clone returns a shallow copy of d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// String returns the value of field as a string, or "" if absent or not a string.
func (d Document) String(field string) string {
	s, _ := d[field].(string)
	return s
}

// Operation is the kind of mutation a change describes.
type Operation string

const (
	OpInsert  Operation = "insert"
	OpUpdate  Operation = "update"
	OpReplace Operation = "replace"
)

// Change is one raw notification from a collection's feed.
type Change struct {
	Collection    Collection
	Operation     Operation
	Key           string
	FullDocument  Document
	UpdatedFields Document
	Time          time.Time
}

// ChangedFields returns the set of fields the change touched. Inserts and
// replaces touch the whole document.
func (c Change) ChangedFields() Document {
	if c.Operation == OpUpdate {
		return c.UpdatedFields
	}
	return c.FullDocument
}

// Filter restricts which changes a subscription yields.
type Filter struct {
	// ChangedField, when set, admits only changes whose changed-field set holds
	// a non-empty value for this field.
	ChangedField string
}

// Match reports whether the change passes the filter.
func (f Filter) Match(c Change) bool {
	if f.ChangedField == "" {
		return true
	}
	v, ok := c.ChangedFields()[f.ChangedField]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString && s == "" {
		return false
	}
	return true
}

// ErrSubscriptionClosed is returned by Next once a subscription has been closed.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Subscription is a lazy, infinite, non-restartable sequence of changes.
// Once Next returns an error the subscription is finished and must be closed;
// callers re-subscribe to resume observing changes.
type Subscription interface {
	Next(ctx context.Context) (Change, error)
	Close() error
}

// Store is the record store adapter.
type Store interface {
	Get(ctx context.Context, coll Collection, key string) (Document, error)
	List(ctx context.Context, coll Collection) ([]Document, error)
	Insert(ctx context.Context, coll Collection, doc Document) (Document, error)
	// UpsertMerge creates the document if absent, otherwise merges fields into it.
	// lastUpdated is refreshed unless fields already carry it.
	UpsertMerge(ctx context.Context, coll Collection, key string, fields Document) (Document, error)
	// Update merges fields into an existing document and fails with NotFound otherwise.
	Update(ctx context.Context, coll Collection, key string, fields Document) (Document, error)
	Subscribe(ctx context.Context, coll Collection, filter Filter) (Subscription, error)
	Stats(ctx context.Context) (map[string]any, error)
	Close() error
}
