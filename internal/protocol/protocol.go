// Package protocol defines the frames pushed to real-time clients.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/manpreetbhatti/livewire/internal/store"
)

// Fields stripped from every frame: secrets, and backend-internal identities.
var redactedFields = []string{store.FieldPassword, "_id"}

// ChangeEvent is the normalized form of one store change. It is serialized once
// per broadcast and written as a text frame to every client.
type ChangeEvent struct {
	Collection    store.Collection  `json:"collection"`
	Operation     store.Operation   `json:"operationType"`
	DocumentKey   map[string]string `json:"documentKey"`
	FullDocument  store.Document    `json:"fullDocument,omitempty"`
	UpdatedFields store.Document    `json:"updatedFields,omitempty"`
	ClusterTime   time.Time         `json:"clusterTime"`
}

// FromChange normalizes a raw feed change.
func FromChange(c store.Change) ChangeEvent {
	ev := ChangeEvent{
		Collection:   c.Collection,
		Operation:    c.Operation,
		DocumentKey:  map[string]string{c.Collection.KeyField(): c.Key},
		FullDocument: redact(c.FullDocument),
		ClusterTime:  c.Time,
	}
	if c.Operation == store.OpUpdate {
		ev.UpdatedFields = redact(c.UpdatedFields)
	}
	return ev
}

// Key returns the identity of the changed document.
func (e ChangeEvent) Key() string {
	return e.DocumentKey[e.Collection.KeyField()]
}

// Encode serializes the event into a frame payload.
func (e ChangeEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a frame payload.
func Decode(data []byte) (ChangeEvent, error) {
	var ev ChangeEvent
	err := json.Unmarshal(data, &ev)
	return ev, err
}

func redact(doc store.Document) store.Document {
	if doc == nil {
		return nil
	}
	out := doc.Clone()
	for _, f := range redactedFields {
		delete(out, f)
	}
	return out
}
