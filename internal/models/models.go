// Package models holds the typed views of the presence and call-session documents.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/manpreetbhatti/livewire/internal/store"
)

// PresenceRecord is a live user with a balance.
type PresenceRecord struct {
	UserCallID string  `json:"userCallId"`
	Email      string  `json:"email"`
	Key        string  `json:"key"`
	Password   string  `json:"-"`
	Balance    float64 `json:"balance"`
	UserName   string  `json:"userName"`
	IsAdmin    bool    `json:"isAdmin"`
}

// Document returns the store representation of the record.
func (p PresenceRecord) Document() store.Document {
	return store.Document{
		store.FieldUserCallID: p.UserCallID,
		store.FieldEmail:      p.Email,
		"key":                 p.Key,
		store.FieldPassword:   p.Password,
		store.FieldBalance:    p.Balance,
		"userName":            p.UserName,
		"isAdmin":             p.IsAdmin,
	}
}

// PresenceFromDocument reads a presence record out of a store document.
func PresenceFromDocument(doc store.Document) PresenceRecord {
	isAdmin, _ := doc["isAdmin"].(bool)
	return PresenceRecord{
		UserCallID: doc.String(store.FieldUserCallID),
		Email:      doc.String(store.FieldEmail),
		Key:        doc.String("key"),
		Password:   doc.String(store.FieldPassword),
		Balance:    toFloat(doc[store.FieldBalance]),
		UserName:   doc.String("userName"),
		IsAdmin:    isAdmin,
	}
}

// CallSession is the aggregate state of one call. Participants maps each
// participant id to the status it last reported; on the wire and in the store
// those entries sit next to the fixed fields.
type CallSession struct {
	CallID       string
	Status       string
	LastUpdated  time.Time
	Participants map[string]string
}

// ReservedCallFields are the structural fields a participant id may not shadow.
var ReservedCallFields = map[string]bool{
	store.FieldCallID:      true,
	store.FieldStatus:      true,
	store.FieldLastUpdated: true,
	"_id":                  true,
}

// CallFromDocument reads a call session out of a store document. Any field that
// is not structural and holds a string is treated as a participant entry.
func CallFromDocument(doc store.Document) CallSession {
	call := CallSession{
		CallID:       doc.String(store.FieldCallID),
		Status:       doc.String(store.FieldStatus),
		LastUpdated:  toTime(doc[store.FieldLastUpdated]),
		Participants: make(map[string]string),
	}
	for k, v := range doc {
		if ReservedCallFields[k] {
			continue
		}
		if s, ok := v.(string); ok {
			call.Participants[k] = s
		}
	}
	return call
}

func (c CallSession) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Participants)+3)
	for k, v := range c.Participants {
		out[k] = v
	}
	out[store.FieldCallID] = c.CallID
	out[store.FieldStatus] = c.Status
	out[store.FieldLastUpdated] = c.LastUpdated
	return json.Marshal(out)
}

func (c *CallSession) UnmarshalJSON(data []byte) error {
	var doc store.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode call session: %w", err)
	}
	*c = CallFromDocument(doc)
	return nil
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}

// timeValuer matches BSON datetime values without importing the driver here.
type timeValuer interface {
	Time() time.Time
}

func toTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}
		}
		return parsed.UTC()
	case timeValuer:
		return t.Time().UTC()
	default:
		return time.Time{}
	}
}
