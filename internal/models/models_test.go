package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/livewire/internal/store"
)

func TestCallFromDocumentSplitsParticipants(t *testing.T) {
	doc := store.Document{
		"_id":         "65f0c0ffee",
		"callId":      "c1",
		"status":      "in-call",
		"lastUpdated": "2026-03-01T10:00:00Z",
		"alice":       "ringing",
		"bob":         "in-call",
		"attempts":    float64(3),
	}

	call := CallFromDocument(doc)

	assert.Equal(t, "c1", call.CallID)
	assert.Equal(t, "in-call", call.Status)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), call.LastUpdated)
	assert.Equal(t, map[string]string{"alice": "ringing", "bob": "in-call"}, call.Participants)
}

func TestCallSessionJSONFlattensParticipants(t *testing.T) {
	call := CallSession{
		CallID:       "c1",
		Status:       "ringing",
		LastUpdated:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Participants: map[string]string{"alice": "ringing"},
	}

	data, err := json.Marshal(call)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "ringing", flat["alice"])
	assert.Equal(t, "c1", flat["callId"])
	assert.Equal(t, "2026-03-01T10:00:00Z", flat["lastUpdated"])

	var decoded CallSession
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, call, decoded)
}

func TestPresenceDocumentRoundTrip(t *testing.T) {
	rec := PresenceRecord{
		UserCallID: "u1",
		Email:      "a@x.com",
		Key:        "k",
		Password:   "secret",
		Balance:    12.5,
		UserName:   "A",
	}

	assert.Equal(t, rec, PresenceFromDocument(rec.Document()))

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
}

func TestToFloatAcceptsDriverNumbers(t *testing.T) {
	assert.Equal(t, float64(50), toFloat(int32(50)))
	assert.Equal(t, float64(50), toFloat(int64(50)))
	assert.Equal(t, float64(50), toFloat(json.Number("50")))
	assert.Equal(t, float64(0), toFloat("50"))
}
