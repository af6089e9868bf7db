// Package callstate merges per-participant call status reports into the shared
// call-session document.
package callstate

import (
	"context"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/manpreetbhatti/livewire/internal/errors"
	"github.com/manpreetbhatti/livewire/internal/models"
	"github.com/manpreetbhatti/livewire/internal/store"
)

type Merger struct {
	store store.Store
	clock clockwork.Clock
}

func NewMerger(s store.Store, clock clockwork.Clock) *Merger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Merger{store: s, clock: clock}
}

// Report records that participantID now has status on callID. The participant's
// own field and the session's top-level status are both set, so status always
// mirrors the latest report while the per-participant fields accumulate.
func (m *Merger) Report(ctx context.Context, callID, participantID, status string) (models.CallSession, error) {
	if err := validate(callID, participantID, status); err != nil {
		return models.CallSession{}, err
	}

	doc := store.Document{
		participantID:          status,
		store.FieldStatus:      status,
		store.FieldLastUpdated: m.clock.Now().UTC(),
	}

	merged, err := m.store.UpsertMerge(ctx, store.Calls, callID, doc)
	if err != nil {
		return models.CallSession{}, fmt.Errorf("report call %s: %w", callID, err)
	}
	return models.CallFromDocument(merged), nil
}

// Get returns the current state of a call session.
func (m *Merger) Get(ctx context.Context, callID string) (models.CallSession, error) {
	if callID == "" {
		return models.CallSession{}, apperrors.Validation("callId is required")
	}
	doc, err := m.store.Get(ctx, store.Calls, callID)
	if err != nil {
		return models.CallSession{}, err
	}
	return models.CallFromDocument(doc), nil
}

func validate(callID, participantID, status string) error {
	switch {
	case callID == "":
		return apperrors.Validation("callId is required")
	case participantID == "":
		return apperrors.Validation("userId is required")
	case status == "":
		return apperrors.Validation("status is required")
	case models.ReservedCallFields[participantID]:
		return apperrors.Validation(fmt.Sprintf("userId %q collides with a reserved call field", participantID)).
			WithContext("userId", participantID)
	case strings.HasPrefix(participantID, "$") || strings.Contains(participantID, "."):
		return apperrors.Validation(fmt.Sprintf("userId %q is not a valid field name", participantID)).
			WithContext("userId", participantID)
	}
	return nil
}
