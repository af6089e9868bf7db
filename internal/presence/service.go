// Package presence implements the live-user (presence/balance) mutations.
package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/manpreetbhatti/livewire/internal/errors"
	"github.com/manpreetbhatti/livewire/internal/models"
	"github.com/manpreetbhatti/livewire/internal/store"
)

type Service struct {
	store store.Store
}

func NewService(s store.Store) *Service {
	return &Service{store: s}
}

// RegisterRequest carries a new live user. Balance and IsAdmin are optional.
type RegisterRequest struct {
	Email      string   `json:"email"`
	Key        string   `json:"key"`
	Password   string   `json:"password"`
	Balance    *float64 `json:"balance"`
	UserCallID string   `json:"userCallId"`
	UserName   string   `json:"userName"`
	IsAdmin    *bool    `json:"isAdmin"`
}

func (r RegisterRequest) validate() error {
	var missing []string
	if r.Email == "" {
		missing = append(missing, "email")
	}
	if r.Key == "" {
		missing = append(missing, "key")
	}
	if r.UserCallID == "" {
		missing = append(missing, "userCallId")
	}
	if r.UserName == "" {
		missing = append(missing, "userName")
	}
	if len(missing) > 0 {
		return apperrors.Validation("missing required fields: " + strings.Join(missing, ", "))
	}
	return nil
}

// Register creates a live user. Email and userCallId must both be unused.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (models.PresenceRecord, error) {
	if err := req.validate(); err != nil {
		return models.PresenceRecord{}, err
	}

	rec := models.PresenceRecord{
		UserCallID: req.UserCallID,
		Email:      req.Email,
		Key:        req.Key,
		Password:   req.Password,
		UserName:   req.UserName,
	}
	if req.Balance != nil {
		rec.Balance = *req.Balance
	}
	if req.IsAdmin != nil {
		rec.IsAdmin = *req.IsAdmin
	}

	doc, err := s.store.Insert(ctx, store.Presence, rec.Document())
	if err != nil {
		return models.PresenceRecord{}, fmt.Errorf("register %s: %w", req.UserCallID, err)
	}
	return models.PresenceFromDocument(doc), nil
}

func (s *Service) Get(ctx context.Context, userCallID string) (models.PresenceRecord, error) {
	if userCallID == "" {
		return models.PresenceRecord{}, apperrors.Validation("userCallId is required")
	}
	doc, err := s.store.Get(ctx, store.Presence, userCallID)
	if err != nil {
		return models.PresenceRecord{}, err
	}
	return models.PresenceFromDocument(doc), nil
}

// ListExcept returns every live user other than the one with the given email,
// ordered by email descending, then key ascending.
func (s *Service) ListExcept(ctx context.Context, email string) ([]models.PresenceRecord, error) {
	docs, err := s.store.List(ctx, store.Presence)
	if err != nil {
		return nil, err
	}

	users := make([]models.PresenceRecord, 0, len(docs))
	for _, doc := range docs {
		rec := models.PresenceFromDocument(doc)
		if email != "" && rec.Email == email {
			continue
		}
		users = append(users, rec)
	}

	sort.SliceStable(users, func(i, j int) bool {
		if users[i].Email != users[j].Email {
			return users[i].Email > users[j].Email
		}
		return users[i].Key < users[j].Key
	})
	return users, nil
}

// UpdateBalance sets the balance of the user identified by userCallId.
func (s *Service) UpdateBalance(ctx context.Context, userCallID string, balance float64) (models.PresenceRecord, error) {
	if userCallID == "" {
		return models.PresenceRecord{}, apperrors.Validation("userCallId is required")
	}
	doc, err := s.store.Update(ctx, store.Presence, userCallID, store.Document{store.FieldBalance: balance})
	if err != nil {
		return models.PresenceRecord{}, fmt.Errorf("update balance %s: %w", userCallID, err)
	}
	return models.PresenceFromDocument(doc), nil
}
