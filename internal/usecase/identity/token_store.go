package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gatelink/internal/domain"
)

// DeviceToken is a credential the gateway issued to this device for one role.
type DeviceToken struct {
	Token      string   `json:"token"`
	Role       string   `json:"role"`
	Scopes     []string `json:"scopes,omitempty"`
	IssuedAtMs int64    `json:"issuedAtMs"`
}

// TokenStore persists issued device tokens keyed by device and role.
type TokenStore struct {
	store domain.KVStore
	now   func() time.Time
}

// NewTokenStore creates a TokenStore backed by store.
func NewTokenStore(store domain.KVStore) *TokenStore {
	return &TokenStore{store: store, now: time.Now}
}

func tokenKey(deviceID, role string) string {
	return fmt.Sprintf("device-auth/%s/%s", deviceID, role)
}

// Load returns the stored token, or ErrNotFound.
func (s *TokenStore) Load(ctx context.Context, deviceID, role string) (*DeviceToken, error) {
	if s.store == nil {
		return nil, domain.ErrNotFound
	}
	data, err := s.store.Get(ctx, tokenKey(deviceID, role))
	if err != nil {
		return nil, err
	}
	var tok DeviceToken
	if err := json.Unmarshal(data, &tok); err != nil || tok.Token == "" {
		return nil, domain.NewDomainError("TokenStore.Load", domain.ErrNotFound, "stored token unreadable")
	}
	return &tok, nil
}

// Save stores tok under its role. A zero IssuedAtMs is filled with now.
func (s *TokenStore) Save(ctx context.Context, deviceID string, tok DeviceToken) error {
	if s.store == nil {
		return nil
	}
	if tok.Token == "" {
		return domain.NewDomainError("TokenStore.Save", domain.ErrInvalidInput, "empty token")
	}
	if tok.IssuedAtMs == 0 {
		tok.IssuedAtMs = s.now().UnixMilli()
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode device token: %w", err)
	}
	return s.store.Set(ctx, tokenKey(deviceID, tok.Role), data)
}

// Clear removes the token for role. Missing tokens are not an error.
func (s *TokenStore) Clear(ctx context.Context, deviceID, role string) error {
	if s.store == nil {
		return nil
	}
	err := s.store.Remove(ctx, tokenKey(deviceID, role))
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}
