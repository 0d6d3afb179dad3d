package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"

	"caprig/internal/domain"
	"caprig/internal/events"
	"caprig/internal/repo"
)

// CreateAPIKey mints an operator API key. The raw key is returned exactly
// once; only its SHA-256 hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, name, actorID string) (domain.APIKey, string, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor id is required")
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, "apikey.created", "apikey", key.ID, actorID, events.EventPayload{"name": key.Name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, raw, nil
}

// RevokeAPIKey removes a key permanently. Requests already in flight with
// the key finish; new ones fail auth.
func (e Engine) RevokeAPIKey(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Repo.DeleteAPIKey(ctx, tx, id)
	if err != nil {
		return err
	}
	if !ok {
		return repo.ErrNotFound
	}
	if err := e.Events.Append(ctx, tx, "apikey.deleted", "apikey", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
