package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"jobline/internal/domain"
	"jobline/internal/repo"
)

const apiKeyPrefix = "jl_"

// CreateAPIKey stores a new key for actorID and returns the plaintext key.
// The plaintext is not recoverable afterwards.
func (e *Engine) CreateAPIKey(ctx context.Context, actorID, name string, permissions []string) (string, domain.APIKey, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return "", domain.APIKey{}, fmt.Errorf("%w: actor required", ErrInvalid)
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:          uuid.NewString(),
		ActorID:     actorID,
		Name:        name,
		KeyHash:     repo.HashAPIKey(plain),
		Permissions: permissions,
		CreatedAt:   e.now(),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

func (e *Engine) APIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, actorID)
}

func (e *Engine) RevokeAPIKey(ctx context.Context, id string) error {
	return e.Repo.DeleteAPIKey(ctx, id)
}

// LookupAPIKey resolves a plaintext key to its stored record.
func (e *Engine) LookupAPIKey(ctx context.Context, plain string) (domain.APIKey, error) {
	return e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(plain))
}
