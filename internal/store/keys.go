package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"crawlclean/internal/model"
)

const apiKeyColumns = `id, key_hash, name, scopes, rate_limit_per_minute,
	is_active, created_at, last_used_at`

// GetAPIKeyByRawKey looks up an active API key by its raw value.
func (s *Store) GetAPIKeyByRawKey(ctx context.Context, rawKey string) (*model.APIKey, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1 AND is_active`,
		HashAPIKey(rawKey))
	return scanAPIKey(row)
}

// TouchAPIKey records the last use of a credential. Best effort.
func (s *Store) TouchAPIKey(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id)
	return err
}

// EnsureAdminAPIKey creates the bootstrap admin key if it does not
// exist yet, and returns the stored record either way.
func (s *Store) EnsureAdminAPIKey(ctx context.Context, rawKey, name string) (*model.APIKey, error) {
	hash := HashAPIKey(rawKey)
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, hash)
	key, err := scanAPIKey(row)
	if err == nil {
		return key, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	return s.insertAPIKey(ctx, hash, name, []string{"admin"}, 0)
}

// CreateRandomAPIKey mints a new random key (cc_ prefix) and stores
// its hash. The raw key is returned once and never again.
func (s *Store) CreateRandomAPIKey(ctx context.Context, name string, scopes []string, rateLimitPerMinute int) (string, *model.APIKey, error) {
	raw := "cc_" + uuid.New().String()
	key, err := s.insertAPIKey(ctx, HashAPIKey(raw), name, scopes, rateLimitPerMinute)
	if err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

func (s *Store) insertAPIKey(ctx context.Context, hash, name string, scopes []string, rateLimit int) (*model.APIKey, error) {
	if scopes == nil {
		scopes = []string{}
	}
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return nil, fmt.Errorf("marshal scopes: %w", err)
	}
	if rateLimit <= 0 {
		rateLimit = 60
	}
	row := s.DB.QueryRowContext(ctx, `
		INSERT INTO api_keys (key_hash, name, scopes, rate_limit_per_minute)
		VALUES ($1, $2, $3, $4)
		RETURNING `+apiKeyColumns,
		hash, name, scopesJSON, rateLimit)
	return scanAPIKey(row)
}

func scanAPIKey(row rowScanner) (*model.APIKey, error) {
	var k model.APIKey
	var scopes []byte
	var lastUsed sql.NullTime
	err := row.Scan(&k.ID, &k.KeyHash, &k.Name, &scopes, &k.RateLimitPerMinute,
		&k.IsActive, &k.CreatedAt, &lastUsed)
	if err != nil {
		return nil, notFound(err)
	}
	if err := jsonInto(scopes, &k.Scopes); err != nil {
		return nil, fmt.Errorf("unmarshal scopes: %w", err)
	}
	if lastUsed.Valid {
		k.LastUsedAt = &lastUsed.Time
	}
	return &k, nil
}

func jsonInto(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
