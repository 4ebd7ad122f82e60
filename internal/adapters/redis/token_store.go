package redis

// Package redis provides Redis-based adapters for the back office.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
)

// DefaultTokenRetention bounds how long a client's session is kept after its last save.
const DefaultTokenRetention = 30 * 24 * time.Hour

// TokenStore keeps per-client provider sessions in Redis so that every
// instance behind a load balancer sees the same session for a client.
type TokenStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewTokenStore creates a new Redis-based token store.
func NewTokenStore(client redis.UniversalClient) *TokenStore {
	return &TokenStore{
		client:    client,
		prefix:    "tokens:",
		retention: DefaultTokenRetention,
	}
}

// NewTokenStoreWithPrefix creates a Redis token store with a custom key prefix and retention.
// retention <= 0 uses DefaultTokenRetention.
func NewTokenStoreWithPrefix(client redis.UniversalClient, prefix string, retention time.Duration) *TokenStore {
	if retention <= 0 {
		retention = DefaultTokenRetention
	}
	return &TokenStore{
		client:    client,
		prefix:    prefix,
		retention: retention,
	}
}

func (s *TokenStore) Save(ctx context.Context, clientID string, sess domainauth.RawSession) error {
	if clientID == "" {
		return errors.New("client id cannot be empty")
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	// An expired access token is still kept: the refresh token may outlive it.
	return s.client.Set(ctx, s.prefix+clientID, data, s.retention).Err()
}

func (s *TokenStore) Load(ctx context.Context, clientID string) (*domainauth.RawSession, error) {
	if clientID == "" {
		return nil, nil
	}

	data, err := s.client.Get(ctx, s.prefix+clientID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var sess domainauth.RawSession
	if unmarshalErr := json.Unmarshal(data, &sess); unmarshalErr != nil {
		// A corrupt entry is dropped so the client can sign in again.
		if delErr := s.Delete(ctx, clientID); delErr != nil {
			return nil, errors.Join(
				fmt.Errorf("unmarshal session: %w", unmarshalErr),
				fmt.Errorf("cleanup corrupt session: %w", delErr),
			)
		}
		return nil, nil
	}
	return &sess, nil
}

func (s *TokenStore) Delete(ctx context.Context, clientID string) error {
	if clientID == "" {
		return nil // Nothing to delete
	}

	return s.client.Del(ctx, s.prefix+clientID).Err()
}
