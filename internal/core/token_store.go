package core

import (
	"context"
	"errors"
	"time"

	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
)

// DefaultTokenRetention bounds how long a client's session is kept after its last save.
const DefaultTokenRetention = 30 * 24 * time.Hour

// MemoryTokenStore keeps provider sessions per client in process memory.
type MemoryTokenStore struct {
	cache     *TTLCache[domainauth.RawSession]
	retention time.Duration
}

// NewMemoryTokenStore creates a MemoryTokenStore. retention <= 0 uses DefaultTokenRetention.
func NewMemoryTokenStore(retention time.Duration, clock TimeProvider) *MemoryTokenStore {
	if retention <= 0 {
		retention = DefaultTokenRetention
	}
	return &MemoryTokenStore{
		cache:     NewTTLCache[domainauth.RawSession](TTLCacheOptions{DefaultTTL: retention, Clock: clock}),
		retention: retention,
	}
}

func (m *MemoryTokenStore) Save(_ context.Context, clientID string, sess domainauth.RawSession) error {
	if clientID == "" {
		return errors.New("client id cannot be empty")
	}
	m.cache.Set(clientID, sess, m.retention)
	return nil
}

func (m *MemoryTokenStore) Load(_ context.Context, clientID string) (*domainauth.RawSession, error) {
	sess, ok := m.cache.Get(clientID)
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (m *MemoryTokenStore) Delete(_ context.Context, clientID string) error {
	m.cache.Clear(clientID)
	return nil
}
