// Package mocks provides gomock implementations of the back-office ports for testing.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	profiles := mocks.NewMockProfileStore(ctrl)
//	profiles.EXPECT().GetByID(gomock.Any(), "user-1").Return(profile, nil)
package mocks

// Identity provider, token store, profile store and admin session store.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=ports_mock.go github.com/armazem-sao-joaquim/backoffice/internal/ports AdminSessionStore,IdentityProvider,ProfileStore,TokenStore

// Shared cache backend used by the Redis verification cache.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=cache_repository_mock.go github.com/armazem-sao-joaquim/backoffice/internal/core CacheRepository
