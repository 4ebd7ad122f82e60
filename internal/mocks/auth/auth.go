// Package auth contains simple hand-written test doubles for auth ports.
// These are lightweight and suitable for unit tests without codegen.
package auth

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
	apperrors "github.com/armazem-sao-joaquim/backoffice/internal/errors"
	"github.com/armazem-sao-joaquim/backoffice/internal/ports"
)

// Ensure compile-time conformance to ports.
var (
	_ ports.IdentityProvider  = (*FakeIdentityProvider)(nil)
	_ ports.ProfileStore      = (*MemoryProfileStore)(nil)
	_ ports.AdminSessionStore = (*MemoryAdminSessionStore)(nil)
)

// Account is a password login known to FakeIdentityProvider.
type Account struct {
	ID       string
	Password string
}

// FakeIdentityProvider simulates a hosted identity service for one client.
// Func fields override the default behavior when set.
type FakeIdentityProvider struct {
	SignInFunc     func(ctx context.Context, email, password string) (domainauth.Identity, domainauth.RawSession, error)
	SignOutFunc    func(ctx context.Context) error
	GetSessionFunc func(ctx context.Context) (*domainauth.RawSession, error)
	RefreshFunc    func(ctx context.Context) (*domainauth.RawSession, domainauth.Identity, error)

	// Now defaults to time.Now.
	Now func() time.Time
	// SessionTTL defaults to one hour.
	SessionTTL time.Duration

	mu       sync.Mutex
	accounts map[string]Account
	session  *domainauth.RawSession
	seq      int
	calls    CallCounts
}

// CallCounts records how often each boundary call was made.
type CallCounts struct {
	SignIn     int
	SignOut    int
	GetSession int
	Refresh    int
}

// NewFakeIdentityProvider creates a provider with no accounts.
func NewFakeIdentityProvider() *FakeIdentityProvider {
	return &FakeIdentityProvider{accounts: make(map[string]Account)}
}

// AddAccount registers an email/password pair for identity id.
func (f *FakeIdentityProvider) AddAccount(email, password, id string) *FakeIdentityProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accounts == nil {
		f.accounts = make(map[string]Account)
	}
	f.accounts[email] = Account{ID: id, Password: password}
	return f
}

// SetSession replaces the current session. Nil clears it.
func (f *FakeIdentityProvider) SetSession(s *domainauth.RawSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s == nil {
		f.session = nil
		return
	}
	cp := *s
	f.session = &cp
}

// Calls returns a snapshot of call counters.
func (f *FakeIdentityProvider) Calls() CallCounts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeIdentityProvider) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *FakeIdentityProvider) ttl() time.Duration {
	if f.SessionTTL > 0 {
		return f.SessionTTL
	}
	return time.Hour
}

func (f *FakeIdentityProvider) SignInWithPassword(
	ctx context.Context,
	email, password string,
) (domainauth.Identity, domainauth.RawSession, error) {
	f.mu.Lock()
	f.calls.SignIn++
	f.mu.Unlock()
	if f.SignInFunc != nil {
		id, sess, err := f.SignInFunc(ctx, email, password)
		if err == nil {
			f.SetSession(&sess)
		}
		return id, sess, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[email]
	if !ok || acct.Password != password {
		return domainauth.Identity{}, domainauth.RawSession{}, apperrors.InvalidCredentials("Invalid login credentials")
	}
	f.seq++
	ident := domainauth.Identity{ID: acct.ID, Email: email}
	sess := domainauth.RawSession{
		AccessToken:  fmt.Sprintf("access-%d", f.seq),
		RefreshToken: fmt.Sprintf("refresh-%d", f.seq),
		ExpiresAt:    f.now().Add(f.ttl()).Unix(),
		User:         ident,
	}
	f.session = &sess
	return ident, sess, nil
}

func (f *FakeIdentityProvider) SignOut(ctx context.Context) error {
	f.mu.Lock()
	f.calls.SignOut++
	f.mu.Unlock()
	if f.SignOutFunc != nil {
		if err := f.SignOutFunc(ctx); err != nil {
			return err
		}
	}
	f.SetSession(nil)
	return nil
}

func (f *FakeIdentityProvider) GetSession(ctx context.Context) (*domainauth.RawSession, error) {
	f.mu.Lock()
	f.calls.GetSession++
	f.mu.Unlock()
	if f.GetSessionFunc != nil {
		return f.GetSessionFunc(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return nil, nil
	}
	cp := *f.session
	return &cp, nil
}

func (f *FakeIdentityProvider) RefreshSession(ctx context.Context) (*domainauth.RawSession, domainauth.Identity, error) {
	f.mu.Lock()
	f.calls.Refresh++
	f.mu.Unlock()
	if f.RefreshFunc != nil {
		sess, ident, err := f.RefreshFunc(ctx)
		if err == nil && sess != nil {
			f.SetSession(sess)
		}
		return sess, ident, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return nil, domainauth.Identity{}, apperrors.SessionExpired("No active session")
	}
	f.seq++
	renewed := *f.session
	renewed.AccessToken = fmt.Sprintf("access-%d", f.seq)
	renewed.RefreshToken = fmt.Sprintf("refresh-%d", f.seq)
	if next := f.now().Add(f.ttl()).Unix(); next > renewed.ExpiresAt {
		renewed.ExpiresAt = next
	}
	f.session = &renewed
	cp := renewed
	return &cp, renewed.User, nil
}

// MemoryProfileStore is an in-memory profile store that counts lookups.
type MemoryProfileStore struct {
	// BeforeGet runs on every GetByID before the lookup (e.g. to block concurrent callers).
	BeforeGet func(id string)
	// GetErr, when set, is returned from GetByID.
	GetErr error
	// UpsertErr, when set, is returned from Upsert.
	UpsertErr error
	// Now defaults to time.Now.
	Now func() time.Time

	mu       sync.Mutex
	profiles map[string]domainauth.UserProfile
	gets     int
	upserts  int
}

// NewMemoryProfileStore creates an empty profile store.
func NewMemoryProfileStore(profiles ...domainauth.UserProfile) *MemoryProfileStore {
	m := &MemoryProfileStore{profiles: make(map[string]domainauth.UserProfile)}
	for _, p := range profiles {
		m.profiles[p.ID] = p
	}
	return m
}

// Put stores p, replacing any existing profile with the same id.
func (m *MemoryProfileStore) Put(p domainauth.UserProfile) {
	m.mu.Lock()
	m.profiles[p.ID] = p
	m.mu.Unlock()
}

// GetCalls returns how many GetByID calls were made.
func (m *MemoryProfileStore) GetCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}

// UpsertCalls returns how many Upsert calls were made.
func (m *MemoryProfileStore) UpsertCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}

func (m *MemoryProfileStore) GetByID(_ context.Context, id string) (*domainauth.UserProfile, error) {
	m.mu.Lock()
	m.gets++
	hook := m.BeforeGet
	m.mu.Unlock()
	if hook != nil {
		hook(id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	p, ok := m.profiles[id]
	if !ok {
		return nil, apperrors.NotFoundf("profile %s not found", id)
	}
	return &p, nil
}

func (m *MemoryProfileStore) Upsert(_ context.Context, p domainauth.UserProfile) (*domainauth.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if m.UpsertErr != nil {
		return nil, m.UpsertErr
	}
	now := time.Now()
	if m.Now != nil {
		now = m.Now()
	}
	if existing, ok := m.profiles[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.profiles[p.ID] = p
	return &p, nil
}

func (m *MemoryProfileStore) SetRole(_ context.Context, id string, role domainauth.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return apperrors.NotFoundf("profile %s not found", id)
	}
	p.Role = role
	m.profiles[id] = p
	return nil
}

// MemoryAdminSessionStore records admin session rows in memory.
type MemoryAdminSessionStore struct {
	// InsertErr, when set, is returned from Insert.
	InsertErr error
	// TouchErr, when set, is returned from TouchLatest.
	TouchErr error

	mu   sync.Mutex
	rows []domainauth.AdminSession
}

// NewMemoryAdminSessionStore creates an empty store.
func NewMemoryAdminSessionStore() *MemoryAdminSessionStore {
	return &MemoryAdminSessionStore{}
}

// Rows returns a copy of every stored row in insertion order.
func (m *MemoryAdminSessionStore) Rows() []domainauth.AdminSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domainauth.AdminSession(nil), m.rows...)
}

func (m *MemoryAdminSessionStore) Insert(_ context.Context, s domainauth.AdminSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertErr != nil {
		return m.InsertErr
	}
	m.rows = append(m.rows, s)
	return nil
}

func (m *MemoryAdminSessionStore) TouchLatest(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TouchErr != nil {
		return m.TouchErr
	}
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].UserID == userID {
			m.rows[i].LastActivity = at
			return nil
		}
	}
	return apperrors.NotFoundf("no admin session for %s", userID)
}

func (m *MemoryAdminSessionStore) ListByUser(_ context.Context, userID string, limit int) ([]domainauth.AdminSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domainauth.AdminSession
	for _, r := range m.rows {
		if userID == "" || r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
