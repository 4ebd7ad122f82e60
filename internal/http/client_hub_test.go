package httpx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armazem-sao-joaquim/backoffice/internal/core"
	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
	"github.com/armazem-sao-joaquim/backoffice/internal/service"
)

// countingFactory wraps a runtime and counts orchestrators it builds.
type countingFactory struct {
	inner OrchestratorFactory
	calls atomic.Int32
	fail  error
}

func (f *countingFactory) NewOrchestrator(clientID string) (*service.AuthOrchestrator, error) {
	f.calls.Add(1)
	if f.fail != nil {
		return nil, f.fail
	}
	return f.inner.NewOrchestrator(clientID)
}

func newTestHub(t *testing.T, clock core.TimeProvider) (*ClientHub, *countingFactory) {
	t.Helper()
	runtime, _, _, _ := newRuntime(t)
	factory := &countingFactory{inner: runtime}
	hub, err := NewClientHub(ClientHubOptions{
		Factory:     factory,
		IdleTimeout: 10 * time.Minute,
		Clock:       clock,
		Logger:      discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(hub.Close)
	return hub, factory
}

func TestNewClientHub_RequiresFactory(t *testing.T) {
	_, err := NewClientHub(ClientHubOptions{})
	require.Error(t, err)
}

func TestClientHub_AcquireCreatesOnce(t *testing.T) {
	hub, factory := newTestHub(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*service.AuthOrchestrator, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			orch, err := hub.Acquire(ctx, "client-a")
			assert.NoError(t, err)
			results[i] = orch
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), factory.calls.Load())
	for _, orch := range results {
		assert.Same(t, results[0], orch)
	}
	assert.Equal(t, "unauthenticated", string(results[0].Snapshot().Phase), "initialized before it is handed out")

	other, err := hub.Acquire(ctx, "client-b")
	require.NoError(t, err)
	assert.NotSame(t, results[0], other)
	assert.Equal(t, 2, hub.Len())
}

func TestClientHub_FactoryErrorIsNotCached(t *testing.T) {
	hub, factory := newTestHub(t, nil)
	factory.fail = errors.New("boom")

	_, err := hub.Acquire(context.Background(), "c")
	require.EqualError(t, err, "boom")
	assert.Equal(t, 0, hub.Len())

	factory.fail = nil
	orch, err := hub.Acquire(context.Background(), "c")
	require.NoError(t, err)
	assert.NotNil(t, orch)
	assert.Equal(t, int32(2), factory.calls.Load())
}

func TestClientHub_Lookup(t *testing.T) {
	hub, factory := newTestHub(t, nil)

	_, ok := hub.Lookup("c")
	assert.False(t, ok)
	assert.Equal(t, int32(0), factory.calls.Load(), "lookup never creates")

	orch, err := hub.Acquire(context.Background(), "c")
	require.NoError(t, err)
	got, ok := hub.Lookup("c")
	require.True(t, ok)
	assert.Same(t, orch, got)
}

func TestClientHub_ReleaseClosesOrchestrator(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	ctx := context.Background()

	orch, err := hub.Acquire(ctx, "c")
	require.NoError(t, err)
	var delivered atomic.Int32
	orch.Subscribe(func(domainauth.AuthState) { delivered.Add(1) })

	hub.Release("c")
	assert.Equal(t, 0, hub.Len())

	// A closed orchestrator has no listeners left.
	_, _ = orch.Login(ctx, domainauth.Credentials{Email: testAdminEmail, Password: "adminpw"}, service.RequestMeta{})
	assert.Equal(t, int32(0), delivered.Load())

	hub.Release("missing")
}

func TestClientHub_SweepSkipsHeldAndRecent(t *testing.T) {
	clock := core.NewFixedTimeProvider(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	hub, _ := newTestHub(t, clock)
	ctx := context.Background()

	for _, id := range []string{"idle", "held", "recent"} {
		_, err := hub.Acquire(ctx, id)
		require.NoError(t, err)
	}
	release := hub.Hold("held")

	clock.Advance(11 * time.Minute)
	_, ok := hub.Lookup("recent")
	require.True(t, ok)

	assert.Equal(t, 1, hub.Sweep())
	_, ok = hub.Lookup("idle")
	assert.False(t, ok)
	assert.Equal(t, 2, hub.Len())

	release()
	release()
	clock.Advance(11 * time.Minute)
	assert.Equal(t, 2, hub.Sweep())
	assert.Equal(t, 0, hub.Len())
}

func TestClientHub_HoldUnknownClient(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	release := hub.Hold("nobody")
	release()
	assert.Equal(t, 0, hub.Len())
}

func TestClientHub_CloseRejectsAcquire(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	_, err := hub.Acquire(context.Background(), "c")
	require.NoError(t, err)

	hub.Close()
	assert.Equal(t, 0, hub.Len())
	_, err = hub.Acquire(context.Background(), "c")
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestClientHub_RunClosesOnCancel(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	_, err := hub.Acquire(context.Background(), "c")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx, 10*time.Millisecond) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	_, err = hub.Acquire(context.Background(), "c")
	assert.ErrorIs(t, err, ErrHubClosed)
}
