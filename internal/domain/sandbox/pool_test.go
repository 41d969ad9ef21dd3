package sandbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sandboxprov "github.com/devsapp/agentrun-sandbox-broker/internal/providers/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type mockTracker struct {
	mock.Mock
}

func (m *mockTracker) Register(id string)   { m.Called(id) }
func (m *mockTracker) Unregister(id string) { m.Called(id) }

var testKey = SessionKey{UserID: "u1", SessionID: "s1", ThreadID: "t1"}

func newTestPool(t *testing.T, opts ...Option) (*Pool, *sandboxprov.Local, *fakeClock) {
	t.Helper()
	local := sandboxprov.NewLocal("", nil)
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	pool := NewPool(local, PoolConfig{IdleTimeout: 600 * time.Second}, opts...)
	return pool, local, clock
}

func TestGetOrCreateReuses(t *testing.T) {
	pool, local, _ := newTestPool(t)
	ctx := context.Background()

	first, isNew, err := pool.GetOrCreate(ctx, testKey, Config{})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, StateActive, first.State)
	assert.Equal(t, "browser-sandbox", first.Template)
	assert.NotEmpty(t, first.CDPURL)

	second, isNew, err := pool.GetOrCreate(ctx, testKey, Config{})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(1), local.Creates())

	other, isNew, err := pool.GetOrCreate(ctx, SessionKey{UserID: "u1", SessionID: "s1", ThreadID: "t2"}, Config{})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, first.ID, other.ID)

	stats := pool.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
}

func TestGetOrCreateInvalidKey(t *testing.T) {
	pool, local, _ := newTestPool(t)

	_, _, err := pool.GetOrCreate(context.Background(), SessionKey{UserID: "u1"}, Config{})
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.Equal(t, int64(0), local.Creates())
}

func TestGetOrCreateConcurrentSameKey(t *testing.T) {
	pool, local, _ := newTestPool(t)
	local.Delay = 50 * time.Millisecond

	const callers = 20
	var (
		wg    sync.WaitGroup
		fresh atomic.Int32
		ids   sync.Map
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, isNew, err := pool.GetOrCreate(context.Background(), testKey, Config{})
			assert.NoError(t, err)
			if isNew {
				fresh.Add(1)
			}
			ids.Store(h.ID, true)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), local.Creates())
	assert.Equal(t, int32(1), fresh.Load())

	distinct := 0
	ids.Range(func(any, any) bool { distinct++; return true })
	assert.Equal(t, 1, distinct)
}

func TestGetOrCreateDifferentKeysDoNotBlock(t *testing.T) {
	pool, local, _ := newTestPool(t)

	unblock := make(chan struct{})
	entered := make(chan struct{})
	local.OnCreate = func(ctx context.Context, req sandboxprov.CreateRequest) (sandboxprov.Instance, error) {
		if req.Template == "slow" {
			close(entered)
			<-unblock
		}
		return sandboxprov.Instance{ID: req.Template + "-sandbox", CDPURL: "ws://x"}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, err := pool.GetOrCreate(context.Background(), testKey, Config{Template: "slow"})
		assert.NoError(t, err)
	}()
	<-entered

	state, ok := pool.KeyState(testKey)
	require.True(t, ok)
	assert.Equal(t, StateProvisioning, state)
	_, ok = pool.Lookup(testKey)
	assert.False(t, ok)

	other := SessionKey{UserID: "u2", SessionID: "s2", ThreadID: "t2"}
	h, isNew, err := pool.GetOrCreate(context.Background(), other, Config{Template: "fast"})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "fast-sandbox", h.ID)

	close(unblock)
	<-done

	state, ok = pool.KeyState(testKey)
	require.True(t, ok)
	assert.Equal(t, StateActive, state)
}

func TestKeyStateUnknownAndFailed(t *testing.T) {
	pool, local, _ := newTestPool(t)

	_, ok := pool.KeyState(testKey)
	assert.False(t, ok)

	local.OnCreate = func(context.Context, sandboxprov.CreateRequest) (sandboxprov.Instance, error) {
		return sandboxprov.Instance{}, errors.New("quota exceeded")
	}
	_, _, err := pool.GetOrCreate(context.Background(), testKey, Config{})
	require.Error(t, err)

	_, ok = pool.KeyState(testKey)
	assert.False(t, ok)
}

func TestGetOrCreateFailureReleasesKey(t *testing.T) {
	pool, local, _ := newTestPool(t)
	boom := errors.New("quota exceeded")

	var calls atomic.Int32
	local.OnCreate = func(ctx context.Context, req sandboxprov.CreateRequest) (sandboxprov.Instance, error) {
		if calls.Add(1) == 1 {
			return sandboxprov.Instance{}, boom
		}
		return sandboxprov.Instance{ID: "sb-retry"}, nil
	}

	_, _, err := pool.GetOrCreate(context.Background(), testKey, Config{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvisioningFailed)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "could not create sandbox for session s1")

	var perr *ProvisionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, testKey, perr.Key)

	_, ok := pool.Lookup(testKey)
	assert.False(t, ok)

	h, isNew, err := pool.GetOrCreate(context.Background(), testKey, Config{})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "sb-retry", h.ID)
	assert.Equal(t, int64(1), pool.Stats().CreateErrors)
}

func TestGetOrCreateCreateTimeout(t *testing.T) {
	local := sandboxprov.NewLocal("", nil)
	local.Delay = time.Second
	pool := NewPool(local, PoolConfig{CreateTimeout: 20 * time.Millisecond})

	_, _, err := pool.GetOrCreate(context.Background(), testKey, Config{})
	assert.ErrorIs(t, err, ErrProvisioningFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDestroyIsIdempotent(t *testing.T) {
	pool, local, _ := newTestPool(t)
	ctx := context.Background()

	h, _, err := pool.GetOrCreate(ctx, testKey, Config{})
	require.NoError(t, err)

	require.NoError(t, pool.Destroy(ctx, h.ID))
	require.NoError(t, pool.Destroy(ctx, h.ID))
	require.NoError(t, pool.Destroy(ctx, "never-existed"))

	assert.Equal(t, int64(1), local.Destroys())
	_, ok := pool.Get(h.ID)
	assert.False(t, ok)
	assert.Empty(t, pool.List())

	again, isNew, err := pool.GetOrCreate(ctx, testKey, Config{})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, h.ID, again.ID)
}

func TestDestroyConcurrent(t *testing.T) {
	pool, local, _ := newTestPool(t)
	ctx := context.Background()

	h, _, err := pool.GetOrCreate(ctx, testKey, Config{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, pool.Destroy(ctx, h.ID))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), local.Destroys())
}

func TestDestroyRemoteFailure(t *testing.T) {
	pool, local, _ := newTestPool(t)
	ctx := context.Background()
	boom := errors.New("remote down")
	local.OnDestroy = func(context.Context, string) error { return boom }

	h, _, err := pool.GetOrCreate(ctx, testKey, Config{})
	require.NoError(t, err)

	err = pool.Destroy(ctx, h.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDestroyFailed)
	assert.ErrorIs(t, err, boom)

	var derr *DestroyError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, h.ID, derr.ID)

	_, ok := pool.Get(h.ID)
	assert.False(t, ok)
	assert.NoError(t, pool.Destroy(ctx, h.ID))
	assert.Equal(t, int64(1), local.Destroys())
}

func TestDestroyRunsAfterCallerCancels(t *testing.T) {
	pool, local, _ := newTestPool(t)

	h, _, err := pool.GetOrCreate(context.Background(), testKey, Config{})
	require.NoError(t, err)

	var sawCancelled atomic.Bool
	local.OnDestroy = func(ctx context.Context, _ string) error {
		sawCancelled.Store(ctx.Err() != nil)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, pool.Destroy(ctx, h.ID))
	assert.False(t, sawCancelled.Load())
}

func TestDestroyKeepsCallerDeadline(t *testing.T) {
	local := sandboxprov.NewLocal("", nil)
	pool := NewPool(local, PoolConfig{DestroyTimeout: 5 * time.Second})

	h, _, err := pool.GetOrCreate(context.Background(), testKey, Config{})
	require.NoError(t, err)

	local.OnDestroy = func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = pool.Destroy(ctx, h.ID)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, err, ErrDestroyFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, ok := pool.Get(h.ID)
	assert.False(t, ok)
}

func TestIdleScenario(t *testing.T) {
	pool, local, clock := newTestPool(t)
	ctx := context.Background()

	first, isNew, err := pool.GetOrCreate(ctx, testKey, Config{})
	require.NoError(t, err)
	require.True(t, isNew)

	clock.Advance(300 * time.Second)
	again, isNew, err := pool.GetOrCreate(ctx, testKey, Config{})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, clock.Now(), again.LastAccessAt)

	// 700s since creation, 400s since last access
	clock.Advance(400 * time.Second)
	assert.Equal(t, 0, pool.Sweep(ctx))

	clock.Advance(201 * time.Second)
	assert.Equal(t, 1, pool.Sweep(ctx))
	assert.Equal(t, int64(1), local.Destroys())
	assert.Equal(t, int64(1), pool.Stats().Evictions)

	_, ok := pool.Lookup(testKey)
	assert.False(t, ok)

	fresh, isNew, err := pool.GetOrCreate(ctx, testKey, Config{})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, first.ID, fresh.ID)
}

func TestExpiredHandleIsReplacedOnAccess(t *testing.T) {
	pool, local, clock := newTestPool(t)
	ctx := context.Background()

	first, _, err := pool.GetOrCreate(ctx, testKey, Config{IdleTimeout: time.Minute})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	second, isNew, err := pool.GetOrCreate(ctx, testKey, Config{IdleTimeout: time.Minute})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, int64(1), local.Destroys())
}

func TestForceRecreate(t *testing.T) {
	pool, local, _ := newTestPool(t)
	ctx := context.Background()

	first, _, err := pool.GetOrCreate(ctx, testKey, Config{})
	require.NoError(t, err)

	second, isNew, err := pool.GetOrCreate(ctx, testKey, Config{ForceRecreate: true})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, int64(2), local.Creates())
	assert.Equal(t, int64(1), local.Destroys())

	_, ok := pool.Get(first.ID)
	assert.False(t, ok)
}

func TestVerifyLiveness(t *testing.T) {
	local := sandboxprov.NewLocal("", nil)
	pool := NewPool(local, PoolConfig{VerifyLiveness: true})
	ctx := context.Background()

	first, _, err := pool.GetOrCreate(ctx, testKey, Config{})
	require.NoError(t, err)

	same, isNew, err := pool.GetOrCreate(ctx, testKey, Config{})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.ID, same.ID)

	local.OnStatus = func(context.Context, string) (sandboxprov.Status, error) {
		return sandboxprov.StatusStopped, nil
	}
	replaced, isNew, err := pool.GetOrCreate(ctx, testKey, Config{})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, first.ID, replaced.ID)
}

func TestTrackerAndHooks(t *testing.T) {
	tracker := new(mockTracker)
	pool, _, _ := newTestPool(t, WithTracker(tracker))
	ctx := context.Background()

	tracker.On("Register", mock.AnythingOfType("string")).Once()
	h, _, err := pool.GetOrCreate(ctx, testKey, Config{})
	require.NoError(t, err)

	var destroyed []Handle
	pool.OnDestroyed(func(h Handle) { destroyed = append(destroyed, h) })

	tracker.On("Unregister", h.ID).Once()
	require.NoError(t, pool.Destroy(ctx, h.ID))

	tracker.AssertExpectations(t)
	require.Len(t, destroyed, 1)
	assert.Equal(t, h.ID, destroyed[0].ID)
	assert.Equal(t, StateDestroyed, destroyed[0].State)
}

func TestDestroyAll(t *testing.T) {
	pool, local, _ := newTestPool(t)
	ctx := context.Background()

	for _, thread := range []string{"a", "b", "c"} {
		_, _, err := pool.GetOrCreate(ctx, SessionKey{UserID: "u", SessionID: "s", ThreadID: thread}, Config{})
		require.NoError(t, err)
	}
	require.Len(t, pool.List(), 3)

	require.NoError(t, pool.DestroyAll(ctx))
	assert.Empty(t, pool.List())
	assert.Equal(t, int64(3), local.Destroys())
	assert.Equal(t, 0, local.Live())
}

func TestWithDestroysOnReturn(t *testing.T) {
	pool, local, _ := newTestPool(t)
	ctx := context.Background()
	fail := errors.New("task failed")

	var seen string
	err := pool.With(ctx, testKey, Config{}, func(h Handle) error {
		seen = h.ID
		return fail
	})
	assert.ErrorIs(t, err, fail)
	assert.NotEmpty(t, seen)

	_, ok := pool.Get(seen)
	assert.False(t, ok)
	assert.Equal(t, int64(1), local.Destroys())
}

func TestWithDestroysOnPanic(t *testing.T) {
	pool, local, _ := newTestPool(t)

	assert.Panics(t, func() {
		_ = pool.With(context.Background(), testKey, Config{}, func(Handle) error {
			panic("driver crashed")
		})
	})
	assert.Empty(t, pool.List())
	assert.Equal(t, int64(1), local.Destroys())
}

func TestListIsOrderedSnapshot(t *testing.T) {
	pool, _, clock := newTestPool(t)
	ctx := context.Background()

	a, _, err := pool.GetOrCreate(ctx, SessionKey{UserID: "u", SessionID: "s", ThreadID: "1"}, Config{})
	require.NoError(t, err)
	clock.Advance(time.Second)
	b, _, err := pool.GetOrCreate(ctx, SessionKey{UserID: "u", SessionID: "s", ThreadID: "2"}, Config{})
	require.NoError(t, err)

	list := pool.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)

	list[0].State = StateDestroyed
	got, ok := pool.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, StateActive, got.State)
}
