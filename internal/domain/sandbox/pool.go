package sandbox

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/devsapp/agentrun-sandbox-broker/internal/infrastructure/monitoring"
	sandboxprov "github.com/devsapp/agentrun-sandbox-broker/internal/providers/sandbox"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Destroy reasons, used as metric labels.
const (
	ReasonExplicit = "explicit"
	ReasonIdle     = "idle"
	ReasonRecreate = "recreate"
	ReasonDead     = "dead"
	ReasonShutdown = "shutdown"
)

// Tracker is told about every handle the pool creates and destroys.
type Tracker interface {
	Register(id string)
	Unregister(id string)
}

// PoolConfig holds the pool defaults and timeouts.
type PoolConfig struct {
	DefaultTemplate string
	IdleTimeout     time.Duration
	// SweepInterval defaults to half the idle timeout.
	SweepInterval  time.Duration
	CreateTimeout  time.Duration
	DestroyTimeout time.Duration
	StatusTimeout  time.Duration
	// VerifyLiveness asks the provider for the sandbox status on every
	// cache hit, when the provider can answer.
	VerifyLiveness bool
}

// Config is the per-call request to GetOrCreate. Zero fields fall back to
// the pool defaults.
type Config struct {
	Template      string
	IdleTimeout   time.Duration
	ForceRecreate bool
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total        int   `json:"total"`
	Active       int   `json:"active"`
	Idle         int   `json:"idle"`
	Provisioning int   `json:"provisioning"`
	Creates      int64 `json:"creates"`
	CreateErrors int64 `json:"create_errors"`
	Destroys     int64 `json:"destroys"`
	Evictions    int64 `json:"evictions"`
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records pool activity on m.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithTracker registers created handles with t.
func WithTracker(t Tracker) Option {
	return func(p *Pool) { p.tracker = t }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// entry serializes all work on one session key. handle and provisioning
// are written only with both entry.mu and Pool.mu held, so either lock is
// enough to read them.
type entry struct {
	mu           sync.Mutex
	handle       *Handle
	refs         int
	provisioning bool
}

// Pool maps session keys to live sandboxes. Remote calls run under the
// per-key lock only, so slow provisioning for one key never blocks another.
type Pool struct {
	provider sandboxprov.Provider
	cfg      PoolConfig
	logger   *zap.Logger
	metrics  *monitoring.Metrics
	now      func() time.Time

	mu           sync.Mutex
	tracker      Tracker
	entries      map[SessionKey]*entry
	byID         map[string]*entry
	hooks        []func(Handle)
	provisioning int
	stats        Stats
}

// NewPool creates a pool on top of provider.
func NewPool(provider sandboxprov.Provider, cfg PoolConfig, opts ...Option) *Pool {
	if cfg.DefaultTemplate == "" {
		cfg.DefaultTemplate = "browser-sandbox"
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.IdleTimeout / 2
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 2 * time.Minute
	}
	if cfg.DestroyTimeout <= 0 {
		cfg.DestroyTimeout = 30 * time.Second
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 10 * time.Second
	}

	p := &Pool{
		provider: provider,
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
		entries:  make(map[SessionKey]*entry),
		byID:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("provider", provider.Name()))
	return p
}

// SetTracker replaces the tracker. The cleanup coordinator needs the pool
// to exist before it does, so it is attached after construction.
func (p *Pool) SetTracker(t Tracker) {
	p.mu.Lock()
	p.tracker = t
	p.mu.Unlock()
}

// OnDestroyed registers fn to run after a handle is destroyed.
func (p *Pool) OnDestroyed(fn func(Handle)) {
	p.mu.Lock()
	p.hooks = append(p.hooks, fn)
	p.mu.Unlock()
}

// Config returns the effective pool configuration.
func (p *Pool) Config() PoolConfig {
	return p.cfg
}

// GetOrCreate returns the live sandbox for key, provisioning one when there
// is none. Concurrent callers for the same key share one provisioning call.
func (p *Pool) GetOrCreate(ctx context.Context, key SessionKey, cfg Config) (Handle, bool, error) {
	if err := key.Validate(); err != nil {
		return Handle{}, false, err
	}
	if cfg.Template == "" {
		cfg.Template = p.cfg.DefaultTemplate
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = p.cfg.IdleTimeout
	}

	e := p.acquire(key)
	defer p.release(key, e)

	if e.handle != nil {
		reason := ""
		switch {
		case cfg.ForceRecreate:
			reason = ReasonRecreate
		case !e.handle.State.Live() || e.handle.Expired(p.now()):
			reason = ReasonIdle
		case !p.alive(ctx, e.handle.ID):
			reason = ReasonDead
		}

		if reason == "" {
			p.mu.Lock()
			e.handle.LastAccessAt = p.now()
			e.handle.State = StateActive
			h := *e.handle
			p.stats.Hits++
			p.mu.Unlock()

			p.metrics.RecordLookup(true)
			p.logger.Debug("reusing sandbox", zap.String("sandbox_id", h.ID), zap.Stringer("key", key))
			return h, false, nil
		}

		p.logger.Info("replacing sandbox",
			zap.String("sandbox_id", e.handle.ID),
			zap.Stringer("key", key),
			zap.String("reason", reason),
		)
		_ = p.destroyLocked(ctx, e, reason)
	}

	p.metrics.RecordLookup(false)
	h, err := p.provision(ctx, e, key, cfg)
	if err != nil {
		return Handle{}, false, err
	}

	p.mu.Lock()
	e.handle = h
	p.byID[h.ID] = e
	tracker := p.tracker
	active := len(p.byID)
	p.mu.Unlock()

	if tracker != nil {
		tracker.Register(h.ID)
	}
	p.metrics.SetSandboxesActive(active)

	p.logger.Info("sandbox created",
		zap.String("sandbox_id", h.ID),
		zap.Stringer("key", key),
		zap.String("template", h.Template),
		zap.String("cdp_url", h.CDPURL),
	)
	return *h, true, nil
}

// provision runs with e.mu held.
func (p *Pool) provision(ctx context.Context, e *entry, key SessionKey, cfg Config) (*Handle, error) {
	p.mu.Lock()
	e.provisioning = true
	p.provisioning++
	p.stats.Misses++
	p.mu.Unlock()

	start := p.now()
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	inst, err := p.provider.Create(cctx, sandboxprov.CreateRequest{
		Template:    cfg.Template,
		IdleTimeout: cfg.IdleTimeout,
	})
	cancel()

	p.mu.Lock()
	e.provisioning = false
	p.provisioning--
	if err != nil {
		p.stats.CreateErrors++
	} else {
		p.stats.Creates++
	}
	p.mu.Unlock()

	p.metrics.RecordCreate(err == nil, time.Since(start))
	if err != nil {
		p.logger.Error("sandbox provisioning failed", zap.Stringer("key", key), zap.Error(err))
		return nil, &ProvisionError{Key: key, Err: err}
	}

	now := p.now()
	return &Handle{
		ID:           inst.ID,
		Key:          key,
		CDPURL:       inst.CDPURL,
		VNCURL:       inst.VNCURL,
		BaseURL:      inst.BaseURL,
		Template:     cfg.Template,
		CreatedAt:    now,
		LastAccessAt: now,
		IdleTimeout:  cfg.IdleTimeout,
		State:        StateActive,
	}, nil
}

// alive asks the provider whether a cached sandbox is still running. A
// failed check counts as dead.
func (p *Pool) alive(ctx context.Context, id string) bool {
	if !p.cfg.VerifyLiveness {
		return true
	}
	checker, ok := p.provider.(sandboxprov.StatusChecker)
	if !ok {
		return true
	}

	sctx, cancel := context.WithTimeout(ctx, p.cfg.StatusTimeout)
	defer cancel()

	status, err := checker.Status(sctx, id)
	if err != nil {
		p.logger.Warn("sandbox status check failed", zap.String("sandbox_id", id), zap.Error(err))
		return false
	}
	return status.Alive()
}

// Destroy tears down the sandbox with the given id. Unknown or already
// destroyed ids are a no-op. A remote failure is returned as a
// *DestroyError, but the handle is gone either way.
func (p *Pool) Destroy(ctx context.Context, id string) error {
	return p.destroyID(ctx, id, ReasonExplicit)
}

func (p *Pool) destroyID(ctx context.Context, id, reason string) error {
	p.mu.Lock()
	e, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	key := e.handle.Key
	e.refs++
	p.mu.Unlock()

	e.mu.Lock()
	defer p.release(key, e)

	if e.handle == nil || e.handle.ID != id {
		return nil
	}
	return p.destroyLocked(ctx, e, reason)
}

// destroyLocked runs with e.mu held and e.handle set.
func (p *Pool) destroyLocked(ctx context.Context, e *entry, reason string) error {
	p.mu.Lock()
	h := e.handle
	h.State = StateDestroying
	p.mu.Unlock()

	dctx, cancel := p.destroyContext(ctx)
	err := p.provider.Destroy(dctx, h.ID)
	cancel()
	if errors.Is(err, sandboxprov.ErrNotFound) {
		err = nil
	}

	p.mu.Lock()
	h.State = StateDestroyed
	e.handle = nil
	delete(p.byID, h.ID)
	p.stats.Destroys++
	if reason == ReasonIdle {
		p.stats.Evictions++
	}
	tracker := p.tracker
	hooks := slices.Clone(p.hooks)
	active := len(p.byID)
	gone := *h
	p.mu.Unlock()

	if tracker != nil {
		tracker.Unregister(gone.ID)
	}
	p.metrics.RecordDestroy(reason, err == nil)
	p.metrics.SetSandboxesActive(active)
	for _, fn := range hooks {
		fn(gone)
	}

	if err != nil {
		p.logger.Warn("sandbox destroy failed",
			zap.String("sandbox_id", gone.ID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return &DestroyError{ID: gone.ID, Err: err}
	}
	p.logger.Info("sandbox destroyed", zap.String("sandbox_id", gone.ID), zap.String("reason", reason))
	return nil
}

// destroyContext bounds a provider destroy. Cancellation of ctx is ignored,
// so a request that gave up still releases its sandbox, but a deadline on
// ctx is kept when it is earlier than DestroyTimeout. Cleanup grace periods
// arrive that way.
func (p *Pool) destroyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline := time.Now().Add(p.cfg.DestroyTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return context.WithDeadline(context.WithoutCancel(ctx), deadline)
}

// DestroyAll destroys every live handle concurrently and returns the
// joined destroy errors.
func (p *Pool) DestroyAll(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.byID))
	for id := range p.byID {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(8)
	for _, id := range ids {
		g.Go(func() error {
			if err := p.destroyID(ctx, id, ReasonShutdown); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close destroys everything the pool still holds.
func (p *Pool) Close(ctx context.Context) error {
	return p.DestroyAll(ctx)
}

// With provisions (or reuses) the sandbox for key, runs fn and destroys the
// sandbox when fn returns.
func (p *Pool) With(ctx context.Context, key SessionKey, cfg Config, fn func(Handle) error) error {
	h, _, err := p.GetOrCreate(ctx, key, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = p.Destroy(ctx, h.ID)
			panic(r)
		}
	}()

	ferr := fn(h)
	return errors.Join(ferr, p.Destroy(ctx, h.ID))
}

// Get returns a copy of the handle with the given id.
func (p *Pool) Get(id string) (Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byID[id]
	if !ok || e.handle == nil {
		return Handle{}, false
	}
	return *e.handle, true
}

// Lookup returns a copy of the handle cached for key, without touching it.
func (p *Pool) Lookup(key SessionKey) (Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok || e.handle == nil || !e.handle.State.Live() {
		return Handle{}, false
	}
	return *e.handle, true
}

// KeyState reports where key is in its lifecycle: StateProvisioning while
// a create call for it is in flight, otherwise the state of its live
// handle. It reports false when the key has neither.
func (p *Pool) KeyState(key SessionKey) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	switch {
	case !ok:
		return 0, false
	case e.provisioning:
		return StateProvisioning, true
	case e.handle != nil && e.handle.State.Live():
		return e.handle.State, true
	}
	return 0, false
}

// List returns a snapshot of all handles, oldest first.
func (p *Pool) List() []Handle {
	p.mu.Lock()
	handles := make([]Handle, 0, len(p.byID))
	for _, e := range p.byID {
		handles = append(handles, *e.handle)
	}
	p.mu.Unlock()

	slices.SortFunc(handles, func(a, b Handle) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return handles
}

// Stats returns pool counters and current state counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	s.Provisioning = p.provisioning
	for _, e := range p.byID {
		s.Total++
		switch e.handle.State {
		case StateActive:
			s.Active++
		case StateIdle:
			s.Idle++
		}
	}
	return s
}

// acquire returns the entry for key with its lock held.
func (p *Pool) acquire(key SessionKey) *entry {
	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok {
		e = &entry{}
		p.entries[key] = e
	}
	e.refs++
	p.mu.Unlock()

	e.mu.Lock()
	return e
}

// release unlocks e and drops it from the map once nobody uses it.
func (p *Pool) release(key SessionKey, e *entry) {
	e.mu.Unlock()

	p.mu.Lock()
	e.refs--
	if e.refs == 0 && e.handle == nil && p.entries[key] == e {
		delete(p.entries, key)
	}
	p.mu.Unlock()
}
