package cleanup

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/devsapp/agentrun-sandbox-broker/internal/infrastructure/monitoring"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Triggers label what started a cleanup run.
const (
	TriggerExplicit = "explicit"
	TriggerShutdown = "shutdown"
	TriggerSignal   = "signal"
	TriggerExit     = "exit"
)

// DefaultGracePeriod bounds a cleanup run started by a signal or by exit.
const DefaultGracePeriod = 10 * time.Second

// Destroyer releases a sandbox by id. Destroy must be idempotent.
type Destroyer interface {
	Destroy(ctx context.Context, id string) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics counts cleanup runs on m.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithGracePeriod bounds signal and exit cleanup runs.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.grace = d
		}
	}
}

// Coordinator remembers which sandboxes are live and destroys them when the
// process goes away, however it goes away.
type Coordinator struct {
	destroyer Destroyer
	logger    *zap.Logger
	metrics   *monitoring.Metrics
	grace     time.Duration

	mu      sync.Mutex
	tracked map[string]struct{}
}

// NewCoordinator creates a coordinator that destroys through d.
func NewCoordinator(d Destroyer, opts ...Option) *Coordinator {
	c := &Coordinator{
		destroyer: d,
		logger:    zap.NewNop(),
		grace:     DefaultGracePeriod,
		tracked:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register starts tracking id.
func (c *Coordinator) Register(id string) {
	c.mu.Lock()
	c.tracked[id] = struct{}{}
	c.mu.Unlock()
}

// Unregister stops tracking id.
func (c *Coordinator) Unregister(id string) {
	c.mu.Lock()
	delete(c.tracked, id)
	c.mu.Unlock()
}

// Tracked returns the tracked ids, sorted.
func (c *Coordinator) Tracked() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.tracked))
	for id := range c.tracked {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	slices.Sort(ids)
	return ids
}

// GracePeriod returns the bound applied to signal and exit runs.
func (c *Coordinator) GracePeriod() time.Duration {
	return c.grace
}

// Release destroys one sandbox on request.
func (c *Coordinator) Release(ctx context.Context, id string) error {
	c.metrics.RecordCleanup(TriggerExplicit)
	err := c.destroy(ctx, id)
	c.Unregister(id)
	return err
}

// RunAll destroys every tracked sandbox concurrently and returns how many
// it attempted. It stops waiting once ctx ends; destroys still in flight
// give up at the same deadline. Failures are logged, never returned.
func (c *Coordinator) RunAll(ctx context.Context) int {
	return c.runAll(ctx, TriggerShutdown)
}

func (c *Coordinator) runAll(ctx context.Context, trigger string) int {
	ids := c.Tracked()
	c.metrics.RecordCleanup(trigger)
	if len(ids) == 0 {
		return 0
	}

	c.logger.Info("cleaning up sandboxes", zap.String("trigger", trigger), zap.Int("count", len(ids)))

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := c.destroy(ctx, id); err != nil {
				c.logger.Warn("cleanup destroy failed",
					zap.String("sandbox_id", id),
					zap.String("trigger", trigger),
					zap.Error(err),
				)
			}
			c.Unregister(id)
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("cleanup finished", zap.String("trigger", trigger))
	case <-ctx.Done():
		c.logger.Warn("cleanup grace period elapsed",
			zap.String("trigger", trigger),
			zap.Strings("pending", c.Tracked()),
		)
	}
	return len(ids)
}

// destroy shields callers from a panicking destroyer.
func (c *Coordinator) destroy(ctx context.Context, id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("destroy %s panicked: %v", id, r)
		}
	}()
	return c.destroyer.Destroy(ctx, id)
}

// Guard runs fn and then destroys everything still tracked, whether fn
// returned or panicked. A panic is re-raised after cleanup.
func (c *Coordinator) Guard(fn func() error) (err error) {
	defer func() {
		r := recover()
		ctx, cancel := context.WithTimeout(context.Background(), c.grace)
		c.runAll(ctx, TriggerExit)
		cancel()
		if r != nil {
			panic(r)
		}
	}()
	return fn()
}
