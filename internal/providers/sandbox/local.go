package sandbox

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devsapp/agentrun-sandbox-broker/internal/shared/id"
	"go.uber.org/zap"
)

const localName = "local"

// DefaultLocalBaseURL is where a locally run browser sandbox listens.
const DefaultLocalBaseURL = "ws://localhost:5000"

// Local is an in-process provider for development and tests. It hands out
// endpoints on a fixed local base URL and keeps track of what is live.
// The hooks, when set, replace the default behavior of each call.
type Local struct {
	BaseURL string
	// Delay simulates provisioning latency.
	Delay time.Duration

	OnCreate  func(ctx context.Context, req CreateRequest) (Instance, error)
	OnDestroy func(ctx context.Context, id string) error
	OnStatus  func(ctx context.Context, id string) (Status, error)

	mu   sync.Mutex
	live map[string]Instance

	creates  atomic.Int64
	destroys atomic.Int64
	logger   *zap.Logger
}

// NewLocal creates a Local provider.
func NewLocal(baseURL string, logger *zap.Logger) *Local {
	if baseURL == "" {
		baseURL = DefaultLocalBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{
		BaseURL: strings.TrimRight(baseURL, "/"),
		live:    make(map[string]Instance),
		logger:  logger,
	}
}

// Name implements Provider.
func (l *Local) Name() string { return localName }

// Create implements Provider.
func (l *Local) Create(ctx context.Context, req CreateRequest) (Instance, error) {
	l.creates.Add(1)

	if l.Delay > 0 {
		timer := time.NewTimer(l.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Instance{}, ctx.Err()
		case <-timer.C:
		}
	}

	var (
		inst Instance
		err  error
	)
	if l.OnCreate != nil {
		inst, err = l.OnCreate(ctx, req)
		if err != nil {
			return Instance{}, err
		}
	} else {
		inst = Instance{
			ID:      id.NewSandboxID().String(),
			CDPURL:  l.BaseURL + automationPath,
			VNCURL:  l.BaseURL + livestreamPath,
			BaseURL: httpBase(l.BaseURL),
			Status:  StatusRunning,
		}
	}

	l.mu.Lock()
	if l.live == nil {
		l.live = make(map[string]Instance)
	}
	l.live[inst.ID] = inst
	l.mu.Unlock()

	l.logger.Debug("local sandbox created", zap.String("sandbox_id", inst.ID), zap.String("template", req.Template))
	return inst, nil
}

// Destroy implements Provider.
func (l *Local) Destroy(ctx context.Context, sandboxID string) error {
	l.destroys.Add(1)

	if l.OnDestroy != nil {
		if err := l.OnDestroy(ctx, sandboxID); err != nil {
			return err
		}
	}

	l.mu.Lock()
	_, ok := l.live[sandboxID]
	delete(l.live, sandboxID)
	l.mu.Unlock()

	if !ok && l.OnDestroy == nil {
		return ErrNotFound
	}
	l.logger.Debug("local sandbox destroyed", zap.String("sandbox_id", sandboxID))
	return nil
}

// Status implements StatusChecker.
func (l *Local) Status(ctx context.Context, sandboxID string) (Status, error) {
	if l.OnStatus != nil {
		return l.OnStatus(ctx, sandboxID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.live[sandboxID]; ok {
		return StatusRunning, nil
	}
	return StatusNotFound, nil
}

// Creates returns how many times Create was called.
func (l *Local) Creates() int64 { return l.creates.Load() }

// Destroys returns how many times Destroy was called.
func (l *Local) Destroys() int64 { return l.destroys.Load() }

// Live returns the number of sandboxes created and not yet destroyed.
func (l *Local) Live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}

func httpBase(wsURL string) string {
	switch {
	case strings.HasPrefix(wsURL, "wss://"):
		return "https://" + strings.TrimPrefix(wsURL, "wss://")
	case strings.HasPrefix(wsURL, "ws://"):
		return "http://" + strings.TrimPrefix(wsURL, "ws://")
	}
	return wsURL
}
