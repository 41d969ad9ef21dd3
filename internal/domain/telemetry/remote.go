package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrTelemetryUnavailable is returned by Remote.Ping when the hub server
// cannot be reached.
var ErrTelemetryUnavailable = errors.New("telemetry hub unavailable")

const (
	remotePublishTimeout = 5 * time.Second
	remotePingTimeout    = 2 * time.Second
)

// LogRequest is the body of POST /api/log/{session_id}. Timestamp is unix
// seconds; zero means now.
type LogRequest struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Extra     map[string]any `json:"extra,omitempty"`
	Timestamp float64        `json:"timestamp,omitempty"`
}

// LogResponse answers a LogRequest.
type LogResponse struct {
	Status   string `json:"status"`
	Sequence uint64 `json:"sequence"`
}

// Remote publishes to a hub running in another process over HTTP.
type Remote struct {
	client    *resty.Client
	logger    *zap.Logger
	available atomic.Bool
}

// NewRemote creates a publisher for the hub server at endpoint and checks
// that it answers. An unreachable server leaves the publisher unavailable;
// Publish then does nothing.
func NewRemote(ctx context.Context, endpoint string, logger *zap.Logger) *Remote {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Remote{
		client: resty.New().
			SetBaseURL(strings.TrimRight(endpoint, "/")).
			SetTimeout(remotePublishTimeout).
			SetJSONMarshaler(sonic.Marshal).
			SetJSONUnmarshaler(sonic.Unmarshal),
		logger: logger,
	}
	if err := r.Ping(ctx); err != nil {
		logger.Debug("telemetry hub not reachable", zap.String("endpoint", endpoint), zap.Error(err))
	}
	return r
}

// Ping checks the hub server's health endpoint and updates availability.
func (r *Remote) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, remotePingTimeout)
	defer cancel()

	resp, err := r.client.R().SetContext(ctx).Get("/health")
	switch {
	case err != nil:
		err = fmt.Errorf("%w: %v", ErrTelemetryUnavailable, err)
	case resp.IsError():
		err = fmt.Errorf("%w: health returned %s", ErrTelemetryUnavailable, resp.Status())
	}
	r.available.Store(err == nil)
	return err
}

// Available implements Publisher.
func (r *Remote) Available() bool { return r.available.Load() }

// Publish implements Publisher. Failures are logged at debug level only.
func (r *Remote) Publish(ctx context.Context, sessionID string, e Entry) {
	if !r.Available() {
		return
	}
	if _, err := r.Send(ctx, sessionID, e); err != nil {
		r.logger.Debug("telemetry publish failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Send posts one entry and returns the sequence the hub assigned.
func (r *Remote) Send(ctx context.Context, sessionID string, e Entry) (uint64, error) {
	body := LogRequest{Level: string(e.Level), Message: e.Message, Extra: e.Extra}
	if !e.Timestamp.IsZero() {
		body.Timestamp = float64(e.Timestamp.UnixNano()) / float64(time.Second)
	}

	var out LogResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetPathParam("session", sessionID).
		SetBody(body).
		SetResult(&out).
		Post("/api/log/{session}")
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		return 0, fmt.Errorf("publish log: %s", resp.Status())
	}
	return out.Sequence, nil
}
