package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when the remote side has no such sandbox.
	ErrNotFound = errors.New("sandbox not found")
	// ErrUnavailable is returned when the provisioning API cannot be reached
	// or is refusing calls (breaker open, rate limit wait cancelled).
	ErrUnavailable = errors.New("provisioning api unavailable")
)

// Provider allocates and releases remote sandboxes.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string
	// Create provisions a sandbox. It may take tens of seconds.
	Create(ctx context.Context, req CreateRequest) (Instance, error)
	// Destroy releases a sandbox. Destroying an unknown id returns ErrNotFound.
	Destroy(ctx context.Context, id string) error
}

// StatusChecker is implemented by providers that can report whether a
// sandbox is still running.
type StatusChecker interface {
	Status(ctx context.Context, id string) (Status, error)
}

// CreateRequest describes a sandbox to provision.
type CreateRequest struct {
	Template    string
	IdleTimeout time.Duration
}

// Instance is a provisioned sandbox as reported by the provider.
type Instance struct {
	ID      string
	CDPURL  string
	VNCURL  string
	BaseURL string
	Status  Status
}

// Status is the remote lifecycle status of a sandbox.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusReady    Status = "READY"
	StatusRunning  Status = "RUNNING"
	StatusStopped  Status = "STOPPED"
	StatusFailed   Status = "FAILED"
	StatusNotFound Status = "NOT_FOUND"
)

// Alive reports whether the sandbox can accept automation traffic.
func (s Status) Alive() bool {
	switch Status(strings.ToUpper(string(s))) {
	case StatusRunning, StatusReady:
		return true
	}
	return false
}

// APIError is a non-2xx answer from the provisioning API.
type APIError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: status %d (%s): %s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match 404 answers.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == 404
}

// ClientError reports whether the call was rejected for a reason that says
// nothing about the provider's health. Quota rejections (429) count as
// server-side trouble.
func (e *APIError) ClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != 429
}
