package sandbox

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a handle.
type State int

const (
	StateProvisioning State = iota
	StateActive
	StateIdle
	StateDestroying
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateProvisioning:
		return "provisioning"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateDestroying:
		return "destroying"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Live reports whether a handle in this state can be handed out.
func (s State) Live() bool {
	return s == StateActive || s == StateIdle
}

// Handle is the pool's record of one provisioned sandbox. Callers only
// ever see copies.
type Handle struct {
	ID           string        `json:"sandbox_id"`
	Key          SessionKey    `json:"key"`
	CDPURL       string        `json:"cdp_url"`
	VNCURL       string        `json:"vnc_url"`
	BaseURL      string        `json:"base_url,omitempty"`
	Template     string        `json:"template"`
	CreatedAt    time.Time     `json:"created_at"`
	LastAccessAt time.Time     `json:"last_access_at"`
	IdleTimeout  time.Duration `json:"-"`
	State        State         `json:"state"`
}

// ExpiresAt is when the handle becomes eligible for eviction.
func (h Handle) ExpiresAt() time.Time {
	return h.LastAccessAt.Add(h.IdleTimeout)
}

// Expired reports whether the handle has been idle longer than its timeout.
func (h Handle) Expired(now time.Time) bool {
	return h.IdleTimeout > 0 && now.Sub(h.LastAccessAt) > h.IdleTimeout
}
