package sandbox

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidKey         = errors.New("invalid session key")
	ErrProvisioningFailed = errors.New("sandbox provisioning failed")
	ErrDestroyFailed      = errors.New("sandbox destroy failed")
)

// ProvisionError reports a failed Create for a session key.
type ProvisionError struct {
	Key SessionKey
	Err error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("could not create sandbox for session %s: %v", e.Key.SessionID, e.Err)
}

func (e *ProvisionError) Unwrap() []error {
	return []error{ErrProvisioningFailed, e.Err}
}

// DestroyError reports a remote destroy failure. The handle is gone
// locally regardless.
type DestroyError struct {
	ID  string
	Err error
}

func (e *DestroyError) Error() string {
	return fmt.Sprintf("destroy sandbox %s: %v", e.ID, e.Err)
}

func (e *DestroyError) Unwrap() []error {
	return []error{ErrDestroyFailed, e.Err}
}
