package sandbox

import (
	"fmt"
	"strings"

	"github.com/devsapp/agentrun-sandbox-broker/internal/shared/utils"
)

// SessionKey identifies the conversation a sandbox belongs to. It is
// comparable and used directly as a map key.
type SessionKey struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	ThreadID  string `json:"thread_id"`
}

// Validate rejects keys with a missing or malformed field.
func (k SessionKey) Validate() error {
	var missing []string
	if k.UserID == "" {
		missing = append(missing, "user_id")
	}
	if k.SessionID == "" {
		missing = append(missing, "session_id")
	}
	if k.ThreadID == "" {
		missing = append(missing, "thread_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidKey, strings.Join(missing, ", "))
	}
	for _, part := range [...]struct{ value, name string }{
		{k.UserID, "user_id"},
		{k.SessionID, "session_id"},
		{k.ThreadID, "thread_id"},
	} {
		if err := utils.ValidateKeyPart(part.value, part.name); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
	}
	return nil
}

func (k SessionKey) String() string {
	return k.UserID + "/" + k.SessionID + "/" + k.ThreadID
}
