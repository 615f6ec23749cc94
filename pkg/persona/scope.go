package persona

import (
	"fmt"
	"strings"
)

// Scope is the granularity at which a switch applies.
type Scope string

const (
	ScopeConversation Scope = "conversation"
	ScopeSession      Scope = "session"
	ScopeGlobal       Scope = "global"
)

// ParseScope normalizes a configured scope. ok is false for unknown values,
// which fall back to ScopeConversation.
func ParseScope(raw string) (Scope, bool) {
	switch Scope(strings.ToLower(strings.TrimSpace(raw))) {
	case ScopeConversation:
		return ScopeConversation, true
	case ScopeSession:
		return ScopeSession, true
	case ScopeGlobal:
		return ScopeGlobal, true
	default:
		return ScopeConversation, false
	}
}

// BindingKey identifies one binding slot.
type BindingKey string

// GlobalKey is the singleton key used by ScopeGlobal.
const GlobalKey BindingKey = "global"

// ResolveKey computes the binding key for scope. Conversation and session
// scopes require the matching id.
func ResolveKey(scope Scope, conversationID, sessionID string) (BindingKey, error) {
	switch scope {
	case ScopeConversation:
		id := strings.TrimSpace(conversationID)
		if id == "" {
			return "", fmt.Errorf("%w: conversation scope requires a conversation id", ErrMissingContext)
		}
		return BindingKey("conversation:" + id), nil
	case ScopeSession:
		id := strings.TrimSpace(sessionID)
		if id == "" {
			return "", fmt.Errorf("%w: session scope requires a session id", ErrMissingContext)
		}
		return BindingKey("session:" + id), nil
	case ScopeGlobal:
		return GlobalKey, nil
	default:
		return "", fmt.Errorf("unknown scope %q", scope)
	}
}
