package persona

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
)

// OperationKind is the management command a pending operation completes.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpAvatar OperationKind = "avatar"
)

// PendingOperation is an open management command waiting for the initiating
// user's next message in the same conversation.
type PendingOperation struct {
	ID             string
	UserID         string
	ConversationID string
	Kind           OperationKind
	PersonaID      string
	CreatedAt      time.Time
	Deadline       time.Time
}

func (op PendingOperation) expired(now time.Time) bool {
	return !now.Before(op.Deadline)
}

// Completion is the outcome of a consumed pending operation.
type Completion struct {
	Operation PendingOperation
	Persona   Persona
}

type pendingKey struct {
	userID         string
	conversationID string
}

func (k pendingKey) String() string { return k.userID + "|" + k.conversationID }

// PendingTable tracks at most one pending operation per (user, conversation).
// Expired entries are evicted when their key is next looked up; Sweep exists
// for memory hygiene only. Nothing here survives a restart.
type PendingTable struct {
	store   *Store
	timeout time.Duration
	now     func() time.Time
	locks   *keyedMutex

	mu       sync.Mutex
	entries  map[pendingKey]PendingOperation
	onExpire func(PendingOperation)
}

func NewPendingTable(store *Store, timeout time.Duration) *PendingTable {
	if timeout <= 0 {
		timeout = DefaultPendingTimeout
	}
	return &PendingTable{
		store:   store,
		timeout: timeout,
		now:     time.Now,
		locks:   newKeyedMutex(),
		entries: make(map[pendingKey]PendingOperation),
	}
}

// OnExpire registers fn to receive every operation evicted because its
// deadline passed, whether found by a lookup or by Sweep, so the initiating
// user can be told the command timed out. fn runs without t.mu held.
func (t *PendingTable) OnExpire(fn func(PendingOperation)) {
	t.mu.Lock()
	t.onExpire = fn
	t.mu.Unlock()
}

// SetClock replaces the time source used for deadlines. Call it before the
// table is shared.
func (t *PendingTable) SetClock(now func() time.Time) { t.now = now }

// Timeout is the window a user has to send the payload.
func (t *PendingTable) Timeout() time.Duration { return t.timeout }

// Open starts waiting for a payload. Any operation already open for the same
// user and conversation is dropped without side effects.
func (t *PendingTable) Open(userID, conversationID string, kind OperationKind, personaID string) PendingOperation {
	key := pendingKey{userID: userID, conversationID: conversationID}
	unlock := t.locks.Lock(key.String())
	defer unlock()

	now := t.now()
	op := PendingOperation{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		Kind:           kind,
		PersonaID:      personaID,
		CreatedAt:      now,
		Deadline:       now.Add(t.timeout),
	}

	t.mu.Lock()
	prev, replaced := t.entries[key]
	t.entries[key] = op
	t.mu.Unlock()

	fields := map[string]any{
		"op_id":      op.ID,
		"kind":       string(kind),
		"persona_id": personaID,
		"user_id":    userID,
		"deadline":   op.Deadline.Format(time.RFC3339),
	}
	if replaced {
		fields["replaced_op_id"] = prev.ID
	}
	logger.InfoCF("pending", "Pending operation opened", fields)
	return op
}

// Peek returns the live operation for the key, evicting it if expired.
func (t *PendingTable) Peek(userID, conversationID string) (PendingOperation, bool) {
	return t.lookup(pendingKey{userID: userID, conversationID: conversationID})
}

// lookup returns the live entry for key. An expired entry is evicted and
// handed to the expiry hook.
func (t *PendingTable) lookup(key pendingKey) (PendingOperation, bool) {
	t.mu.Lock()
	op, ok := t.entries[key]
	if !ok {
		t.mu.Unlock()
		return PendingOperation{}, false
	}
	if !op.expired(t.now()) {
		t.mu.Unlock()
		return op, true
	}
	delete(t.entries, key)
	hook := t.onExpire
	t.mu.Unlock()

	logger.InfoCF("pending", "Pending operation expired", map[string]any{
		"op_id":      op.ID,
		"kind":       string(op.Kind),
		"persona_id": op.PersonaID,
	})
	if hook != nil {
		hook(op)
	}
	return PendingOperation{}, false
}

// Consume feeds payload to the pending operation for the key. A payload of
// the wrong kind, or an empty one, leaves the operation open. Otherwise the
// operation is closed whether or not the store mutation succeeds.
func (t *PendingTable) Consume(ctx context.Context, userID, conversationID string, payload Payload) (Completion, error) {
	key := pendingKey{userID: userID, conversationID: conversationID}
	unlock := t.locks.Lock(key.String())
	defer unlock()

	op, ok := t.lookup(key)
	if !ok {
		return Completion{}, ErrNoActiveOperation
	}

	if payload.Kind == PayloadEmpty {
		return Completion{}, ErrEmptyPayload
	}

	switch op.Kind {
	case OpAvatar:
		if !payload.acceptsImage() {
			return Completion{}, fmt.Errorf("%w: avatar expects an image, got %s", ErrInvalidPayloadKind, payload.Kind)
		}
	default:
		if !payload.acceptsPrompt() {
			return Completion{}, fmt.Errorf("%w: %s expects text or a text file, got %s", ErrInvalidPayloadKind, op.Kind, payload.Kind)
		}
	}

	t.mu.Lock()
	if cur, ok := t.entries[key]; ok && cur.ID == op.ID {
		delete(t.entries, key)
	}
	t.mu.Unlock()

	p, err := t.dispatch(ctx, op, payload)
	if err != nil {
		logger.WarnCF("pending", "Pending operation failed", map[string]any{
			"op_id":      op.ID,
			"kind":       string(op.Kind),
			"persona_id": op.PersonaID,
			"error":      err.Error(),
		})
		return Completion{Operation: op}, err
	}

	logger.InfoCF("pending", "Pending operation completed", map[string]any{
		"op_id":      op.ID,
		"kind":       string(op.Kind),
		"persona_id": op.PersonaID,
	})
	return Completion{Operation: op, Persona: p}, nil
}

func (t *PendingTable) dispatch(ctx context.Context, op PendingOperation, payload Payload) (Persona, error) {
	switch op.Kind {
	case OpCreate, OpUpdate:
		prompt, err := payload.promptText(ctx)
		if err != nil {
			return Persona{}, err
		}
		if op.Kind == OpCreate {
			return t.store.Create(ctx, op.PersonaID, prompt)
		}
		return t.store.Update(ctx, op.PersonaID, prompt)
	case OpAvatar:
		image, err := payload.Bytes(ctx)
		if err != nil {
			return Persona{}, err
		}
		return t.store.SetAvatar(ctx, op.PersonaID, image)
	default:
		return Persona{}, fmt.Errorf("unknown pending operation kind %q", op.Kind)
	}
}

// Cancel drops the operation for the key. It reports whether one was open.
func (t *PendingTable) Cancel(userID, conversationID string) bool {
	key := pendingKey{userID: userID, conversationID: conversationID}
	unlock := t.locks.Lock(key.String())
	defer unlock()

	op, ok := t.lookup(key)
	if ok {
		t.mu.Lock()
		if cur, live := t.entries[key]; live && cur.ID == op.ID {
			delete(t.entries, key)
		}
		t.mu.Unlock()
	}

	if ok {
		logger.InfoCF("pending", "Pending operation cancelled", map[string]any{
			"op_id":      op.ID,
			"persona_id": op.PersonaID,
		})
	}
	return ok
}

// Sweep evicts every expired entry and returns how many were removed.
func (t *PendingTable) Sweep() int {
	now := t.now()
	t.mu.Lock()
	var expired []PendingOperation
	for key, op := range t.entries {
		if op.expired(now) {
			delete(t.entries, key)
			expired = append(expired, op)
		}
	}
	hook := t.onExpire
	t.mu.Unlock()

	if len(expired) > 0 {
		logger.DebugCF("pending", "Swept expired pending operations", map[string]any{"count": len(expired)})
	}
	if hook != nil {
		for _, op := range expired {
			hook(op)
		}
	}
	return len(expired)
}

// Len counts entries, including expired ones not yet evicted.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
