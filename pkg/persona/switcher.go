package persona

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
)

// BindingBackend persists the binding table.
type BindingBackend interface {
	SaveBinding(ctx context.Context, key BindingKey, personaID string) error
	DeleteBinding(ctx context.Context, key BindingKey) error
	LoadBindings(ctx context.Context) (map[BindingKey]string, error)
}

// HistoryClearer drops the stored message history of a conversation.
type HistoryClearer interface {
	ClearHistory(ctx context.Context, conversationID string) error
}

// SwitchRequest describes one persona switch. An empty Scope uses the
// configured scope.
type SwitchRequest struct {
	PersonaID      string
	Scope          Scope
	ConversationID string
	SessionID      string
	Target         SyncTarget
	Announce       bool
}

// SwitchResult reports a completed switch. ClearErr and SyncErr carry
// non-fatal side-effect failures.
type SwitchResult struct {
	PreviousPersonaID string
	NewPersonaID      string
	ContextCleared    bool
	ClearErr          error
	SyncOutcome       SyncOutcome
	SyncErr           error
	Announcement      string
}

// Warnings lists user-facing notes for side effects that failed.
func (r SwitchResult) Warnings() []string {
	var out []string
	if r.ClearErr != nil {
		out = append(out, "switched, but clearing the conversation history failed: "+r.ClearErr.Error())
	}
	if r.SyncErr != nil {
		out = append(out, "switched, but identity sync failed: "+r.SyncErr.Error())
	}
	return out
}

// Switcher applies persona changes to scope-keyed bindings.
type Switcher struct {
	settings Settings
	store    *Store
	backend  BindingBackend
	history  HistoryClearer
	identity *IdentitySync
	locks    *keyedMutex

	mu     sync.RWMutex
	active map[BindingKey]string
}

func NewSwitcher(settings Settings, store *Store, backend BindingBackend, history HistoryClearer, identity *IdentitySync) *Switcher {
	return &Switcher{
		settings: settings,
		store:    store,
		backend:  backend,
		history:  history,
		identity: identity,
		locks:    newKeyedMutex(),
		active:   make(map[BindingKey]string),
	}
}

// LoadBindings restores the binding table from the backend.
func (s *Switcher) LoadBindings(ctx context.Context) error {
	loaded, err := s.backend.LoadBindings(ctx)
	if err != nil {
		return fmt.Errorf("%w: load bindings: %v", ErrPersistence, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = make(map[BindingKey]string, len(loaded))
	for k, v := range loaded {
		s.active[k] = v
	}
	logger.InfoCF("switch", "Bindings loaded", map[string]any{"count": len(loaded)})
	return nil
}

func (s *Switcher) Switch(ctx context.Context, req SwitchRequest) (SwitchResult, error) {
	target, err := s.store.Get(ctx, req.PersonaID)
	if err != nil {
		return SwitchResult{}, err
	}

	scope := req.Scope
	if scope == "" {
		scope = s.settings.Scope
	}
	key, err := ResolveKey(scope, req.ConversationID, req.SessionID)
	if err != nil {
		return SwitchResult{}, err
	}

	unlock := s.locks.Lock(string(key))
	defer unlock()

	s.mu.Lock()
	previous := s.active[key]
	s.active[key] = target.ID
	s.mu.Unlock()

	if err := s.backend.SaveBinding(ctx, key, target.ID); err != nil {
		s.mu.Lock()
		if previous == "" {
			delete(s.active, key)
		} else {
			s.active[key] = previous
		}
		s.mu.Unlock()
		return SwitchResult{}, fmt.Errorf("%w: save binding %s: %v", ErrPersistence, key, err)
	}
	if previous != "" && !s.store.Exists(previous) {
		previous = ""
	}

	result := SwitchResult{
		PreviousPersonaID: previous,
		NewPersonaID:      target.ID,
		SyncOutcome:       SyncSkipped,
	}

	if s.settings.ClearContextOnSwitch && s.history != nil && req.ConversationID != "" {
		if err := s.history.ClearHistory(ctx, req.ConversationID); err != nil {
			result.ClearErr = err
			logger.WarnCF("switch", "Failed to clear conversation history", map[string]any{
				"conversation_id": req.ConversationID,
				"error":           err.Error(),
			})
		} else {
			result.ContextCleared = true
		}
	}

	if s.identity.Enabled() {
		result.SyncOutcome, result.SyncErr = s.identity.Apply(ctx, target, req.Target)
	}

	if req.Announce {
		from := previous
		if from == "" {
			from = "default"
		}
		result.Announcement = fmt.Sprintf("Switched persona from %s to %s.", from, target.ID)
	}

	logger.InfoCF("switch", "Persona switched", map[string]any{
		"scope":           string(scope),
		"binding_key":     string(key),
		"previous":        previous,
		"persona_id":      target.ID,
		"context_cleared": result.ContextCleared,
		"sync":            result.SyncOutcome.String(),
	})
	return result, nil
}

// Active returns the persona bound for the given context. ok is false when
// nothing is bound, in which case the framework default persona applies. A
// binding whose persona was deleted is removed and reported as unbound.
func (s *Switcher) Active(ctx context.Context, scope Scope, conversationID, sessionID string) (string, bool, error) {
	if scope == "" {
		scope = s.settings.Scope
	}
	key, err := ResolveKey(scope, conversationID, sessionID)
	if err != nil {
		return "", false, err
	}

	unlock := s.locks.Lock(string(key))
	defer unlock()

	s.mu.RLock()
	id, ok := s.active[key]
	s.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if s.store.Exists(id) {
		return id, true, nil
	}

	s.dropBinding(ctx, key, id)
	return "", false, nil
}

// CollectDangling removes every binding that points at a deleted persona and
// returns how many were removed.
func (s *Switcher) CollectDangling(ctx context.Context) int {
	s.mu.RLock()
	var stale []BindingKey
	for key, id := range s.active {
		if !s.store.Exists(id) {
			stale = append(stale, key)
		}
	}
	s.mu.RUnlock()

	removed := 0
	for _, key := range stale {
		unlock := s.locks.Lock(string(key))
		s.mu.RLock()
		id, ok := s.active[key]
		s.mu.RUnlock()
		if ok && !s.store.Exists(id) {
			s.dropBinding(ctx, key, id)
			removed++
		}
		unlock()
	}
	return removed
}

// BindingCount reports the number of live entries in the binding table.
func (s *Switcher) BindingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// dropBinding removes key. Caller holds the key lock.
func (s *Switcher) dropBinding(ctx context.Context, key BindingKey, personaID string) {
	s.mu.Lock()
	delete(s.active, key)
	s.mu.Unlock()

	if err := s.backend.DeleteBinding(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		logger.WarnCF("switch", "Failed to delete dangling binding", map[string]any{
			"binding_key": string(key),
			"error":       err.Error(),
		})
		return
	}
	logger.InfoCF("switch", "Dangling binding removed", map[string]any{
		"binding_key": string(key),
		"persona_id":  personaID,
	})
}
