package persona

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
)

// Backend provides durable persistence for persona records.
type Backend interface {
	Save(ctx context.Context, p Persona) error
	// SaveWithAvatar writes the record and its avatar image atomically.
	SaveWithAvatar(ctx context.Context, p Persona, image []byte) error
	Load(ctx context.Context, id string) (Persona, error)
	// Delete removes the record and any stored avatar.
	Delete(ctx context.Context, id string) error
	ListAll(ctx context.Context) ([]Persona, error)
	LoadAvatar(ctx context.Context, id string) ([]byte, error)
}

// Store is the single source of truth for persona content. Mutations of one
// id are serialized; distinct ids proceed independently. A failed write
// leaves the in-memory state as it was before the call.
type Store struct {
	backend Backend
	locks   *keyedMutex
	now     func() time.Time

	mu       sync.RWMutex
	personas map[string]Persona
	order    []string
}

func NewStore(backend Backend) *Store {
	return &Store{
		backend:  backend,
		locks:    newKeyedMutex(),
		now:      time.Now,
		personas: make(map[string]Persona),
	}
}

// Hydrate replaces the in-memory registry with the backend contents.
func (s *Store) Hydrate(ctx context.Context) error {
	all, err := s.backend.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("%w: list personas: %v", ErrPersistence, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.personas = make(map[string]Persona, len(all))
	s.order = s.order[:0]
	for _, p := range all {
		if _, dup := s.personas[p.ID]; dup {
			continue
		}
		s.personas[p.ID] = p.clone()
		s.order = append(s.order, p.ID)
	}
	logger.InfoCF("persona", "Persona store loaded", map[string]any{"count": len(s.order)})
	return nil
}

func (s *Store) Create(ctx context.Context, id, prompt string) (Persona, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Persona{}, errors.New("persona id is required")
	}
	if strings.TrimSpace(prompt) == "" {
		return Persona{}, ErrEmptyPrompt
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	if s.Exists(id) {
		return Persona{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	now := s.now()
	p := Persona{
		ID:           id,
		SystemPrompt: prompt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	s.personas[id] = p
	s.order = append(s.order, id)
	s.mu.Unlock()

	if err := s.backend.Save(ctx, p); err != nil {
		s.mu.Lock()
		delete(s.personas, id)
		s.removeFromOrder(id)
		s.mu.Unlock()
		return Persona{}, s.persistErr("create", id, err)
	}

	logger.InfoCF("persona", "Persona created", map[string]any{"persona_id": id})
	return p.clone(), nil
}

func (s *Store) Update(ctx context.Context, id, prompt string) (Persona, error) {
	if strings.TrimSpace(prompt) == "" {
		return Persona{}, ErrEmptyPrompt
	}
	return s.mutate(ctx, "update", id, func(p *Persona) {
		p.SystemPrompt = prompt
	}, nil)
}

// SetAvatar stores image as the persona's avatar.
func (s *Store) SetAvatar(ctx context.Context, id string, image []byte) (Persona, error) {
	if len(image) == 0 {
		return Persona{}, fmt.Errorf("%w: empty image", ErrInvalidPayloadKind)
	}
	return s.mutate(ctx, "set avatar", id, func(p *Persona) {
		p.AvatarRef = avatarRef(image)
	}, image)
}

func (s *Store) mutate(ctx context.Context, op, id string, apply func(*Persona), image []byte) (Persona, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.RLock()
	prev, ok := s.personas[id]
	s.mu.RUnlock()
	if !ok {
		return Persona{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := prev.clone()
	apply(&next)
	next.UpdatedAt = s.now()

	s.mu.Lock()
	s.personas[id] = next
	s.mu.Unlock()

	var err error
	if image != nil {
		err = s.backend.SaveWithAvatar(ctx, next, image)
	} else {
		err = s.backend.Save(ctx, next)
	}
	if err != nil {
		s.mu.Lock()
		s.personas[id] = prev
		s.mu.Unlock()
		return Persona{}, s.persistErr(op, id, err)
	}

	logger.InfoCF("persona", "Persona "+op, map[string]any{"persona_id": id})
	return next.clone(), nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	prev, ok := s.personas[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	pos := s.removeFromOrder(id)
	delete(s.personas, id)
	s.mu.Unlock()

	if err := s.backend.Delete(ctx, id); err != nil {
		s.mu.Lock()
		s.personas[id] = prev
		s.insertOrder(pos, id)
		s.mu.Unlock()
		return s.persistErr("delete", id, err)
	}

	logger.InfoCF("persona", "Persona deleted", map[string]any{"persona_id": id})
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.personas[id]
	if !ok {
		return Persona{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.clone(), nil
}

func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.personas[id]
	return ok
}

// List returns personas in creation order.
func (s *Store) List(ctx context.Context) []Persona {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Persona, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.personas[id].clone())
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Import writes a complete record, replacing an existing persona with the
// same id in place. Avatars are not part of an import.
func (s *Store) Import(ctx context.Context, p Persona) (Persona, error) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return Persona{}, errors.New("persona id is required")
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		return Persona{}, ErrEmptyPrompt
	}

	unlock := s.locks.Lock(p.ID)
	defer unlock()

	s.mu.RLock()
	prev, existed := s.personas[p.ID]
	s.mu.RUnlock()

	next := p.clone()
	now := s.now()
	next.UpdatedAt = now
	if existed {
		next.CreatedAt = prev.CreatedAt
		next.AvatarRef = prev.AvatarRef
	} else {
		next.AvatarRef = ""
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}
	}

	s.mu.Lock()
	s.personas[p.ID] = next
	if !existed {
		s.order = append(s.order, p.ID)
	}
	s.mu.Unlock()

	if err := s.backend.Save(ctx, next); err != nil {
		s.mu.Lock()
		if existed {
			s.personas[p.ID] = prev
		} else {
			delete(s.personas, p.ID)
			s.removeFromOrder(p.ID)
		}
		s.mu.Unlock()
		return Persona{}, s.persistErr("import", p.ID, err)
	}
	return next.clone(), nil
}

// Avatar returns the stored avatar image for id, or nil when none is set.
func (s *Store) Avatar(ctx context.Context, id string) ([]byte, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.HasAvatar() {
		return nil, nil
	}
	data, err := s.backend.LoadAvatar(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: load avatar %s: %v", ErrPersistence, id, err)
	}
	return data, nil
}

// removeFromOrder drops id and returns its former index. Caller holds s.mu.
func (s *Store) removeFromOrder(id string) int {
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return i
		}
	}
	return -1
}

// insertOrder puts id back at pos. Caller holds s.mu.
func (s *Store) insertOrder(pos int, id string) {
	if pos < 0 || pos > len(s.order) {
		s.order = append(s.order, id)
		return
	}
	s.order = append(s.order, "")
	copy(s.order[pos+1:], s.order[pos:])
	s.order[pos] = id
}

func (s *Store) persistErr(op, id string, err error) error {
	logger.ErrorCF("persona", "Persona write failed, rolled back", map[string]any{
		"op":         op,
		"persona_id": id,
		"error":      err.Error(),
	})
	return fmt.Errorf("%w: %s %s: %v", ErrPersistence, op, id, err)
}

func avatarRef(image []byte) string {
	sum := sha256.Sum256(image)
	return "sha256:" + hex.EncodeToString(sum[:])
}
