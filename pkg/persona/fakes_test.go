package persona

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var errDiskFull = errors.New("disk full")

type memBackend struct {
	mu      sync.Mutex
	records map[string]Persona
	avatars map[string][]byte
	seq     map[string]int
	next    int
	failErr error
}

func newMemBackend() *memBackend {
	return &memBackend{
		records: make(map[string]Persona),
		avatars: make(map[string][]byte),
		seq:     make(map[string]int),
	}
}

func (b *memBackend) fail(err error) {
	b.mu.Lock()
	b.failErr = err
	b.mu.Unlock()
}

func (b *memBackend) Save(ctx context.Context, p Persona) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failErr != nil {
		return b.failErr
	}
	if _, ok := b.seq[p.ID]; !ok {
		b.next++
		b.seq[p.ID] = b.next
	}
	b.records[p.ID] = p.clone()
	return nil
}

func (b *memBackend) SaveWithAvatar(ctx context.Context, p Persona, image []byte) error {
	b.mu.Lock()
	if b.failErr != nil {
		b.mu.Unlock()
		return b.failErr
	}
	b.avatars[p.ID] = append([]byte(nil), image...)
	b.mu.Unlock()
	return b.Save(ctx, p)
}

func (b *memBackend) Load(ctx context.Context, id string) (Persona, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.records[id]
	if !ok {
		return Persona{}, ErrNotFound
	}
	return p.clone(), nil
}

func (b *memBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failErr != nil {
		return b.failErr
	}
	delete(b.records, id)
	delete(b.avatars, id)
	delete(b.seq, id)
	return nil
}

func (b *memBackend) ListAll(ctx context.Context) ([]Persona, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Persona, 0, len(b.records))
	for _, p := range b.records {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return b.seq[out[i].ID] < b.seq[out[j].ID] })
	return out, nil
}

func (b *memBackend) LoadAvatar(ctx context.Context, id string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	img, ok := b.avatars[id]
	if !ok {
		return nil, ErrNotFound
	}
	return img, nil
}

type memBindings struct {
	mu      sync.Mutex
	rows    map[BindingKey]string
	failErr error
}

func newMemBindings() *memBindings {
	return &memBindings{rows: make(map[BindingKey]string)}
}

func (b *memBindings) SaveBinding(ctx context.Context, key BindingKey, personaID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failErr != nil {
		return b.failErr
	}
	b.rows[key] = personaID
	return nil
}

func (b *memBindings) DeleteBinding(ctx context.Context, key BindingKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rows, key)
	return nil
}

func (b *memBindings) LoadBindings(ctx context.Context) (map[BindingKey]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[BindingKey]string, len(b.rows))
	for k, v := range b.rows {
		out[k] = v
	}
	return out, nil
}

func (b *memBindings) get(key BindingKey) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.rows[key]
	return v, ok
}

type fakeHistory struct {
	mu      sync.Mutex
	cleared []string
	err     error
}

func (h *fakeHistory) ClearHistory(ctx context.Context, conversationID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.cleared = append(h.cleared, conversationID)
	return nil
}

type profileCall struct {
	Method  string
	Handle  string
	GroupID string
	Text    string
	Bytes   int
}

type fakeProfileClient struct {
	mu          sync.Mutex
	calls       []profileCall
	nicknameErr error
	avatarErr   error
}

func (c *fakeProfileClient) SetNickname(ctx context.Context, handle, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, profileCall{Method: "nickname", Handle: handle, Text: text})
	return c.nicknameErr
}

func (c *fakeProfileClient) SetGroupCard(ctx context.Context, handle, groupID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, profileCall{Method: "group_card", Handle: handle, GroupID: groupID, Text: text})
	return c.nicknameErr
}

func (c *fakeProfileClient) SetAvatar(ctx context.Context, handle string, image []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, profileCall{Method: "avatar", Handle: handle, Bytes: len(image)})
	return c.avatarErr
}

func (c *fakeProfileClient) recorded() []profileCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]profileCall(nil), c.calls...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t interface{ Fatalf(string, ...any) }, ids ...string) (*Store, *memBackend) {
	backend := newMemBackend()
	store := NewStore(backend)
	for _, id := range ids {
		if _, err := store.Create(context.Background(), id, "prompt for "+id); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	return store, backend
}
