package persona

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func personaIDs(list []Persona) []string {
	out := make([]string, 0, len(list))
	for _, p := range list {
		out = append(out, p.ID)
	}
	return out
}

func TestStoreCreateGetList(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	for _, id := range []string{"writer", "coder", "tutor"} {
		_, err := store.Create(ctx, id, "You are a "+id+".")
		require.NoError(t, err)
	}

	got, err := store.Get(ctx, "coder")
	require.NoError(t, err)
	assert.Equal(t, "You are a coder.", got.SystemPrompt)
	assert.Nil(t, got.Tools)
	assert.False(t, got.HasAvatar())

	if diff := cmp.Diff([]string{"writer", "coder", "tutor"}, personaIDs(store.List(ctx))); diff != "" {
		t.Fatalf("list order mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreCreateValidation(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, "writer")

	_, err := store.Create(ctx, "writer", "again")
	assert.ErrorIs(t, err, ErrDuplicateID)

	_, err = store.Create(ctx, "blank", "   ")
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	_, err = store.Create(ctx, "  ", "prompt")
	assert.Error(t, err)

	assert.Equal(t, 1, store.Len())
}

func TestStoreUpdateKeepsOtherFields(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, err := store.Import(ctx, Persona{
		ID:           "guide",
		SystemPrompt: "old",
		BeginDialogs: []string{"hi", "hello"},
		Tools:        []string{"search"},
	})
	require.NoError(t, err)
	_, err = store.SetAvatar(ctx, "guide", []byte{0x89, 'P', 'N', 'G'})
	require.NoError(t, err)

	updated, err := store.Update(ctx, "guide", "new")
	require.NoError(t, err)
	assert.Equal(t, "new", updated.SystemPrompt)
	assert.Equal(t, []string{"hi", "hello"}, updated.BeginDialogs)
	assert.Equal(t, []string{"search"}, updated.Tools)
	assert.True(t, updated.HasAvatar())

	_, err = store.Update(ctx, "missing", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRollsBackOnPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	store, backend := newTestStore(t, "writer")
	backend.fail(errDiskFull)

	_, err := store.Create(ctx, "coder", "prompt")
	require.ErrorIs(t, err, ErrPersistence)
	assert.False(t, store.Exists("coder"))

	_, err = store.Update(ctx, "writer", "changed")
	require.ErrorIs(t, err, ErrPersistence)
	got, _ := store.Get(ctx, "writer")
	assert.Equal(t, "prompt for writer", got.SystemPrompt)

	_, err = store.SetAvatar(ctx, "writer", []byte("img"))
	require.ErrorIs(t, err, ErrPersistence)
	got, _ = store.Get(ctx, "writer")
	assert.False(t, got.HasAvatar())

	err = store.Delete(ctx, "writer")
	require.ErrorIs(t, err, ErrPersistence)
	assert.True(t, store.Exists("writer"))
}

func TestStoreDeleteRestoresOrderOnFailure(t *testing.T) {
	ctx := context.Background()
	store, backend := newTestStore(t, "a", "b", "c")

	backend.fail(errDiskFull)
	require.Error(t, store.Delete(ctx, "b"))
	assert.Equal(t, []string{"a", "b", "c"}, personaIDs(store.List(ctx)))

	backend.fail(nil)
	require.NoError(t, store.Delete(ctx, "b"))
	assert.Equal(t, []string{"a", "c"}, personaIDs(store.List(ctx)))
	assert.ErrorIs(t, store.Delete(ctx, "b"), ErrNotFound)
}

func TestStoreAvatarRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, backend := newTestStore(t, "writer")

	img, err := store.Avatar(ctx, "writer")
	require.NoError(t, err)
	assert.Nil(t, img)

	p, err := store.SetAvatar(ctx, "writer", []byte("png-bytes"))
	require.NoError(t, err)
	assert.Contains(t, p.AvatarRef, "sha256:")

	img, err = store.Avatar(ctx, "writer")
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), img)

	_, err = store.SetAvatar(ctx, "writer", nil)
	assert.ErrorIs(t, err, ErrInvalidPayloadKind)

	require.NoError(t, store.Delete(ctx, "writer"))
	_, err = backend.LoadAvatar(ctx, "writer")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreHydrate(t *testing.T) {
	ctx := context.Background()
	_, backend := newTestStore(t)
	seed := NewStore(backend)
	for _, id := range []string{"one", "two"} {
		_, err := seed.Create(ctx, id, "p")
		require.NoError(t, err)
	}

	fresh := NewStore(backend)
	require.NoError(t, fresh.Hydrate(ctx))
	assert.Equal(t, []string{"one", "two"}, personaIDs(fresh.List(ctx)))
}

func TestStoreImportUpsert(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, "writer")
	before, _ := store.Get(ctx, "writer")

	got, err := store.Import(ctx, Persona{ID: "writer", SystemPrompt: "imported", Tools: []string{}})
	require.NoError(t, err)
	assert.Equal(t, "imported", got.SystemPrompt)
	assert.Equal(t, before.CreatedAt, got.CreatedAt)
	assert.NotNil(t, got.Tools)
	assert.Empty(t, got.Tools)
	assert.Equal(t, 1, store.Len())
}

func TestStoreConcurrentDistinctIDs(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("p%02d", i)
			if _, err := store.Create(ctx, id, "prompt"); err != nil {
				t.Errorf("create %s: %v", id, err)
				return
			}
			if _, err := store.Update(ctx, id, "prompt v2"); err != nil {
				t.Errorf("update %s: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, store.Len())
	for _, p := range store.List(ctx) {
		assert.Equal(t, "prompt v2", p.SystemPrompt)
	}
}

func TestStoreConcurrentCreateSameID(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		dups int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Create(ctx, "same", "prompt")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrDuplicateID):
				dups++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 9, dups)
}
