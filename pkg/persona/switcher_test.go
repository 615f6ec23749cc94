package persona

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type switchFixture struct {
	store    *Store
	bindings *memBindings
	history  *fakeHistory
	client   *fakeProfileClient
	switcher *Switcher
}

func newSwitchFixture(t *testing.T, settings Settings, ids ...string) *switchFixture {
	t.Helper()
	store, _ := newTestStore(t, ids...)
	f := &switchFixture{
		store:    store,
		bindings: newMemBindings(),
		history:  &fakeHistory{},
		client:   &fakeProfileClient{},
	}
	identity := NewIdentitySync(settings.Sync, f.client, store)
	f.switcher = NewSwitcher(settings, store, f.bindings, f.history, identity)
	return f
}

func quietSettings() Settings {
	s := DefaultSettings()
	s.Sync = SyncSettings{}
	return s
}

func TestSwitchRoundTripKeepsPrompt(t *testing.T) {
	ctx := context.Background()
	f := newSwitchFixture(t, quietSettings(), "A", "B")
	before, _ := f.store.Get(ctx, "A")

	for _, id := range []string{"A", "B", "A"} {
		_, err := f.switcher.Switch(ctx, SwitchRequest{PersonaID: id, ConversationID: "c1"})
		require.NoError(t, err)
	}

	after, err := f.store.Get(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, before.SystemPrompt, after.SystemPrompt)

	active, ok, err := f.switcher.Active(ctx, "", "c1", "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "A", active)
}

func TestSwitchAnnouncement(t *testing.T) {
	ctx := context.Background()
	f := newSwitchFixture(t, quietSettings(), "A", "B")

	res, err := f.switcher.Switch(ctx, SwitchRequest{PersonaID: "A", ConversationID: "c1", Announce: true})
	require.NoError(t, err)
	assert.Equal(t, "", res.PreviousPersonaID)
	assert.Equal(t, "Switched persona from default to A.", res.Announcement)

	res, err = f.switcher.Switch(ctx, SwitchRequest{PersonaID: "B", ConversationID: "c1", Announce: true})
	require.NoError(t, err)
	assert.Equal(t, "A", res.PreviousPersonaID)
	assert.Equal(t, "B", res.NewPersonaID)
	assert.Equal(t, "Switched persona from A to B.", res.Announcement)

	res, err = f.switcher.Switch(ctx, SwitchRequest{PersonaID: "A", ConversationID: "c1"})
	require.NoError(t, err)
	assert.Empty(t, res.Announcement)
}

func TestSwitchStructuralErrors(t *testing.T) {
	ctx := context.Background()
	f := newSwitchFixture(t, quietSettings(), "A")

	_, err := f.switcher.Switch(ctx, SwitchRequest{PersonaID: "ghost", ConversationID: "c1"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.switcher.Switch(ctx, SwitchRequest{PersonaID: "A"})
	assert.ErrorIs(t, err, ErrMissingContext)

	_, err = f.switcher.Switch(ctx, SwitchRequest{PersonaID: "A", Scope: ScopeSession, ConversationID: "c1"})
	assert.ErrorIs(t, err, ErrMissingContext)

	assert.Zero(t, f.switcher.BindingCount())
}

func TestSwitchScopes(t *testing.T) {
	ctx := context.Background()
	f := newSwitchFixture(t, quietSettings(), "A", "B")

	_, err := f.switcher.Switch(ctx, SwitchRequest{PersonaID: "A", Scope: ScopeGlobal})
	require.NoError(t, err)
	_, err = f.switcher.Switch(ctx, SwitchRequest{PersonaID: "B", Scope: ScopeSession, SessionID: "u1"})
	require.NoError(t, err)

	got, ok, err := f.switcher.Active(ctx, ScopeGlobal, "anything", "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "A", got)

	got, ok, err = f.switcher.Active(ctx, ScopeSession, "", "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "B", got)

	_, ok, err = f.switcher.Active(ctx, ScopeSession, "", "u2")
	require.NoError(t, err)
	assert.False(t, ok)

	v, ok := f.bindings.get(GlobalKey)
	assert.True(t, ok)
	assert.Equal(t, "A", v)
}

func TestDeletedBoundPersonaReportsNoActive(t *testing.T) {
	ctx := context.Background()
	f := newSwitchFixture(t, quietSettings(), "A")

	_, err := f.switcher.Switch(ctx, SwitchRequest{PersonaID: "A", ConversationID: "c1"})
	require.NoError(t, err)
	require.NoError(t, f.store.Delete(ctx, "A"))

	id, ok, err := f.switcher.Active(ctx, "", "c1", "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, id)

	_, stored := f.bindings.get("conversation:c1")
	assert.False(t, stored)
	assert.Zero(t, f.switcher.BindingCount())
}

func TestSwitchFromDeletedPersonaReportsDefault(t *testing.T) {
	ctx := context.Background()
	f := newSwitchFixture(t, quietSettings(), "A", "B")

	_, err := f.switcher.Switch(ctx, SwitchRequest{PersonaID: "A", ConversationID: "c1"})
	require.NoError(t, err)
	require.NoError(t, f.store.Delete(ctx, "A"))

	res, err := f.switcher.Switch(ctx, SwitchRequest{PersonaID: "B", ConversationID: "c1", Announce: true})
	require.NoError(t, err)
	assert.Empty(t, res.PreviousPersonaID)
	assert.Equal(t, "Switched persona from default to B.", res.Announcement)
}

func TestSwitchBindingPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	f := newSwitchFixture(t, quietSettings(), "A", "B")

	_, err := f.switcher.Switch(ctx, SwitchRequest{PersonaID: "A", ConversationID: "c1"})
	require.NoError(t, err)

	f.bindings.failErr = errDiskFull
	_, err = f.switcher.Switch(ctx, SwitchRequest{PersonaID: "B", ConversationID: "c1"})
	require.ErrorIs(t, err, ErrPersistence)

	got, ok, err := f.switcher.Active(ctx, "", "c1", "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "A", got)

	_, err = f.switcher.Switch(ctx, SwitchRequest{PersonaID: "B", ConversationID: "c2"})
	require.ErrorIs(t, err, ErrPersistence)
	_, ok, _ = f.switcher.Active(ctx, "", "c2", "")
	assert.False(t, ok)
}

func TestSwitchClearContext(t *testing.T) {
	ctx := context.Background()
	settings := quietSettings()
	settings.ClearContextOnSwitch = true
	f := newSwitchFixture(t, settings, "A")

	res, err := f.switcher.Switch(ctx, SwitchRequest{PersonaID: "A", ConversationID: "c1"})
	require.NoError(t, err)
	assert.True(t, res.ContextCleared)
	assert.Equal(t, []string{"c1"}, f.history.cleared)

	f.history.err = errors.New("store offline")
	res, err = f.switcher.Switch(ctx, SwitchRequest{PersonaID: "A", ConversationID: "c2"})
	require.NoError(t, err)
	assert.False(t, res.ContextCleared)
	assert.Error(t, res.ClearErr)
	require.Len(t, res.Warnings(), 1)
	assert.Contains(t, res.Warnings()[0], "clearing the conversation history failed")

	got, ok, _ := f.switcher.Active(ctx, "", "c2", "")
	assert.True(t, ok)
	assert.Equal(t, "A", got)
}

func TestSwitchSyncFailureIsNonFatal(t *testing.T) {
	ctx := context.Background()
	settings := DefaultSettings()
	f := newSwitchFixture(t, settings, "A")
	f.client.nicknameErr = errors.New("rate limited")

	res, err := f.switcher.Switch(ctx, SwitchRequest{
		PersonaID:      "A",
		ConversationID: "c1",
		Target:         SyncTarget{Handle: "bot"},
	})
	require.NoError(t, err)
	assert.Equal(t, SyncPartialFailure, res.SyncOutcome)
	assert.ErrorIs(t, res.SyncErr, ErrRemote)
	assert.Len(t, res.Warnings(), 1)

	got, ok, _ := f.switcher.Active(ctx, "", "c1", "")
	assert.True(t, ok)
	assert.Equal(t, "A", got)
}

func TestSwitchSyncSkippedWhenDisabled(t *testing.T) {
	ctx := context.Background()
	f := newSwitchFixture(t, quietSettings(), "A")

	res, err := f.switcher.Switch(ctx, SwitchRequest{PersonaID: "A", ConversationID: "c1", Target: SyncTarget{Handle: "bot"}})
	require.NoError(t, err)
	assert.Equal(t, SyncSkipped, res.SyncOutcome)
	assert.Empty(t, f.client.recorded())
}

func TestCollectDangling(t *testing.T) {
	ctx := context.Background()
	f := newSwitchFixture(t, quietSettings(), "A", "B")

	for _, tc := range []struct{ persona, conv string }{{"A", "c1"}, {"A", "c2"}, {"B", "c3"}} {
		_, err := f.switcher.Switch(ctx, SwitchRequest{PersonaID: tc.persona, ConversationID: tc.conv})
		require.NoError(t, err)
	}
	require.NoError(t, f.store.Delete(ctx, "A"))

	assert.Equal(t, 2, f.switcher.CollectDangling(ctx))
	assert.Equal(t, 1, f.switcher.BindingCount())
	assert.Equal(t, 0, f.switcher.CollectDangling(ctx))
}

func TestLoadBindingsRestoresTable(t *testing.T) {
	ctx := context.Background()
	f := newSwitchFixture(t, quietSettings(), "A")
	_, err := f.switcher.Switch(ctx, SwitchRequest{PersonaID: "A", ConversationID: "c1"})
	require.NoError(t, err)

	restarted := NewSwitcher(quietSettings(), f.store, f.bindings, f.history, nil)
	require.NoError(t, restarted.LoadBindings(ctx))

	got, ok, err := restarted.Active(ctx, "", "c1", "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "A", got)
}

func TestSwitchConcurrentConversations(t *testing.T) {
	ctx := context.Background()
	f := newSwitchFixture(t, quietSettings(), "A", "B")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "A"
			if i%2 == 1 {
				id = "B"
			}
			if _, err := f.switcher.Switch(ctx, SwitchRequest{PersonaID: id, ConversationID: fmt.Sprintf("c%d", i)}); err != nil {
				t.Errorf("switch c%d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 32, f.switcher.BindingCount())
	for i := 0; i < 32; i++ {
		want := "A"
		if i%2 == 1 {
			want = "B"
		}
		got, ok, err := f.switcher.Active(ctx, "", fmt.Sprintf("c%d", i), "")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
}
