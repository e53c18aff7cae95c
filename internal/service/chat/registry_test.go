package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/chat-canvas/backend/internal/service/auth"
)

func TestRegistryReusesReconciler(t *testing.T) {
	st := newFakeStore()
	reg := NewRegistry(st, &fakeGen{}, nil, 0, zap.NewNop())
	ctx := context.Background()

	first, err := reg.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, first.Loaded())
	assert.Equal(t, "u1", first.Identity())

	second, err := reg.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Same(t, first, second)

	other, err := reg.Get(ctx, "u2")
	require.NoError(t, err)
	assert.NotSame(t, first, other)
	assert.Equal(t, 2, reg.Len())

	_, err = reg.Get(ctx, "")
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestRegistryNavigatorPerIdentity(t *testing.T) {
	navs := map[string]*recordingNav{}
	factory := func(identity string) Navigator {
		n := &recordingNav{}
		navs[identity] = n
		return n
	}
	reg := NewRegistry(newFakeStore(), &fakeGen{}, factory, 0, zap.NewNop())

	rec, err := reg.Get(context.Background(), "u1")
	require.NoError(t, err)
	s, err := rec.Create(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SessionPath(s.ID), navs["u1"].last())
}

func TestRegistryDropClosesReconciler(t *testing.T) {
	reg := NewRegistry(newFakeStore(), &fakeGen{}, nil, 0, zap.NewNop())

	rec, err := reg.Get(context.Background(), "u1")
	require.NoError(t, err)

	reg.Drop("u1")
	assert.Empty(t, rec.Identity())
	_, ok := reg.Peek("u1")
	assert.False(t, ok)
}

func TestRegistryEvictsIdleReconcilers(t *testing.T) {
	reg := NewRegistry(newFakeStore(), &fakeGen{}, nil, 20*time.Millisecond, zap.NewNop())

	rec, err := reg.Get(context.Background(), "u1")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.Identity() == "" }, time.Second, 5*time.Millisecond)
	assert.Zero(t, reg.Len())
}

func TestRegistryFollowsAuthEvents(t *testing.T) {
	reg := NewRegistry(newFakeStore(), &fakeGen{}, nil, 0, zap.NewNop())
	events := auth.NewEvents()
	ch, unsubscribe := events.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		reg.Watch(ctx, ch)
	}()

	events.Publish(auth.Event{Type: auth.EventSignedIn, Identity: auth.Identity{ID: "u1"}})
	require.Eventually(t, func() bool {
		rec, ok := reg.Peek("u1")
		return ok && rec.Loaded()
	}, time.Second, time.Millisecond)

	events.Publish(auth.Event{Type: auth.EventSignedOut, Identity: auth.Identity{ID: "u1"}})
	require.Eventually(t, func() bool {
		_, ok := reg.Peek("u1")
		return !ok
	}, time.Second, time.Millisecond)

	cancel()
	<-done
	unsubscribe()
}

func TestRegistryCloseDropsAll(t *testing.T) {
	reg := NewRegistry(newFakeStore(), &fakeGen{}, nil, 0, zap.NewNop())
	a, err := reg.Get(context.Background(), "u1")
	require.NoError(t, err)
	b, err := reg.Get(context.Background(), "u2")
	require.NoError(t, err)

	reg.Close()
	assert.Zero(t, reg.Len())
	assert.Empty(t, a.Identity())
	assert.Empty(t, b.Identity())
}
