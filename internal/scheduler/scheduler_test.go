package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven/backend/internal/core"
	"github.com/haven/backend/internal/events"
	"github.com/haven/backend/internal/store"
)

func seedGroup(t *testing.T, mem *store.Memory, id string, expiresIn time.Duration) {
	t.Helper()
	expiry := time.Now().Add(expiresIn)
	require.NoError(t, mem.CreateGroup(context.Background(), &core.UserGroup{
		ID: id, Name: id, Address: "addr", Point: core.Point{Lon: 28, Lat: -26},
		SubscriptionID: "sub-" + id, SubscriptionExpiresAt: &expiry,
		CreatedAt: time.Now(),
	}))
}

func TestExpiryNotices(t *testing.T) {
	mem := store.NewMemory()
	bus := events.NewBus()
	s := New(mem, bus)
	ctx := context.Background()
	notices := bus.Subscribe(events.TypeSubscriptionExpiry)

	seedGroup(t, mem, "soon", 6*24*time.Hour)      // inside the 7 day mark
	seedGroup(t, mem, "today", 6*time.Hour)        // expires today
	seedGroup(t, mem, "later", 20*24*time.Hour)    // not yet
	seedGroup(t, mem, "lapsed", -24*time.Hour)     // already past, not a notice

	require.NoError(t, s.ExpiryNotices(ctx))

	got := map[string]int{}
	for len(notices) > 0 {
		ev := <-notices
		got[ev.Subject] = ev.Data["days_left"].(int)
	}
	assert.Equal(t, map[string]int{"soon": 5, "today": 0}, got)

	// A second sweep is silent.
	require.NoError(t, s.ExpiryNotices(ctx))
	assert.Empty(t, notices)

	// Crossing the next mark fires again.
	s.now = func() time.Time { return time.Now().Add(4 * 24 * time.Hour) }
	require.NoError(t, s.ExpiryNotices(ctx))
	require.Len(t, notices, 1)
	ev := <-notices
	assert.Equal(t, "soon", ev.Subject)
	assert.Equal(t, 1, ev.Data["days_left"])
}

func TestExtensionResetsNotices(t *testing.T) {
	mem := store.NewMemory()
	bus := events.NewBus()
	s := New(mem, bus)
	ctx := context.Background()
	notices := bus.Subscribe(events.TypeSubscriptionExpiry)

	seedGroup(t, mem, "grp", 2*24*time.Hour)
	require.NoError(t, s.ExpiryNotices(ctx))
	require.Len(t, notices, 1)
	<-notices

	// Renewal pushes the expiry out; when it comes near again, new notices.
	g, err := mem.GetGroup(ctx, "grp")
	require.NoError(t, err)
	ext := g.SubscriptionExpiresAt.Add(30 * 24 * time.Hour)
	g.SubscriptionExpiresAt = &ext
	require.NoError(t, mem.UpdateGroup(ctx, g))

	require.NoError(t, s.ExpiryNotices(ctx))
	assert.Empty(t, notices)

	s.now = func() time.Time { return time.Now().Add(26 * 24 * time.Hour) }
	require.NoError(t, s.ExpiryNotices(ctx))
	assert.Len(t, notices, 1)
}

func TestJobLifecycle(t *testing.T) {
	s := New(store.NewMemory(), events.NewBus())
	var runs int64
	s.Add("counter", 10*time.Millisecond, func(ctx context.Context) error {
		atomic.AddInt64(&runs, 1)
		return nil
	})
	s.Start()
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&runs) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	settled := atomic.LoadInt64(&runs)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, atomic.LoadInt64(&runs))
}
