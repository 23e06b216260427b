package logic

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geekgame/glitter/internal/config"
	"github.com/geekgame/glitter/internal/game"
	"github.com/geekgame/glitter/internal/glitter"
	"github.com/geekgame/glitter/internal/store"
	"github.com/geekgame/glitter/internal/telemetry"
	"github.com/geekgame/glitter/internal/token"
)

func freeListenAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// newTestCluster runs a real reducer and one worker against a shared store,
// talking over loopback sockets, and waits for the worker's first sync.
func newTestCluster(t *testing.T) (*Reducer, *Worker) {
	t.Helper()

	skEnc, _, err := token.GenKeys()
	require.NoError(t, err)

	db, err := store.Open(filepath.Join(t.TempDir(), "glitter.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	addr := freeListenAddr(t)
	cfg := &config.Config{
		ActionAddr:      fmt.Sprintf("ws://%s/glitter/action", addr),
		EventAddr:       fmt.Sprintf("ws://%s/glitter/event", addr),
		TokenSigningKey: skEnc,
		StdoutLogLevel:  telemetry.ParseLevelSet(""),
	}
	rules := config.DefaultRules()

	r, err := NewReducer(cfg, rules, db)
	require.NoError(t, err)
	w := NewWorker("worker-1", cfg, rules, db, false)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = r.Run(ctx) }()
	go func() { _ = w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return w.WithGame(func(*game.Game) error { return nil }) == nil
	}, 20*time.Second, 100*time.Millisecond, "worker never synced with the reducer")
	return r, w
}

func TestWorkerReadsOwnWrites(t *testing.T) {
	r, w := newTestCluster(t)

	rep, err := w.PerformAction(&glitter.RegUserReq{
		Client:          "worker-1",
		LoginKey:        "manual:alice",
		LoginProperties: map[string]any{"type": "manual"},
		Group:           "other",
	})
	require.NoError(t, err)
	assert.Equal(t, "", rep.ErrorMsg)
	assert.Equal(t, int64(2), rep.StateCounter)

	// PerformAction only returns once the local projection caught up with
	// the reply's counter, so the write is immediately visible here.
	assert.GreaterOrEqual(t, w.StateCounter(), rep.StateCounter)
	require.NoError(t, w.WithGame(func(g *game.Game) error {
		u := g.Users.UserByLoginKey["manual:alice"]
		require.NotNil(t, u)
		assert.Equal(t, "other", u.Store.Group)
		return nil
	}))

	assert.Equal(t, r.StateCounter(), rep.StateCounter)
}

func TestWorkerResyncsAfterLostEvent(t *testing.T) {
	r, w := newTestCluster(t)

	require.Eventually(t, func() bool {
		return w.StateCounter() == r.StateCounter()
	}, 20*time.Second, 100*time.Millisecond)

	resyncsBefore := telemetry.Metrics.Resyncs.Value()

	a := &store.Announcement{TimestampS: 100, Title: "Maintenance", ContentTemplate: "back soon"}
	require.NoError(t, r.DB.InsertAnnouncement(a))

	// Skip counters as if intermediate events never made it to the wire.
	// The worker must notice the gap and rebuild from the store.
	r.mu.Lock()
	r.stateCounter += 5
	r.emitEvent(glitter.Event{Type: glitter.EventUpdateAnnouncement, StateCounter: r.stateCounter, Data: a.ID})
	r.mu.Unlock()

	assert.Eventually(t, func() bool {
		return w.StateCounter() == r.StateCounter() && w.WithGame(func(*game.Game) error { return nil }) == nil
	}, 20*time.Second, 100*time.Millisecond, "worker never caught up after the counter gap")
	assert.Greater(t, telemetry.Metrics.Resyncs.Value(), resyncsBefore)

	require.NoError(t, w.WithGame(func(g *game.Game) error {
		require.Len(t, g.Announcements.List, 1)
		assert.Equal(t, "Maintenance", g.Announcements.List[0].Store.Title)
		return nil
	}))
}
