package police

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geekgame/glitter/internal/config"
	"github.com/geekgame/glitter/internal/game"
	"github.com/geekgame/glitter/internal/glitter"
	"github.com/geekgame/glitter/internal/logic"
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

func seedPlayer(t *testing.T, db *store.Store, loginKey string) int64 {
	t.Helper()

	uid, err := db.RegisterUser(loginKey, store.LoginProperties{"type": "manual"}, "other",
		func(uid int64) (string, string) {
			return fmt.Sprintf("tok%d", uid), fmt.Sprintf("%d_auth", uid)
		})
	require.NoError(t, err)
	require.NoError(t, db.SetTermsAgreed(uid))

	p := &store.UserProfile{UserID: uid}
	p.SetField("nickname", fmt.Sprintf("player%d", uid))
	p.SetField("qq", "12345")
	p.SetField("comment", "friends")
	require.NoError(t, db.UpdateProfile(uid, p))
	return uid
}

// TestDetectsSharedLeetFlag submits one player's personalized flag from a
// different account and expects a police report naming the origin user.
func TestDetectsSharedLeetFlag(t *testing.T) {
	skEnc, _, err := token.GenKeys()
	require.NoError(t, err)

	db, err := store.Open(filepath.Join(t.TempDir(), "glitter.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	u1 := seedPlayer(t, db, "manual:u1")
	u2 := seedPlayer(t, db, "manual:u2")

	require.NoError(t, db.UpsertChallenge(&store.Challenge{
		Key:      "leak1",
		Title:    "Leak 1",
		Category: "misc",
		Flags: []store.FlagDef{
			{Type: "leet", Val: store.FlagVal{Str: "flag{LeakedSecretValue}"}, BaseScore: 500},
		},
	}))
	require.NoError(t, db.UpsertGamePolicy(&store.GamePolicy{
		EffectiveAfter: 0, CanViewProblem: true, CanSubmitFlag: true,
	}))

	addr := freeListenAddr(t)
	cfg := &config.Config{
		ActionAddr:      fmt.Sprintf("ws://%s/glitter/action", addr),
		EventAddr:       fmt.Sprintf("ws://%s/glitter/event", addr),
		TokenSigningKey: skEnc,
		StdoutLogLevel:  telemetry.ParseLevelSet(""),
	}
	rules := config.DefaultRules()

	r, err := logic.NewReducer(cfg, rules, db)
	require.NoError(t, err)
	w := logic.NewWorker("police", cfg, rules, db, true)

	var mu sync.Mutex
	var reports []string
	w.Logger.AddSink(telemetry.ParseLevelSet("success"), func(_ telemetry.Level, _, module, message string) {
		if module != "police.check_submission" {
			return
		}
		mu.Lock()
		reports = append(reports, message)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = r.Run(ctx) }()
	go func() { _ = w.Run(ctx) }()
	go func() { _ = Run(ctx, w) }()

	require.Eventually(t, func() bool {
		return w.WithGame(func(*game.Game) error { return nil }) == nil
	}, 20*time.Second, 100*time.Millisecond, "worker never synced with the reducer")

	// u2's personalized variant of the flag, submitted by u1
	u2Flag := game.LeetFlag("flag{LeakedSecretValue}", u2, rules.FlagLeetSalt)
	rep, err := w.PerformAction(&glitter.SubmitFlagReq{
		Client: "police", UID: u1, ChallengeKey: "leak1", Flag: u2Flag,
	})
	require.NoError(t, err)
	assert.Equal(t, "Flag错误", rep.ErrorMsg)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range reports {
			if strings.Contains(m, "matches 1 origin users") &&
				strings.Contains(m, fmt.Sprintf("(U#%d", u1)) &&
				strings.Contains(m, fmt.Sprintf("- U#%d", u2)) {
				return true
			}
		}
		return false
	}, 20*time.Second, 100*time.Millisecond, "no police report for the shared flag")
}
