package logic

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geekgame/glitter/internal/config"
	"github.com/geekgame/glitter/internal/glitter"
	"github.com/geekgame/glitter/internal/store"
	"github.com/geekgame/glitter/internal/telemetry"
	"github.com/geekgame/glitter/internal/token"
)

func newTestReducer(t *testing.T) (*Reducer, string) {
	t.Helper()

	skEnc, vkEnc, err := token.GenKeys()
	require.NoError(t, err)

	db, err := store.Open(filepath.Join(t.TempDir(), "glitter.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		TokenSigningKey: skEnc,
		StdoutLogLevel:  telemetry.ParseLevelSet(""),
	}
	r, err := NewReducer(cfg, config.DefaultRules(), db)
	require.NoError(t, err)
	return r, vkEnc
}

func initReducerGame(r *Reducer, tick int64) {
	r.mu.Lock()
	r.initGame(tick)
	r.gameDirty = false
	r.mu.Unlock()
}

// do runs one action handler the way the mainloop would.
func do(r *Reducer, req glitter.ActionReq) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dispatch(req)
}

// registerPlayer registers a user and brings them to a playable state:
// terms agreed, profile filled in out of band to skip the update cooldown.
func registerPlayer(t *testing.T, r *Reducer, loginKey string) int64 {
	t.Helper()

	require.Equal(t, "", do(r, &glitter.RegUserReq{
		Client:          "worker-1",
		LoginKey:        loginKey,
		LoginProperties: map[string]any{"type": "manual"},
		Group:           "other",
	}))

	r.mu.Lock()
	u := r.game.Users.UserByLoginKey[loginKey]
	r.mu.Unlock()
	require.NotNil(t, u)
	uid := u.Store.ID

	require.NoError(t, r.DB.SetTermsAgreed(uid))
	p := &store.UserProfile{UserID: uid}
	p.SetField("nickname", fmt.Sprintf("player%d", uid))
	p.SetField("qq", "12345")
	p.SetField("comment", "friends")
	require.NoError(t, r.DB.UpdateProfile(uid, p))

	r.mu.Lock()
	r.stateCounter++
	r.emitEvent(glitter.Event{Type: glitter.EventUpdateUser, StateCounter: r.stateCounter, Data: uid})
	r.mu.Unlock()
	return uid
}

func TestReducerWorkerHandshake(t *testing.T) {
	r, _ := newTestReducer(t)
	initReducerGame(r, 0)

	assert.Equal(t, "", do(r, &glitter.WorkerHelloReq{Client: "worker-1", ProtocolVer: glitter.ProtocolVer}))

	msg := do(r, &glitter.WorkerHelloReq{Client: "worker-1", ProtocolVer: "glitter.ws.v0"})
	assert.Contains(t, msg, "protocol version mismatch")

	assert.Equal(t, "", do(r, &glitter.WorkerHeartbeatReq{
		Client:    "worker-1",
		Telemetry: map[string]any{"state_counter": int64(1), "game_available": true},
	}))
	r.telMu.Lock()
	_, ok := r.receivedTelemetries["worker-1"]
	r.telMu.Unlock()
	assert.True(t, ok)
}

func TestReducerRegUser(t *testing.T) {
	r, vkEnc := newTestReducer(t)
	initReducerGame(r, 0)

	before := r.StateCounter()
	require.Equal(t, "", do(r, &glitter.RegUserReq{
		Client:          "worker-1",
		LoginKey:        "manual:alice",
		LoginProperties: map[string]any{"type": "manual"},
		Group:           "other",
	}))
	assert.Equal(t, before+1, r.StateCounter())

	r.mu.Lock()
	u := r.game.Users.UserByLoginKey["manual:alice"]
	r.mu.Unlock()
	require.NotNil(t, u)
	uid := u.Store.ID
	assert.Equal(t, "other", u.Store.Group)
	assert.False(t, u.Store.TermsAgreed)
	require.NotNil(t, u.Store.Profile, "registration creates an empty profile")

	vk, err := token.LoadVerifyKey(vkEnc)
	require.NoError(t, err)
	tokUID, ok := token.Verify(vk, u.Store.Token.String)
	require.True(t, ok)
	assert.Equal(t, uid, tokUID)

	prefix := fmt.Sprintf("%d_", uid)
	assert.True(t, strings.HasPrefix(u.Store.AuthToken.String, prefix))
	assert.Len(t, u.Store.AuthToken.String, len(prefix)+48)

	assert.Equal(t, "user already exists", do(r, &glitter.RegUserReq{
		Client:          "worker-1",
		LoginKey:        "manual:alice",
		LoginProperties: map[string]any{"type": "manual"},
		Group:           "other",
	}))
	assert.Equal(t, before+1, r.StateCounter())
}

func TestReducerUpdateProfile(t *testing.T) {
	r, _ := newTestReducer(t)
	initReducerGame(r, 0)

	assert.Equal(t, "user not found", do(r, &glitter.UpdateProfileReq{
		Client: "worker-1", UID: 99, Profile: map[string]string{"nickname": "x"},
	}))

	require.Equal(t, "", do(r, &glitter.RegUserReq{
		Client:          "worker-1",
		LoginKey:        "manual:bob",
		LoginProperties: map[string]any{"type": "manual"},
		Group:           "other",
	}))
	r.mu.Lock()
	uid := r.game.Users.UserByLoginKey["manual:bob"].Store.ID
	r.mu.Unlock()

	// the empty profile row created at registration starts the cooldown
	assert.Equal(t, "请求太频繁", do(r, &glitter.UpdateProfileReq{
		Client: "worker-1", UID: uid,
		Profile: map[string]string{"nickname": "bob", "qq": "12345", "comment": "hi"},
	}))
}

func TestReducerAgreeTerm(t *testing.T) {
	r, _ := newTestReducer(t)
	initReducerGame(r, 0)

	assert.Equal(t, "user not found", do(r, &glitter.AgreeTermReq{Client: "worker-1", UID: 99}))

	require.Equal(t, "", do(r, &glitter.RegUserReq{
		Client:          "worker-1",
		LoginKey:        "manual:carl",
		LoginProperties: map[string]any{"type": "manual"},
		Group:           "other",
	}))
	r.mu.Lock()
	uid := r.game.Users.UserByLoginKey["manual:carl"].Store.ID
	r.mu.Unlock()

	require.Equal(t, "", do(r, &glitter.AgreeTermReq{Client: "worker-1", UID: uid}))

	r.mu.Lock()
	agreed := r.game.Users.UserByID[uid].Store.TermsAgreed
	r.mu.Unlock()
	assert.True(t, agreed)
}

func TestReducerSubmitFlag(t *testing.T) {
	r, _ := newTestReducer(t)
	require.NoError(t, r.DB.UpsertChallenge(&store.Challenge{
		Key:      "web1",
		Title:    "Web 1",
		Category: "web",
		Flags: []store.FlagDef{
			{Type: "static", Val: store.FlagVal{Str: "flag{x}"}, BaseScore: 500},
		},
	}))
	require.NoError(t, r.DB.UpsertGamePolicy(&store.GamePolicy{
		EffectiveAfter: 0, CanViewProblem: true, CanSubmitFlag: true,
	}))
	initReducerGame(r, 0)

	u1 := registerPlayer(t, r, "manual:u1")
	u2 := registerPlayer(t, r, "manual:u2")

	assert.Equal(t, "challenge not found", do(r, &glitter.SubmitFlagReq{
		Client: "worker-1", UID: u1, ChallengeKey: "nope", Flag: "flag{x}",
	}))
	assert.Equal(t, "Flag格式错误", do(r, &glitter.SubmitFlagReq{
		Client: "worker-1", UID: u1, ChallengeKey: "web1", Flag: "hello",
	}))

	before := r.StateCounter()
	assert.Equal(t, "Flag错误", do(r, &glitter.SubmitFlagReq{
		Client: "worker-1", UID: u1, ChallengeKey: "web1", Flag: "flag{nope}",
	}))
	assert.Equal(t, before+1, r.StateCounter(), "wrong flags are still recorded")

	msg := do(r, &glitter.SubmitFlagReq{
		Client: "worker-1", UID: u1, ChallengeKey: "web1", Flag: "flag{x}",
	})
	assert.Contains(t, msg, "提交太频繁")

	require.Equal(t, "", do(r, &glitter.SubmitFlagReq{
		Client: "worker-1", UID: u2, ChallengeKey: "web1", Flag: "flag{x}",
	}))

	r.mu.Lock()
	score := r.game.Users.UserByID[u2].TotScore
	nCorr := r.game.NCorrSubmission
	r.mu.Unlock()
	assert.Equal(t, int64(500), score)
	assert.Equal(t, int64(1), nCorr)
}

func TestReducerSubmitFlagGuards(t *testing.T) {
	r, _ := newTestReducer(t)
	initReducerGame(r, 0)

	// registered but terms not agreed
	require.Equal(t, "", do(r, &glitter.RegUserReq{
		Client:          "worker-1",
		LoginKey:        "manual:fresh",
		LoginProperties: map[string]any{"type": "manual"},
		Group:           "other",
	}))
	r.mu.Lock()
	fresh := r.game.Users.UserByLoginKey["manual:fresh"].Store.ID
	r.mu.Unlock()
	assert.Equal(t, "请阅读参赛须知", do(r, &glitter.SubmitFlagReq{
		Client: "worker-1", UID: fresh, ChallengeKey: "web1", Flag: "flag{x}",
	}))

	// no policy configured: the fallback forbids submissions
	uid := registerPlayer(t, r, "manual:u1")
	assert.Equal(t, "现在不允许提交Flag", do(r, &glitter.SubmitFlagReq{
		Client: "worker-1", UID: uid, ChallengeKey: "web1", Flag: "flag{x}",
	}))
}

func TestReducerSubmitFeedback(t *testing.T) {
	r, _ := newTestReducer(t)
	initReducerGame(r, 0)

	u1 := registerPlayer(t, r, "manual:u1")
	u2 := registerPlayer(t, r, "manual:u2")

	require.Equal(t, "", do(r, &glitter.SubmitFeedbackReq{
		Client: "worker-1", UID: u1, ChallengeKey: "web1", Feedback: "nice challenge",
	}))
	assert.Equal(t, "请求太频繁", do(r, &glitter.SubmitFeedbackReq{
		Client: "worker-1", UID: u1, ChallengeKey: "web1", Feedback: "again",
	}))

	assert.Equal(t, "反馈内容过长", do(r, &glitter.SubmitFeedbackReq{
		Client: "worker-1", UID: u2, ChallengeKey: "web1",
		Feedback: strings.Repeat("a", store.MaxFeedbackLen+1),
	}))
}

func TestReducerOperatorEmits(t *testing.T) {
	r, _ := newTestReducer(t)
	initReducerGame(r, 0)

	r.mu.Lock()
	canSubmit := r.game.Policy.Cur.CanSubmitFlag
	r.mu.Unlock()
	assert.False(t, canSubmit)

	require.NoError(t, r.DB.UpsertGamePolicy(&store.GamePolicy{
		EffectiveAfter: 0, CanViewProblem: true, CanSubmitFlag: true,
	}))
	before := r.StateCounter()
	r.EmitReloadGamePolicy()
	assert.Equal(t, before+1, r.StateCounter())

	r.mu.Lock()
	canSubmit = r.game.Policy.Cur.CanSubmitFlag
	r.mu.Unlock()
	assert.True(t, canSubmit)

	a := &store.Announcement{TimestampS: 100, Title: "Welcome", ContentTemplate: "hi"}
	require.NoError(t, r.DB.InsertAnnouncement(a))
	r.EmitUpdateAnnouncement(a.ID)

	r.mu.Lock()
	nAnnouncements := len(r.game.Announcements.List)
	r.mu.Unlock()
	assert.Equal(t, 1, nAnnouncements)
}
