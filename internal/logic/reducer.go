package logic

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/geekgame/glitter/internal/config"
	"github.com/geekgame/glitter/internal/game"
	"github.com/geekgame/glitter/internal/glitter"
	"github.com/geekgame/glitter/internal/health"
	"github.com/geekgame/glitter/internal/store"
	"github.com/geekgame/glitter/internal/telemetry"
	"github.com/geekgame/glitter/internal/token"
)

const (
	syncThrottle = time.Second
	syncInterval = 3 * time.Second

	healthCheckInterval = time.Minute
	heartbeatStale      = time.Minute

	// Sleeps in the tick daemon are capped so that a "never" expiry does
	// not overflow a Duration.
	maxTickSleep = 24 * time.Hour

	replyInternalError = "内部错误，已记录日志"
)

type telemetryRecord struct {
	receivedAt time.Time
	data       map[string]any
}

// Reducer is the single writer. It owns the store, serializes every mutation
// behind the action channel and broadcasts the resulting events.
type Reducer struct {
	*Container

	srv        *glitter.Server
	signingKey ed25519.PrivateKey

	telMu               sync.Mutex
	receivedTelemetries map[string]telemetryRecord

	lastEmitSync time.Time

	// Poked when triggers are reloaded: the next tick boundary may have moved.
	tickReload chan struct{}
}

func NewReducer(cfg *config.Config, rules *config.Rules, db *store.Store) (*Reducer, error) {
	sk, err := token.LoadSigningKey(cfg.TokenSigningKey)
	if err != nil {
		return nil, fmt.Errorf("load token signing key: %w", err)
	}

	c := NewContainer("reducer", cfg, rules, db, false, false)
	r := &Reducer{
		Container:           c,
		signingKey:          sk,
		receivedTelemetries: map[string]telemetryRecord{},
		tickReload:          make(chan struct{}, 1),
	}
	r.srv = glitter.NewServer(cfg.GlitterSecret, func(format string, args ...any) {
		c.Log(telemetry.LevelWarning, "reducer.glitter", format, args...)
	})
	return r, nil
}

func (r *Reducer) Run(ctx context.Context) error {
	r.mu.Lock()
	r.Log(telemetry.LevelInfo, "reducer.before_run", "started to initialize game")
	r.initGame(0)
	r.updateTick(time.Now().Unix())
	r.gameDirty = false
	r.mu.Unlock()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return r.srv.Serve(ctx, r.Cfg.ActionAddr, r.Cfg.EventAddr) })
	eg.Go(func() error { return r.mainloop(ctx) })
	eg.Go(func() error { return r.tickUpdaterDaemon(ctx) })
	eg.Go(func() error { return r.healthCheckDaemon(ctx) })
	return eg.Wait()
}

func (r *Reducer) mainloop(ctx context.Context) error {
	r.Log(telemetry.LevelSuccess, "reducer.mainloop", "started to receive actions")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a := <-r.srv.Actions:
			r.handleIncoming(a)
		case <-time.After(syncInterval):
			r.mu.Lock()
			r.emitSync()
			r.mu.Unlock()
		}
	}
}

func (r *Reducer) handleIncoming(a *glitter.IncomingAction) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch req := a.Req.(type) {
	case *glitter.WorkerHelloReq:
		r.Log(telemetry.LevelDebug, "reducer.mainloop", "got worker hello from %s", req.Client)
	case *glitter.WorkerHeartbeatReq:
		// too chatty to log
	default:
		r.Log(telemetry.LevelInfo, "reducer.mainloop", "got action %s from %s", a.Req.Type(), a.Req.ClientName())
	}

	oldCounter := r.stateCounter
	t1 := time.Now()
	errMsg := r.dispatch(a.Req)
	if d := time.Since(t1); d > slowThreshold {
		r.Log(telemetry.LevelWarning, "reducer.handle_action",
			"took %.2fs to handle action %s", d.Seconds(), a.Req.Type())
	}
	telemetry.Metrics.ActionsHandled.Inc()
	telemetry.Metrics.ActionLatency.Record(time.Since(t1))

	if errMsg != "" {
		telemetry.Metrics.ActionErrors.Inc()
		if _, isSubmit := a.Req.(*glitter.SubmitFlagReq); !isSubmit {
			r.Log(telemetry.LevelWarning, "reducer.handle_action",
				"error for action %s: %s", a.Req.Type(), errMsg)
		}
	}

	if delta := r.stateCounter - oldCounter; delta != 0 {
		r.Log(telemetry.LevelDebug, "reducer.mainloop",
			"state counter %d -> %d", oldCounter, r.stateCounter)
		if delta != 1 {
			r.Log(telemetry.LevelCritical, "reducer.mainloop",
				"action %s advanced state counter by %d", a.Req.Type(), delta)
		}
	}

	a.Reply <- glitter.ActionRep{ErrorMsg: errMsg, StateCounter: r.stateCounter}

	if _, isHeartbeat := a.Req.(*glitter.WorkerHeartbeatReq); !isHeartbeat {
		r.emitSync()
	}
}

// dispatch runs one action handler. Panics are reported to the caller as an
// internal error instead of taking the reducer down.
func (r *Reducer) dispatch(req glitter.ActionReq) (errMsg string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.Log(telemetry.LevelCritical, "reducer.handle_action",
				"exception, will report as internal error: %v\n%s", rec, debug.Stack())
			errMsg = replyInternalError
		}
	}()

	switch req := req.(type) {
	case *glitter.WorkerHelloReq:
		return r.onWorkerHello(req)
	case *glitter.WorkerHeartbeatReq:
		return r.onWorkerHeartbeat(req)
	case *glitter.RegUserReq:
		return r.onRegUser(req)
	case *glitter.UpdateProfileReq:
		return r.onUpdateProfile(req)
	case *glitter.AgreeTermReq:
		return r.onAgreeTerm(req)
	case *glitter.SubmitFlagReq:
		return r.onSubmitFlag(req)
	case *glitter.SubmitFeedbackReq:
		return r.onSubmitFeedback(req)
	default:
		return fmt.Sprintf("unknown action: %s", req.Type())
	}
}

func (r *Reducer) internalError(module string, err error) string {
	r.Log(telemetry.LevelCritical, module, "exception, will report as internal error: %v", err)
	return replyInternalError
}

func (r *Reducer) onWorkerHello(req *glitter.WorkerHelloReq) string {
	if req.ProtocolVer != glitter.ProtocolVer {
		return fmt.Sprintf("protocol version mismatch: worker %s, reducer %s",
			req.ProtocolVer, glitter.ProtocolVer)
	}
	r.emitSync()
	return ""
}

func (r *Reducer) onWorkerHeartbeat(req *glitter.WorkerHeartbeatReq) string {
	r.telMu.Lock()
	r.receivedTelemetries[req.Client] = telemetryRecord{receivedAt: time.Now(), data: req.Telemetry}
	r.telMu.Unlock()
	return ""
}

func (r *Reducer) onRegUser(req *glitter.RegUserReq) string {
	if _, exists := r.game.Users.UserByLoginKey[req.LoginKey]; exists {
		return "user already exists"
	}

	uid, err := r.DB.RegisterUser(req.LoginKey, store.LoginProperties(req.LoginProperties), req.Group,
		func(uid int64) (string, string) {
			return token.Sign(r.signingKey, uid), fmt.Sprintf("%d_%s", uid, genRandomStr(48))
		})
	if err != nil {
		return r.internalError("reducer.reg_user", err)
	}
	r.stateCounter++

	r.emitEvent(glitter.Event{Type: glitter.EventUpdateUser, StateCounter: r.stateCounter, Data: uid})
	return ""
}

func (r *Reducer) onUpdateProfile(req *glitter.UpdateProfileReq) string {
	u := r.game.Users.UserByID[req.UID]
	if u == nil {
		return "user not found"
	}

	if old := u.Store.Profile; old != nil {
		elapsed := float64(time.Now().UnixMilli()-old.TimestampMS) / 1000
		if elapsed < store.ProfileUpdateCooldownS-1 {
			return "请求太频繁"
		}
	}

	allowed := r.Rules.ProfileForGroup[u.Store.Group]
	profile := &store.UserProfile{UserID: req.UID}
	for k, v := range req.Profile {
		for _, f := range allowed {
			if f == k {
				profile.SetField(k, v)
				break
			}
		}
	}
	if msg := profile.Check(allowed); msg != "" {
		return msg
	}

	if err := r.DB.UpdateProfile(req.UID, profile); err != nil {
		return r.internalError("reducer.update_profile", err)
	}
	r.stateCounter++

	r.emitEvent(glitter.Event{Type: glitter.EventUpdateUser, StateCounter: r.stateCounter, Data: req.UID})
	return ""
}

func (r *Reducer) onAgreeTerm(req *glitter.AgreeTermReq) string {
	if r.game.Users.UserByID[req.UID] == nil {
		return "user not found"
	}

	if err := r.DB.SetTermsAgreed(req.UID); err != nil {
		return r.internalError("reducer.agree_term", err)
	}
	r.stateCounter++

	r.emitEvent(glitter.Event{Type: glitter.EventUpdateUser, StateCounter: r.stateCounter, Data: req.UID})
	return ""
}

func (r *Reducer) onSubmitFlag(req *glitter.SubmitFlagReq) string {
	u := r.game.Users.UserByID[req.UID]
	if u == nil {
		return "user not found"
	}
	if msg := u.CheckPlayGame(); msg != "" {
		return msg
	}

	policy := r.game.Policy.Cur
	if !policy.CanSubmitFlag {
		return "现在不允许提交Flag"
	}

	if last := u.LastSubmission(); last != nil {
		delta := float64(time.Now().UnixMilli()-last.Store.TimestampMS) / 1000
		if delta < store.SubmitCooldownS {
			return fmt.Sprintf("提交太频繁，请等待 %.1f 秒", store.SubmitCooldownS-delta)
		}
	}

	ch := r.game.Challenges.ChallByKey[req.ChallengeKey]
	if ch == nil || !ch.CurEffective {
		return "challenge not found"
	}

	if msg := store.CheckFlagFormat(req.Flag); msg != "" {
		return msg
	}

	sub := &store.Submission{
		UserID:       req.UID,
		ChallengeKey: ch.Store.Key,
		Flag:         req.Flag,
	}
	if policy.IsSubmissionDeducted && ch.Store.Metadata.DeductionEligible() {
		sub.PercentageOverride = sql.NullInt64{Int64: r.Rules.DeductionPercentage, Valid: true}
	}

	if err := r.DB.InsertSubmission(sub); err != nil {
		return r.internalError("reducer.submit_flag", err)
	}
	r.stateCounter++

	r.emitEvent(glitter.Event{Type: glitter.EventNewSubmission, StateCounter: r.stateCounter, Data: sub.ID})

	gs := r.game.Submissions[sub.ID]
	if gs == nil {
		return r.internalError("reducer.submit_flag", fmt.Errorf("submission #%d not in game", sub.ID))
	}
	if gs.DuplicateSubmission {
		return "已经提交过此Flag"
	}
	if gs.MatchedFlag == nil {
		return "Flag错误"
	}
	return ""
}

func (r *Reducer) onSubmitFeedback(req *glitter.SubmitFeedbackReq) string {
	u := r.game.Users.UserByID[req.UID]
	if u == nil {
		return "user not found"
	}

	now := time.Now().UnixMilli()
	if last := u.Store.LastFeedbackMS; last.Valid {
		if float64(now-last.Int64)/1000 < store.FeedbackSubmitCooldownS {
			return "请求太频繁"
		}
	}
	if len(req.Feedback) > store.MaxFeedbackLen {
		return "反馈内容过长"
	}

	if err := r.DB.InsertFeedback(&store.Feedback{
		UserID:       req.UID,
		ChallengeKey: req.ChallengeKey,
		Content:      req.Feedback,
	}); err != nil {
		return r.internalError("reducer.submit_feedback", err)
	}
	if err := r.DB.SetLastFeedbackMS(req.UID, now); err != nil {
		return r.internalError("reducer.submit_feedback", err)
	}
	r.stateCounter++

	r.emitEvent(glitter.Event{Type: glitter.EventUpdateUser, StateCounter: r.stateCounter, Data: req.UID})
	return ""
}

// emitEvent applies an event to the reducer's own projection, then
// broadcasts it. Caller must hold r.mu.
func (r *Reducer) emitEvent(e glitter.Event) {
	r.Log(telemetry.LevelInfo, "reducer.emit_event", "emit event %s", e.Type)
	r.processEvent(e)

	if e.Type == glitter.EventReloadTrigger {
		select {
		case r.tickReload <- struct{}{}:
		default:
		}
	}

	r.Logger.LogSlow("reducer.emit_event", fmt.Sprintf("emit event %s", e.Type),
		slowThreshold, func() { r.srv.Publish(e) })
}

// emitSync broadcasts the current counter and tick, throttled. Caller must
// hold r.mu.
func (r *Reducer) emitSync() {
	if time.Since(r.lastEmitSync) <= syncThrottle {
		return
	}
	r.lastEmitSync = time.Now()

	r.srv.Publish(glitter.Event{
		Type:         glitter.EventSync,
		StateCounter: r.stateCounter,
		Data:         r.game.CurTick,
	})
}

// updateTick recomputes the tick from wall clock time, emitting a TICK_UPDATE
// when it changed, and returns when the current tick expires. The projection
// tick itself is only advanced by the event, so workers see the exact same
// transition. Caller must hold r.mu.
func (r *Reducer) updateTick(ts int64) (expires int64) {
	oldTick := r.game.CurTick
	newTick, expires := r.game.Trigger.TickAtTime(ts)

	if newTick != oldTick {
		r.Log(telemetry.LevelInfo, "reducer.update_tick", "set tick %d -> %d", oldTick, newTick)
		r.stateCounter++
		r.emitEvent(glitter.Event{Type: glitter.EventTickUpdate, StateCounter: r.stateCounter, Data: newTick})
	}
	return expires
}

func (r *Reducer) tickUpdaterDaemon(ctx context.Context) error {
	ts := time.Now().Unix()
	for {
		r.mu.Lock()
		expires := r.updateTick(ts)
		r.mu.Unlock()

		if expires == game.TSInfS {
			r.Log(telemetry.LevelDebug, "reducer.tick_updater_daemon", "next tick in +INF seconds")
		} else {
			r.Log(telemetry.LevelDebug, "reducer.tick_updater_daemon", "next tick in %d seconds", expires-ts)
		}

		sleep := time.Duration(expires-ts)*time.Second + 200*time.Millisecond
		capped := expires == game.TSInfS || sleep > maxTickSleep
		if capped {
			sleep = maxTickSleep
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.tickReload:
			ts = time.Now().Unix()
		case <-time.After(sleep):
			if capped {
				ts = time.Now().Unix()
			} else {
				ts = expires
			}
		}
	}
}

func (r *Reducer) healthCheckDaemon(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthCheckInterval):
		}

		var wsOnlineUIDs, wsOnlineClients int64

		r.telMu.Lock()
		for client, rec := range r.receivedTelemetries {
			if stale := time.Since(rec.receivedAt); stale > heartbeatStale {
				r.Log(telemetry.LevelError, "reducer.health_check_daemon",
					"client %s not responding in %.1fs", client, stale.Seconds())
			}
			if avail, ok := rec.data["game_available"].(bool); ok && !avail {
				r.Log(telemetry.LevelError, "reducer.health_check_daemon",
					"client %s game not available", client)
			}
			wsOnlineUIDs += telemetryInt(rec.data["ws_online_uids"])
			wsOnlineClients += telemetryInt(rec.data["ws_online_clients"])
		}
		r.telMu.Unlock()

		st, err := health.Collect()
		if err != nil {
			r.Log(telemetry.LevelWarning, "reducer.health_check_daemon", "cannot read system status: %v", err)
			continue
		}

		if st.Load5 > float64(st.NCPU)*2/3 {
			r.Log(telemetry.LevelError, "reducer.health_check_daemon",
				"system load too high: %.2f %.2f %.2f", st.Load1, st.Load5, st.Load15)
		}
		if float64(st.RAMFree)/float64(st.RAMTotal) < 0.2 {
			r.Log(telemetry.LevelError, "reducer.health_check_daemon",
				"free ram too low: %s out of %s", humanize.IBytes(st.RAMFree), humanize.IBytes(st.RAMTotal))
		}
		if float64(st.DiskFree)/float64(st.DiskTotal) < 0.1 {
			r.Log(telemetry.LevelError, "reducer.health_check_daemon",
				"free space too low: %s out of %s", humanize.IBytes(st.DiskFree), humanize.IBytes(st.DiskTotal))
		}

		if r.Cfg.AnticheatReceiverEnabled {
			r.appendSysLog(st, wsOnlineUIDs, wsOnlineClients)
		}
	}
}

// appendSysLog writes one JSON line of host and contest figures for the
// offline anticheat pipeline.
func (r *Reducer) appendSysLog(st *health.Status, wsOnlineUIDs, wsOnlineClients int64) {
	r.mu.Lock()
	nUser := len(r.game.Users.List)
	nSubmission := len(r.game.Submissions)
	nCorr := r.game.NCorrSubmission
	r.mu.Unlock()

	line, err := json.Marshal([]any{
		float64(time.Now().UnixMilli()) / 1000,
		map[string]any{
			"load":              []float64{st.Load1, st.Load5, st.Load15},
			"ram":               []float64{health.GiB(st.RAMUsed), health.GiB(st.RAMFree)},
			"n_user":            nUser,
			"n_online_uid":      wsOnlineUIDs,
			"n_online_client":   wsOnlineClients,
			"n_submission":      nSubmission,
			"n_corr_submission": nCorr,
		},
	})
	if err != nil {
		return
	}

	f, err := os.OpenFile(r.Cfg.AnticheatLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		r.Log(telemetry.LevelWarning, "reducer.health_check_daemon", "cannot open sys log: %v", err)
		return
	}
	defer f.Close()
	f.Write(append(line, '\n'))
}

func telemetryInt(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

// Operator entry points. The admin tooling edits the store out of band and
// calls these to make the change visible to every process.

func (r *Reducer) EmitReloadGamePolicy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateCounter++
	r.emitEvent(glitter.Event{Type: glitter.EventReloadGamePolicy, StateCounter: r.stateCounter})
}

func (r *Reducer) EmitReloadTrigger() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateCounter++
	r.emitEvent(glitter.Event{Type: glitter.EventReloadTrigger, StateCounter: r.stateCounter})
}

func (r *Reducer) EmitUpdateChallenge(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateCounter++
	r.emitEvent(glitter.Event{Type: glitter.EventUpdateChallenge, StateCounter: r.stateCounter, Data: id})
}

func (r *Reducer) EmitUpdateAnnouncement(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateCounter++
	r.emitEvent(glitter.Event{Type: glitter.EventUpdateAnnouncement, StateCounter: r.stateCounter, Data: id})
}

func (r *Reducer) EmitUpdateSubmission(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateCounter++
	r.emitEvent(glitter.Event{Type: glitter.EventUpdateSubmission, StateCounter: r.stateCounter, Data: id})
}

const randomStrAlphabet = "qwertyuiopasdfghjkzxcvbnmQWERTYUPASDFGHJKLZXCVBNM23456789"

func genRandomStr(length int) string {
	out := make([]byte, length)
	mod := big.NewInt(int64(len(randomStrAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, mod)
		if err != nil {
			panic(err)
		}
		out[i] = randomStrAlphabet[n.Int64()]
	}
	return string(out)
}
