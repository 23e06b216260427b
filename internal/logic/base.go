// Package logic hosts the two process roles: the reducer, which owns every
// mutation and the event stream, and workers, which replay that stream into
// read-only projections.
package logic

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/geekgame/glitter/internal/bus"
	"github.com/geekgame/glitter/internal/config"
	"github.com/geekgame/glitter/internal/game"
	"github.com/geekgame/glitter/internal/glitter"
	"github.com/geekgame/glitter/internal/push"
	"github.com/geekgame/glitter/internal/store"
	"github.com/geekgame/glitter/internal/telemetry"
)

const (
	recoverThrottle          = 3 * time.Second
	reloadScoreboardDebounce = time.Second
	slowThreshold            = 100 * time.Millisecond
)

// Container is the state shared by reducer and worker: the projection, the
// stores behind it, the counter, and log/push routing. All access to the
// projection goes through the container's lock.
type Container struct {
	ProcessName string

	Cfg    *config.Config
	Rules  *config.Rules
	DB     *store.Store
	Logger *telemetry.Logger
	Pusher *push.Pusher // nil when no webhook is configured

	Bus                    *bus.Ring
	listeningLocalMessages bool
	useBoards              bool

	mu               sync.Mutex
	game             *game.Game
	gameDirty        bool
	submissionStores map[int64]*store.Submission
	stateCounter     int64
	counterCond      *sync.Cond

	reloadTimerMu sync.Mutex
	reloadTimer   *time.Timer

	customTelemetry map[string]any
}

func NewContainer(processName string, cfg *config.Config, rules *config.Rules, db *store.Store, receivingMessages, useBoards bool) *Container {
	c := &Container{
		ProcessName: processName,
		Cfg:         cfg,
		Rules:       rules,
		DB:          db,
		Logger:      telemetry.NewLogger(processName, cfg.StdoutLogLevel),

		Bus:                    bus.NewRing(),
		listeningLocalMessages: receivingMessages,
		useBoards:              useBoards,

		gameDirty:       true,
		stateCounter:    1,
		customTelemetry: map[string]any{},
	}
	c.counterCond = sync.NewCond(&c.mu)

	c.Logger.AddSink(cfg.DBLogLevel, func(level telemetry.Level, process, module, message string) {
		db.AppendLog(string(level), process, module, message)
	})

	if cfg.PushWebhookURL != "" {
		c.Pusher = push.NewPusher(cfg.PushWebhookURL)
		c.Logger.AddSink(cfg.PushLogLevel, func(level telemetry.Level, _, module, message string) {
			go c.Pusher.PushMessage(fmt.Sprintf("[%s %s]\n%s", level, module, message), "log-"+string(level))
		})
	}

	c.Log(telemetry.LevelDebug, "base.init", "%s started", processName)
	return c
}

func (c *Container) Log(level telemetry.Level, module, format string, args ...any) {
	c.Logger.Log(level, module, format, args...)
}

// EmitLocalMessage hands a push-worthy moment to in-process consumers
// (player push hub, police). No-op unless this process opted in.
func (c *Container) EmitLocalMessage(m bus.Message) {
	if !c.listeningLocalMessages {
		return
	}
	if m.Type != "heartbeat_sent" {
		c.Log(telemetry.LevelDebug, "base.emit_local_message", "emit message %s", m.Type)
	}
	c.Bus.Emit(m)
}

// WithGame runs fn with the projection under the container lock. Returns an
// error while the projection is dirty (mid-recovery).
func (c *Container) WithGame(fn func(g *game.Game) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gameDirty || c.game == nil {
		return fmt.Errorf("game state not available")
	}
	return fn(c.game)
}

func (c *Container) StateCounter() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateCounter
}

// initGame (re)builds the whole projection from the store, retrying until
// it succeeds. Caller must hold c.mu.
func (c *Container) initGame(tick int64) {
	for {
		if err := c.tryInitGame(tick); err != nil {
			c.Log(telemetry.LevelError, "base.init_game",
				"exception during initialization, will try again: %v", err)
			time.Sleep(recoverThrottle)
			continue
		}
		return
	}
}

func (c *Container) tryInitGame(tick int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	policies, err := c.DB.LoadGamePolicies()
	if err != nil {
		return err
	}
	triggers, err := c.DB.LoadTriggers()
	if err != nil {
		return err
	}
	challenges, err := c.DB.LoadChallenges()
	if err != nil {
		return err
	}
	announcements, err := c.DB.LoadAnnouncements()
	if err != nil {
		return err
	}
	users, err := c.DB.LoadUsers()
	if err != nil {
		return err
	}

	c.game = game.New(c, c.Rules, tick, game.Stores{
		Triggers:      triggers,
		Policies:      policies,
		Announcements: announcements,
		Challenges:    challenges,
		Users:         users,
	}, c.useBoards)
	c.game.OnTickChange()

	subs, err := c.DB.LoadSubmissions()
	if err != nil {
		return err
	}
	c.submissionStores = make(map[int64]*store.Submission, len(subs))
	for _, s := range subs {
		c.submissionStores[s.ID] = s
	}

	c.reloadScoreboardIfNeeded()
	return nil
}

// reloadScoreboardIfNeeded replays every stored submission through a fresh
// scoreboard. Caller must hold c.mu.
func (c *Container) reloadScoreboardIfNeeded() {
	if !c.game.NeedReloadingScoreboard {
		return
	}
	c.game.NeedReloadingScoreboard = false

	c.Logger.LogSlow("base.reload_scoreboard_if_needed", "reload scoreboard", slowThreshold, func() {
		c.game.OnScoreboardReset()

		for _, id := range sortedSubIDs(c.submissionStores) {
			sub := game.NewSubmission(c.game, c.submissionStores[id])
			c.game.OnScoreboardUpdate(sub, true)
		}
		c.game.OnScoreboardBatchUpdateDone()
	})
	telemetry.Metrics.ScoreboardReloads.Inc()
}

func sortedSubIDs(m map[int64]*store.Submission) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ { // insertion sort keeps replay ordered by id
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// reloadScoreboardLater debounces expensive reloads while a burst of
// invalidating events is still arriving.
func (c *Container) reloadScoreboardLater() {
	if !c.game.NeedReloadingScoreboard {
		return
	}

	c.reloadTimerMu.Lock()
	defer c.reloadTimerMu.Unlock()
	if c.reloadTimer != nil {
		return
	}
	c.reloadTimer = time.AfterFunc(reloadScoreboardDebounce, func() {
		c.mu.Lock()
		if !c.gameDirty && c.game != nil {
			c.reloadScoreboardIfNeeded()
		}
		c.mu.Unlock()

		c.reloadTimerMu.Lock()
		c.reloadTimer = nil
		c.reloadTimerMu.Unlock()
	})
}

// processEvent applies one event to the projection. A panic in a handler
// marks the projection dirty and rebuilds it from the store. Caller must
// hold c.mu.
func (c *Container) processEvent(e glitter.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.Log(telemetry.LevelCritical, "base.process_event",
				"exception during event listener, will recover: %v\n%s", r, debug.Stack())
			c.gameDirty = true
			c.initGame(c.game.CurTick)
			c.gameDirty = false
			time.Sleep(recoverThrottle)
		}
	}()

	t1 := time.Now()
	c.applyEvent(e)
	if d := time.Since(t1); d > slowThreshold {
		c.Log(telemetry.LevelWarning, "base.process_event",
			"took %.2fs to handle event %s", d.Seconds(), e.Type)
	}
	telemetry.Metrics.EventsApplied.Inc()
	telemetry.Metrics.EventLatency.Record(time.Since(t1))

	c.reloadScoreboardLater()
}

func (c *Container) applyEvent(e glitter.Event) {
	switch e.Type {
	case glitter.EventSync:
		if c.game.CurTick != e.Data {
			c.Log(telemetry.LevelError, "base.on_sync",
				"tick is inconsistent: ours %d, synced %d", c.game.CurTick, e.Data)
			c.game.CurTick = e.Data
			c.game.OnTickChange()
		}

	case glitter.EventReloadGamePolicy:
		policies := mustLoad(c.DB.LoadGamePolicies())
		c.game.Policy.OnStoreReload(policies)

	case glitter.EventReloadTrigger:
		triggers := mustLoad(c.DB.LoadTriggers())
		c.game.Trigger.OnStoreReload(triggers)

	case glitter.EventUpdateAnnouncement:
		c.game.Announcements.OnStoreUpdate(e.Data, mustLoad(c.DB.LoadOneAnnouncement(e.Data)))

	case glitter.EventUpdateChallenge:
		c.game.Challenges.OnStoreUpdate(e.Data, mustLoad(c.DB.LoadOneChallenge(e.Data)))

	case glitter.EventUpdateUser:
		c.game.Users.OnStoreUpdate(e.Data, mustLoad(c.DB.LoadOneUser(e.Data)))

	case glitter.EventNewSubmission:
		subStore := mustLoad(c.DB.LoadOneSubmission(e.Data))
		if subStore == nil {
			panic("submission not found")
		}
		c.submissionStores[e.Data] = subStore

		sub := game.NewSubmission(c.game, subStore)
		c.game.OnScoreboardUpdate(sub, false)

		c.EmitLocalMessage(bus.Message{Type: "new_submission", Submission: sub})

	case glitter.EventUpdateSubmission:
		subStore := mustLoad(c.DB.LoadOneSubmission(e.Data))
		if subStore == nil { // removed, unlikely but possible
			delete(c.submissionStores, e.Data)
		} else {
			c.submissionStores[e.Data] = subStore
		}
		c.game.NeedReloadingScoreboard = true

	case glitter.EventTickUpdate:
		if c.game.CurTick != e.Data {
			c.game.CurTick = e.Data
			c.game.OnTickChange()

			if trg := c.game.Trigger.ByTick(e.Data); trg != nil {
				c.EmitLocalMessage(bus.Message{
					Type:    "tick_update",
					Payload: trg.Name,
				})
			}
		}

	default:
		c.Log(telemetry.LevelWarning, "base.process_event", "unknown event: %s", e.Type)
	}
}

func mustLoad[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

// CollectTelemetry snapshots the numbers a worker heartbeats to the reducer.
func (c *Container) CollectTelemetry() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	tel := map[string]any{
		"state_counter":  c.stateCounter,
		"game_available": !c.gameDirty,
	}
	if !c.gameDirty && c.game != nil {
		tel["cur_tick"] = c.game.CurTick
		tel["n_users"] = len(c.game.Users.List)
		tel["n_submissions"] = len(c.game.Submissions)
	}
	for k, v := range c.customTelemetry {
		tel[k] = v
	}
	return tel
}

// SetCustomTelemetry lets sidecars (player push hub) report extra gauges.
func (c *Container) SetCustomTelemetry(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.customTelemetry[key] = value
}
