package logic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/geekgame/glitter/internal/bus"
	"github.com/geekgame/glitter/internal/config"
	"github.com/geekgame/glitter/internal/glitter"
	"github.com/geekgame/glitter/internal/store"
	"github.com/geekgame/glitter/internal/telemetry"
)

const (
	heartbeatThrottle = 9 * time.Second
)

// Worker replays the reducer's event stream into a read-only projection and
// proxies mutations to the reducer over the action channel.
type Worker struct {
	*Container

	action *glitter.ActionClient
	events *glitter.EventSub

	hbMu          sync.Mutex
	lastHeartbeat time.Time
}

func NewWorker(processName string, cfg *config.Config, rules *config.Rules, db *store.Store, receivingMessages bool) *Worker {
	c := NewContainer(processName, cfg, rules, db, receivingMessages, true)
	c.stateCounter = -1 // nothing replayed yet

	return &Worker{
		Container: c,
		action:    glitter.NewActionClient(cfg.ActionAddr, cfg.GlitterSecret),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	defer w.action.Close()
	defer w.dropEvents()

	// Give the event subscription a moment to establish so the first SYNC
	// after the handshake is not lost.
	if err := sleepCtx(ctx, 200*time.Millisecond); err != nil {
		return err
	}

	if err := w.syncWithReducer(ctx, false); err != nil {
		return err
	}
	return w.mainloop(ctx)
}

func (w *Worker) mainloop(ctx context.Context) error {
	w.Log(telemetry.LevelSuccess, "worker.mainloop", "started to receive events")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		e, err := w.nextEvent()
		if err != nil {
			w.Log(telemetry.LevelWarning, "worker.mainloop",
				"event receive failed, will recover: %v", err)
			if err := w.syncWithReducer(ctx, true); err != nil {
				return err
			}
			continue
		}

		w.mu.Lock()
		cur := w.stateCounter
		w.mu.Unlock()

		// Slow subscribers can lose events on the wire.
		if e.StateCounter != cur && e.StateCounter != cur+1 {
			if e.StateCounter < cur {
				w.Log(telemetry.LevelWarning, "worker.mainloop",
					"state counter mismatch, maybe reducer restarted, will recover: worker %d reducer %d", cur, e.StateCounter)
			} else {
				w.Log(telemetry.LevelError, "worker.mainloop",
					"state counter mismatch, maybe lost event, will recover: worker %d reducer %d", cur, e.StateCounter)
				telemetry.Metrics.Resyncs.Inc()
			}
			if err := w.syncWithReducer(ctx, true); err != nil {
				return err
			}
			continue
		}

		if e.Type != glitter.EventSync {
			w.Log(telemetry.LevelDebug, "worker.process_event",
				"got event %s %d (count=%d)", e.Type, e.Data, e.StateCounter)
		}

		w.mu.Lock()
		w.stateCounter = e.StateCounter
		w.processEvent(e)
		w.counterCond.Broadcast()
		w.mu.Unlock()

		go w.sendHeartbeat()
	}
}

// syncWithReducer rebuilds the projection from scratch: handshake, wait for
// a SYNC frame, reload everything from the store at the synced tick.
func (w *Worker) syncWithReducer(ctx context.Context, throttled bool) error {
	w.mu.Lock()
	w.gameDirty = true
	w.mu.Unlock()

	w.Log(telemetry.LevelDebug, "worker.sync_with_reducer", "sent handshake")

	for {
		rep, err := w.action.Call(&glitter.WorkerHelloReq{Client: w.ProcessName, ProtocolVer: glitter.ProtocolVer})
		if err != nil {
			w.Log(telemetry.LevelError, "worker.sync_with_reducer",
				"exception during handshake, will try again: %v", err)
			if err := sleepCtx(ctx, recoverThrottle); err != nil {
				return err
			}
			continue
		}
		if rep.ErrorMsg != "" {
			w.Log(telemetry.LevelCritical, "worker.sync_with_reducer", "handshake failure: %s", rep.ErrorMsg)
			return fmt.Errorf("handshake failure: %s", rep.ErrorMsg)
		}
		break
	}

	w.Log(telemetry.LevelDebug, "worker.sync_with_reducer", "begin sync")

	for {
		if err := w.trySync(); err != nil {
			w.Log(telemetry.LevelError, "worker.sync_with_reducer",
				"exception during sync, will try again: %v", err)
			w.dropEvents()
			if err := sleepCtx(ctx, recoverThrottle); err != nil {
				return err
			}
			continue
		}
		break
	}

	w.Log(telemetry.LevelDebug, "worker.sync_with_reducer", "game state reconstructed")

	if throttled {
		if err := sleepCtx(ctx, recoverThrottle); err != nil {
			return err
		}
	}

	w.mu.Lock()
	w.gameDirty = false
	w.mu.Unlock()
	return nil
}

func (w *Worker) trySync() error {
	if w.events == nil {
		sub, err := glitter.DialEvent(w.Cfg.EventAddr)
		if err != nil {
			return err
		}
		w.events = sub
	}

	// Reconstruct the current tick from a sync frame.
	var e glitter.Event
	for {
		var err error
		e, err = w.events.Next(glitter.SyncTimeout)
		if err != nil {
			return err
		}
		if e.Type == glitter.EventSync {
			break
		}
	}

	w.Log(telemetry.LevelInfo, "worker.sync_with_reducer",
		"got sync data, tick=%d, count=%d", e.Data, e.StateCounter)

	w.mu.Lock()
	w.stateCounter = e.StateCounter
	w.initGame(e.Data)
	w.counterCond.Broadcast()
	w.mu.Unlock()
	return nil
}

func (w *Worker) nextEvent() (glitter.Event, error) {
	if w.events == nil {
		return glitter.Event{}, errors.New("event subscription not established")
	}
	e, err := w.events.Next(glitter.SyncTimeout)
	if err != nil {
		w.dropEvents()
		return glitter.Event{}, err
	}
	return e, nil
}

func (w *Worker) dropEvents() {
	if w.events != nil {
		w.events.Close()
		w.events = nil
	}
}

// PerformAction sends a request to the reducer, then blocks until this
// worker's projection has caught up with the reply's state counter, so the
// caller can immediately read its own write.
func (w *Worker) PerformAction(req glitter.ActionReq) (glitter.ActionRep, error) {
	if req.Type() != "WorkerHeartbeat" {
		w.Log(telemetry.LevelInfo, "worker.perform_action", "call %s", req.Type())
	}

	t1 := time.Now()
	rep, err := w.action.Call(req)
	if err != nil {
		return rep, err
	}
	if d := time.Since(t1); d > slowThreshold {
		w.Log(telemetry.LevelWarning, "worker.perform_action",
			"took %.2fs to perform action %s", d.Seconds(), req.Type())
	}

	if req.Type() != "WorkerHeartbeat" {
		w.Log(telemetry.LevelDebug, "worker.perform_action",
			"called %s, state counter is %d", req.Type(), rep.StateCounter)
	}

	if err := w.waitForCounter(rep.StateCounter); err != nil {
		return rep, err
	}
	return rep, nil
}

func (w *Worker) waitForCounter(target int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stateCounter >= target {
		return nil
	}

	deadline := time.Now().Add(glitter.CallTimeout)
	timer := time.AfterFunc(glitter.CallTimeout, func() {
		w.mu.Lock()
		w.counterCond.Broadcast()
		w.mu.Unlock()
	})
	defer timer.Stop()

	for w.stateCounter < target {
		if time.Now().After(deadline) {
			w.Log(telemetry.LevelError, "worker.perform_action",
				"state sync timeout: %d -> %d", w.stateCounter, target)
			return errors.New("timed out syncing state with reducer")
		}
		w.counterCond.Wait()
	}

	w.Log(telemetry.LevelDebug, "worker.perform_action", "state counter synced to %d", w.stateCounter)
	return nil
}

// sendHeartbeat reports telemetry to the reducer, at most once per throttle
// window. Failures are logged and ignored.
func (w *Worker) sendHeartbeat() {
	w.hbMu.Lock()
	if time.Since(w.lastHeartbeat) <= heartbeatThrottle {
		w.hbMu.Unlock()
		return
	}
	w.lastHeartbeat = time.Now()
	w.hbMu.Unlock()

	_, err := w.PerformAction(&glitter.WorkerHeartbeatReq{
		Client:    w.ProcessName,
		Telemetry: w.CollectTelemetry(),
	})
	if err != nil {
		w.Log(telemetry.LevelError, "worker.send_heartbeat", "heartbeat error, will ignore: %v", err)
		return
	}

	// Wakes up push consumers so they can notice closed connections.
	w.EmitLocalMessage(bus.Message{Type: "heartbeat_sent"})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
