package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/geekgame/glitter/internal/config"
	"github.com/geekgame/glitter/internal/game"
	"github.com/geekgame/glitter/internal/logic"
	"github.com/geekgame/glitter/internal/push"
	"github.com/geekgame/glitter/internal/store"
	"github.com/geekgame/glitter/internal/telemetry"
)

func main() {
	name := flag.String("name", "", "process name reported to the reducer")
	flag.Parse()

	if *name == "" {
		*name = "worker-" + uuid.NewString()[:8]
	}

	cfg := config.Load()

	rules, err := config.LoadRules(cfg.RulesPath)
	if err != nil {
		fatal("load rules: %v", err)
	}
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		fatal("open store: %v", err)
	}
	defer db.Close()

	w := logic.NewWorker(*name, cfg, rules, db, cfg.WSPushEnabled)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return w.Run(ctx) })

	if cfg.WSPushEnabled {
		hub := push.NewHub(authResolver(w), func(format string, args ...any) {
			w.Log(telemetry.LevelWarning, "worker.push", format, args...)
		})
		eg.Go(func() error {
			hub.Run(ctx, w.Bus)
			return ctx.Err()
		})
		eg.Go(func() error { return servePush(ctx, cfg.WSPushListenAddr, hub) })
		eg.Go(func() error { return reportHubCounts(ctx, w, hub) })
	}

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fatal("worker: %v", err)
	}
}

func authResolver(w *logic.Worker) push.UserResolver {
	return func(authToken string) (int64, string, bool) {
		var (
			uid   int64
			group string
			ok    bool
		)
		_ = w.WithGame(func(g *game.Game) error {
			if u := g.Users.UserByAuthToken[authToken]; u != nil && u.Store.Enabled {
				uid, group, ok = u.Store.ID, u.Store.Group, true
			}
			return nil
		})
		return uid, group, ok
	}
}

func servePush(ctx context.Context, addr string, hub *push.Hub) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

// reportHubCounts feeds the hub's connection gauges into the telemetry the
// worker heartbeats to the reducer.
func reportHubCounts(ctx context.Context, w *logic.Worker, hub *push.Hub) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			clients, uids := hub.Counts()
			w.SetCustomTelemetry("ws_online_clients", clients)
			w.SetCustomTelemetry("ws_online_uids", uids)
			telemetry.Metrics.WSOnlineUsers.Set(uids)
		}
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
