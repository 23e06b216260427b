package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/geekgame/glitter/internal/config"
	"github.com/geekgame/glitter/internal/logic"
	"github.com/geekgame/glitter/internal/store"
)

func main() {
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

	r, err := logic.NewReducer(cfg, rules, db)
	if err != nil {
		fatal("init reducer: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// SIGHUP republishes triggers and policies after out-of-band edits.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			r.EmitReloadTrigger()
			r.EmitReloadGamePolicy()
		}
	}()

	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal("reducer: %v", err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
