package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/geekgame/glitter/internal/config"
	"github.com/geekgame/glitter/internal/logic"
	"github.com/geekgame/glitter/internal/police"
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

	w := logic.NewWorker("police", cfg, rules, db, true)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return w.Run(ctx) })
	eg.Go(func() error { return police.Run(ctx, w) })

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fatal("police: %v", err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
