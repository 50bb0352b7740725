package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tapbridge/tapbridge/internal/bridge"
	"github.com/tapbridge/tapbridge/internal/config"
	"github.com/tapbridge/tapbridge/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	flags := flag.NewFlagSet("tapbridge", flag.ExitOnError)
	jsonLogs := flags.Bool("json-logs", false, "emit logs as JSON instead of console text")
	flags.Parse(os.Args[1:])

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tapbridge: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, Output: os.Stderr, JSON: *jsonLogs})
	logging.SetDefault(log)

	sup, err := bridge.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize bridge", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(ctx); err != nil {
		log.Error("failed to start bridge", "err", err)
		os.Exit(1)
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := sup.Stop(shutdownCtx); err != nil {
		log.Error("error during shutdown", "err", err)
		os.Exit(1)
	}
}
