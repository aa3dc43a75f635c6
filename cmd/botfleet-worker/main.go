// Command botfleet-worker is the reference tenant worker. It keeps the bot's
// profile and presence in memory and answers control messages from the
// daemon; real deployments replace it with their bot runtime.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/botfleet/internal/controlplane"
	"github.com/loykin/botfleet/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "botfleet-worker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := controlplane.WorkerConfigFromEnv()
	if err != nil {
		return err
	}
	cfg.Logger = logger.NewWithWriter(logger.Config{
		Level:  os.Getenv("BOTFLEET_WORKER_LOG_LEVEL"),
		Format: "json",
	}, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := controlplane.NewWorker(cfg, controlplane.NewMemoryBackend(os.Getenv("BOT_NAME")))
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
