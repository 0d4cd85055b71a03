// Command worker runs builds requested through the message queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/k11v/deployer/internal/app"
	"github.com/k11v/deployer/internal/build/buildamqp"
	"github.com/k11v/deployer/internal/logutil"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Environ())
	stop()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run(ctx context.Context, environ []string) error {
	cfg, err := parseConfig(environ)
	if err != nil {
		return err
	}
	if cfg.AMQP.ConnectionString == "" {
		return errors.New("missing DEPLOYER_AMQP_CONNECTION_STRING")
	}

	log := logutil.New(os.Stdout, "worker", cfg.Development)
	slog.SetDefault(log)

	orchestrator, cleanup, err := app.NewOrchestrator(ctx, &cfg.App, log)
	if err != nil {
		return err
	}
	defer cleanup()

	consumer := &buildamqp.Consumer{
		ConnectionString: cfg.AMQP.ConnectionString,
		Queue:            cfg.AMQP.QueueName(),
		Handler: &buildamqp.Handler{
			Runner:       orchestrator,
			OutputSubdir: cfg.App.Build.OutputSubdir,
			Logger:       log,
		},
		Logger: log,
	}

	log.Info("starting worker")
	if err = consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("stopped worker")
	return nil
}
