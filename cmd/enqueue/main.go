// Command enqueue requests a build of a project.
//
// Usage:
//
//	enqueue <project-id> [source-dir]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/k11v/deployer/internal/build/buildamqp"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Environ()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run(ctx context.Context, args []string, environ []string) error {
	req, err := parseArgs(args)
	if err != nil {
		return err
	}

	cfg, err := parseConfig(environ)
	if err != nil {
		return err
	}
	if cfg.AMQP.ConnectionString == "" {
		return errors.New("missing DEPLOYER_AMQP_CONNECTION_STRING")
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	enqueuer := buildamqp.NewEnqueuer(cfg.AMQP.ConnectionString, cfg.AMQP.QueueName())
	if err = enqueuer.Enqueue(ctx, req); err != nil {
		return err
	}

	slog.Info("enqueued build", "project_id", req.ProjectID, "queue", cfg.AMQP.QueueName())
	return nil
}

func parseArgs(args []string) (*buildamqp.Request, error) {
	switch len(args) {
	case 1:
		return &buildamqp.Request{ProjectID: args[0]}, nil
	case 2:
		return &buildamqp.Request{ProjectID: args[0], SourceDir: args[1]}, nil
	default:
		return nil, errors.New("usage: enqueue <project-id> [source-dir]")
	}
}
