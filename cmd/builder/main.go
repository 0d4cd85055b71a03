// Command builder runs the build of one project and uploads its output.
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
	"github.com/k11v/deployer/internal/build"
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
	if cfg.ProjectID == "" {
		return errors.New("missing DEPLOYER_PROJECT_ID")
	}

	log := logutil.New(os.Stdout, "builder", cfg.Development)
	slog.SetDefault(log)

	orchestrator, cleanup, err := app.NewOrchestrator(ctx, &cfg.App, log)
	if err != nil {
		return err
	}
	defer cleanup()

	log.Info("starting build", "project_id", cfg.ProjectID)
	job, err := orchestrator.Run(ctx, &build.RunParams{
		ProjectID:    cfg.ProjectID,
		SourceDir:    cfg.SourceDir,
		OutputSubdir: cfg.App.Build.OutputSubdir,
	})
	if err != nil {
		return err
	}

	log.Info(
		"finished build",
		"job_id", job.ID,
		"exit_code", job.ExitCode,
		"uploaded", job.Uploaded,
		"failed", job.Failed,
	)
	return nil
}
