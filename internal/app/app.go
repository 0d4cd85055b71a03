// Package app wires the build orchestrator to its storage, log stream and
// job store.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/k11v/deployer/internal/artifact/artifacts3"
	"github.com/k11v/deployer/internal/build"
	"github.com/k11v/deployer/internal/build/buildpg"
	"github.com/k11v/deployer/internal/logstream/logstreamredis"
	"github.com/k11v/deployer/internal/postgresutil"
	"github.com/k11v/deployer/internal/s3util"
)

// Config holds the configuration of a process that runs builds.
type Config struct {
	Build    build.Config
	S3       s3util.Config         `envPrefix:"S3_"`
	Redis    logstreamredis.Config `envPrefix:"REDIS_"`
	Postgres postgresutil.Config   `envPrefix:"POSTGRES_"`
}

// NewOrchestrator creates the clients described by cfg and an Orchestrator using them.
// cleanup releases the clients and must be called when the Orchestrator is no longer used.
func NewOrchestrator(ctx context.Context, cfg *Config, log *slog.Logger) (o *build.Orchestrator, cleanup func(), err error) {
	var closers []func()
	cleanup = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	defer func() {
		if err != nil {
			cleanup()
		}
	}()

	s3Client, err := s3util.NewClient(cfg.S3.ConnectionString, cfg.S3.RegionName())
	if err != nil {
		return nil, nil, fmt.Errorf("app: %w", err)
	}

	redisClient, err := logstreamredis.NewClient(cfg.Redis.ConnectionURL())
	if err != nil {
		return nil, nil, fmt.Errorf("app: %w", err)
	}
	closers = append(closers, func() {
		if closeErr := redisClient.Close(); closeErr != nil {
			log.Error("failed to close", "error", closeErr)
		}
	})

	var recorder build.Recorder
	if cfg.Postgres.Enabled() {
		db, err := postgresutil.NewPoolWithConfig(ctx, &cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("app: %w", err)
		}
		closers = append(closers, db.Close)
		recorder = buildpg.NewRecorder(db)
	} else {
		log.Info("not recording jobs", "reason", "empty postgres connection string")
	}

	o = &build.Orchestrator{
		Launcher:          &build.ShellLauncher{Command: cfg.Build.Command},
		Storage:           artifacts3.NewStorage(s3Client, cfg.S3.BucketName()),
		Publisher:         logstreamredis.NewPublisher(redisClient),
		Recorder:          recorder,
		Logger:            log,
		ChannelPrefix:     cfg.Redis.Prefix(),
		OutputsRoot:       cfg.S3.Root(),
		UploadConcurrency: cfg.Build.UploadConcurrency,
		RequireZeroExit:   cfg.Build.RequireZeroExit,
	}
	return o, cleanup, nil
}
