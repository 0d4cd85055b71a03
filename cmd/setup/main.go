// Command setup creates the artifact bucket and migrates the job store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/k11v/deployer/internal/build/buildpg"
	"github.com/k11v/deployer/internal/s3util"
)

func main() {
	if err := run(context.Background(), os.Environ()); err != nil {
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

	s3Client, err := s3util.NewClient(cfg.S3.ConnectionString, cfg.S3.RegionName())
	if err != nil {
		return err
	}
	if err = s3util.Setup(ctx, s3Client, cfg.S3.BucketName()); err != nil {
		return err
	}
	slog.Info("set up bucket", "bucket", cfg.S3.BucketName())

	if !cfg.Postgres.Enabled() {
		slog.Info("skipped postgres setup", "reason", "empty connection string")
		return nil
	}
	if err = buildpg.Setup(cfg.Postgres.ConnectionString); err != nil {
		return err
	}
	slog.Info("set up postgres")

	return nil
}
