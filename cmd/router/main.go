// Command router serves project build outputs from object storage by subdomain.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/k11v/deployer/internal/logutil"
	"github.com/k11v/deployer/internal/router"
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

	log := logutil.New(os.Stdout, "router", cfg.Development)
	slog.SetDefault(log)

	metrics, err := router.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	handler, err := router.NewHandler(&cfg.Router, log, metrics)
	if err != nil {
		return err
	}

	servers := []*http.Server{
		router.NewServer(&cfg.Router, log, handler),
		router.NewMetricsServer(&cfg.Router, log, prometheus.DefaultGatherer),
	}

	errorCh := make(chan error, len(servers))
	for _, server := range servers {
		go func() {
			log.Info("starting server", "addr", server.Addr)
			errorCh <- server.ListenAndServe()
		}()
	}

	select {
	case <-ctx.Done():
		shutdown(log, servers)
		log.Info("stopped servers")
		return nil
	case err = <-errorCh:
		shutdown(log, servers)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// shutdown gracefully stops every server, waiting up to 10 seconds in total.
func shutdown(log *slog.Logger, servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, server := range servers {
		if err := server.Shutdown(ctx); err != nil {
			log.Error("didn't shut down server", "addr", server.Addr, "error", err)
		}
	}
}
