// Command dialerd runs the campaign concurrency core: waitlist promotion,
// dispatch, reconciliation, janitor sweeps, and the HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ringflow/dialer/internal/config"
	"github.com/ringflow/dialer/internal/daemon"
	xlog "github.com/ringflow/dialer/internal/log"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dialerd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg := config.Load()
	xlog.Configure(xlog.Config{
		Level:   cfg.LogLevel,
		Service: "dialerd",
		Version: version,
	})
	logger := xlog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := daemon.New(cfg, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}

	runErr := app.Run(ctx)
	if closeErr := app.Close(); closeErr != nil {
		logger.Warn().Err(closeErr).Msg("shutdown cleanup failed")
	}
	if runErr != nil {
		logger.Fatal().Err(runErr).Msg("daemon failed")
	}
}
