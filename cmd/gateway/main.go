// Command gateway runs the wellness coaching backend's AI request
// gateway and memory pipeline: a single HTTP front-end over the
// priority queue, worker pool, provider adapters, and the async memory
// pipeline, all wired by internal/app.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/stephabauva/wellness-gateway/internal/app"
	"github.com/stephabauva/wellness-gateway/internal/config"
	"github.com/stephabauva/wellness-gateway/internal/logging"
)

// Build-time version metadata, injected via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		os.Exit(runMigrate(os.Args[2:]))
	}
	os.Exit(run())
}

// run returns the process exit code per the gateway's startup/runtime
// contract: 0 normal, 1 startup failure, 2 fatal runtime.
func run() int {
	configPath := flag.String("config", "", "path to config YAML file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("wellness-gateway %s (%s)\n", Version, GitCommit)
		return 0
	}

	cfg, err := config.NewLoader().WithConfigPath(*configPath).WithValidator((*config.Config).Validate).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("starting wellness-gateway", zap.String("version", Version), zap.String("git_commit", GitCommit))

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("failed to wire application", zap.Error(err))
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Error("gateway exited with error", zap.Error(err))
		return 2
	}

	logger.Info("wellness-gateway stopped")
	return 0
}
