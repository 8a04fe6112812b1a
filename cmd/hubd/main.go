package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/HappyFarang/newways-hub/internal/apps"
	"github.com/HappyFarang/newways-hub/internal/config"
	"github.com/HappyFarang/newways-hub/internal/logging"
	"github.com/HappyFarang/newways-hub/internal/registry"
	"github.com/HappyFarang/newways-hub/internal/router"
	"github.com/HappyFarang/newways-hub/internal/server"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.NewInMemory(0)
	rt := router.New(logger, cfg.Router.HandlerTimeout)
	apps.Register(rt, logger)

	srv := server.NewHubServer(cfg, logger, reg, rt)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}
