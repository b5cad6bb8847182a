package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"

	"assistant-core/internal/app"
	"assistant-core/internal/common/logging"
	"assistant-core/internal/config"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()
	runtime.GOMAXPROCS(runtime.NumCPU())

	logging.InitGlobalLogger()
	logger := logging.GetGlobalLogger()

	cfg := config.Load()

	a, err := app.New(cfg, nil, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Error("Shutdown finished with error", err)
		os.Exit(1)
	}
}
