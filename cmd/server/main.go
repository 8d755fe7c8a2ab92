// Command server runs the HTTP API configured only from the environment, for
// container deployments without an auditia.yaml.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lexcodex/auditia/app/runtime"
	"github.com/lexcodex/auditia/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(envOrDefault("AUDITIA_CONFIG", config.DefaultPath))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg.Logging.Format = envOrDefault("AUDITIA_LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Level = envOrDefault("AUDITIA_LOG_LEVEL", cfg.Logging.Level)
	if envBool("AUDITIA_LLM_DEBUG") {
		cfg.Logging.LLMDebug = true
	}

	rt, err := runtime.New(ctx, cfg, runtime.Options{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer rt.Close()

	err = rt.APIServer().ServeContext(ctx, cfg.Server.Addr)
	if err != nil && !errors.Is(err, context.Canceled) {
		rt.Logger.Error().Err(err).Msg("server stopped")
		rt.Close()
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
