package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/cloudbackupd/internal/config"
	"github.com/Chapsvision-dev/cloudbackupd/internal/logx"
	"github.com/Chapsvision-dev/cloudbackupd/internal/version"
)

// Test seams — overridden in unit tests. Keep signatures in sync with packages.
var (
	loadConfig func() (config.Config, error)                             = config.Load
	serve      func(context.Context, config.Config, zerolog.Logger) error = run
	exit       func(int)                                                  = os.Exit
)

const usage = `
Usage:
  cloudbackupd serve
  cloudbackupd version | --version | -v
  cloudbackupd help    | --help    | -h

Notes:
  - Settings come from env vars, optionally from a .env file:
      NODE_ID, LISTEN_ADDR, METRICS_ADDR, STATE_DIR, STORE_DRIVER, STORE_DSN,
      VOLUME_ROOT, CREDENTIALS_FILE, WORKERS, QUEUE_DEPTH, CHUNK_SIZE, COMPRESSION
  - Only one daemon may run per STATE_DIR.
`

// main wires CLI -> config -> daemon.
// Exit codes: 0 success, 1 runtime error, 2 usage error.
func main() {
	_ = godotenv.Load() // best-effort
	logger := logx.InitFromEnv("")

	args := os.Args[1:]
	if len(args) < 1 {
		fmt.Print(usage)
		exit(2)
	}
	action := strings.ToLower(args[0])

	switch action {
	case "version", "--version", "-v":
		fmt.Printf("cloudbackupd %s\n", version.Info())
		exit(0)
		return
	case "help", "--help", "-h":
		fmt.Print(usage)
		exit(0)
		return
	case "serve":
	default:
		fmt.Print(usage)
		exit(2)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Str("action", "config").Msg("config error")
		exit(1)
		return
	}
	logger = logger.With().Str("node_id", cfg.NodeID).Logger()

	ctx, stop := withSignals(context.Background())
	defer stop()

	logger.Info().Str("action", "serve").Str("version", version.Version).Msg("cloudbackupd starting")
	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Str("action", "serve").Msg("daemon stopped with error")
		exit(1)
		return
	}
	logger.Info().Str("action", "serve").Msg("cloudbackupd stopped")
}

func withSignals(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
