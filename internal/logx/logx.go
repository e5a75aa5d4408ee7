package logx

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Service is the value of the service field on every log line.
const Service = "cloudbackupd"

// InitFromEnv configures zerolog using env vars and returns the root logger,
// tagged with the service name and nodeID.
// - LOG_LEVEL  : trace|debug|info|warn|error (default: info)
// - LOG_FORMAT : json|console                (default: json)
func InitFromEnv(nodeID string) zerolog.Logger {
	return Init(os.Stdout, getenv("LOG_LEVEL", "info"), getenv("LOG_FORMAT", "json"), nodeID)
}

// Init is InitFromEnv with explicit settings and output.
func Init(out io.Writer, level, format, nodeID string) zerolog.Logger {
	// Always use UTC timestamps in RFC3339.
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }

	zerolog.SetGlobalLevel(ParseLevel(level))

	if strings.ToLower(format) == "console" {
		out = zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
			w.Out = out
			w.TimeFormat = time.RFC3339
		})
	}
	ctx := zerolog.New(out).With().Timestamp().Str("service", Service)
	if nodeID != "" {
		ctx = ctx.Str("node_id", nodeID)
	}
	logger := ctx.Logger()
	log.Logger = logger
	return logger
}

// ParseLevel maps a LOG_LEVEL value to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

// getenv returns the env var value if set and non-empty, otherwise def.
func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}
