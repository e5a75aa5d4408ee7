package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Chapsvision-dev/cloudbackupd/internal/chunk"
	"github.com/Chapsvision-dev/cloudbackupd/internal/retry"
)

type Config struct {
	NodeID       string
	ClusterNodes []string

	ListenAddr  string
	MetricsAddr string // empty disables the metrics listener
	StateDir    string

	StoreDriver string // sqlite|postgres|memory
	StoreDSN    string

	VolumeRoot      string
	CredentialsFile string

	Workers          int
	QueueDepth       int
	ChunkSize        int64
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	MaxReattach      int
	SchedulerTick    time.Duration

	RestoreReplicaFactor int
	Compression          chunk.Compression

	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64
	RetryEnableJitter bool
}

// Load reads config from environment variables, applies defaults and validates.
func Load() (Config, error) {
	get := func(key, def string) string {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	parseInt := func(key string, def int) int {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
				return n
			}
		}
		return def
	}

	parseDur := func(key string, def time.Duration) time.Duration {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
				return d
			}
		}
		return def
	}

	parseFloat := func(key string, def float64) float64 {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f > 0 {
				return f
			}
		}
		return def
	}

	parseBool := func(key string, def bool) bool {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "1", "true", "yes", "y", "on":
				return true
			case "0", "false", "no", "n", "off":
				return false
			}
		}
		return def
	}

	parseList := func(key string) []string {
		var out []string
		for _, part := range strings.Split(get(key, ""), ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	}

	host, _ := os.Hostname()
	if host == "" {
		host = "node-1"
	}
	stateDir := get("STATE_DIR", "/var/lib/cloudbackupd")
	driver := strings.ToLower(get("STORE_DRIVER", "sqlite"))

	dsn := get("STORE_DSN", "")
	if dsn == "" && driver == "sqlite" {
		dsn = "file:" + filepath.Join(stateDir, "cloudbackupd.db")
	}

	compression, err := chunk.ParseCompression(get("COMPRESSION", "zstd"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		NodeID:       get("NODE_ID", host),
		ClusterNodes: parseList("CLUSTER_NODES"),

		ListenAddr:  get("LISTEN_ADDR", ":8080"),
		MetricsAddr: get("METRICS_ADDR", ":9090"),
		StateDir:    stateDir,

		StoreDriver: driver,
		StoreDSN:    dsn,

		VolumeRoot:      get("VOLUME_ROOT", filepath.Join(stateDir, "volumes")),
		CredentialsFile: get("CREDENTIALS_FILE", filepath.Join(stateDir, "credentials.yaml")),

		Workers:          parseInt("WORKERS", 4),
		QueueDepth:       parseInt("QUEUE_DEPTH", 256),
		ChunkSize:        int64(parseInt("CHUNK_SIZE", 4<<20)),
		HeartbeatTimeout: parseDur("HEARTBEAT_TIMEOUT", 2*time.Minute),
		SweepInterval:    parseDur("SWEEP_INTERVAL", 30*time.Second),
		MaxReattach:      parseInt("MAX_REATTACH", 3),
		SchedulerTick:    parseDur("SCHEDULER_TICK", time.Minute),

		RestoreReplicaFactor: parseInt("RESTORE_REPLICA_FACTOR", 1),
		Compression:          compression,

		RetryMaxAttempts:  parseInt("RETRY_MAX_ATTEMPTS", retry.Default.MaxAttempts),
		RetryInitialDelay: parseDur("RETRY_INITIAL_DELAY", retry.Default.InitialDelay),
		RetryMaxDelay:     parseDur("RETRY_MAX_DELAY", retry.Default.MaxDelay),
		RetryMultiplier:   parseFloat("RETRY_MULTIPLIER", retry.Default.Multiplier),
		RetryEnableJitter: parseBool("RETRY_JITTER", retry.Default.Jitter),
	}
	if len(cfg.ClusterNodes) == 0 {
		cfg.ClusterNodes = []string{cfg.NodeID}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "sqlite", "memory":
	case "postgres":
		if c.StoreDSN == "" {
			return errors.New("postgres: STORE_DSN is required")
		}
	default:
		return errors.New("unsupported store driver: " + c.StoreDriver)
	}
	if c.ListenAddr == "" {
		return errors.New("LISTEN_ADDR is required")
	}
	if c.Workers < 1 {
		return errors.New("WORKERS must be at least 1")
	}
	if c.QueueDepth < 1 {
		return errors.New("QUEUE_DEPTH must be at least 1")
	}
	if c.ChunkSize < 4096 {
		return fmt.Errorf("CHUNK_SIZE must be at least 4096 bytes, got %d", c.ChunkSize)
	}
	if c.RestoreReplicaFactor < 1 {
		return errors.New("RESTORE_REPLICA_FACTOR must be at least 1")
	}
	if c.HeartbeatTimeout <= c.SweepInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT (%s) must exceed SWEEP_INTERVAL (%s)", c.HeartbeatTimeout, c.SweepInterval)
	}
	if c.SchedulerTick <= 0 {
		return errors.New("SCHEDULER_TICK must be positive")
	}
	return nil
}

// RetryOptions converts retry-related config values to retry.Options.
func (c Config) RetryOptions() retry.Options {
	return retry.Options{
		MaxAttempts:  c.RetryMaxAttempts,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Multiplier:   c.RetryMultiplier,
		Jitter:       c.RetryEnableJitter,
	}
}
