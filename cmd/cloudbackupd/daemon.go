package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Chapsvision-dev/cloudbackupd/internal/api"
	"github.com/Chapsvision-dev/cloudbackupd/internal/backup"
	"github.com/Chapsvision-dev/cloudbackupd/internal/chunk"
	"github.com/Chapsvision-dev/cloudbackupd/internal/cluster"
	"github.com/Chapsvision-dev/cloudbackupd/internal/config"
	"github.com/Chapsvision-dev/cloudbackupd/internal/credential"
	"github.com/Chapsvision-dev/cloudbackupd/internal/executor"
	"github.com/Chapsvision-dev/cloudbackupd/internal/metrics"
	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
	"github.com/Chapsvision-dev/cloudbackupd/internal/provider"
	"github.com/Chapsvision-dev/cloudbackupd/internal/restore"
	"github.com/Chapsvision-dev/cloudbackupd/internal/schedule"
	"github.com/Chapsvision-dev/cloudbackupd/internal/snapshot"
	"github.com/Chapsvision-dev/cloudbackupd/internal/store"
	"github.com/Chapsvision-dev/cloudbackupd/internal/transfer"
	"github.com/Chapsvision-dev/cloudbackupd/internal/volume"

	_ "github.com/Chapsvision-dev/cloudbackupd/internal/provider/azure"
	_ "github.com/Chapsvision-dev/cloudbackupd/internal/provider/fs"
	_ "github.com/Chapsvision-dev/cloudbackupd/internal/provider/gcs"
	_ "github.com/Chapsvision-dev/cloudbackupd/internal/provider/s3"
)

const shutdownTimeout = 15 * time.Second

// ErrLocked is returned when another daemon owns STATE_DIR.
var ErrLocked = errors.New("state directory is locked by another cloudbackupd")

// run owns every long-lived component and blocks until ctx is cancelled or
// one of them fails.
func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	lock := flock.New(filepath.Join(cfg.StateDir, "cloudbackupd.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock state dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrLocked, cfg.StateDir)
	}
	defer lock.Unlock()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	creds, err := credential.NewFile(cfg.CredentialsFile)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	vols, err := volume.NewFileEngine(cfg.VolumeRoot)
	if err != nil {
		return fmt.Errorf("volumes: %w", err)
	}
	nodes := cluster.NewStatic(cfg.NodeID, cfg.ClusterNodes...)
	codec, err := chunk.NewCodec(cfg.Compression)
	if err != nil {
		return err
	}
	defer codec.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	restores := restore.New(vols, nodes, st, codec)
	exec := executor.New(executor.Config{
		Workers:          cfg.Workers,
		QueueDepth:       cfg.QueueDepth,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		SweepInterval:    cfg.SweepInterval,
		MaxReattach:      cfg.MaxReattach,
		Retry:            cfg.RetryOptions(),
	}, st, creds, nodes, map[model.Direction]transfer.Transfer{
		model.DirectionBackup:  snapshot.New(vols, st, codec, snapshot.Options{ChunkSize: cfg.ChunkSize}),
		model.DirectionRestore: restores,
	}, m, logger)

	svc := backup.New(st, vols, creds, exec, restores, backup.Options{ReplicaFactor: cfg.RestoreReplicaFactor}, logger)
	sched := schedule.New(st, st, vols, svc, cfg.SchedulerTick, m, logger)

	servers := []*http.Server{api.NewServer(logger, svc, sched, m).HTTPServer(cfg.ListenAddr)}
	if cfg.MetricsAddr != "" {
		servers = append(servers, metrics.NewServer(cfg.MetricsAddr, reg))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return exec.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info().Str("action", "listen").Str("addr", srv.Addr).Msg("http listener starting")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Str("action", "shutdown").Str("addr", srv.Addr).Msg("http shutdown incomplete")
			}
		}
		return nil
	})

	logger.Info().
		Str("action", "serve").
		Str("store", cfg.StoreDriver).
		Str("listen", cfg.ListenAddr).
		Str("metrics", cfg.MetricsAddr).
		Int("workers", cfg.Workers).
		Str("compression", string(cfg.Compression)).
		Strs("providers", provider.Names()).
		Strs("cluster_nodes", cfg.ClusterNodes).
		Msg("daemon ready")
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.StoreDriver == "memory" {
		return store.NewMemory(), nil
	}
	d, err := store.DialectByName(cfg.StoreDriver)
	if err != nil {
		return nil, err
	}
	st, err := store.OpenSQL(ctx, d, cfg.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return st, nil
}
