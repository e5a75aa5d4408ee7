// Package executor runs backup and restore jobs on a fixed pool of workers.
//
// The job store is the only channel between the executor and the rest of the
// daemon: callers change a job's state in the store and Submit its ID, and
// workers notice the change at the next chunk boundary.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Chapsvision-dev/cloudbackupd/internal/cluster"
	"github.com/Chapsvision-dev/cloudbackupd/internal/credential"
	"github.com/Chapsvision-dev/cloudbackupd/internal/metrics"
	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
	"github.com/Chapsvision-dev/cloudbackupd/internal/provider"
	"github.com/Chapsvision-dev/cloudbackupd/internal/retry"
	"github.com/Chapsvision-dev/cloudbackupd/internal/store"
	"github.com/Chapsvision-dev/cloudbackupd/internal/transfer"
)

// Config sizes the pool and the recovery sweep.
type Config struct {
	Workers          int
	QueueDepth       int
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	MaxReattach      int
	Retry            retry.Options
}

// Opener builds the provider for a resolved credential.
type Opener func(ctx context.Context, cred credential.Credential, ro retry.Options) (provider.Provider, error)

type Option func(*Executor)

// WithClock overrides the clock used for heartbeats.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithOpener overrides provider construction.
func WithOpener(open Opener) Option {
	return func(e *Executor) { e.open = open }
}

type Executor struct {
	cfg       Config
	jobs      store.Jobs
	creds     credential.Resolver
	nodes     cluster.Registry
	transfers map[model.Direction]transfer.Transfer
	metrics   *metrics.Metrics
	log       zerolog.Logger
	open      Opener
	now       func() time.Time

	queue  chan string
	mu     sync.Mutex
	claims map[string]struct{}
}

// New builds an executor that runs the jobs nodes assigns to this node.
func New(cfg Config, jobs store.Jobs, creds credential.Resolver, nodes cluster.Registry, transfers map[model.Direction]transfer.Transfer, m *metrics.Metrics, logger zerolog.Logger, opts ...Option) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 2 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	e := &Executor{
		cfg:       cfg,
		jobs:      jobs,
		creds:     creds,
		nodes:     nodes,
		transfers: transfers,
		metrics:   m,
		log:       logger.With().Str("component", "executor").Logger(),
		open:      provider.New,
		now:       func() time.Time { return time.Now().UTC() },
		queue:     make(chan string, cfg.QueueDepth),
		claims:    map[string]struct{}{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run starts the workers and the recovery sweep and blocks until ctx is done.
// Jobs interrupted by shutdown stay Active and are re-attached by the next
// process's sweep once their heartbeat expires.
func (e *Executor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error {
			e.worker(ctx)
			return nil
		})
	}
	g.Go(func() error {
		e.Sweep(ctx)
		t := time.NewTicker(e.cfg.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				e.Sweep(ctx)
			}
		}
	})
	e.log.Info().
		Str("action", "executor_start").
		Int("workers", e.cfg.Workers).
		Int("queue_depth", e.cfg.QueueDepth).
		Msg("executor running")
	return g.Wait()
}

// Submit hands id to the pool. A job that already has a worker is left
// alone; that worker observes the new state at its next boundary.
func (e *Executor) Submit(id string) error {
	if !e.claim(id) {
		return nil
	}
	select {
	case e.queue <- id:
		e.metrics.QueueDepth.Inc()
		return nil
	default:
		e.release(id)
		return fmt.Errorf("%w: executor queue is full", model.ErrResourceUnavailable)
	}
}

func (e *Executor) claim(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.claims[id]; ok {
		return false
	}
	e.claims[id] = struct{}{}
	return true
}

func (e *Executor) release(id string) {
	e.mu.Lock()
	delete(e.claims, id)
	e.mu.Unlock()
}

func (e *Executor) claimed(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.claims[id]
	return ok
}

func (e *Executor) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.queue:
			e.metrics.QueueDepth.Dec()
			e.metrics.BusyWorkers.Inc()
			parked := e.process(ctx, id)
			e.metrics.BusyWorkers.Dec()
			e.release(id)
			if parked && ctx.Err() == nil {
				e.recheck(ctx, id)
			}
		}
	}
}

// recheck closes the window where a resume lands after the worker saw Paused
// but before it dropped its claim, which made the resumer's Submit a no-op.
func (e *Executor) recheck(ctx context.Context, id string) {
	job, err := e.jobs.Get(ctx, id)
	if err != nil || job.State != model.StateActive {
		return
	}
	if err := e.Submit(id); err != nil {
		e.log.Warn().Err(err).Str("action", "job_resubmit").Str("job_id", id).Msg("resubmit after resume failed")
	}
}

// process runs one claimed job as far as it can go. It reports whether the
// job was left Paused.
func (e *Executor) process(ctx context.Context, id string) bool {
	job, err := e.jobs.Get(ctx, id)
	if err != nil {
		e.log.Warn().Err(err).Str("action", "job_load").Str("job_id", id).Msg("cannot load job")
		return false
	}
	if !e.owns(ctx, job.VolumeID) {
		e.log.Debug().Str("action", "job_load").Str("job_id", id).Str("volume_id", job.VolumeID).Msg("job belongs to another node")
		return false
	}

	switch job.State {
	case model.StateQueued:
		job, err = e.jobs.Update(ctx, id, model.StateQueued, func(j *model.Job) error {
			j.State = model.StateActive
			j.NodeID = e.nodes.Self()
			j.HeartbeatAt = e.now()
			return nil
		})
		if err != nil {
			e.log.Debug().Err(err).Str("action", "job_start").Str("job_id", id).Msg("job left Queued before start")
			return false
		}
		e.metrics.JobsStarted.WithLabelValues(string(job.Direction)).Inc()
		e.log.Info().
			Str("action", "job_start").
			Str("job_id", id).
			Str("direction", string(job.Direction)).
			Str("volume_id", job.VolumeID).
			Msg("job started")
	case model.StateActive:
		job, err = e.jobs.Update(ctx, id, model.StateActive, func(j *model.Job) error {
			j.NodeID = e.nodes.Self()
			j.HeartbeatAt = e.now()
			return nil
		})
		if err != nil {
			return e.settle(ctx, id, nil)
		}
		e.log.Info().
			Str("action", "job_resume").
			Str("job_id", id).
			Int("chunks_done", job.ChunksDone).
			Int("attempts", job.Attempts).
			Msg("job resumed")
	case model.StatePaused:
		return true
	case model.StateStopped, model.StateFailed:
		if !job.CleanedUp {
			e.finishCleanup(ctx, job)
		}
		return false
	default:
		return false
	}
	return e.execute(ctx, job)
}

func (e *Executor) execute(ctx context.Context, job *model.Job) bool {
	id := job.ID
	tr, ok := e.transfers[job.Direction]
	if !ok {
		return e.fail(ctx, job, fmt.Errorf("%w: no transfer for direction %s", model.ErrInternal, job.Direction))
	}
	p, err := e.target(ctx, job)
	if err != nil {
		return e.fail(ctx, job, err)
	}
	ro := e.retryOptions(job)
	var run transfer.Run
	err = retry.Do(ctx, ro, transient, func(ctx context.Context) error {
		var err error
		run, err = tr.Prepare(ctx, job, p)
		return err
	})
	if err != nil {
		return e.fail(ctx, job, fmt.Errorf("prepare: %w", err))
	}

	plan := run.Plan()
	job, err = e.jobs.Update(ctx, id, model.StateActive, func(j *model.Job) error {
		j.SnapshotID = plan.SnapshotID
		j.BytesTotal = plan.BytesTotal
		j.ChunksTotal = plan.ChunksTotal
		j.HeartbeatAt = e.now()
		return nil
	})
	if err != nil {
		run.Abandon(ctx)
		return e.settle(ctx, id, err)
	}

	dir := string(job.Direction)
	for i := job.ChunksDone; i < plan.ChunksTotal; i++ {
		if ctx.Err() != nil {
			return false
		}
		// Suspend point.
		cur, err := e.jobs.Get(ctx, id)
		if err != nil || cur.State != model.StateActive {
			return e.settle(ctx, id, err)
		}

		var (
			n     int64
			entry *model.CatalogEntry
		)
		err = retry.Do(ctx, ro, transient, func(ctx context.Context) error {
			var err error
			n, entry, err = run.Chunk(ctx, i)
			return err
		})
		if err != nil {
			return e.fail(ctx, cur, fmt.Errorf("chunk %d: %w", i, err))
		}
		if entry != nil {
			if err := e.jobs.AppendCatalog(ctx, id, []model.CatalogEntry{*entry}); err != nil {
				return e.settle(ctx, id, err)
			}
		}
		job, err = e.jobs.Update(ctx, id, model.StateActive, func(j *model.Job) error {
			j.ChunksDone = i + 1
			j.BytesDone += n
			j.HeartbeatAt = e.now()
			return nil
		})
		if err != nil {
			return e.settle(ctx, id, err)
		}
		e.metrics.BytesTransferred.WithLabelValues(dir).Add(float64(n))
	}

	if err := retry.Do(ctx, ro, transient, run.Finish); err != nil {
		return e.fail(ctx, job, fmt.Errorf("finish: %w", err))
	}
	job, err = e.jobs.Update(ctx, id, model.StateActive, func(j *model.Job) error {
		j.State = model.StateDone
		return nil
	})
	if err != nil {
		return e.settle(ctx, id, err)
	}
	e.metrics.JobsFinished.WithLabelValues(dir, string(model.StateDone)).Inc()
	e.log.Info().
		Str("action", "job_done").
		Str("job_id", id).
		Str("direction", dir).
		Int64("bytes_total", job.BytesTotal).
		Int("chunks", job.ChunksTotal).
		Msg("job done")
	return false
}

// target resolves the job's credential into a provider. The credential is
// read at execution time so rotated secrets take effect on the next run.
func (e *Executor) target(ctx context.Context, job *model.Job) (provider.Provider, error) {
	cred, err := e.creds.Resolve(ctx, job.CredentialID)
	if err != nil {
		return nil, err
	}
	if job.Target != "" && cred.Provider != job.Target {
		return nil, fmt.Errorf("%w: credential %s now targets %s, job was created for %s", model.ErrCredentialInvalid, cred.ID, cred.Provider, job.Target)
	}
	return e.open(ctx, cred, e.retryOptions(job))
}

// retryOptions is the configured budget with retries counted against job.
func (e *Executor) retryOptions(job *model.Job) retry.Options {
	ro := e.cfg.Retry
	dir := string(job.Direction)
	ro.OnRetry = func(attempt int, err error) {
		e.metrics.ChunkRetries.WithLabelValues(dir).Inc()
		e.log.Debug().Err(err).Str("action", "transfer_retry").Str("job_id", job.ID).Int("attempt", attempt).Msg("retrying")
	}
	return ro
}

// transient reports whether a transfer step may succeed if repeated.
func transient(err error) bool {
	return errors.Is(err, model.ErrResourceUnavailable)
}

// settle runs when the worker lost the job's Active state under it, or could
// not record progress. cause is reported only if the job is still Active.
func (e *Executor) settle(ctx context.Context, id string, cause error) bool {
	if ctx.Err() != nil {
		return false
	}
	cur, err := e.jobs.Get(ctx, id)
	if err != nil {
		e.log.Warn().Err(err).Str("action", "job_settle").Str("job_id", id).Msg("cannot reload job")
		return false
	}
	switch cur.State {
	case model.StatePaused:
		e.log.Info().
			Str("action", "job_pause").
			Str("job_id", id).
			Int("chunks_done", cur.ChunksDone).
			Msg("job parked")
		return true
	case model.StateStopped:
		e.metrics.JobsFinished.WithLabelValues(string(cur.Direction), string(model.StateStopped)).Inc()
		e.log.Info().Str("action", "job_stop").Str("job_id", id).Msg("job stopped")
		e.finishCleanup(ctx, cur)
	case model.StateActive:
		if cause != nil && !errors.Is(cause, model.ErrStaleState) {
			return e.fail(ctx, cur, cause)
		}
	}
	return false
}

// fail moves an Active job to Failed and cleans up after it.
func (e *Executor) fail(ctx context.Context, job *model.Job, cause error) bool {
	if ctx.Err() != nil {
		return false
	}
	failed, err := e.jobs.Update(ctx, job.ID, model.StateActive, func(j *model.Job) error {
		j.State = model.StateFailed
		j.ErrorDetail = cause.Error()
		return nil
	})
	if errors.Is(err, model.ErrStaleState) {
		return e.settle(ctx, job.ID, nil)
	}
	if err != nil {
		e.log.Error().Err(err).Str("action", "job_fail").Str("job_id", job.ID).Msg("cannot record failure")
		return false
	}
	e.metrics.JobsFinished.WithLabelValues(string(job.Direction), string(model.StateFailed)).Inc()
	e.log.Error().
		Err(cause).
		Str("action", "job_fail").
		Str("job_id", job.ID).
		Str("direction", string(job.Direction)).
		Str("error_code", model.ErrorCode(cause)).
		Msg("job failed")
	e.finishCleanup(ctx, failed)
	return false
}

// finishCleanup is best effort: CleanedUp records that cleanup ran, not that
// it succeeded, so a broken target cannot wedge a worker in a retry loop.
func (e *Executor) finishCleanup(ctx context.Context, job *model.Job) {
	if err := e.Cleanup(ctx, job); err != nil {
		e.log.Warn().Err(err).Str("action", "job_cleanup").Str("job_id", job.ID).Msg("cleanup incomplete")
	}
	_, err := e.jobs.Update(ctx, job.ID, job.State, func(j *model.Job) error {
		j.CleanedUp = true
		return nil
	})
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		e.log.Warn().Err(err).Str("action", "job_cleanup").Str("job_id", job.ID).Msg("cannot record cleanup")
	}
}

// Cleanup removes what job left in its target and on the volume side. It is
// also how a deleted Done backup releases its objects and snapshot.
func (e *Executor) Cleanup(ctx context.Context, job *model.Job) error {
	tr, ok := e.transfers[job.Direction]
	if !ok {
		return fmt.Errorf("%w: no transfer for direction %s", model.ErrInternal, job.Direction)
	}
	p, err := e.target(ctx, job)
	if err != nil && job.Direction == model.DirectionBackup {
		return fmt.Errorf("resolve target: %w", err)
	}
	if err := tr.Cleanup(ctx, job, p); err != nil {
		return err
	}
	e.log.Info().Str("action", "job_cleanup").Str("job_id", job.ID).Str("direction", string(job.Direction)).Msg("cleanup done")
	return nil
}

// owns reports whether jobs on volumeID run on this node.
func (e *Executor) owns(ctx context.Context, volumeID string) bool {
	node, err := e.nodes.Assign(ctx, volumeID)
	if err != nil {
		e.log.Warn().Err(err).Str("action", "job_assign").Str("volume_id", volumeID).Msg("no node for volume")
		return false
	}
	return node == e.nodes.Self()
}

// Sweep recovers jobs the pool lost track of: Queued jobs dropped from a
// full queue or a previous process, Active jobs whose worker stopped
// heartbeating, and terminal jobs whose cleanup never ran. Only jobs on
// volumes assigned to this node are touched.
func (e *Executor) Sweep(ctx context.Context) {
	queued, err := e.jobs.List(ctx, model.Filter{States: []model.State{model.StateQueued}})
	if err != nil {
		e.log.Warn().Err(err).Str("action", "sweep").Msg("list queued jobs")
		return
	}
	for _, j := range queued {
		if !e.owns(ctx, j.VolumeID) {
			continue
		}
		if err := e.Submit(j.ID); err != nil {
			e.log.Debug().Err(err).Str("action", "sweep").Str("job_id", j.ID).Msg("queue full; retry next sweep")
			break
		}
	}

	active, err := e.jobs.List(ctx, model.Filter{States: []model.State{model.StateActive}})
	if err != nil {
		e.log.Warn().Err(err).Str("action", "sweep").Msg("list active jobs")
		return
	}
	now := e.now()
	for _, j := range active {
		if e.claimed(j.ID) || !e.owns(ctx, j.VolumeID) {
			continue
		}
		switch {
		case now.Sub(j.HeartbeatAt) >= e.cfg.HeartbeatTimeout:
			e.reattach(ctx, j)
		case j.NodeID == e.nodes.Self():
			// Resumed through another node's API; no worker here yet.
			_ = e.Submit(j.ID)
		}
	}

	ended, err := e.jobs.List(ctx, model.Filter{States: []model.State{model.StateStopped, model.StateFailed}})
	if err != nil {
		e.log.Warn().Err(err).Str("action", "sweep").Msg("list ended jobs")
		return
	}
	for _, j := range ended {
		if !j.CleanedUp && e.owns(ctx, j.VolumeID) {
			_ = e.Submit(j.ID)
		}
	}
}

func (e *Executor) reattach(ctx context.Context, j *model.Job) {
	if j.Attempts >= e.cfg.MaxReattach {
		if !e.claim(j.ID) {
			return
		}
		defer e.release(j.ID)
		e.fail(ctx, j, fmt.Errorf("%w: worker heartbeat lost %d times", model.ErrResourceUnavailable, j.Attempts+1))
		return
	}
	// The heartbeat read by the sweep is the lease: only one sweeper can
	// replace it.
	_, err := e.jobs.Update(ctx, j.ID, model.StateActive, func(cur *model.Job) error {
		if !cur.HeartbeatAt.Equal(j.HeartbeatAt) || cur.NodeID != j.NodeID {
			return fmt.Errorf("%w: job %s was re-attached by %s", model.ErrStaleState, j.ID, cur.NodeID)
		}
		cur.Attempts++
		cur.NodeID = e.nodes.Self()
		cur.HeartbeatAt = e.now()
		return nil
	})
	if err != nil {
		e.log.Debug().Err(err).Str("action", "job_reattach").Str("job_id", j.ID).Msg("lease lost")
		return
	}
	e.log.Warn().
		Str("action", "job_reattach").
		Str("job_id", j.ID).
		Str("previous_node", j.NodeID).
		Int("attempt", j.Attempts+1).
		Msg("re-attaching orphaned job")
	if err := e.Submit(j.ID); err != nil {
		e.log.Warn().Err(err).Str("action", "job_reattach").Str("job_id", j.ID).Msg("queue full; retry next sweep")
	}
}
