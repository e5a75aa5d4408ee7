// Package schedule turns schedule policies into backup jobs and enforces
// their retention.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/cronexpr"
	"github.com/rs/zerolog"

	"github.com/Chapsvision-dev/cloudbackupd/internal/backup"
	"github.com/Chapsvision-dev/cloudbackupd/internal/chain"
	"github.com/Chapsvision-dev/cloudbackupd/internal/metrics"
	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
	"github.com/Chapsvision-dev/cloudbackupd/internal/store"
	"github.com/Chapsvision-dev/cloudbackupd/internal/volume"
)

// Backups is the part of the request surface the scheduler drives.
type Backups interface {
	Create(ctx context.Context, req backup.CreateRequest) (*model.Job, error)
	Delete(ctx context.Context, id string) (*model.Job, error)
}

type Option func(*Scheduler)

// WithClock overrides the scheduler's notion of now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

type Scheduler struct {
	policies store.Policies
	jobs     chain.Reader
	chain    *chain.Tracker
	volumes  volume.Accessor
	backups  Backups
	metrics  *metrics.Metrics
	log      zerolog.Logger
	tick     time.Duration
	now      func() time.Time
}

func New(policies store.Policies, jobs chain.Reader, volumes volume.Accessor, backups Backups, tick time.Duration, m *metrics.Metrics, logger zerolog.Logger, opts ...Option) *Scheduler {
	if tick <= 0 {
		tick = time.Minute
	}
	s := &Scheduler{
		policies: policies,
		jobs:     jobs,
		chain:    chain.New(jobs),
		volumes:  volumes,
		backups:  backups,
		metrics:  m,
		log:      logger.With().Str("component", "scheduler").Logger(),
		tick:     tick,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func parse(p *model.SchedulePolicy) (*cronexpr.Expression, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	line, err := p.Recurrence.Expression()
	if err != nil {
		return nil, err
	}
	expr, err := cronexpr.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("%w: recurrence %q: %v", model.ErrInvalidArgument, line, err)
	}
	return expr, nil
}

// Create stores a new policy. Its first window is the first fire time at or
// after now.
func (s *Scheduler) Create(ctx context.Context, p *model.SchedulePolicy) (*model.SchedulePolicy, error) {
	if _, err := parse(p); err != nil {
		return nil, err
	}
	c := *p
	c.CreatedAt = s.now()
	c.UpdatedAt = c.CreatedAt
	if err := s.policies.CreatePolicy(ctx, &c); err != nil {
		return nil, err
	}
	s.log.Info().
		Str("action", "schedule_create").
		Str("policy", c.Name).
		Str("frequency", string(c.Recurrence.Frequency)).
		Int("retention", c.RetentionCount).
		Bool("incremental", c.Incremental).
		Msg("schedule policy created")
	return &c, nil
}

// Update replaces a policy's rule, selector and retention. CreatedAt is kept.
func (s *Scheduler) Update(ctx context.Context, p *model.SchedulePolicy) (*model.SchedulePolicy, error) {
	if _, err := parse(p); err != nil {
		return nil, err
	}
	cur, err := s.policies.GetPolicy(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	c := *p
	c.CreatedAt = cur.CreatedAt
	c.UpdatedAt = s.now()
	if err := s.policies.UpdatePolicy(ctx, &c); err != nil {
		return nil, err
	}
	s.log.Info().Str("action", "schedule_update").Str("policy", c.Name).Msg("schedule policy updated")
	return &c, nil
}

func (s *Scheduler) Get(ctx context.Context, name string) (*model.SchedulePolicy, error) {
	return s.policies.GetPolicy(ctx, name)
}

// Delete removes a policy. Jobs it already created are left alone.
func (s *Scheduler) Delete(ctx context.Context, name string) error {
	if err := s.policies.DeletePolicy(ctx, name); err != nil {
		return err
	}
	s.log.Info().Str("action", "schedule_delete").Str("policy", name).Msg("schedule policy deleted")
	return nil
}

func (s *Scheduler) Enumerate(ctx context.Context) ([]*model.SchedulePolicy, error) {
	return s.policies.ListPolicies(ctx)
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().Str("action", "scheduler_start").Dur("tick", s.tick).Msg("scheduler running")
	s.Tick(ctx)
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every policy once.
func (s *Scheduler) Tick(ctx context.Context) {
	policies, err := s.policies.ListPolicies(ctx)
	if err != nil {
		s.log.Warn().Err(err).Str("action", "scheduler_tick").Msg("cannot list policies")
		return
	}
	now := s.now()
	for _, p := range policies {
		if ctx.Err() != nil {
			return
		}
		s.runPolicy(ctx, p, now)
	}
}

func (s *Scheduler) runPolicy(ctx context.Context, p *model.SchedulePolicy, now time.Time) {
	expr, err := parse(p)
	if err != nil {
		s.log.Error().Err(err).Str("action", "scheduler_tick").Str("policy", p.Name).Msg("policy cannot be evaluated")
		return
	}
	start, inWindow := windowStart(expr, p.CreatedAt, now)

	vols, err := s.selectVolumes(ctx, p.Selector)
	if err != nil {
		s.log.Warn().Err(err).Str("action", "scheduler_tick").Str("policy", p.Name).Msg("cannot select volumes")
		return
	}
	for _, v := range vols {
		jobs, err := s.jobs.List(ctx, model.Filter{VolumeID: v, Direction: model.DirectionBackup, PolicyName: p.Name})
		if err != nil {
			s.log.Warn().Err(err).Str("action", "scheduler_tick").Str("policy", p.Name).Str("volume_id", v).Msg("cannot list jobs")
			continue
		}
		var latest *model.Job
		if n := len(jobs); n > 0 {
			latest = jobs[n-1]
		}
		if latest != nil && latest.State == model.StateDone {
			s.retain(ctx, p, v, jobs)
		}
		if !inWindow || (latest != nil && !latest.CreatedAt.Before(start)) {
			continue
		}
		s.trigger(ctx, p, v, start)
	}
}

// maxLookback bounds how far back windowStart searches for a fire time.
const maxLookback = 5 * 366 * 24 * time.Hour

// windowStart returns the latest fire time of expr in [notBefore, now]. The
// search looks back in doubling steps so a sparse schedule on an old policy
// does not walk every fire time since the policy was created.
func windowStart(expr *cronexpr.Expression, notBefore, now time.Time) (time.Time, bool) {
	if now.Before(notBefore) {
		return time.Time{}, false
	}
	// A policy without a creation time would otherwise look back forever.
	if floor := now.Add(-maxLookback); notBefore.Before(floor) {
		notBefore = floor
	}
	for d := time.Minute; ; d *= 2 {
		from, clamped := now.Add(-d), false
		if !from.After(notBefore) {
			from, clamped = notBefore.Add(-time.Nanosecond), true
		}
		t := expr.Next(from)
		if !t.IsZero() && !t.After(now) {
			for {
				n := expr.Next(t)
				if n.IsZero() || n.After(now) {
					return t, true
				}
				t = n
			}
		}
		if clamped {
			return time.Time{}, false
		}
	}
}

func (s *Scheduler) selectVolumes(ctx context.Context, sel model.VolumeSelector) ([]string, error) {
	set := map[string]struct{}{}
	for _, id := range sel.VolumeIDs {
		if _, err := s.volumes.Inspect(ctx, id); err != nil {
			if errors.Is(err, model.ErrNotFound) {
				s.log.Warn().Str("action", "scheduler_select").Str("volume_id", id).Msg("selected volume does not exist")
				continue
			}
			return nil, err
		}
		set[id] = struct{}{}
	}
	if len(sel.Labels) > 0 {
		infos, err := s.volumes.List(ctx, sel.Labels)
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			set[info.ID] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// taskName identifies the job of one policy, volume and window. The store
// refuses a second job with the same name, so a restarted scheduler cannot
// trigger a window twice.
func taskName(policy, volumeID string, start time.Time) string {
	return fmt.Sprintf("%s/%s/%d", policy, volumeID, start.Unix())
}

func (s *Scheduler) trigger(ctx context.Context, p *model.SchedulePolicy, volumeID string, start time.Time) {
	parent := ""
	if p.Incremental {
		parent = s.parentFor(ctx, p, volumeID)
	}
	job, err := s.backups.Create(ctx, backup.CreateRequest{
		VolumeID:       volumeID,
		CredentialID:   p.CredentialID,
		ParentBackupID: parent,
		TaskName:       taskName(p.Name, volumeID, start),
		PolicyName:     p.Name,
	})
	if errors.Is(err, model.ErrAlreadyExists) {
		s.log.Debug().Str("action", "scheduler_trigger").Str("policy", p.Name).Str("volume_id", volumeID).Msg("window already triggered")
		return
	}
	if err != nil {
		s.log.Warn().
			Err(err).
			Str("action", "scheduler_trigger").
			Str("policy", p.Name).
			Str("volume_id", volumeID).
			Time("window", start).
			Msg("scheduled backup not created")
		return
	}
	s.metrics.SchedulerTriggers.WithLabelValues(p.Name).Inc()
	s.log.Info().
		Str("action", "scheduler_trigger").
		Str("policy", p.Name).
		Str("volume_id", volumeID).
		Str("job_id", job.ID).
		Str("parent_backup_id", parent).
		Time("window", start).
		Msg("scheduled backup created")
}

// parentFor picks the newest Done backup of the volume written with the
// policy's credential, unless extending its chain would exceed
// MaxIncrementalChain incrementals.
func (s *Scheduler) parentFor(ctx context.Context, p *model.SchedulePolicy, volumeID string) string {
	done, err := s.jobs.List(ctx, model.Filter{VolumeID: volumeID, Direction: model.DirectionBackup, States: []model.State{model.StateDone}})
	if err != nil {
		return ""
	}
	for i := len(done) - 1; i >= 0; i-- {
		b := done[i]
		if b.CredentialID != p.CredentialID {
			continue
		}
		if p.MaxIncrementalChain > 0 {
			depth, err := s.chain.Depth(ctx, b.ID)
			if err != nil || depth > p.MaxIncrementalChain {
				return ""
			}
		}
		return b.ID
	}
	return ""
}

// retain deletes the oldest Done backups of a policy and volume beyond the
// policy's retention count. Expired backups go children first, so an expired
// chain is pruned in one pass; backups other jobs still depend on are kept.
func (s *Scheduler) retain(ctx context.Context, p *model.SchedulePolicy, volumeID string, jobs []*model.Job) {
	if p.RetentionCount <= 0 {
		return
	}
	var done []*model.Job
	for _, j := range jobs {
		if j.State == model.StateDone {
			done = append(done, j)
		}
	}
	excess := len(done) - p.RetentionCount
	if excess <= 0 {
		return
	}
	expired := make(map[string]bool, excess)
	for _, j := range done[:excess] {
		expired[j.ID] = true
	}
	order, err := s.chain.DeletionOrder(ctx, volumeID)
	if err != nil {
		s.log.Warn().Err(err).Str("action", "retention").Str("policy", p.Name).Str("volume_id", volumeID).Msg("cannot order backups")
		return
	}
	for _, j := range order {
		if !expired[j.ID] {
			continue
		}
		if ok, err := s.chain.CanDelete(ctx, j.ID); err != nil || !ok {
			s.log.Info().
				Err(err).
				Str("action", "retention").
				Str("policy", p.Name).
				Str("volume_id", volumeID).
				Str("job_id", j.ID).
				Msg("backup kept past retention; other jobs depend on it")
			continue
		}
		if _, err := s.backups.Delete(ctx, j.ID); err != nil {
			ev := s.log.Warn()
			if errors.Is(err, model.ErrDependencyExists) {
				ev = s.log.Info()
			}
			ev.Err(err).
				Str("action", "retention").
				Str("policy", p.Name).
				Str("volume_id", volumeID).
				Str("job_id", j.ID).
				Msg("backup kept past retention")
			continue
		}
		s.metrics.RetentionDeletes.WithLabelValues(p.Name).Inc()
		s.log.Info().
			Str("action", "retention").
			Str("policy", p.Name).
			Str("volume_id", volumeID).
			Str("job_id", j.ID).
			Msg("backup expired")
	}
}
