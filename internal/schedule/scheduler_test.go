package schedule

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/cronexpr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/cloudbackupd/internal/backup"
	"github.com/Chapsvision-dev/cloudbackupd/internal/credential"
	"github.com/Chapsvision-dev/cloudbackupd/internal/metrics"
	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
	"github.com/Chapsvision-dev/cloudbackupd/internal/store"
	"github.com/Chapsvision-dev/cloudbackupd/internal/volume"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type nopRunner struct{}

func (nopRunner) Submit(string) error                      { return nil }
func (nopRunner) Cleanup(context.Context, *model.Job) error { return nil }

type fixture struct {
	clock *clock
	jobs  *store.Memory
	vols  *volume.FileEngine
	svc   *backup.Service
}

func day(d, h, m int) time.Time {
	return time.Date(2026, 3, d, h, m, 0, 0, time.UTC)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	c := &clock{now: day(10, 10, 30)}
	jobs := store.NewMemory(store.WithClock(c.Now))
	vols, err := volume.NewFileEngine(t.TempDir())
	require.NoError(t, err)
	for _, spec := range []volume.CreateSpec{
		{ID: "vol-a", SizeBytes: 1024, Labels: map[string]string{"tier": "gold"}},
		{ID: "vol-b", SizeBytes: 1024, Labels: map[string]string{"tier": "gold"}},
		{ID: "vol-c", SizeBytes: 1024},
	} {
		_, err := vols.Create(ctx, spec)
		require.NoError(t, err)
	}
	creds := credential.Static{"local": {Provider: "fs", Bucket: t.TempDir()}}
	svc := backup.New(jobs, vols, creds, nopRunner{}, nil, backup.Options{}, zerolog.Nop())
	return &fixture{clock: c, jobs: jobs, vols: vols, svc: svc}
}

func (f *fixture) scheduler() *Scheduler {
	return New(f.jobs, f.jobs, f.vols, f.svc, time.Minute, metrics.NewForTest(), zerolog.Nop(), WithClock(f.clock.Now))
}

func (f *fixture) policy(t *testing.T, s *Scheduler, p model.SchedulePolicy) {
	t.Helper()
	if p.Name == "" {
		p.Name = "nightly"
	}
	p.CredentialID = "local"
	p.Recurrence = model.Recurrence{Frequency: model.FrequencyDaily, Hour: 2}
	if p.Selector.Empty() {
		p.Selector = model.VolumeSelector{Labels: map[string]string{"tier": "gold"}}
	}
	_, err := s.Create(context.Background(), &p)
	require.NoError(t, err)
}

func (f *fixture) backups(t *testing.T, volumeID string) []*model.Job {
	t.Helper()
	jobs, err := f.jobs.List(context.Background(), model.Filter{VolumeID: volumeID, Direction: model.DirectionBackup})
	require.NoError(t, err)
	return jobs
}

func (f *fixture) finishAll(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	queued, err := f.jobs.List(ctx, model.Filter{States: []model.State{model.StateQueued}})
	require.NoError(t, err)
	for _, j := range queued {
		for _, to := range []model.State{model.StateActive, model.StateDone} {
			cur, err := f.jobs.Get(ctx, j.ID)
			require.NoError(t, err)
			_, err = f.jobs.Update(ctx, j.ID, cur.State, func(x *model.Job) error {
				x.State = to
				return nil
			})
			require.NoError(t, err)
		}
	}
}

func TestWindowStart(t *testing.T) {
	daily := cronexpr.MustParse("0 2 * * *")
	created := day(10, 10, 30)

	_, ok := windowStart(daily, created, day(10, 11, 0))
	assert.False(t, ok, "the 02:00 window of the creation day began before the policy")
	_, ok = windowStart(daily, created, day(11, 1, 59))
	assert.False(t, ok)

	start, ok := windowStart(daily, created, day(11, 2, 0))
	require.True(t, ok)
	assert.Equal(t, day(11, 2, 0), start)

	start, ok = windowStart(daily, created, day(20, 5, 0))
	require.True(t, ok)
	assert.Equal(t, day(20, 2, 0), start)

	quarter := cronexpr.MustParse("*/15 * * * *")
	start, ok = windowStart(quarter, day(10, 9, 0), day(10, 10, 7))
	require.True(t, ok)
	assert.Equal(t, day(10, 10, 0), start)

	_, ok = windowStart(daily, created, day(9, 0, 0))
	assert.False(t, ok)
}

func TestWindowStartWithoutCreationTime(t *testing.T) {
	daily := cronexpr.MustParse("0 2 * * *")
	start, ok := windowStart(daily, time.Time{}, day(20, 5, 0))
	require.True(t, ok)
	assert.Equal(t, day(20, 2, 0), start)

	// Only fires in 2099: the search gives up instead of walking back forever.
	future := cronexpr.MustParse("0 0 1 1 * 2099")
	_, ok = windowStart(future, time.Time{}, day(20, 5, 0))
	assert.False(t, ok)
}

func TestTickTriggersOncePerWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.scheduler()
	f.policy(t, s, model.SchedulePolicy{})

	s.Tick(ctx)
	assert.Empty(t, f.backups(t, "vol-a"))

	f.clock.Set(day(11, 2, 5))
	s.Tick(ctx)
	s.Tick(ctx)
	a := f.backups(t, "vol-a")
	require.Len(t, a, 1)
	assert.Equal(t, "nightly/vol-a/"+strconv.FormatInt(day(11, 2, 0).Unix(), 10), a[0].TaskName)
	assert.Equal(t, "nightly", a[0].PolicyName)
	assert.Len(t, f.backups(t, "vol-b"), 1)
	assert.Empty(t, f.backups(t, "vol-c"))

	// A restarted scheduler sees the window as handled.
	f.clock.Set(day(11, 3, 0))
	f.scheduler().Tick(ctx)
	assert.Len(t, f.backups(t, "vol-a"), 1)

	f.clock.Set(day(12, 2, 0))
	s.Tick(ctx)
	assert.Len(t, f.backups(t, "vol-a"), 2)
}

func TestTaskNameStopsDoubleTrigger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.scheduler()
	f.policy(t, s, model.SchedulePolicy{})
	f.clock.Set(day(11, 2, 5))
	s.Tick(ctx)

	// Even if the job looked older than the window, the store refuses a
	// second job for the same window.
	p, err := s.Get(ctx, "nightly")
	require.NoError(t, err)
	s.trigger(ctx, p, "vol-a", day(11, 2, 0))
	assert.Len(t, f.backups(t, "vol-a"), 1)
}

func TestIncrementalChainIsCapped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.scheduler()
	f.policy(t, s, model.SchedulePolicy{
		Incremental:         true,
		MaxIncrementalChain: 1,
		Selector:            model.VolumeSelector{VolumeIDs: []string{"vol-a", "vol-gone"}},
	})

	var parents []string
	for d := 11; d <= 14; d++ {
		f.clock.Set(day(d, 2, 1))
		s.Tick(ctx)
		f.finishAll(t)
		jobs := f.backups(t, "vol-a")
		require.Len(t, jobs, d-10)
		parents = append(parents, jobs[len(jobs)-1].ParentBackupID)
	}
	jobs := f.backups(t, "vol-a")
	assert.Equal(t, []string{"", jobs[0].ID, "", jobs[2].ID}, parents)
}

func TestRetentionDeletesOldest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.scheduler()
	f.policy(t, s, model.SchedulePolicy{
		RetentionCount: 2,
		Selector:       model.VolumeSelector{VolumeIDs: []string{"vol-c"}},
	})

	for d := 11; d <= 14; d++ {
		f.clock.Set(day(d, 2, 1))
		s.Tick(ctx)
		f.finishAll(t)
	}
	// Retention runs before the window's new backup is taken.
	before := f.backups(t, "vol-c")
	require.Len(t, before, 3)

	f.clock.Set(day(15, 2, 1))
	s.Tick(ctx)
	after := f.backups(t, "vol-c")
	require.Len(t, after, 3)
	assert.Equal(t, before[1].ID, after[0].ID)
	assert.Equal(t, before[2].ID, after[1].ID)
	assert.Equal(t, model.StateQueued, after[2].State)
}

func TestRetentionKeepsDependencies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.scheduler()
	f.policy(t, s, model.SchedulePolicy{
		RetentionCount: 1,
		Incremental:    true,
		Selector:       model.VolumeSelector{VolumeIDs: []string{"vol-c"}},
	})
	for d := 11; d <= 13; d++ {
		f.clock.Set(day(d, 2, 1))
		s.Tick(ctx)
		f.finishAll(t)
	}
	// Every backup is the parent of the next, so nothing can expire.
	assert.Len(t, f.backups(t, "vol-c"), 3)
}

func TestRetentionPrunesExpiredChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.scheduler()
	f.policy(t, s, model.SchedulePolicy{
		RetentionCount:      1,
		Incremental:         true,
		MaxIncrementalChain: 2,
		Selector:            model.VolumeSelector{VolumeIDs: []string{"vol-c"}},
	})
	// Days 11-13 build root <- inc <- inc; day 14 starts a new full.
	for d := 11; d <= 14; d++ {
		f.clock.Set(day(d, 2, 1))
		s.Tick(ctx)
		f.finishAll(t)
	}
	before := f.backups(t, "vol-c")
	require.Len(t, before, 4)
	require.Empty(t, before[3].ParentBackupID)
	require.Equal(t, before[1].ID, before[2].ParentBackupID)

	f.clock.Set(day(15, 2, 1))
	s.Tick(ctx)
	after := f.backups(t, "vol-c")
	require.Len(t, after, 2, "the whole expired chain goes in one tick")
	assert.Equal(t, before[3].ID, after[0].ID)
	assert.Equal(t, before[3].ID, after[1].ParentBackupID)
	assert.Equal(t, model.StateQueued, after[1].State)
}

func TestPolicyCRUD(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.scheduler()

	bad := &model.SchedulePolicy{
		Name:         "broken",
		CredentialID: "local",
		Recurrence:   model.Recurrence{Frequency: model.FrequencyCron, Cron: "every tuesday"},
		Selector:     model.VolumeSelector{VolumeIDs: []string{"vol-a"}},
	}
	_, err := s.Create(ctx, bad)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	f.policy(t, s, model.SchedulePolicy{Name: "hourly"})
	created, err := s.Get(ctx, "hourly")
	require.NoError(t, err)
	assert.Equal(t, day(10, 10, 30), created.CreatedAt)

	_, err = s.Create(ctx, created)
	assert.ErrorIs(t, err, model.ErrAlreadyExists)

	f.clock.Set(day(10, 12, 0))
	upd := *created
	upd.RetentionCount = 7
	got, err := s.Update(ctx, &upd)
	require.NoError(t, err)
	assert.Equal(t, created.CreatedAt, got.CreatedAt)
	assert.Equal(t, day(10, 12, 0), got.UpdatedAt)

	upd.Name = "missing"
	_, err = s.Update(ctx, &upd)
	assert.ErrorIs(t, err, model.ErrNotFound)

	all, err := s.Enumerate(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 7, all[0].RetentionCount)

	require.NoError(t, s.Delete(ctx, "hourly"))
	assert.ErrorIs(t, s.Delete(ctx, "hourly"), model.ErrNotFound)
}
