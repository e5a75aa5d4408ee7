package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
)

// record holds one job. The job pointer is swapped copy-on-write so readers
// never observe a half-applied update; mu serializes writers of this job only.
type record struct {
	mu      sync.Mutex
	job     atomic.Pointer[model.Job]
	catalog map[int]model.CatalogEntry
	deleted bool
}

// Memory is an in-process Store. Lock order is record.mu before idx.
type Memory struct {
	opts options

	idx   sync.RWMutex
	jobs  map[string]*record
	tasks map[string]string
	refs  map[string]map[string]struct{}

	pmu      sync.RWMutex
	policies map[string]*model.SchedulePolicy
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...Option) *Memory {
	return &Memory{
		opts:     buildOptions(opts),
		jobs:     map[string]*record{},
		tasks:    map[string]string{},
		refs:     map[string]map[string]struct{}{},
		policies: map[string]*model.SchedulePolicy{},
	}
}

func (m *Memory) lookup(id string) *record {
	m.idx.RLock()
	defer m.idx.RUnlock()
	return m.jobs[id]
}

func (m *Memory) Create(ctx context.Context, job *model.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}

	// Hold the referenced record's lock across the insert so a concurrent
	// Delete of that backup either sees this job or runs after it failed.
	if refID := job.References(); refID != "" {
		ref := m.lookup(refID)
		if ref == nil {
			return fmt.Errorf("referenced backup: %w", jobNotFound(refID))
		}
		ref.mu.Lock()
		defer ref.mu.Unlock()
		if ref.deleted {
			return fmt.Errorf("referenced backup: %w", jobNotFound(refID))
		}
		if err := checkReference(job, ref.job.Load()); err != nil {
			return err
		}
	}

	now := m.opts.now()
	j := job.Clone()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.LastStateChangeAt = j.CreatedAt
	j.Revision = 1

	rec := &record{catalog: map[int]model.CatalogEntry{}}
	rec.job.Store(j)

	m.idx.Lock()
	defer m.idx.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("%w: job %s", model.ErrAlreadyExists, j.ID)
	}
	if j.TaskName != "" {
		if other, ok := m.tasks[j.TaskName]; ok {
			return fmt.Errorf("%w: task %s is job %s", model.ErrAlreadyExists, j.TaskName, other)
		}
		m.tasks[j.TaskName] = j.ID
	}
	m.jobs[j.ID] = rec
	if refID := j.References(); refID != "" {
		set := m.refs[refID]
		if set == nil {
			set = map[string]struct{}{}
			m.refs[refID] = set
		}
		set[j.ID] = struct{}{}
	}
	*job = *j.Clone()
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*model.Job, error) {
	rec := m.lookup(id)
	if rec == nil {
		return nil, jobNotFound(id)
	}
	j := rec.job.Load()
	if j == nil {
		return nil, jobNotFound(id)
	}
	return j.Clone(), nil
}

func (m *Memory) List(ctx context.Context, f model.Filter) ([]*model.Job, error) {
	m.idx.RLock()
	snap := make([]*model.Job, 0, len(m.jobs))
	for _, rec := range m.jobs {
		snap = append(snap, rec.job.Load())
	}
	m.idx.RUnlock()

	out := make([]*model.Job, 0, len(snap))
	for _, j := range snap {
		if f.Match(j) {
			out = append(out, j.Clone())
		}
	}
	sortJobs(out)
	return out, nil
}

func (m *Memory) Update(ctx context.Context, id string, expect model.State, fn func(*model.Job) error) (*model.Job, error) {
	rec := m.lookup(id)
	if rec == nil {
		return nil, jobNotFound(id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return nil, jobNotFound(id)
	}
	next, err := applyUpdate(rec.job.Load(), expect, m.opts.now(), fn)
	if err != nil {
		return nil, err
	}
	rec.job.Store(next)
	return next.Clone(), nil
}

func (m *Memory) Delete(ctx context.Context, id string) (*model.Job, error) {
	rec := m.lookup(id)
	if rec == nil {
		return nil, jobNotFound(id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return nil, jobNotFound(id)
	}
	j := rec.job.Load()
	if !j.State.Terminal() {
		return nil, fmt.Errorf("%w: job %s is %s; stop it first", model.ErrInvalidTransition, id, j.State)
	}

	m.idx.Lock()
	defer m.idx.Unlock()
	// A pinning referrer can only be admitted while holding rec.mu, and a
	// non-pinning state is terminal, so this check cannot go stale.
	for cid := range m.refs[id] {
		if child := m.jobs[cid]; child != nil && child.job.Load().Pins() {
			return nil, fmt.Errorf("%w: %s is referenced by %s", model.ErrDependencyExists, id, cid)
		}
	}
	rec.deleted = true
	rec.catalog = nil
	delete(m.jobs, id)
	delete(m.refs, id)
	if j.TaskName != "" {
		delete(m.tasks, j.TaskName)
	}
	if refID := j.References(); refID != "" {
		delete(m.refs[refID], id)
	}
	return j.Clone(), nil
}

func (m *Memory) AppendCatalog(ctx context.Context, id string, entries []model.CatalogEntry) error {
	rec := m.lookup(id)
	if rec == nil {
		return jobNotFound(id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return jobNotFound(id)
	}
	if err := catalogWritable(rec.job.Load()); err != nil {
		return err
	}
	for _, e := range entries {
		if _, ok := rec.catalog[e.Seq]; !ok {
			rec.catalog[e.Seq] = e
		}
	}
	return nil
}

func (m *Memory) Catalog(ctx context.Context, id string) ([]model.CatalogEntry, error) {
	rec := m.lookup(id)
	if rec == nil {
		return nil, jobNotFound(id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return nil, jobNotFound(id)
	}
	out := make([]model.CatalogEntry, 0, len(rec.catalog))
	for _, e := range rec.catalog {
		out = append(out, e)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Seq < out[k].Seq })
	return out, nil
}

func (m *Memory) CreatePolicy(ctx context.Context, p *model.SchedulePolicy) error {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	if _, ok := m.policies[p.Name]; ok {
		return fmt.Errorf("%w: schedule policy %s", model.ErrAlreadyExists, p.Name)
	}
	c := clonePolicy(p)
	m.policies[p.Name] = c
	return nil
}

func (m *Memory) UpdatePolicy(ctx context.Context, p *model.SchedulePolicy) error {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	if _, ok := m.policies[p.Name]; !ok {
		return policyNotFound(p.Name)
	}
	m.policies[p.Name] = clonePolicy(p)
	return nil
}

func (m *Memory) GetPolicy(ctx context.Context, name string) (*model.SchedulePolicy, error) {
	m.pmu.RLock()
	defer m.pmu.RUnlock()
	p, ok := m.policies[name]
	if !ok {
		return nil, policyNotFound(name)
	}
	return clonePolicy(p), nil
}

func (m *Memory) DeletePolicy(ctx context.Context, name string) error {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	if _, ok := m.policies[name]; !ok {
		return policyNotFound(name)
	}
	delete(m.policies, name)
	return nil
}

func (m *Memory) ListPolicies(ctx context.Context) ([]*model.SchedulePolicy, error) {
	m.pmu.RLock()
	defer m.pmu.RUnlock()
	out := make([]*model.SchedulePolicy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, clonePolicy(p))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

func (m *Memory) Close() error { return nil }

func catalogWritable(j *model.Job) error {
	if j.Direction != model.DirectionBackup {
		return fmt.Errorf("%w: job %s is a %s", model.ErrInvalidArgument, j.ID, j.Direction)
	}
	if j.State.Terminal() {
		return fmt.Errorf("%w: catalog of %s job %s is sealed", model.ErrInvalidTransition, j.State, j.ID)
	}
	return nil
}

func sortJobs(jobs []*model.Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		return jobs[i].ID < jobs[k].ID
	})
}

func clonePolicy(p *model.SchedulePolicy) *model.SchedulePolicy {
	c := *p
	c.Selector.VolumeIDs = append([]string(nil), p.Selector.VolumeIDs...)
	if p.Selector.Labels != nil {
		c.Selector.Labels = make(map[string]string, len(p.Selector.Labels))
		for k, v := range p.Selector.Labels {
			c.Selector.Labels[k] = v
		}
	}
	return &c
}
