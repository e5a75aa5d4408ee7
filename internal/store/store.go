// Package store is the source of truth for backup/restore jobs, their
// catalogs, and schedule policy records.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
)

// Jobs is the job half of the store contract.
//
// Mutations on one job are linearized; mutations on distinct jobs do not
// contend. List returns a point-in-time copy of every record it includes.
type Jobs interface {
	// Create admits a new Queued job. A job that references a backup (parent
	// of an incremental, source of a restore) is admitted only while that
	// backup is Done; the check and the insert are atomic with Delete.
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context, f model.Filter) ([]*model.Job, error)
	// Update applies fn to the job iff its current state equals expect.
	// Otherwise it fails with model.ErrStaleState and leaves the record alone.
	Update(ctx context.Context, id string, expect model.State, fn func(*model.Job) error) (*model.Job, error)
	// Delete removes a terminal job and its catalog iff nothing pins it.
	Delete(ctx context.Context, id string) (*model.Job, error)
	// AppendCatalog records entries for a running backup. Entries are keyed by
	// Seq; re-appending a known Seq is a no-op.
	AppendCatalog(ctx context.Context, id string, entries []model.CatalogEntry) error
	Catalog(ctx context.Context, id string) ([]model.CatalogEntry, error)
}

// Policies persists schedule policy records on behalf of the scheduler.
type Policies interface {
	CreatePolicy(ctx context.Context, p *model.SchedulePolicy) error
	UpdatePolicy(ctx context.Context, p *model.SchedulePolicy) error
	GetPolicy(ctx context.Context, name string) (*model.SchedulePolicy, error)
	DeletePolicy(ctx context.Context, name string) error
	ListPolicies(ctx context.Context) ([]*model.SchedulePolicy, error)
}

// Store bundles both halves with a lifecycle.
type Store interface {
	Jobs
	Policies
	Close() error
}

// Option tunes a store implementation.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock used to stamp state changes.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// validateNew checks the fields Create requires before touching storage.
func validateNew(j *model.Job) error {
	switch {
	case j == nil:
		return fmt.Errorf("%w: nil job", model.ErrInvalidArgument)
	case j.ID == "":
		return fmt.Errorf("%w: job id is required", model.ErrInvalidArgument)
	case j.VolumeID == "":
		return fmt.Errorf("%w: volume id is required", model.ErrInvalidArgument)
	case !j.Direction.Valid():
		return fmt.Errorf("%w: direction %q", model.ErrInvalidArgument, j.Direction)
	case j.State != model.StateQueued:
		return fmt.Errorf("%w: new jobs start Queued, got %s", model.ErrInvalidTransition, j.State)
	case j.Direction == model.DirectionRestore && j.SourceBackupID == "":
		return fmt.Errorf("%w: restore requires a source backup", model.ErrInvalidArgument)
	case j.Direction == model.DirectionRestore && j.ParentBackupID != "":
		return fmt.Errorf("%w: restore jobs have no parent", model.ErrInvalidArgument)
	}
	return nil
}

// checkReference validates the backup a new job points at.
func checkReference(j, ref *model.Job) error {
	if ref.Direction != model.DirectionBackup {
		return fmt.Errorf("%w: %s is not a backup", model.ErrInvalidArgument, ref.ID)
	}
	if ref.State != model.StateDone {
		return fmt.Errorf("%w: %s is %s", model.ErrNotDone, ref.ID, ref.State)
	}
	if j.Direction == model.DirectionBackup && ref.VolumeID != j.VolumeID {
		return fmt.Errorf("%w: parent %s belongs to volume %s", model.ErrInvalidArgument, ref.ID, ref.VolumeID)
	}
	return nil
}

// applyUpdate runs fn against a copy of cur and enforces the invariants every
// implementation shares. The returned job is the candidate next version.
func applyUpdate(cur *model.Job, expect model.State, now time.Time, fn func(*model.Job) error) (*model.Job, error) {
	if cur.State != expect {
		return nil, fmt.Errorf("%w: job %s is %s, expected %s", model.ErrStaleState, cur.ID, cur.State, expect)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	// Identity and lineage are immutable.
	next.ID = cur.ID
	next.Direction = cur.Direction
	next.VolumeID = cur.VolumeID
	next.ParentBackupID = cur.ParentBackupID
	next.SourceBackupID = cur.SourceBackupID
	next.TaskName = cur.TaskName
	next.CreatedAt = cur.CreatedAt

	if next.State != cur.State {
		if !model.CanTransition(cur.State, next.State) {
			return nil, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, cur.State, next.State)
		}
		next.LastStateChangeAt = now
	}
	if next.State == model.StateActive && next.BytesDone < cur.BytesDone {
		return nil, fmt.Errorf("%w: progress must not go backwards", model.ErrInvalidArgument)
	}
	if next.State != model.StateFailed {
		next.ErrorDetail = ""
	}
	next.Revision = cur.Revision + 1
	return next, nil
}

func jobNotFound(id string) error {
	return fmt.Errorf("%w: job %s", model.ErrNotFound, id)
}

func policyNotFound(name string) error {
	return fmt.Errorf("%w: schedule policy %s", model.ErrNotFound, name)
}
