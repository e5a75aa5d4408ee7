// Package chain answers dependency questions about incremental backups. The
// graph is derived from ParentBackupID on every call; nothing is cached.
package chain

import (
	"context"
	"fmt"
	"sort"

	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
)

// Reader is the slice of the job store the tracker needs.
type Reader interface {
	Get(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context, f model.Filter) ([]*model.Job, error)
}

type Tracker struct {
	jobs Reader
}

func New(jobs Reader) *Tracker {
	return &Tracker{jobs: jobs}
}

// Dependents returns the jobs currently pinning backupID.
func (t *Tracker) Dependents(ctx context.Context, backupID string) ([]*model.Job, error) {
	b, err := t.jobs.Get(ctx, backupID)
	if err != nil {
		return nil, err
	}
	all, err := t.jobs.List(ctx, model.Filter{})
	if err != nil {
		return nil, err
	}
	var out []*model.Job
	for _, j := range all {
		if j.ID != b.ID && j.References() == b.ID && j.Pins() {
			out = append(out, j)
		}
	}
	return out, nil
}

// CanDelete reports whether nothing pins backupID. The store re-checks this
// atomically on delete; this is the advisory read.
func (t *Tracker) CanDelete(ctx context.Context, backupID string) (bool, error) {
	deps, err := t.Dependents(ctx, backupID)
	if err != nil {
		return false, err
	}
	return len(deps) == 0, nil
}

// Lineage returns the chain ending at backupID, root first.
func (t *Tracker) Lineage(ctx context.Context, backupID string) ([]*model.Job, error) {
	var rev []*model.Job
	seen := map[string]bool{}
	for id := backupID; id != ""; {
		if seen[id] {
			return nil, fmt.Errorf("%w: backup chain of %s loops at %s", model.ErrInternal, backupID, id)
		}
		seen[id] = true
		j, err := t.jobs.Get(ctx, id)
		if err != nil {
			if id != backupID {
				return nil, fmt.Errorf("chain of %s is broken at %s: %w", backupID, id, err)
			}
			return nil, err
		}
		if j.Direction != model.DirectionBackup {
			return nil, fmt.Errorf("%w: %s is a %s job", model.ErrInvalidArgument, id, j.Direction)
		}
		rev = append(rev, j)
		id = j.ParentBackupID
	}
	out := make([]*model.Job, len(rev))
	for i, j := range rev {
		out[len(rev)-1-i] = j
	}
	return out, nil
}

// Depth is the number of backups in the chain ending at backupID; a full
// backup has depth 1.
func (t *Tracker) Depth(ctx context.Context, backupID string) (int, error) {
	l, err := t.Lineage(ctx, backupID)
	if err != nil {
		return 0, err
	}
	return len(l), nil
}

// DeletionOrder returns the volume's terminal backups, children before
// parents, newest first among equals.
func (t *Tracker) DeletionOrder(ctx context.Context, volumeID string) ([]*model.Job, error) {
	jobs, err := t.jobs.List(ctx, model.Filter{VolumeID: volumeID, Direction: model.DirectionBackup})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}
	depth := map[string]int{}
	var depthOf func(id string, guard int) int
	depthOf = func(id string, guard int) int {
		if d, ok := depth[id]; ok {
			return d
		}
		j, ok := byID[id]
		if !ok || guard > len(byID) {
			return 0
		}
		d := 1 + depthOf(j.ParentBackupID, guard+1)
		depth[id] = d
		return d
	}

	var out []*model.Job
	for _, j := range jobs {
		if j.State.Terminal() {
			depthOf(j.ID, 0)
			out = append(out, j)
		}
	}
	sort.SliceStable(out, func(i, k int) bool {
		if depth[out[i].ID] != depth[out[k].ID] {
			return depth[out[i].ID] > depth[out[k].ID]
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out, nil
}
