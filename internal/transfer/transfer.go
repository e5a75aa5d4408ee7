// Package transfer declares the contract between the executor and the
// direction-specific data movers.
package transfer

import (
	"context"

	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
	"github.com/Chapsvision-dev/cloudbackupd/internal/provider"
)

// Plan is what Prepare learned about the work. The executor persists it on
// the job before the first chunk moves.
type Plan struct {
	SnapshotID  string
	BytesTotal  int64
	ChunksTotal int
}

// Run is one prepared execution of a job. Chunk indexes are stable across
// runs of the same job so a resumed run can start at the committed cursor.
type Run interface {
	Plan() Plan
	// Chunk moves chunk i and returns the raw bytes it covered plus, for
	// backups, the catalog entry to record.
	Chunk(ctx context.Context, i int) (int64, *model.CatalogEntry, error)
	// Finish runs after the last chunk. It must be safe to repeat.
	Finish(ctx context.Context) error
	// Abandon releases what Prepare created when the plan could not be
	// recorded on the job.
	Abandon(ctx context.Context)
}

// Transfer moves data in one direction.
type Transfer interface {
	Prepare(ctx context.Context, job *model.Job, p provider.Provider) (Run, error)
	// Cleanup removes what a job left behind. Backups lose their objects and
	// snapshot, restores their partially written volume.
	Cleanup(ctx context.Context, job *model.Job, p provider.Provider) error
}
