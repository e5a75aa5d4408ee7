// Package volume is the boundary to the storage engine that owns volume data.
// Backups read point-in-time snapshots through it and restores write new
// volumes through it; the orchestration layer never touches devices directly.
package volume

import (
	"context"
	"time"
)

// Info describes a volume as the engine sees it.
type Info struct {
	ID           string            `json:"id"`
	SizeBytes    int64             `json:"size_bytes"`
	Labels       map[string]string `json:"labels,omitempty"`
	Replicas     int               `json:"replicas"`
	AttachedNode string            `json:"attached_node,omitempty"`
	Snapshots    []string          `json:"snapshots,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Extent is a byte range of a volume.
type Extent struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// CreateSpec describes a volume to provision.
type CreateSpec struct {
	ID        string
	SizeBytes int64
	Replicas  int
	Labels    map[string]string
}

// Accessor is implemented by storage engines.
type Accessor interface {
	Inspect(ctx context.Context, volumeID string) (Info, error)
	// List returns volumes whose labels contain every pair in selector.
	List(ctx context.Context, selector map[string]string) ([]Info, error)

	// Snapshot freezes the current content and returns its ID.
	Snapshot(ctx context.Context, volumeID string) (string, error)
	DeleteSnapshot(ctx context.Context, volumeID, snapshotID string) error
	// ChangedExtents lists ranges of snapshotID that differ from baseID.
	ChangedExtents(ctx context.Context, volumeID, snapshotID, baseID string) ([]Extent, error)
	ReadAt(ctx context.Context, volumeID, snapshotID string, p []byte, off int64) (int, error)

	Create(ctx context.Context, spec CreateSpec) (Info, error)
	WriteAt(ctx context.Context, volumeID string, p []byte, off int64) error
	Attach(ctx context.Context, volumeID, nodeID string) error
	Delete(ctx context.Context, volumeID string) error
}

// MatchLabels reports whether labels contain every pair of selector.
func MatchLabels(labels, selector map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// Chunks splits extents into pieces of at most size bytes.
func Chunks(extents []Extent, size int64) []Extent {
	var out []Extent
	for _, e := range extents {
		for off := e.Offset; off < e.Offset+e.Length; off += size {
			n := size
			if rest := e.Offset + e.Length - off; rest < n {
				n = rest
			}
			out = append(out, Extent{Offset: off, Length: n})
		}
	}
	return out
}
