package volume

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
)

// extentBlock is the granularity ChangedExtents compares at.
const extentBlock = 64 << 10

// FileEngine keeps each volume as a sparse file with full-copy snapshots:
//
//	<root>/<volumeID>/meta.json
//	<root>/<volumeID>/data
//	<root>/<volumeID>/snapshots/<snapshotID>
type FileEngine struct {
	root string
	now  func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ Accessor = (*FileEngine)(nil)

// NewFileEngine serves volumes under root, creating it if needed.
func NewFileEngine(root string) (*FileEngine, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("volume root: %w", err)
	}
	return &FileEngine{
		root:  root,
		now:   func() time.Time { return time.Now().UTC() },
		locks: map[string]*sync.Mutex{},
	}, nil
}

func (e *FileEngine) lock(id string) func() {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *FileEngine) dir(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: volume id %q", model.ErrInvalidArgument, id)
	}
	return filepath.Join(e.root, id), nil
}

func (e *FileEngine) readMeta(id string) (Info, error) {
	dir, err := e.dir(id)
	if err != nil {
		return Info{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if errors.Is(err, os.ErrNotExist) {
		return Info{}, fmt.Errorf("%w: volume %s", model.ErrNotFound, id)
	}
	if err != nil {
		return Info{}, fmt.Errorf("%w: volume %s: %v", model.ErrResourceUnavailable, id, err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("%w: volume %s metadata: %v", model.ErrResourceUnavailable, id, err)
	}
	return info, nil
}

func (e *FileEngine) writeMeta(info Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(filepath.Join(e.root, info.ID, "meta.json"), bytes.NewReader(data))
}

func (e *FileEngine) Inspect(ctx context.Context, volumeID string) (Info, error) {
	return e.readMeta(volumeID)
}

func (e *FileEngine) List(ctx context.Context, selector map[string]string) ([]Info, error) {
	entries, err := os.ReadDir(e.root)
	if err != nil {
		return nil, fmt.Errorf("%w: list volumes: %v", model.ErrResourceUnavailable, err)
	}
	var out []Info
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		info, err := e.readMeta(ent.Name())
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if MatchLabels(info.Labels, selector) {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (e *FileEngine) Create(ctx context.Context, spec CreateSpec) (Info, error) {
	if spec.SizeBytes <= 0 {
		return Info{}, fmt.Errorf("%w: volume size must be positive", model.ErrInvalidArgument)
	}
	if spec.ID == "" {
		spec.ID = "vol-" + uuid.NewString()
	}
	dir, err := e.dir(spec.ID)
	if err != nil {
		return Info{}, err
	}
	defer e.lock(spec.ID)()

	if _, err := os.Stat(dir); err == nil {
		return Info{}, fmt.Errorf("%w: volume %s", model.ErrAlreadyExists, spec.ID)
	}
	if err := os.MkdirAll(filepath.Join(dir, "snapshots"), 0o750); err != nil {
		return Info{}, fmt.Errorf("%w: create volume: %v", model.ErrResourceUnavailable, err)
	}
	f, err := os.Create(filepath.Join(dir, "data"))
	if err != nil {
		return Info{}, fmt.Errorf("%w: create volume: %v", model.ErrResourceUnavailable, err)
	}
	err = f.Truncate(spec.SizeBytes)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.RemoveAll(dir)
		return Info{}, fmt.Errorf("%w: size volume: %v", model.ErrResourceUnavailable, err)
	}
	replicas := spec.Replicas
	if replicas <= 0 {
		replicas = 1
	}
	info := Info{ID: spec.ID, SizeBytes: spec.SizeBytes, Labels: spec.Labels, Replicas: replicas, CreatedAt: e.now()}
	if err := e.writeMeta(info); err != nil {
		_ = os.RemoveAll(dir)
		return Info{}, fmt.Errorf("%w: write metadata: %v", model.ErrResourceUnavailable, err)
	}
	log.Info().Str("action", "volume_create").Str("volume_id", info.ID).Int64("size", info.SizeBytes).
		Int("replicas", replicas).Msg("volume created")
	return info, nil
}

func (e *FileEngine) Snapshot(ctx context.Context, volumeID string) (string, error) {
	defer e.lock(volumeID)()
	info, err := e.readMeta(volumeID)
	if err != nil {
		return "", err
	}
	id := "snap-" + uuid.NewString()
	src, err := os.Open(filepath.Join(e.root, volumeID, "data"))
	if err != nil {
		return "", fmt.Errorf("%w: open volume: %v", model.ErrResourceUnavailable, err)
	}
	defer func() { _ = src.Close() }()
	if err := atomic.WriteFile(filepath.Join(e.root, volumeID, "snapshots", id), src); err != nil {
		return "", fmt.Errorf("%w: snapshot: %v", model.ErrResourceUnavailable, err)
	}
	info.Snapshots = append(info.Snapshots, id)
	if err := e.writeMeta(info); err != nil {
		return "", fmt.Errorf("%w: write metadata: %v", model.ErrResourceUnavailable, err)
	}
	return id, nil
}

func (e *FileEngine) DeleteSnapshot(ctx context.Context, volumeID, snapshotID string) error {
	defer e.lock(volumeID)()
	info, err := e.readMeta(volumeID)
	if err != nil {
		return err
	}
	kept := info.Snapshots[:0]
	for _, s := range info.Snapshots {
		if s != snapshotID {
			kept = append(kept, s)
		}
	}
	info.Snapshots = kept
	if err := os.Remove(filepath.Join(e.root, volumeID, "snapshots", filepath.Base(snapshotID))); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: delete snapshot: %v", model.ErrResourceUnavailable, err)
	}
	return e.writeMeta(info)
}

func (e *FileEngine) snapshotPath(volumeID, snapshotID string) (string, error) {
	if _, err := e.readMeta(volumeID); err != nil {
		return "", err
	}
	p := filepath.Join(e.root, volumeID, "snapshots", filepath.Base(snapshotID))
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("%w: snapshot %s of %s", model.ErrNotFound, snapshotID, volumeID)
	}
	return p, nil
}

func (e *FileEngine) ChangedExtents(ctx context.Context, volumeID, snapshotID, baseID string) ([]Extent, error) {
	cur, err := e.snapshotPath(volumeID, snapshotID)
	if err != nil {
		return nil, err
	}
	base, err := e.snapshotPath(volumeID, baseID)
	if err != nil {
		return nil, err
	}
	a, err := os.Open(cur)
	if err != nil {
		return nil, err
	}
	defer func() { _ = a.Close() }()
	b, err := os.Open(base)
	if err != nil {
		return nil, err
	}
	defer func() { _ = b.Close() }()

	var (
		out        []Extent
		bufA, bufB = make([]byte, extentBlock), make([]byte, extentBlock)
		off        int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		na, errA := io.ReadFull(a, bufA)
		if na == 0 {
			break
		}
		nb, _ := io.ReadFull(b, bufB)
		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			if n := len(out); n > 0 && out[n-1].Offset+out[n-1].Length == off {
				out[n-1].Length += int64(na)
			} else {
				out = append(out, Extent{Offset: off, Length: int64(na)})
			}
		}
		off += int64(na)
		if errA != nil {
			break
		}
	}
	return out, nil
}

func (e *FileEngine) ReadAt(ctx context.Context, volumeID, snapshotID string, p []byte, off int64) (int, error) {
	path, err := e.snapshotPath(volumeID, snapshotID)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: open snapshot: %v", model.ErrResourceUnavailable, err)
	}
	defer func() { _ = f.Close() }()
	n, err := f.ReadAt(p, off)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

func (e *FileEngine) WriteAt(ctx context.Context, volumeID string, p []byte, off int64) error {
	info, err := e.readMeta(volumeID)
	if err != nil {
		return err
	}
	if off < 0 || off+int64(len(p)) > info.SizeBytes {
		return fmt.Errorf("%w: write [%d,%d) outside volume of %d bytes", model.ErrInvalidArgument, off, off+int64(len(p)), info.SizeBytes)
	}
	f, err := os.OpenFile(filepath.Join(e.root, volumeID, "data"), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("%w: open volume: %v", model.ErrResourceUnavailable, err)
	}
	_, err = f.WriteAt(p, off)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: write volume: %v", model.ErrResourceUnavailable, err)
	}
	return nil
}

func (e *FileEngine) Attach(ctx context.Context, volumeID, nodeID string) error {
	defer e.lock(volumeID)()
	info, err := e.readMeta(volumeID)
	if err != nil {
		return err
	}
	if info.AttachedNode != "" && info.AttachedNode != nodeID {
		return fmt.Errorf("%w: volume %s attached to %s", model.ErrResourceUnavailable, volumeID, info.AttachedNode)
	}
	info.AttachedNode = nodeID
	return e.writeMeta(info)
}

func (e *FileEngine) Delete(ctx context.Context, volumeID string) error {
	dir, err := e.dir(volumeID)
	if err != nil {
		return err
	}
	defer e.lock(volumeID)()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: delete volume: %v", model.ErrResourceUnavailable, err)
	}
	log.Info().Str("action", "volume_delete").Str("volume_id", volumeID).Msg("volume deleted")
	return nil
}
