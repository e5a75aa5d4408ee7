// Package backup is the request surface of the daemon: it admits backup and
// restore jobs, answers status/history/catalog reads, drives user state
// changes and performs dependency-aware deletion.
package backup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Chapsvision-dev/cloudbackupd/internal/chain"
	"github.com/Chapsvision-dev/cloudbackupd/internal/credential"
	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
	"github.com/Chapsvision-dev/cloudbackupd/internal/store"
	"github.com/Chapsvision-dev/cloudbackupd/internal/volume"
)

// Runner is the executor as seen from the request path.
type Runner interface {
	Submit(id string) error
	Cleanup(ctx context.Context, job *model.Job) error
}

// Planner sizes a restore before its volume exists.
type Planner interface {
	Steps(ctx context.Context, backupID string) ([]model.CatalogEntry, int64, error)
}

type Options struct {
	// ReplicaFactor is the replica count of volumes created by restores.
	ReplicaFactor int
}

type Service struct {
	jobs    store.Jobs
	chain   *chain.Tracker
	volumes volume.Accessor
	creds   credential.Resolver
	runner  Runner
	planner Planner
	opt     Options
	log     zerolog.Logger
	newID   func() string
	now     func() time.Time
}

func New(jobs store.Jobs, volumes volume.Accessor, creds credential.Resolver, runner Runner, planner Planner, opt Options, logger zerolog.Logger) *Service {
	if opt.ReplicaFactor <= 0 {
		opt.ReplicaFactor = 1
	}
	return &Service{
		jobs:    jobs,
		chain:   chain.New(jobs),
		volumes: volumes,
		creds:   creds,
		runner:  runner,
		planner: planner,
		opt:     opt,
		log:     logger.With().Str("component", "backup").Logger(),
		newID:   uuid.NewString,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateRequest asks for a backup of VolumeID.
type CreateRequest struct {
	VolumeID       string
	CredentialID   string
	ParentBackupID string
	TaskName       string
	PolicyName     string
	Labels         map[string]string
}

// Create admits a Queued backup and hands it to the executor. It returns as
// soon as the job is recorded.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Job, error) {
	if strings.TrimSpace(req.VolumeID) == "" {
		return nil, fmt.Errorf("%w: volume id is required", model.ErrInvalidArgument)
	}
	if _, err := s.volumes.Inspect(ctx, req.VolumeID); err != nil {
		return nil, fmt.Errorf("volume %s: %w", req.VolumeID, err)
	}
	cred, err := s.creds.Resolve(ctx, req.CredentialID)
	if err != nil {
		return nil, err
	}
	if req.ParentBackupID != "" {
		parent, err := s.jobs.Get(ctx, req.ParentBackupID)
		if err != nil {
			return nil, fmt.Errorf("parent backup: %w", err)
		}
		if parent.CredentialID != cred.ID {
			return nil, fmt.Errorf("%w: parent %s was written with credential %s", model.ErrInvalidArgument, parent.ID, parent.CredentialID)
		}
	}

	job := &model.Job{
		ID:             s.newID(),
		TaskName:       req.TaskName,
		VolumeID:       req.VolumeID,
		Direction:      model.DirectionBackup,
		CredentialID:   cred.ID,
		Target:         cred.Provider,
		State:          model.StateQueued,
		ParentBackupID: req.ParentBackupID,
		PolicyName:     req.PolicyName,
		Labels:         req.Labels,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	s.log.Info().
		Str("action", "backup_create").
		Str("job_id", job.ID).
		Str("volume_id", job.VolumeID).
		Str("parent_backup_id", job.ParentBackupID).
		Str("target", job.Target).
		Str("policy", job.PolicyName).
		Msg("backup queued")
	s.submit(job.ID)
	return job, nil
}

// RestoreRequest asks for BackupID to be materialized into a new volume.
// VolumeID names the new volume; it is generated when empty.
type RestoreRequest struct {
	BackupID string
	VolumeID string
	TaskName string
	Labels   map[string]string
}

// Restore creates the destination volume synchronously, then queues the job
// that fills it from the backup chain.
func (s *Service) Restore(ctx context.Context, req RestoreRequest) (*model.Job, error) {
	src, err := s.jobs.Get(ctx, req.BackupID)
	if err != nil {
		return nil, err
	}
	if src.Direction != model.DirectionBackup {
		return nil, fmt.Errorf("%w: %s is a %s job", model.ErrInvalidArgument, src.ID, src.Direction)
	}
	if src.State != model.StateDone {
		return nil, fmt.Errorf("%w: backup %s is %s", model.ErrNotDone, src.ID, src.State)
	}
	_, size, err := s.planner.Steps(ctx, src.ID)
	if err != nil {
		return nil, err
	}

	volID := req.VolumeID
	if volID == "" {
		volID = "vol-" + s.newID()
	}
	if _, err := s.volumes.Create(ctx, volume.CreateSpec{
		ID:        volID,
		SizeBytes: size,
		Replicas:  s.opt.ReplicaFactor,
		Labels:    req.Labels,
	}); err != nil {
		if errors.Is(err, model.ErrAlreadyExists) || errors.Is(err, model.ErrInvalidArgument) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: create volume %s: %v", model.ErrResourceUnavailable, volID, err)
	}

	job := &model.Job{
		ID:             s.newID(),
		TaskName:       req.TaskName,
		VolumeID:       volID,
		Direction:      model.DirectionRestore,
		CredentialID:   src.CredentialID,
		Target:         src.Target,
		State:          model.StateQueued,
		SourceBackupID: src.ID,
		Labels:         req.Labels,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		if derr := s.volumes.Delete(ctx, volID); derr != nil {
			s.log.Warn().Err(derr).Str("action", "restore_create").Str("volume_id", volID).Msg("cannot remove volume of rejected restore")
		}
		return nil, err
	}
	s.log.Info().
		Str("action", "restore_create").
		Str("job_id", job.ID).
		Str("source_backup_id", src.ID).
		Str("volume_id", volID).
		Int64("size_bytes", size).
		Int("replicas", s.opt.ReplicaFactor).
		Msg("restore queued")
	s.submit(job.ID)
	return job, nil
}

// submit is best effort: a job the queue cannot take stays Queued and the
// executor's sweep picks it up.
func (s *Service) submit(id string) {
	if err := s.runner.Submit(id); err != nil {
		s.log.Warn().Err(err).Str("action", "job_submit").Str("job_id", id).Msg("job left for the sweep")
	}
}

// Delete removes a terminal job. Backups that still have live or completed
// dependents are refused with DependencyExists and left untouched.
func (s *Service) Delete(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.jobs.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("action", "job_delete").
		Str("job_id", id).
		Str("direction", string(job.Direction)).
		Str("state", string(job.State)).
		Msg("job deleted")
	if job.Direction == model.DirectionBackup && (job.State == model.StateDone || !job.CleanedUp) {
		if err := s.runner.Cleanup(ctx, job); err != nil {
			s.log.Warn().Err(err).Str("action", "job_delete").Str("job_id", id).Msg("cloud cleanup incomplete")
		}
	}
	return job, nil
}

// Skip explains why DeleteAll left a job in place.
type Skip struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type DeleteAllResult struct {
	Deleted []string `json:"deleted"`
	Skipped []Skip   `json:"skipped"`
}

// DeleteAll deletes every deletable backup of a volume, children first, and
// reports the rest instead of failing.
func (s *Service) DeleteAll(ctx context.Context, volumeID string) (DeleteAllResult, error) {
	res := DeleteAllResult{Deleted: []string{}, Skipped: []Skip{}}
	live, err := s.jobs.List(ctx, model.Filter{
		VolumeID:  volumeID,
		Direction: model.DirectionBackup,
		States:    []model.State{model.StateQueued, model.StateActive, model.StatePaused},
	})
	if err != nil {
		return res, err
	}
	for _, j := range live {
		res.Skipped = append(res.Skipped, Skip{
			ID:     j.ID,
			Code:   model.ErrorCode(model.ErrInvalidTransition),
			Reason: fmt.Sprintf("job is %s", j.State),
		})
	}

	order, err := s.chain.DeletionOrder(ctx, volumeID)
	if err != nil {
		return res, err
	}
	for _, j := range order {
		if _, err := s.Delete(ctx, j.ID); err != nil {
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			res.Skipped = append(res.Skipped, Skip{ID: j.ID, Code: model.ErrorCode(err), Reason: err.Error()})
			continue
		}
		res.Deleted = append(res.Deleted, j.ID)
	}
	s.log.Info().
		Str("action", "delete_all").
		Str("volume_id", volumeID).
		Int("deleted", len(res.Deleted)).
		Int("skipped", len(res.Skipped)).
		Msg("volume backups deleted")
	return res, nil
}

// EnumerateRequest filters Enumerate. Zero fields match everything.
type EnumerateRequest struct {
	VolumeID   string
	PolicyName string
	States     []model.State
}

// Enumerate lists backups, oldest first.
func (s *Service) Enumerate(ctx context.Context, req EnumerateRequest) ([]*model.Job, error) {
	return s.jobs.List(ctx, model.Filter{
		VolumeID:   req.VolumeID,
		Direction:  model.DirectionBackup,
		PolicyName: req.PolicyName,
		States:     req.States,
	})
}

// Status returns the current record of any job.
func (s *Service) Status(ctx context.Context, id string) (*model.Job, error) {
	return s.jobs.Get(ctx, id)
}

// Dependents lists the jobs that keep backup id from being deleted.
func (s *Service) Dependents(ctx context.Context, id string) ([]*model.Job, error) {
	return s.chain.Dependents(ctx, id)
}

// Catalog returns the entries of a finished backup.
func (s *Service) Catalog(ctx context.Context, id string) ([]model.CatalogEntry, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Direction != model.DirectionBackup {
		return nil, fmt.Errorf("%w: %s is a %s job", model.ErrInvalidArgument, id, job.Direction)
	}
	if job.State != model.StateDone {
		return nil, fmt.Errorf("%w: backup %s is %s", model.ErrNotDone, id, job.State)
	}
	return s.jobs.Catalog(ctx, id)
}

// History returns every job of a volume, newest first, live ones included.
func (s *Service) History(ctx context.Context, volumeID string) ([]*model.Job, error) {
	jobs, err := s.jobs.List(ctx, model.Filter{VolumeID: volumeID})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
		}
		return jobs[i].ID > jobs[k].ID
	})
	return jobs, nil
}

// StateChange pauses, resumes or stops a job. Exactly one of several racing
// callers wins; the others get StaleState.
func (s *Service) StateChange(ctx context.Context, id string, target model.State) (*model.Job, error) {
	cur, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := model.CheckUserTransition(cur.State, target); err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	job, err := s.jobs.Update(ctx, id, cur.State, func(j *model.Job) error {
		j.State = target
		if target == model.StateActive {
			j.HeartbeatAt = s.now()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("action", "state_change").
		Str("job_id", id).
		Str("from", string(cur.State)).
		Str("to", string(target)).
		Msg("job state changed")
	if target != model.StatePaused {
		s.submit(id)
	}
	return job, nil
}
