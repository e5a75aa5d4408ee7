package model

import (
	"time"
)

// Direction selects which transfer drives a job.
type Direction string

const (
	DirectionBackup  Direction = "backup"
	DirectionRestore Direction = "restore"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionBackup || d == DirectionRestore
}

// Job is one backup or restore operation tracked by the job store.
type Job struct {
	ID           string    `json:"id"`
	TaskName     string    `json:"task_name,omitempty"`
	VolumeID     string    `json:"volume_id"`
	Direction    Direction `json:"direction"`
	CredentialID string    `json:"credential_id"`
	Target       string    `json:"target"`
	State        State     `json:"state"`

	// ParentBackupID links an incremental backup to the backup it is a delta of.
	ParentBackupID string `json:"parent_backup_id,omitempty"`
	// SourceBackupID is the backup a restore job materializes.
	SourceBackupID string `json:"source_backup_id,omitempty"`
	PolicyName     string `json:"policy_name,omitempty"`
	NodeID         string `json:"node_id,omitempty"`
	SnapshotID     string `json:"snapshot_id,omitempty"`

	CreatedAt         time.Time `json:"created_at"`
	LastStateChangeAt time.Time `json:"last_state_change_at"`
	HeartbeatAt       time.Time `json:"heartbeat_at,omitempty"`

	BytesDone   int64 `json:"bytes_done"`
	BytesTotal  int64 `json:"bytes_total"`
	ChunksDone  int   `json:"chunks_done"`
	ChunksTotal int   `json:"chunks_total"`

	ErrorDetail string            `json:"error_detail,omitempty"`
	Attempts    int               `json:"attempts"`
	CleanedUp   bool              `json:"cleaned_up,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Revision    int64             `json:"revision"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Labels != nil {
		c.Labels = make(map[string]string, len(j.Labels))
		for k, v := range j.Labels {
			c.Labels[k] = v
		}
	}
	return &c
}

// References returns the backup this job depends on while it is live: the
// parent of an incremental backup, or the source of a restore.
func (j *Job) References() string {
	if j.Direction == DirectionRestore {
		return j.SourceBackupID
	}
	return j.ParentBackupID
}

// Pins reports whether j currently blocks deletion of the backup it references.
// Incremental children pin their parent while live or Done; restores only
// while they are still running.
func (j *Job) Pins() bool {
	if j.Direction == DirectionRestore {
		return !j.State.Terminal()
	}
	switch j.State {
	case StateQueued, StateActive, StatePaused, StateDone:
		return true
	}
	return false
}

// CatalogEntry describes one chunk object captured by a backup.
type CatalogEntry struct {
	Seq          int    `json:"seq"`
	Key          string `json:"key"`
	Offset       int64  `json:"offset"`
	Length       int64  `json:"length"`
	StoredLength int64  `json:"stored_length"`
	SHA256       string `json:"sha256"`
}

// Filter narrows store listings. Zero-valued fields match everything.
type Filter struct {
	VolumeID   string
	Direction  Direction
	States     []State
	PolicyName string
	TaskName   string
}

// Match reports whether j satisfies f.
func (f Filter) Match(j *Job) bool {
	if f.VolumeID != "" && j.VolumeID != f.VolumeID {
		return false
	}
	if f.Direction != "" && j.Direction != f.Direction {
		return false
	}
	if f.PolicyName != "" && j.PolicyName != f.PolicyName {
		return false
	}
	if f.TaskName != "" && j.TaskName != f.TaskName {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if j.State == s {
			return true
		}
	}
	return false
}
