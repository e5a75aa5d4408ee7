package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Chapsvision-dev/cloudbackupd/internal/backup"
	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
)

func (s *Server) createBackup(w http.ResponseWriter, r *http.Request) {
	var req CreateBackup
	if err := Decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	job, err := s.backups.Create(r.Context(), backup.CreateRequest{
		VolumeID:       req.VolumeID,
		CredentialID:   req.CredentialID,
		ParentBackupID: req.ParentBackupID,
		TaskName:       req.TaskName,
		Labels:         req.Labels,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, job)
}

func (s *Server) createRestore(w http.ResponseWriter, r *http.Request) {
	var req CreateRestore
	if err := Decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	job, err := s.backups.Restore(r.Context(), backup.RestoreRequest{
		BackupID: req.BackupID,
		VolumeID: req.VolumeID,
		TaskName: req.TaskName,
		Labels:   req.Labels,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, job)
}

func (s *Server) enumerateBackups(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	states, err := parseStates(q["state"])
	if err != nil {
		WriteError(w, err)
		return
	}
	jobs, err := s.backups.Enumerate(r.Context(), backup.EnumerateRequest{
		VolumeID:   q.Get("volume_id"),
		PolicyName: q.Get("policy"),
		States:     states,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, nonNil(jobs))
}

func (s *Server) deleteBackup(w http.ResponseWriter, r *http.Request) {
	job, err := s.backups.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (s *Server) deleteAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.backups.DeleteAll(r.Context(), chi.URLParam(r, "volumeID"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) catalog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.backups.Catalog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	if entries == nil {
		entries = []model.CatalogEntry{}
	}
	WriteJSON(w, http.StatusOK, entries)
}

func (s *Server) dependents(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.backups.Dependents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, nonNil(jobs))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	job, err := s.backups.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.backups.History(r.Context(), chi.URLParam(r, "volumeID"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, nonNil(jobs))
}

func (s *Server) changeState(w http.ResponseWriter, r *http.Request) {
	var req ChangeState
	if err := Decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	target, err := model.ParseState(req.State)
	if err != nil {
		WriteError(w, err)
		return
	}
	job, err := s.backups.StateChange(r.Context(), chi.URLParam(r, "id"), target)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// nonNil keeps empty listings encoded as [] rather than null.
func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
