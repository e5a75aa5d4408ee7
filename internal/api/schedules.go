package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
)

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req Schedule
	if err := Decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	p, err := s.schedules.Create(r.Context(), req.policy())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, p)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var req Schedule
	if err := Decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if name := chi.URLParam(r, "name"); req.Name != name {
		WriteError(w, fmt.Errorf("%w: body names %q but path names %q", model.ErrInvalidArgument, req.Name, name))
		return
	}
	p, err := s.schedules.Update(r.Context(), req.policy())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	p, err := s.schedules.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.schedules.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) enumerateSchedules(w http.ResponseWriter, r *http.Request) {
	ps, err := s.schedules.Enumerate(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, nonNil(ps))
}
