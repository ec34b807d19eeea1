package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/franksops/fileops/session"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var p session.Params
	if !s.decode(w, r, &p) {
		return
	}
	d, err := s.sessions.Create(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "sid": d.ID, "session": d})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessions": s.sessions.List()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	d, ok := s.sessions.Get(chi.URLParam(r, "sid"))
	if !ok {
		s.fail(w, r, session.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session": d})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.Close(chi.URLParam(r, "sid")) {
		s.fail(w, r, session.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
