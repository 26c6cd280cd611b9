package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sessionmux/sessionmux/pkg/types"
)

type createSessionRequest struct {
	Kind     string          `json:"kind"`
	Cwd      string          `json:"cwd,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, types.NewError(types.ErrBadArgs, "invalid request body"))
		return
	}
	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, types.NewError(types.ErrBadArgs, "kind is required"))
		return
	}

	sess, err := s.orch.Create(r.Context(), req.Kind, req.Cwd, req.Metadata)
	if err != nil {
		writeKernelError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.orch.List(r.Context(), r.URL.Query().Get("cwd"))
	if err != nil {
		writeKernelError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orch.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeKernelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Delete(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeKernelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type historyResponse struct {
	Events []types.Event `json:"events"`
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	var fromSeq int64
	if v := r.URL.Query().Get("fromSeq"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, types.NewError(types.ErrBadArgs, "invalid fromSeq"))
			return
		}
		fromSeq = parsed
	}
	var limit int
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, types.NewError(types.ErrBadArgs, "invalid limit"))
			return
		}
		limit = parsed
	}

	events, err := s.orch.History(r.Context(), chi.URLParam(r, "sessionID"), fromSeq, limit)
	if err != nil {
		writeKernelError(w, err)
		return
	}
	if events == nil {
		events = []types.Event{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Events: events})
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.Resume(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeKernelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Close(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeKernelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"closing": true})
}

func (s *Server) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := s.workspaces.List(r.Context())
	if err != nil {
		writeKernelError(w, err)
		return
	}
	if workspaces == nil {
		workspaces = []*types.Workspace{}
	}
	writeJSON(w, http.StatusOK, workspaces)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
