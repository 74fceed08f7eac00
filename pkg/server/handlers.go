package server

import (
	"encoding/json"
	"net/http"

	"github.com/mzechner/agentrepl/pkg/agentsession"
	"github.com/mzechner/agentrepl/pkg/store"
)

// --- Agents ---

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.manager.ListAgents()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agent, err := s.manager.GetAgent(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, agent)
}

func (s *Server) handleCreateUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var agent store.Agent
	if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	// Manager.NewAgent generates ID if empty. UpdateAgent requires ID.
	if agent.ID == "" {
		if err := s.manager.NewAgent(&agent); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err)
			return
		}
	} else {
		if err := s.manager.UpdateAgent(&agent); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err)
			return
		}
	}

	s.jsonResponse(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.DeleteAgent(id); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Sessions ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.manager.ListSessions()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	sess, err := s.manager.NewSession(req.AgentID, "")
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	defer sess.Close()

	s.jsonResponse(w, http.StatusCreated, map[string]string{"id": sess.ID()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.LoadSession(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	defer sess.Close()

	ctx, err := sess.GetContext()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"header":  sess.Header(),
		"entries": ctx.Entries,
	})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if as, err := s.sessionFor(id); err == nil {
		as.Abort()
	}
	s.dropSession(id)
	if err := s.manager.SetSessionStatus(id, store.SessionStatusEnded); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Models ---

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	names, err := s.driver.List(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, names)
}

// --- Turn-loop actions, rewired onto agentsession.AgentSession ---

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	as, err := s.sessionFor(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}

	var req struct {
		Text                string `json:"text"`
		ExpandSlashCommands bool   `json:"expand_slash_commands"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	opts := agentsession.PromptOptions{ExpandSlashCommands: req.ExpandSlashCommands}
	if err := as.Prompt(r.Context(), req.Text, opts); err != nil {
		s.errorResponse(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSteer(w http.ResponseWriter, r *http.Request) {
	as, err := s.sessionFor(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if err := as.Steer(req.Text); err != nil {
		s.errorResponse(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleFollowUp(w http.ResponseWriter, r *http.Request) {
	as, err := s.sessionFor(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if err := as.FollowUp(req.Text); err != nil {
		s.errorResponse(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	as, err := s.sessionFor(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	as.Abort()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	as, err := s.sessionFor(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	var req struct {
		CustomInstructions string `json:"custom_instructions"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	if err := as.Compact(r.Context(), req.CustomInstructions); err != nil {
		s.errorResponse(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBash(w http.ResponseWriter, r *http.Request) {
	as, err := s.sessionFor(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	result, err := as.ExecuteBash(r.Context(), req.Command)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	as, err := s.sessionFor(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	stats, err := as.GetSessionStats()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, stats)
}
