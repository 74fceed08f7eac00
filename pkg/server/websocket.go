package server

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/mzechner/agentrepl/pkg/agentsession"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev/Prod separation handled elsewhere or allow local)
	},
}

// wireEvent is the wire shape for one agentsession.Event: the nested
// agentcore payload is forwarded as-is under "core" so the frontend gets a
// single flat "type" switch instead of two.
type wireEvent struct {
	Type    agentsession.EventType `json:"type"`
	Aborted bool                   `json:"aborted,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Core    any                    `json:"core,omitempty"`
}

// handleChatWebSocket relays the session's own event channel directly to
// the socket: every agentsession.Event, turn_start through agent_end, is
// pushed the instant AgentCore produces it, rather than polling GetContext
// on an interval and diffing against already-sent entries.
func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}

	as, err := s.sessionFor(id)
	if err != nil {
		slog.Error("Failed to load session", "id", id, "error", err)
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return ws.WriteJSON(v)
	}

	done := make(chan struct{})

	// Writer loop: relay AgentSession's event channel to the socket.
	go func() {
		defer close(done)
		for e := range as.Events() {
			wire := wireEvent{Type: e.Type, Aborted: e.Aborted, Core: e.Core}
			if e.Err != nil {
				wire.Error = e.Err.Error()
			}
			if err := writeJSON(wire); err != nil {
				slog.Error("websocket write error", "error", err)
				return
			}
		}
	}()

	// Reader loop: turn the socket's own user input into session operations.
	for {
		var msg struct {
			Action string `json:"action"` // "prompt" | "steer" | "followup" | "abort"
			Text   string `json:"text"`
		}
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				break
			}
			slog.Error("WebSocket read error", "error", err)
			break
		}

		var opErr error
		switch msg.Action {
		case "", "prompt":
			opErr = as.Prompt(r.Context(), msg.Text, agentsession.PromptOptions{ExpandSlashCommands: true})
		case "steer":
			opErr = as.Steer(msg.Text)
		case "followup":
			opErr = as.FollowUp(msg.Text)
		case "abort":
			as.Abort()
		}
		if opErr != nil {
			writeJSON(map[string]string{"error": opErr.Error()})
		}
	}

	<-done
}
