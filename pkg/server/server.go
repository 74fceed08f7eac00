package server

import (
	"embed"
	"encoding/json"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mzechner/agentrepl/pkg/agentsession"
	"github.com/mzechner/agentrepl/pkg/hooks"
	"github.com/mzechner/agentrepl/pkg/models"
	"github.com/mzechner/agentrepl/pkg/sandbox"
	"github.com/mzechner/agentrepl/pkg/store"
	"github.com/mzechner/agentrepl/pkg/tools"
)

// Server serves the web UI and API. Rather than a single shared turn-loop
// runner across every session, it keeps one *agentsession.AgentSession per
// session ID, built lazily on first touch, so each session drives its own
// turn loop and auxiliary cancellation tokens independently.
type Server struct {
	manager    store.Manager
	driver     models.Driver
	registry   *tools.Registry
	sandboxMgr sandbox.Manager
	hookRunner *hooks.Runner
	distFS     embed.FS
	srv        *http.Server

	mu       sync.Mutex
	sessions map[string]*agentsession.AgentSession
}

// New creates a new Server.
func New(manager store.Manager, driver models.Driver, registry *tools.Registry, sandboxMgr sandbox.Manager, hookRunner *hooks.Runner, distFS embed.FS) *Server {
	return &Server{
		manager:    manager,
		driver:     driver,
		registry:   registry,
		sandboxMgr: sandboxMgr,
		hookRunner: hookRunner,
		distFS:     distFS,
		sessions:   make(map[string]*agentsession.AgentSession),
	}
}

// sessionFor returns the cached AgentSession for id, constructing one
// around a freshly loaded store.Session on first touch.
func (s *Server) sessionFor(id string) (*agentsession.AgentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if as, ok := s.sessions[id]; ok {
		return as, nil
	}

	sess, err := s.manager.LoadSession(id)
	if err != nil {
		return nil, err
	}
	as, err := agentsession.New(s.manager, sess, s.driver, s.registry, s.sandboxMgr, s.hookRunner)
	if err != nil {
		sess.Close()
		return nil, err
	}
	s.sessions[id] = as
	return as, nil
}

// dropSession evicts and closes a cached AgentSession.
func (s *Server) dropSession(id string) {
	s.mu.Lock()
	as, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		as.Close()
	}
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()

	// API Routes
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("POST /api/agents", s.handleCreateUpdateAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeleteAgent)

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)

	// Models
	mux.HandleFunc("GET /api/models", s.handleListModels)

	// Session Actions
	mux.HandleFunc("POST /api/sessions/{id}/prompt", s.handlePrompt)
	mux.HandleFunc("POST /api/sessions/{id}/steer", s.handleSteer)
	mux.HandleFunc("POST /api/sessions/{id}/followup", s.handleFollowUp)
	mux.HandleFunc("POST /api/sessions/{id}/abort", s.handleAbort)
	mux.HandleFunc("POST /api/sessions/{id}/compact", s.handleCompact)
	mux.HandleFunc("POST /api/sessions/{id}/bash", s.handleBash)
	mux.HandleFunc("GET /api/sessions/{id}/stats", s.handleStats)
	mux.HandleFunc("POST /api/sessions/{id}/stop", s.handleStopSession)

	// WebSocket
	mux.HandleFunc("/api/sessions/{id}/chat", s.handleChatWebSocket)

	// Static Assets
	// Serve static files with fallback to index.html for SPA
	mux.HandleFunc("/", s.handleStatic)

	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.corsMiddleware(mux),
	}

	slog.Info("Starting web server", "addr", addr)
	return s.srv.ListenAndServe()
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	// If it's an API request that wasn't matched, return 404
	// (Though specific API routes are handled by exact matches,
	// this captures /api/unknown)
	if len(r.URL.Path) >= 4 && r.URL.Path[:4] == "/api" {
		http.NotFound(w, r)
		return
	}

	path := r.URL.Path
	if path == "/" {
		path = "index.html"
	} else if path[0] == '/' {
		path = path[1:]
	}

	distFS, err := fs.Sub(s.distFS, "dist")
	if err != nil {
		slog.Error("Failed to verify distfs", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	f, err := distFS.Open(path)
	if err == nil {
		defer f.Close()
		stat, _ := f.Stat()
		if !stat.IsDir() {
			http.FileServer(http.FS(distFS)).ServeHTTP(w, r)
			return
		}
	}

	// Fallback to index.html
	index, err := distFS.Open("index.html")
	if err != nil {
		slog.Error("Failed to open index.html", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer index.Close()

	http.ServeContent(w, r, "index.html", time.Time{}, index.(io.ReadSeeker))
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	slog.Error("API Error", "error", err)
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}
