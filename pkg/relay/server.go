package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harun/codesphere/internal/observability"
	"github.com/harun/codesphere/pkg/store"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// sessionIDLength is the length of allocated session identifiers.
const sessionIDLength = 8

// Server is the outer shell of the relay: it accepts REST session
// lookups and websocket connections and hands each connection to the
// dispatcher.
type Server struct {
	host        string
	port        int
	corsOrigins []string

	server   *http.Server
	upgrader websocket.Upgrader

	sessions   *SessionStore
	registry   *Registry
	dispatcher *Dispatcher
	store      *store.Store
	logger     zerolog.Logger

	isShuttingDown bool
	shutdownMu     sync.RWMutex
}

// Config holds server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
	Store       *store.Store
	Persist     PersistQueue
	Logger      zerolog.Logger
}

// NewServer creates the relay server and its core components.
func NewServer(cfg Config) (*Server, error) {
	observability.EnsureRegistered()

	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}

	sessions := NewSessionStore(cfg.Store, cfg.Logger)
	registry := NewRegistry(cfg.Logger)
	dispatcher := NewDispatcher(sessions, registry, cfg.Persist, cfg.Logger)

	s := &Server{
		host:        cfg.Host,
		port:        cfg.Port,
		corsOrigins: cfg.CORSOrigins,
		sessions:    sessions,
		registry:    registry,
		dispatcher:  dispatcher,
		store:       cfg.Store,
		logger:      cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Cross-origin access is governed by CORS config
			},
		},
	}

	return s, nil
}

// Handler builds the HTTP routing for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/{$}", s.handleRoot)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{session_id}", s.handleGetSession)
	mux.HandleFunc("GET /api/ws/{session_id}/{user_id}", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return s.corsMiddleware(s.logMiddleware(mux))
}

// Start starts the relay server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.host, s.port),
		Handler: s.Handler(),
	}

	s.logger.Info().Str("host", s.host).Int("port", s.port).Msg("Starting relay server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Relay server error")
		}
	}()

	return nil
}

// Stop gracefully stops the server, closing every live connection.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down relay server")

	for _, client := range s.registry.All() {
		_ = client.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Relay server stopped")
	return nil
}

// Sessions exposes the session store, mainly for tests and diagnostics.
func (s *Server) Sessions() *SessionStore {
	return s.sessions
}

// Registry exposes the connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "CodeSphere API"})
}

// sessionCreateRequest is the optional POST /api/sessions body.
type sessionCreateRequest struct {
	Language string `json:"language"`
}

// sessionResponse is the REST representation of a session record.
type sessionResponse struct {
	SessionID    string        `json:"session_id"`
	Code         string        `json:"code"`
	Language     string        `json:"language"`
	CreatedAt    string        `json:"created_at"`
	Participants []Participant `json:"participants"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	req := sessionCreateRequest{Language: DefaultLanguage}
	if r.Body != nil {
		// An empty or absent body means defaults; a malformed one too.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Language == "" {
		req.Language = DefaultLanguage
	}

	sessionID, err := gonanoid.New(sessionIDLength)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to allocate session ID")
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}

	record := store.SessionRecord{
		SessionID: sessionID,
		Code:      "",
		Language:  req.Language,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.store.Create(r.Context(), record); err != nil {
		s.logger.Error().Err(err).Str("sessionId", sessionID).Msg("Failed to persist session")
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}

	s.logger.Info().Str("sessionId", sessionID).Str("language", req.Language).Msg("Session created")

	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:    record.SessionID,
		Code:         record.Code,
		Language:     record.Language,
		CreatedAt:    record.CreatedAt.Format(time.RFC3339),
		Participants: []Participant{},
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	record, found, err := s.store.Load(r.Context(), sessionID)
	if err != nil {
		s.logger.Error().Err(err).Str("sessionId", sessionID).Msg("Failed to load session")
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}

	// Unknown session is never an error; it resolves to a fresh default.
	if !found {
		fresh := store.SessionRecord{
			SessionID: sessionID,
			Code:      "",
			Language:  DefaultLanguage,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.store.Create(r.Context(), fresh); err != nil {
			s.logger.Error().Err(err).Str("sessionId", sessionID).Msg("Failed to persist session")
			http.Error(w, "failed to load session", http.StatusInternalServerError)
			return
		}
		record = &fresh
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:    record.SessionID,
		Code:         record.Code,
		Language:     record.Language,
		CreatedAt:    record.CreatedAt.Format(time.RFC3339),
		Participants: []Participant{},
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	sessionID := r.PathValue("session_id")
	userID := r.PathValue("user_id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := &Client{
		SessionID:   sessionID,
		UserID:      userID,
		Conn:        conn,
		ConnectedAt: time.Now(),
	}

	// The handler goroutine is already per-connection; the dispatcher
	// blocks here until the transport closes.
	s.dispatcher.HandleConnection(context.Background(), client)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowed := s.allowOrigin(origin); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowOrigin(origin string) string {
	for _, o := range s.corsOrigins {
		if o == "*" {
			if origin != "" {
				return origin
			}
			return "*"
		}
		if o == origin {
			return origin
		}
	}
	return ""
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.Debug().
			Str("requestId", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
