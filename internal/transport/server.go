package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pageveil/pageveil/internal/config"
	"github.com/pageveil/pageveil/internal/dom"
	"github.com/pageveil/pageveil/internal/findings"
	"github.com/pageveil/pageveil/internal/logger"
	"github.com/pageveil/pageveil/internal/scan"
	"github.com/pageveil/pageveil/internal/settings"
	"go.uber.org/zap"
)

// session is one hosted document with its own coordinator
type session struct {
	id    string
	doc   *dom.Document
	coord *scan.Coordinator
}

// Server exposes the settings store and document sessions over HTTP and
// pushes change events over WebSocket
type Server struct {
	config   *config.Config
	logger   *logger.Logger
	store    *settings.Store
	hub      *Hub
	findings *findings.Store
	router   *mux.Router
	server   *http.Server

	mu       sync.RWMutex
	sessions map[string]*session
}

// New creates a new server instance. The findings store may be nil.
func New(cfg *config.Config, store *settings.Store, fs *findings.Store, log *logger.Logger) *Server {
	hub := NewHub(cfg.WebSocket, log.WithComponent("websocket").Logger)

	s := &Server{
		config:   cfg,
		logger:   log.WithComponent("transport"),
		store:    store,
		hub:      hub,
		findings: fs,
		router:   mux.NewRouter(),
		sessions: make(map[string]*session),
	}

	// Push settings changes to subscribed clients. A flip of the master
	// switch additionally gets its own toggle event.
	lastEnabled := store.Get().MaskingEnabled
	var toggleMu sync.Mutex
	store.Subscribe(func(next settings.Settings) {
		hub.BroadcastEvent(EventTypeSettingsUpdated, next)

		toggleMu.Lock()
		flipped := next.MaskingEnabled != lastEnabled
		lastEnabled = next.MaskingEnabled
		toggleMu.Unlock()
		if flipped {
			hub.BroadcastEvent(EventTypeToggleMasking, ToggleMaskingEvent{Enabled: next.MaskingEnabled})
		}
	})

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/settings", s.handleGetSettings).Methods("GET")
	v1.HandleFunc("/masking/toggle", s.handleToggleMasking).Methods("POST")
	v1.HandleFunc("/mask", s.handleMaskDocument).Methods("POST")

	v1.HandleFunc("/patterns", s.handleAddPattern).Methods("POST")
	v1.HandleFunc("/patterns/{id}", s.handleRemovePattern).Methods("DELETE")
	v1.HandleFunc("/patterns/{id}/toggle", s.handleTogglePattern).Methods("POST")

	v1.HandleFunc("/documents", s.handleCreateDocument).Methods("POST")
	v1.HandleFunc("/documents/{id}", s.handleGetDocument).Methods("GET")
	v1.HandleFunc("/documents/{id}", s.handleDeleteDocument).Methods("DELETE")
	v1.HandleFunc("/documents/{id}/append", s.handleAppendFragment).Methods("POST")
	v1.HandleFunc("/documents/{id}/scan", s.handleForceScan).Methods("POST")
	v1.HandleFunc("/documents/{id}/status", s.handleDocumentStatus).Methods("GET")
	v1.HandleFunc("/documents/{id}/visibility", s.handleSetVisibility).Methods("POST")

	if s.findings != nil {
		v1.HandleFunc("/findings", s.handleListFindings).Methods("GET")
		v1.HandleFunc("/findings/export", s.handleExportFindings).Methods("GET")
	}

	if s.config.WebSocket.Enabled {
		s.router.HandleFunc(s.config.WebSocket.Path, s.hub.HandleWebSocket).Methods("GET")
	}
}

// Start runs the hub and the HTTP server. Blocks until the server exits.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("Server starting", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown tears down sessions, the hub, and the HTTP listener
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for id, sess := range s.sessions {
		sess.coord.Close()
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	s.hub.Stop()
	return s.server.Shutdown(ctx)
}

// createSession parses htmlSrc and attaches a coordinator to the document
func (s *Server) createSession(htmlSrc string) (*session, error) {
	doc, err := dom.ParseString(htmlSrc)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	coord := scan.New(doc, s.store, scan.Config{
		PageID: id,
		Budget: dom.Budget{
			MaxNodesPerPass: s.config.Scan.MaxNodesPerPass,
			MinTextLength:   s.config.Scan.MinTextLength,
			MaxTextLength:   s.config.Scan.MaxTextLength,
		},
		ScanThrottleInterval: s.config.Scan.ScanThrottleInterval,
		RescanDebounce:       s.config.Scan.RescanDebounce,
	}, s.logger.WithPage(id), s.coordinatorOptions()...)

	sess := &session{id: id, doc: doc, coord: coord}
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	s.logger.Info("Document session created", zap.String("session_id", id))
	return sess, nil
}

func (s *Server) coordinatorOptions() []scan.Option {
	opts := []scan.Option{
		scan.WithEventSink(func(e scan.Event) {
			switch e.Kind {
			case scan.EventDetection:
				s.hub.BroadcastEvent(EventTypeDetection, e)
			case scan.EventMaskingToggled:
				s.hub.BroadcastEvent(EventTypeToggleMasking, ToggleMaskingEvent{Enabled: e.Active})
			}
		}),
	}
	if s.findings != nil {
		opts = append(opts, scan.WithRecorder(s.findings))
	}
	return opts
}

func (s *Server) getSession(id string) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}
