package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pageveil/pageveil/internal/dom"
	"github.com/pageveil/pageveil/internal/mask"
	"github.com/pageveil/pageveil/internal/patterns"
	"github.com/pageveil/pageveil/internal/settings"
	"go.uber.org/zap"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// maxDocumentBytes bounds uploaded document size
const maxDocumentBytes = 4 << 20

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	sessions := len(s.sessions)
	s.mu.RUnlock()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "healthy",
		"timestamp":         time.Now().UTC(),
		"active_sessions":   sessions,
		"connected_clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Get())
}

func (s *Server) handleToggleMasking(w http.ResponseWriter, r *http.Request) {
	next := s.store.SetMaskingEnabled(!s.store.Get().MaskingEnabled)
	s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": next.MaskingEnabled})
}

type addPatternRequest struct {
	Name        string `json:"name"`
	Pattern     string `json:"pattern"`
	Description string `json:"description"`
}

func (s *Server) handleAddPattern(w http.ResponseWriter, r *http.Request) {
	var req addPatternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Pattern == "" {
		s.writeError(w, http.StatusBadRequest, "name and pattern are required")
		return
	}

	created, err := s.store.AddCustomPattern(req.Name, req.Pattern, req.Description)
	if err != nil {
		if errors.Is(err, settings.ErrNameCollision) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleRemovePattern(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.RemoveCustomPattern(id); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"removed": id})
}

func (s *Server) handleTogglePattern(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.ToggleCustomPattern(id); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"toggled": id})
}

// handleMaskDocument masks an uploaded HTML document in one synchronous pass
// and returns the masked markup
func (s *Server) handleMaskDocument(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	doc, err := dom.ParseString(string(body))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse document: %v", err))
		return
	}

	current := s.store.Get()
	registry := patterns.Derive(current)
	engine := mask.NewEngine(doc, s.logger.WithComponent("mask"))

	root := doc.Body()
	if root == nil {
		root = doc.Root()
	}
	budget := dom.Budget{
		MinTextLength: s.config.Scan.MinTextLength,
		MaxTextLength: s.config.Scan.MaxTextLength,
	}
	walker := doc.Walk(root, func(n *html.Node) bool { return mask.IsArtifact(n) }, budget)

	var all []mask.Finding
	for {
		leaf, ok := walker.Next()
		if !ok {
			break
		}
		outcome := engine.MaskLeaf(leaf, registry, current.MaskingStyle, current.MaskingIntensity)
		all = append(all, outcome.Findings...)
	}

	if len(all) > 0 {
		s.hub.BroadcastEvent(EventTypeDetection, all)
		if s.findings != nil {
			s.findings.RecordDetections("adhoc", all)
		}
	}

	rendered, err := doc.RenderString()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to render masked document")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, rendered)
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	sess, err := s.createSession(string(body))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse document: %v", err))
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":     sess.id,
		"status": sess.coord.Status(),
	})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.getSession(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown document")
		return
	}

	rendered, err := sess.doc.RenderString()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to render document")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, rendered)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown document")
		return
	}
	sess.coord.Close()
	s.logger.Info("Document session closed", zap.String("session_id", id))
	s.writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

type appendFragmentRequest struct {
	HTML string `json:"html"`
}

// handleAppendFragment appends parsed markup to the document body, which
// flows through the mutation pipeline exactly like a live page edit
func (s *Server) handleAppendFragment(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.getSession(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown document")
		return
	}

	var req appendFragmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	body := sess.doc.Body()
	if body == nil {
		s.writeError(w, http.StatusConflict, "document has no body")
		return
	}

	ctxNode := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(req.HTML), ctxNode)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse fragment: %v", err))
		return
	}

	for _, n := range nodes {
		sess.doc.AppendChild(body, n)
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"appended": len(nodes)})
}

func (s *Server) handleForceScan(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.getSession(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown document")
		return
	}
	sess.coord.ForceScan()
	s.writeJSON(w, http.StatusAccepted, sess.coord.Status())
}

func (s *Server) handleDocumentStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.getSession(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown document")
		return
	}
	s.writeJSON(w, http.StatusOK, sess.coord.Status())
}

type visibilityRequest struct {
	Visible bool `json:"visible"`
}

func (s *Server) handleSetVisibility(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.getSession(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown document")
		return
	}

	var req visibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess.doc.SetVisible(req.Visible)
	s.writeJSON(w, http.StatusOK, map[string]bool{"visible": req.Visible})
}

func (s *Server) handleListFindings(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		if parsed, err := strconv.Atoi(q); err == nil {
			limit = parsed
		}
	}

	events, err := s.findings.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleExportFindings(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="detections.parquet"`)

	if _, err := s.findings.ExportParquet(r.Context(), w); err != nil {
		s.logger.Error("Parquet export failed", zap.Error(err))
	}
}
