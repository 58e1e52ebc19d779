package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/placqs/internal/outcome"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 1000
)

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string           `json:"status"` // ok | degraded
	Node          string           `json:"node"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Methods       int              `json:"methods"`
	Dispatched    map[string]int64 `json:"dispatched"`
	StoreError    string           `json:"store_error,omitempty"`
}

// LogResponse is returned by GET /v1/log.
type LogResponse struct {
	Node    string          `json:"node"`
	Entries []outcome.Entry `json:"entries"`
}

// MethodsResponse is returned by GET /v1/methods.
type MethodsResponse struct {
	Node    string   `json:"node"`
	Methods []string `json:"methods"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		Node:          s.stats.Node(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Methods:       len(s.methods()),
		Dispatched:    s.stats.Counts(),
	}

	code := http.StatusOK
	if err := s.log.Ping(r.Context()); err != nil {
		s.logger.Error("health check: store unreachable", "error", err)
		resp.Status = "degraded"
		resp.StoreError = err.Error()
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, resp)
}

// handleLog serves GET /v1/log?limit=N&node=X, newest first. node defaults
// to this dispatcher's node; node=* returns every node.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLogLimit)
	}

	node := r.URL.Query().Get("node")
	switch node {
	case "":
		node = s.stats.Node()
	case "*":
		node = ""
	}

	entries, err := s.log.Recent(r.Context(), node, limit)
	if err != nil {
		s.logger.Error("failed to read outcome log", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read outcome log")
		return
	}
	if entries == nil {
		entries = []outcome.Entry{}
	}
	respondJSON(w, http.StatusOK, LogResponse{Node: node, Entries: entries})
}

func (s *Server) handleMethods(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, MethodsResponse{Node: s.stats.Node(), Methods: s.methods()})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
