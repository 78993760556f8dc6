package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/agentwarden/ai-gateway-agent/internal/auth"
	"github.com/agentwarden/ai-gateway-agent/internal/trace"
)

const maxListLimit = 1000

// --- Decisions ---

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	q := r.URL.Query()
	filter := trace.Filter{
		ClientID:      q.Get("client_id"),
		Provider:      q.Get("provider"),
		Model:         q.Get("model"),
		Action:        q.Get("action"),
		BlockedReason: q.Get("blocked_reason"),
		Limit:         queryInt(r, "limit", 50),
		Offset:        queryInt(r, "offset", 0),
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}

	for key, dst := range map[string]**time.Time{"since": &filter.Since, "until": &filter.Until} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, key+" must be an RFC 3339 timestamp")
			return
		}
		*dst = &t
	}

	records, total, err := s.deps.Store.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []*trace.Record{}
	}

	writeJSON(w, map[string]interface{}{
		"decisions": records,
		"total":     total,
	})
}

func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	rec, err := s.deps.Store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, trace.ErrNotFound) {
		writeError(w, http.StatusNotFound, "decision not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, rec)
}

func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	res, err := s.deps.Store.Verify(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !res.Valid {
		s.logger.Warn("audit chain verification failed", "broken_at", res.BrokenAt, "checked", res.Checked)
	}
	writeJSON(w, res)
}

// --- Configuration ---

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gateway == nil {
		writeError(w, http.StatusServiceUnavailable, "gateway not running")
		return
	}
	writeJSON(w, map[string]interface{}{
		"gateway": s.deps.Gateway.Config(),
	})
}

func (s *Server) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reload == nil {
		writeError(w, http.StatusConflict, "no config file to reload")
		return
	}
	if err := s.deps.Reload(); err != nil {
		s.logger.Error("config reload via API failed", "error", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.logger.Info("config reloaded via API")
	resp := map[string]interface{}{"status": "reloaded"}
	if s.deps.Gateway != nil {
		resp["gateway"] = s.deps.Gateway.Config()
	}
	writeJSON(w, resp)
}

// --- Tokens ---

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"tokens": s.deps.Tokens.List()})
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role     string `json:"role"`
		Name     string `json:"name"`
		SourceIP string `json:"source_ip"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, err := s.deps.Tokens.CreateToken(role, req.Name, req.SourceIP)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"token":  token,
		"secret": token.Secret,
	})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Tokens.RevokeToken(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "token not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- System ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"feed_clients":   s.wsHub.ClientCount(),
	}
	if s.deps.Gateway != nil {
		resp["pending_requests"] = s.deps.Gateway.Pending()
	}
	writeJSON(w, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := make(map[string]interface{})
	if s.deps.Store != nil {
		stats, err := s.deps.Store.Stats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["decisions"] = stats
	}
	if s.deps.Tracker != nil {
		resp["usage"] = s.deps.Tracker.Totals()
		resp["top_clients"] = s.deps.Tracker.TopClients(queryInt(r, "top", 10))
	}
	writeJSON(w, resp)
}

// --- Helpers ---

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log disabled")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	return v
}
