package userconfig

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/forgepilot/forgepilot/internal/secrets"
	"github.com/forgepilot/forgepilot/internal/telemetry"
)

// Server exposes the config and token-usage REST surface. All routes require
// the bearer key; an unconfigured key fails every request closed.
type Server struct {
	Telemetry *telemetry.Store
	Cipher    *secrets.Cipher
	BearerKey string
	Defaults  Data
}

// Router builds the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.auth)
	r.HandleFunc("/config/{platform}/{username}", s.handleConfig).Methods(http.MethodGet)
	r.HandleFunc("/token-usage/summary", s.handleSummary).Methods(http.MethodGet)
	r.HandleFunc("/token-usage/{username}", s.handleUsage).Methods(http.MethodGet)
	r.HandleFunc("/token-usage/{username}/history", s.handleHistory).Methods(http.MethodGet)
	return r
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.BearerKey == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "error", "message": "server key not configured"})
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.BearerKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "error", "message": "invalid bearer token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleConfig merges any per-user row over the ambient defaults. The stored
// API key is decrypted here and nowhere else.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	platform, username := vars["platform"], vars["username"]

	data := s.Defaults
	row, found, err := s.Telemetry.GetUserConfig(r.Context(), platform, username)
	if err != nil {
		slog.Error("user config lookup failed", "platform", platform, "user", username, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "message": "lookup failed"})
		return
	}
	if found {
		if row.Model != "" {
			data.LLM.Model = row.Model
		}
		if row.SystemPrompt != "" {
			data.SystemPrompt = row.SystemPrompt
		}
		if row.MaxLLMProcessNum > 0 {
			data.MaxLLMProcessNum = row.MaxLLMProcessNum
		}
		if row.EncryptedAPIKey != "" && s.Cipher != nil {
			blob, err := secrets.ParseBlob(row.EncryptedAPIKey)
			if err == nil {
				if key, derr := blob.Decrypt(s.Cipher); derr == nil {
					data.LLM.APIKey = key
				} else {
					slog.Warn("stored api key would not decrypt, using default", "user", username, "error", derr)
				}
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": data})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	totals, err := s.Telemetry.UserUsage(r.Context(), username)
	if err != nil {
		slog.Error("usage query failed", "user", username, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "message": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": totals})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			days = n // out-of-range values clamp in the store
		}
	}
	series, err := s.Telemetry.UserDailyHistory(r.Context(), username, days)
	if err != nil {
		slog.Error("history query failed", "user", username, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "message": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": series})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.Telemetry.TopUsers(r.Context(), 20)
	if err != nil {
		slog.Error("summary query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "message": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": summaries})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("response encoding failed", "error", err)
	}
}
