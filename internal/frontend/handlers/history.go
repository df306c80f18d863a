package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/storage/postgres"
)

// HistoryPattern is the route HistoryHandler is mounted on.
const HistoryPattern = "GET /players/{id}/matches"

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// MatchHistory lists a player's stored matchmaking outcomes.
type MatchHistory interface {
	RecentForPlayer(ctx context.Context, externalID string, limit int) ([]postgres.MatchRow, error)
}

// matchView is the JSON shape of one history entry.
type matchView struct {
	SessionID  string    `json:"session_id"`
	PlayerA    string    `json:"player_a"`
	PlayerB    string    `json:"player_b"`
	ServerFQDN string    `json:"server_fqdn,omitempty"`
	ServerPort int       `json:"server_port,omitempty"`
	Status     string    `json:"status"`
	Failure    string    `json:"failure,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// HistoryHandler serves a player's recent matches as JSON.
type HistoryHandler struct {
	history MatchHistory
	logger  *zap.Logger
}

// NewHistoryHandler creates a HistoryHandler.
//
// Precondition: history and logger must be non-nil.
func NewHistoryHandler(history MatchHistory, logger *zap.Logger) *HistoryHandler {
	return &HistoryHandler{history: history, logger: logger}
}

// ServeHTTP answers HistoryPattern. The optional limit query parameter is
// clamped to [1, 100] and defaults to 20.
func (h *HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	player := r.PathValue("id")
	if player == "" {
		http.Error(w, "missing player id", http.StatusBadRequest)
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	rows, err := h.history.RecentForPlayer(r.Context(), player, limit)
	if err != nil {
		h.logger.Error("loading match history", zap.String("player", player), zap.Error(err))
		http.Error(w, "match history unavailable", http.StatusServiceUnavailable)
		return
	}

	out := make([]matchView, 0, len(rows))
	for _, m := range rows {
		out = append(out, matchView{
			SessionID:  m.SessionID,
			PlayerA:    m.PlayerA,
			PlayerB:    m.PlayerB,
			ServerFQDN: m.ServerFQDN,
			ServerPort: m.ServerPort,
			Status:     m.Status,
			Failure:    m.Failure,
			CreatedAt:  m.CreatedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		h.logger.Debug("writing match history", zap.Error(err))
	}
}
