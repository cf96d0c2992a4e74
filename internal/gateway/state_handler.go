package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/reelsync/reelsync/internal/recovery"
	"github.com/reelsync/reelsync/internal/room"
)

// StateHandler serves read-only HTTP views of room state for debugging and
// late-join bootstrap.
type StateHandler struct {
	registry  *room.Registry
	cm        *ConnectionManager
	recoverer *recovery.Manager
}

// NewStateHandler creates a state handler.
func NewStateHandler(registry *room.Registry, cm *ConnectionManager, recoverer *recovery.Manager) *StateHandler {
	return &StateHandler{registry: registry, cm: cm, recoverer: recoverer}
}

// HandleGetRoomState handles GET /api/rooms/{id}/state.
func (h *StateHandler) HandleGetRoomState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	roomID := extractRoomIDFromPath(r.URL.Path)
	if roomID == "" {
		http.Error(w, "Room ID is required", http.StatusBadRequest)
		return
	}

	state, err := h.registry.Snapshot(roomID)
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			http.NotFound(w, r)
			return
		}
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to get room state")
		http.Error(w, "Failed to get room state", http.StatusInternalServerError)
		return
	}

	members, _ := h.registry.Members(roomID)
	resp := map[string]any{
		"state":   state,
		"members": members,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("failed to encode room state response")
	}
}

// HandleGetStats handles GET /api/stats.
func (h *StateHandler) HandleGetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]any{
		"connections": h.cm.Stats(),
		"rooms":       h.registry.Stats(),
		"recovery": map[string]any{
			"tracked":    h.recoverer.Tracked(),
			"recoveries": h.recoverer.Recoveries(),
			"timeouts":   h.recoverer.Timeouts(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Error().Err(err).Msg("failed to encode stats response")
	}
}

// RegisterRoutes registers the HTTP surface.
func (h *StateHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/stats", h.HandleGetStats)

	mux.HandleFunc("/api/rooms/", func(w http.ResponseWriter, r *http.Request) {
		if len(r.URL.Path) > len("/api/rooms/") && r.URL.Path[len(r.URL.Path)-6:] == "/state" {
			h.HandleGetRoomState(w, r)
		} else {
			http.NotFound(w, r)
		}
	})
}

// extractRoomIDFromPath extracts the room id from /api/rooms/{id}/state.
func extractRoomIDFromPath(path string) string {
	const prefix = "/api/rooms/"
	const suffix = "/state"

	if len(path) <= len(prefix)+len(suffix) {
		return ""
	}
	if path[:len(prefix)] != prefix || path[len(path)-len(suffix):] != suffix {
		return ""
	}
	return path[len(prefix) : len(path)-len(suffix)]
}
