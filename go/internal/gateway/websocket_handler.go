package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// WebSocketHandler exposes the snapshot stream over WebSocket and SSE
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	streamHandler     *StreamHandler
	broadcaster       *Broadcaster
}

// NewWebSocketHandler creates the transport handlers for a broadcaster
func NewWebSocketHandler(broadcaster *Broadcaster, config ConnectionConfig) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: NewConnectionManager(broadcaster, config),
		streamHandler:     NewStreamHandler(broadcaster, config),
		broadcaster:       broadcaster,
	}
}

// HandleConnection upgrades a snapshot WebSocket
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.connectionManager.UpgradeConnection(w, r); err != nil {
		// The upgrader has already replied to the client
		log.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("failed to upgrade WebSocket connection")
	}
}

// HandleConnectionStats returns statistics about active subscribers
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{
		"total_subscribers": h.broadcaster.Count(),
	})
}

// RegisterRoutes registers the streaming routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.HandleConnection)
	mux.Handle("GET /events", h.streamHandler)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)
}
