package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/BioHazard786/Warpchat/internal/config"
	"github.com/BioHazard786/Warpchat/internal/relay"
	"github.com/BioHazard786/Warpchat/internal/version"
)

// NewRouter wires the relay endpoints:
//
//	GET /ws          websocket signaling
//	GET /health      liveness
//	GET /rooms       every live room
//	GET /rooms/{id}  one room
func NewRouter(hub *relay.Hub, cfg *config.Config) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", ServeWs(hub, cfg)).Methods(http.MethodGet)
	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/rooms", handleRooms(hub)).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{id}", handleRoom(hub)).Methods(http.MethodGet)
	return r
}

// ServeWs upgrades the request and starts the session pumps.
func ServeWs(hub *relay.Hub, cfg *config.Config) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     originChecker(cfg.Origins()),
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("failed to upgrade connection", "remote", r.RemoteAddr, "error", err)
			return
		}

		session := relay.NewSession(hub, conn, cfg.SendQueueSize)
		go session.WritePump()
		go session.ReadPump(int64(cfg.MaxEnvelopeBytes))
	}
}

// originChecker accepts requests without an Origin header (native clients),
// and otherwise requires an exact match against allowed. An empty list or a
// "*" entry allows every origin.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(strings.TrimRight(a, "/"), origin) {
				return true
			}
		}
		slog.Info("rejected websocket origin", "origin", origin)
		return false
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": version.Version})
}

func handleRooms(hub *relay.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"rooms": hub.Rooms()})
	}
}

func handleRoom(hub *relay.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, ok := hub.Room(mux.Vars(r)["id"])
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "room not found"})
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}
