// Package api exposes the relay's small operational HTTP surface. Room and
// document CRUD lives in the surrounding application, not here.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/crdtsync"
	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/relay"
)

type API struct {
	hub     *relay.Hub
	syncHub *crdtsync.Hub
}

func New(hub *relay.Hub, syncHub *crdtsync.Hub) *API {
	return &API{
		hub:     hub,
		syncHub: syncHub,
	}
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.hub.RoomCount(),
		"active_clients": a.hub.ClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.syncHub != nil {
		stats["sync_rooms"] = a.syncHub.RoomCount()
		stats["sync_clients"] = a.syncHub.ClientCount()
	}

	jsonResponse(w, http.StatusOK, stats)
}
