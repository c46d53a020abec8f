package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/crdtsync"
	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/registry"
	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/relay"
)

func newTestAPI() *API {
	hub := relay.NewHub(registry.New(100))
	go hub.Run()
	syncHub := crdtsync.NewHub()
	go syncHub.Run()
	return New(hub, syncHub)
}

func TestHealthHandler(t *testing.T) {
	a := newTestAPI()

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	a.HealthHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to parse body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body["status"])
	}
	if _, ok := body["timestamp"]; !ok {
		t.Error("Expected a timestamp field")
	}
}

func TestStatsHandler(t *testing.T) {
	a := newTestAPI()

	req := httptest.NewRequest("GET", "/api/stats", nil)
	rec := httptest.NewRecorder()
	a.StatsHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to parse body: %v", err)
	}
	for _, key := range []string{"active_rooms", "active_clients", "sync_rooms", "sync_clients"} {
		v, ok := body[key]
		if !ok {
			t.Errorf("Expected %s in stats", key)
			continue
		}
		if v.(float64) != 0 {
			t.Errorf("Expected %s to be 0 on an empty server, got %v", key, v)
		}
	}
}

func TestStatsHandlerWithoutSyncHub(t *testing.T) {
	hub := relay.NewHub(registry.New(100))
	go hub.Run()
	a := New(hub, nil)

	rec := httptest.NewRecorder()
	a.StatsHandler(rec, httptest.NewRequest("GET", "/api/stats", nil))

	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if _, ok := body["sync_rooms"]; ok {
		t.Error("sync_rooms should be omitted without a sync hub")
	}
}
