package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"

	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/api"
	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/config"
	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/crdtsync"
	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/registry"
	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/relay"
	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/retention"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	reg := registry.New(cfg.Room.ChatHistoryLimit)

	hub := relay.NewHub(reg)
	go hub.Run()

	syncHub := crdtsync.NewHub()
	go syncHub.Run()

	sweeper := retention.New(reg, syncHub, retention.Config{
		SweepInterval: cfg.Room.SweepInterval,
		RoomTTL:       cfg.Room.IdleTTL,
	})
	sweeper.Start()

	apiHandler := api.New(hub, syncHub)

	router := mux.NewRouter()
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		relay.ServeWs(hub, w, r)
	})
	router.HandleFunc("/health", apiHandler.HealthHandler).Methods("GET")
	router.HandleFunc("/api/stats", apiHandler.StatsHandler).Methods("GET")

	// The replication channel listens on its own port; the two transports
	// fail independently on purpose.
	syncServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.SyncPort),
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			crdtsync.ServeWs(syncHub, w, r)
		}),
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		sweeper.Stop()
		syncServer.Close()
		os.Exit(0)
	}()

	go func() {
		log.Printf("🔄 Sync endpoint starting on :%d", cfg.Server.SyncPort)
		if err := syncServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Sync ListenAndServe: ", err)
		}
	}()

	log.Printf("🚀 Collaboration server starting on :%d", cfg.Server.Port)
	log.Println("Endpoints:")
	log.Println("  - Relay:  /ws")
	log.Printf("  - Sync:   :%d/?room={roomId}", cfg.Server.SyncPort)
	log.Println("  - Health: GET /health")
	log.Println("  - Stats:  GET /api/stats")

	if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.Server.Port), corsMiddleware(router)); err != nil {
		log.Fatal("ListenAndServe: ", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
