// Package retention bounds the resource growth the relay would otherwise
// accumulate forever: capped chat logs, eviction of idle member-less
// rooms, and eviction of idle replication buffers.
package retention

import (
	"log"
	"sync"
	"time"

	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/crdtsync"
	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/registry"
)

type Config struct {
	SweepInterval time.Duration
	RoomTTL       time.Duration
}

func DefaultConfig() Config {
	return Config{
		SweepInterval: 5 * time.Minute,
		RoomTTL:       30 * time.Minute,
	}
}

type Service struct {
	reg     *registry.Registry
	syncHub *crdtsync.Hub
	config  Config
	stop    chan struct{}
	wg      sync.WaitGroup
}

func New(reg *registry.Registry, syncHub *crdtsync.Hub, config Config) *Service {
	return &Service{
		reg:     reg,
		syncHub: syncHub,
		config:  config,
		stop:    make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("🧹 Retention sweeper started (interval: %v, room TTL: %v)",
		s.config.SweepInterval, s.config.RoomTTL)
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	log.Println("Retention sweeper stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one retention pass.
func (s *Service) Sweep() {
	s.reg.TrimChats()

	evicted := s.reg.EvictIdle(s.config.RoomTTL)
	buffers := 0
	if s.syncHub != nil {
		buffers = s.syncHub.EvictIdleBuffers(s.config.RoomTTL)
	}

	if evicted > 0 || buffers > 0 {
		log.Printf("🧹 Retention: evicted %d rooms, %d sync buffers", evicted, buffers)
	}
}
