package system

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pbinitiative/zenrepo/internal/config"
	"github.com/pbinitiative/zenrepo/internal/log"
	"github.com/pbinitiative/zenrepo/internal/profile"
	"github.com/pbinitiative/zenrepo/internal/system/middleware"
	"github.com/pbinitiative/zenrepo/pkg/repository"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger is implemented by storages that can check their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	Name      string                `json:"name"`
	Profile   profile.ProfileType   `json:"profile"`
	StartedAt time.Time             `json:"startedAt"`
	Ready     bool                  `json:"ready"`
	Cache     repository.CacheStats `json:"cache"`
}

// Server serves the operational endpoints of the repository under /system.
type Server struct {
	sync.RWMutex
	name      string
	manager   *repository.Manager
	pinger    Pinger
	ready     bool
	startedAt time.Time
	addr      string
	server    *http.Server
}

// NewServer creates the server, pinger may be nil when the storage has nothing to check.
func NewServer(manager *repository.Manager, pinger Pinger, conf config.Config) *Server {
	r := chi.NewRouter()
	s := Server{
		name:      conf.Name,
		manager:   manager,
		pinger:    pinger,
		startedAt: time.Now().UTC(),
		addr:      conf.Server.Addr,
		server: &http.Server{
			ReadHeaderTimeout: 3 * time.Second,
			Handler:           r,
			Addr:              conf.Server.Addr,
		},
	}
	r.Use(middleware.Cors())
	r.Use(middleware.Correlation())
	r.Use(middleware.Opentelemetry(conf.Tracing))
	r.Route("/system", func(r chi.Router) {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Get("/status", s.status)
		r.Get("/health", s.health)
	})
	return &s
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetReady marks the end of startup, the health endpoint reports unavailable before.
func (s *Server) SetReady(ready bool) {
	s.Lock()
	defer s.Unlock()
	s.ready = ready
}

func (s *Server) isReady() bool {
	s.RLock()
	defer s.RUnlock()
	return s.ready
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJson(w, http.StatusOK, Status{
		Name:      s.name,
		Profile:   profile.Current,
		StartedAt: s.startedAt,
		Ready:     s.isReady(),
		Cache:     s.manager.CacheStats(),
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if !s.isReady() {
		writeJson(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			log.Errorf(ctx, "Storage health check failed: %s", err)
			writeJson(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJson(w http.ResponseWriter, status int, body any) {
	data, err := json.MarshalIndent(body, "", " ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) Start() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, err
	}
	log.Info("ZenRepo system server listening on %s", listener.Addr())
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("Error starting server: %s", err)
		}
	}()
	return listener, nil
}

func (s *Server) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil {
		log.Error("Error stopping server: %s", err)
	}
}
