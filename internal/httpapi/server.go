package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/service"
)

type Dependencies struct {
	Logger *slog.Logger
	Addr   string

	Registry   *service.DeviceRegistry
	Heartbeats *service.HeartbeatService
	Ingestor   *service.Ingestor
	Reconciler *service.Reconciler
	Sequencer  *service.Sequencer
	Roster     *service.Roster
	Verifier   *service.Verifier
	Replayer   *service.Replayer
	Health     *service.HealthMonitor

	// Gatherer backs /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer

	// Now stamps server_time in responses.  Defaults to time.Now.
	Now func() time.Time
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	now        func() time.Time

	registry   *service.DeviceRegistry
	heartbeats *service.HeartbeatService
	ingestor   *service.Ingestor
	reconciler *service.Reconciler
	seq        *service.Sequencer
	roster     *service.Roster
	verifier   *service.Verifier
	replayer   *service.Replayer
	health     *service.HealthMonitor
}

func NewServer(d Dependencies) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	s := &Server{
		logger:     d.Logger,
		now:        d.Now,
		registry:   d.Registry,
		heartbeats: d.Heartbeats,
		ingestor:   d.Ingestor,
		reconciler: d.Reconciler,
		seq:        d.Sequencer,
		roster:     d.Roster,
		verifier:   d.Verifier,
		replayer:   d.Replayer,
		health:     d.Health,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(recoverMiddleware(d.Logger))
	r.Use(loggingMiddleware(d.Logger))

	r.Route("/v1", func(r chi.Router) {
		// Device-facing
		r.Post("/heartbeat", s.handleHeartbeat)
		r.Post("/taps", s.handleTap)
		r.Post("/devices/{id}/offline", s.handleDeviceOffline)
		r.Post("/devices/{id}/queue", s.handleQueueUpload)

		// Operator-facing
		r.Post("/devices", s.handleRegisterDevice)
		r.Get("/devices", s.handleListDevices)
		r.Get("/devices/{id}", s.handleGetDevice)
		r.Post("/devices/{id}/maintenance", s.handleMaintenance)
		r.Post("/devices/{id}/deactivate", s.handleDeactivate)
		r.Post("/devices/{id}/sync", s.handleSync)

		r.Put("/employees/{card_id}", s.handleEnroll)
		r.Delete("/employees/{card_id}", s.handleUnenroll)

		r.Get("/ledger/entries", s.handleEntries)
		r.Get("/ledger/range", s.handleRange)
		r.Get("/ledger/verify", s.handleVerify)
		r.Get("/ledger/replay", s.handleReplay)
		r.Get("/ledger/export", s.handleExport)
		r.Post("/ledger/corrections", s.handleCorrection)

		r.Get("/health", s.handleHealth)
	})
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) serverTime() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}
