package feed

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/service"
)

// Health is the standard grpc.health.v1 service.  The overall status ("")
// and the feed service follow the ledger health status.
type Health struct {
	srv *health.Server
}

func NewHealth() *Health {
	return &Health{srv: health.NewServer()}
}

func (h *Health) Register(r grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(r, h.srv)
}

// SetStatus is registered as a health monitor watcher.  Only critical
// stops serving; a degraded ledger still answers reads.
func (h *Health) SetStatus(s service.Status) {
	st := healthpb.HealthCheckResponse_SERVING
	if s == service.StatusCritical {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.srv.SetServingStatus("", st)
	h.srv.SetServingStatus(ServiceName, st)
}

// Shutdown marks every service NOT_SERVING ahead of a graceful stop.
func (h *Health) Shutdown() { h.srv.Shutdown() }
