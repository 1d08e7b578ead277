// Package api exposes the service's HTTP surface: the websocket endpoint,
// the synchronous ingest endpoint, presence, health, and metrics.
package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"syncgate/internal/bridge"
	"syncgate/internal/changefeed"
	"syncgate/internal/config"
	"syncgate/internal/gateway"
	"syncgate/internal/metrics"
	"syncgate/internal/router"
)

type Server struct {
	Gateway *gateway.Gateway
	Router  *router.Router
	Bridge  *bridge.Bridge      // nil when no broker is configured
	Feed    *changefeed.Listener // nil when no change feed is configured

	ingestLimit *rate.Limiter
}

func NewServer(gw *gateway.Gateway, rt *router.Router, br *bridge.Bridge, feed *changefeed.Listener, ingest config.Ingest) *Server {
	if ingest.RatePerSec <= 0 {
		ingest.RatePerSec = 50
	}
	if ingest.Burst <= 0 {
		ingest.Burst = int(ingest.RatePerSec) * 2
	}
	return &Server{
		Gateway:     gw,
		Router:      rt,
		Bridge:      br,
		Feed:        feed,
		ingestLimit: rate.NewLimiter(rate.Limit(ingest.RatePerSec), ingest.Burst),
	}
}

// Routes wires the HTTP mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.Gateway.WSHandler)
	mux.HandleFunc("/v1/ingest", s.IngestHandler)
	mux.HandleFunc("/v1/presence", s.PresenceHandler)
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	return mux
}
