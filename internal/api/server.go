package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/clashmeter/clashmeter/internal/collector"
	"github.com/clashmeter/clashmeter/internal/realtime"
	"github.com/clashmeter/clashmeter/internal/store"
)

// Deps bundles the collaborators every handler draws from.
type Deps struct {
	Store      *store.Store
	Cache      *realtime.Cache
	Supervisor *collector.Supervisor

	// Tolerance is how close to now a window's end must be for the
	// realtime overlay to apply.
	Tolerance time.Duration
}

// overlay reports whether a window qualifies for the realtime overlay.
func (d *Deps) overlay(tr *store.TimeRange) bool {
	return realtime.ShouldOverlay(rangeEnd(tr), d.Tolerance)
}

// Server wraps the HTTP server and mux.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires all routes. apiToken empty disables auth.
func NewServer(port int, apiToken string, apiMaxBodyBytes int64, d *Deps) *Server {
	mux := http.NewServeMux()

	// Public (no auth).
	mux.Handle("GET /health", HandleHealth())

	authed := http.NewServeMux()

	// Stats.
	authed.Handle("GET /api/stats/summary", HandleSummary(d))
	authed.Handle("GET /api/stats/global", HandleGlobal(d))
	authed.Handle("GET /api/stats/domains", HandleDomainList(d))
	authed.Handle("GET /api/stats/domains/proxy-stats", HandleDomainProxyStats(d))
	authed.Handle("GET /api/stats/domains/ip-details", HandleDomainIPDetails(d))
	authed.Handle("GET /api/stats/ips", HandleIPList(d))
	authed.Handle("GET /api/stats/ips/proxy-stats", HandleIPProxyStats(d))
	authed.Handle("GET /api/stats/ips/domain-details", HandleIPDomainDetails(d))
	authed.Handle("GET /api/stats/proxies", HandleProxyTotals(d))
	authed.Handle("GET /api/stats/proxies/domains", HandleProxyDomains(d))
	authed.Handle("GET /api/stats/proxies/ips", HandleProxyIPs(d))
	authed.Handle("GET /api/stats/rules", HandleRuleList(d))
	authed.Handle("GET /api/stats/rules/domains", HandleRuleDomains(d))
	authed.Handle("GET /api/stats/rules/chains", HandleRuleChains(d))
	authed.Handle("GET /api/stats/countries", HandleCountryStats(d))
	authed.Handle("GET /api/stats/devices", HandleDeviceStats(d))
	authed.Handle("GET /api/stats/hourly", HandleHourly(d))
	authed.Handle("GET /api/stats/trend", HandleTrend(d))
	authed.Handle("GET /api/stats/trend/aggregated", HandleTrendAggregated(d))
	authed.Handle("GET /api/stats/connections", HandleConnections(d))

	// Backends.
	authed.Handle("GET /api/backends", HandleListBackends(d))
	authed.Handle("GET /api/backends/active", HandleActiveBackend(d))
	authed.Handle("GET /api/backends/listening", HandleListeningBackends(d))
	authed.Handle("POST /api/backends", HandleCreateBackend(d))
	authed.Handle("POST /api/backends/test", HandleTestBackendConfig(d))
	authed.Handle("GET /api/backends/{id}", HandleGetBackend(d))
	authed.Handle("PUT /api/backends/{id}", HandleUpdateBackend(d))
	authed.Handle("DELETE /api/backends/{id}", HandleDeleteBackend(d))
	authed.Handle("POST /api/backends/{id}/activate", HandleActivateBackend(d))
	authed.Handle("POST /api/backends/{id}/listening", HandleSetListening(d))
	authed.Handle("POST /api/backends/{id}/test", HandleTestBackend(d))
	authed.Handle("POST /api/backends/{id}/clear-data", HandleClearBackendData(d))

	// Database maintenance.
	authed.Handle("GET /api/db/stats", HandleDBStats(d))
	authed.Handle("POST /api/db/cleanup", HandleDBCleanup(d))
	authed.Handle("POST /api/db/vacuum", HandleDBVacuum(d))
	authed.Handle("GET /api/db/retention", HandleGetRetention(d))
	authed.Handle("PUT /api/db/retention", HandleUpdateRetention(d))

	limited := RequestBodyLimitMiddleware(apiMaxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(apiToken, limited))

	return &Server{
		httpServer: &http.Server{
			Addr:    net.JoinHostPort("", strconv.Itoa(port)),
			Handler: mux,
		},
		mux: mux,
	}
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}
