// Package httpapi exposes the interlocking core over HTTP and WebSocket for the station
// control HMI: a gorilla/mux query/command surface backed by the Store Gateway, and a
// WebSocket hub that fans out every Change Distributor event as a JSON frame.
package httpapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trackguard/interlocking/infrastructure/httputil"
	"github.com/trackguard/interlocking/infrastructure/logging"
	"github.com/trackguard/interlocking/infrastructure/metrics"
	"github.com/trackguard/interlocking/infrastructure/middleware"
	"github.com/trackguard/interlocking/internal/distributor"
	"github.com/trackguard/interlocking/internal/interlocking"
	"github.com/trackguard/interlocking/internal/opstate"
	"github.com/trackguard/interlocking/internal/routes"
	"github.com/trackguard/interlocking/internal/store"
)

// RateLimiter is the subset of infrastructure/ratelimit.Limiter the HTTP surface depends on.
// It is an interface here so tests can wire the server without a Redis instance.
type RateLimiter interface {
	Middleware(next http.Handler) http.Handler
}

// Server wires the interlocking core onto an HTTP/WebSocket surface.
type Server struct {
	gw          store.Gateway
	service     *interlocking.Service
	routes      *routes.Manager
	distributor *distributor.Distributor
	latch       *opstate.Latch
	log         *logging.Logger
	metrics     *metrics.Metrics
	validate    *validator.Validate
	limiter     RateLimiter
	hub         *hub
	serviceName string
}

// New builds a Server. limiter may be nil, in which case command routes run unthrottled —
// used by tests and by any deployment that fronts the service with its own rate limiting.
func New(
	gw store.Gateway,
	service *interlocking.Service,
	routesManager *routes.Manager,
	dist *distributor.Distributor,
	latch *opstate.Latch,
	log *logging.Logger,
	m *metrics.Metrics,
	limiter RateLimiter,
	serviceName string,
) *Server {
	s := &Server{
		gw:          gw,
		service:     service,
		routes:      routesManager,
		distributor: dist,
		latch:       latch,
		log:         log,
		metrics:     m,
		validate:    validator.New(),
		limiter:     limiter,
		hub:         newHub(log),
		serviceName: serviceName,
	}

	if dist != nil {
		dist.RegisterObserver(distributor.ObserverFunc(s.hub.broadcast))
	}

	return s
}

// Router builds the full route table: queries, commands, the WebSocket upgrade endpoint,
// and the operational /healthz and /metrics probes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(s.log))
	if s.metrics != nil {
		r.Use(middleware.MetricsMiddleware(s.serviceName, s.metrics))
	}

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	r.HandleFunc("/signals", s.handleListSignals).Methods(http.MethodGet)
	r.HandleFunc("/signals/{id}", s.handleGetSignal).Methods(http.MethodGet)
	r.HandleFunc("/point-machines", s.handleListPointMachines).Methods(http.MethodGet)
	r.HandleFunc("/point-machines/{id}", s.handleGetPointMachine).Methods(http.MethodGet)
	r.HandleFunc("/track-circuits", s.handleListTrackCircuits).Methods(http.MethodGet)
	r.HandleFunc("/track-circuits/{id}", s.handleGetTrackCircuit).Methods(http.MethodGet)
	r.HandleFunc("/routes", s.handleListRoutes).Methods(http.MethodGet)
	r.HandleFunc("/routes/{id}", s.handleGetRoute).Methods(http.MethodGet)
	r.HandleFunc("/routes/{id}/events", s.handleListRouteEvents).Methods(http.MethodGet)
	r.HandleFunc("/text-labels", s.handleListTextLabels).Methods(http.MethodGet)
	r.HandleFunc("/text-labels/{id}", s.handleGetTextLabel).Methods(http.MethodGet)

	commands := r.NewRoute().Subrouter()
	if s.limiter != nil {
		commands.Use(s.limiter.Middleware)
	}
	commands.HandleFunc("/signals/{id}/aspect", s.handleChangeSignalAspect).Methods(http.MethodPost)
	commands.HandleFunc("/signals/{id}/subsidiary-aspect", s.handleChangeSubsidiaryAspect).Methods(http.MethodPost)
	commands.HandleFunc("/point-machines/{id}/position", s.handleMovePointMachine).Methods(http.MethodPost)
	commands.HandleFunc("/routes", s.handleRequestRoute).Methods(http.MethodPost)
	commands.HandleFunc("/routes/{id}/activate", s.handleActivateRoute).Methods(http.MethodPost)
	commands.HandleFunc("/routes/{id}/release", s.handleReleaseRoute).Methods(http.MethodPost)
	commands.HandleFunc("/routes/{id}/partial-release", s.handlePartialReleaseRoute).Methods(http.MethodPost)
	commands.HandleFunc("/routes/{id}/fail", s.handleFailRoute).Methods(http.MethodPost)

	return r
}

// handleHealthz reports the operational latch's current state. It is deliberately not gated
// by the latch itself — operators must be able to see a frozen system's health, not get a
// generic 503 in place of the reason.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	operational, reason, clearedAt, err := s.latch.Snapshot(r.Context())
	if err != nil {
		httputil.ServiceUnavailable(w, err.Error())
		return
	}

	body := map[string]interface{}{
		"operational": operational,
	}
	if !operational {
		body["cleared_reason"] = reason
		body["cleared_at"] = clearedAt
	}

	status := http.StatusOK
	if !operational {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, body)
}
