// Package api exposes the scoring and planning services over HTTP.
package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"equiroute/internal/events"
	"equiroute/internal/metrics"
	"equiroute/internal/service"
	"equiroute/internal/store"
	"equiroute/internal/tasks"
)

type Server struct {
	Store   store.Store
	Scorer  *service.Scorer
	Models  *service.Models
	Catalog *service.Catalog
	Planner *service.Planner
	Tasks   *tasks.Queue
	Broker  events.Broker

	// Settings is the sanitised configuration shown by /v1/debug.
	Settings  map[string]any
	RateRPS   float64
	RateBurst int

	log *zap.Logger
}

// Deps wires a Server.
type Deps struct {
	Store     store.Store
	Scorer    *service.Scorer
	Models    *service.Models
	Catalog   *service.Catalog
	Planner   *service.Planner
	Tasks     *tasks.Queue
	Broker    events.Broker
	Log       *zap.Logger
	Settings  map[string]any
	RateRPS   float64
	RateBurst int
}

func NewServer(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		Store:     d.Store,
		Scorer:    d.Scorer,
		Models:    d.Models,
		Catalog:   d.Catalog,
		Planner:   d.Planner,
		Tasks:     d.Tasks,
		Broker:    d.Broker,
		Settings:  d.Settings,
		RateRPS:   d.RateRPS,
		RateBurst: d.RateBurst,
		log:       log,
	}
}

// Mux registers every route.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.HandleFunc("GET /version", s.VersionHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /v1/debug", s.DebugJSON)
	mux.HandleFunc("GET /openapi.yaml", s.OpenAPIHandler)
	mux.HandleFunc("GET /docs", s.DocsHandler)

	// Priorities
	mux.HandleFunc("GET /v1/priorities", s.ListPrioritiesHandler)
	mux.HandleFunc("GET /v1/priorities/summary", s.PrioritySummaryHandler)
	mux.HandleFunc("POST /v1/priorities/recalculate", s.RecalculateHandler)
	mux.HandleFunc("GET /v1/priorities/{unit}", s.LatestPriorityHandler)
	mux.HandleFunc("GET /v1/priorities/{unit}/explain", s.ExplainPriorityHandler)
	mux.HandleFunc("GET /v1/priorities/{unit}/history", s.PriorityHistoryHandler)
	mux.HandleFunc("POST /v1/priorities/{unit}/compute", s.ComputePriorityHandler)
	mux.HandleFunc("POST /v1/indicators", s.ImportIndicatorsHandler)

	// Model configurations
	mux.HandleFunc("GET /v1/model-configs", s.ListModelConfigsHandler)
	mux.HandleFunc("POST /v1/model-configs", s.CreateModelConfigHandler)
	mux.HandleFunc("GET /v1/model-configs/active", s.ActiveModelConfigHandler)
	mux.HandleFunc("GET /v1/model-configs/activations", s.ActivationsHandler)
	mux.HandleFunc("GET /v1/model-configs/{version}", s.GetModelConfigHandler)
	mux.HandleFunc("POST /v1/model-configs/{version}/activate", s.ActivateModelConfigHandler)

	// Catalogue
	mux.HandleFunc("GET /v1/locations", s.ListLocationsHandler)
	mux.HandleFunc("POST /v1/locations", s.UpsertLocationHandler)
	mux.HandleFunc("GET /v1/resources", s.ListResourcesHandler)
	mux.HandleFunc("POST /v1/resources", s.UpsertResourceHandler)

	// Route plans
	mux.HandleFunc("POST /v1/plans", s.CreatePlanHandler)
	mux.HandleFunc("GET /v1/plans", s.ListPlansHandler)
	mux.HandleFunc("GET /v1/plans/{id}", s.GetPlanHandler)
	mux.HandleFunc("POST /v1/plans/{id}/optimize", s.OptimizeHandler)
	mux.HandleFunc("POST /v1/plans/{id}/approve", s.ApproveHandler)
	mux.HandleFunc("POST /v1/plans/{id}/start", s.StartHandler)
	mux.HandleFunc("POST /v1/plans/{id}/complete", s.CompleteHandler)
	mux.HandleFunc("GET /v1/plans/{id}/coverage", s.CoverageHandler)
	mux.HandleFunc("GET /v1/plans/{id}/export", s.ExportPlanHandler)
	mux.HandleFunc("PATCH /v1/plans/{id}/stops/{stopId}", s.UpdateStopHandler)
	mux.HandleFunc("GET /v1/plans/{id}/events/stream", s.PlanEventsStreamHandler)
	mux.HandleFunc("GET /v1/plans/{id}/events/ws", s.PlanEventsWSHandler)

	// Dashboard
	mux.HandleFunc("GET /v1/dashboard/summary", s.DashboardSummaryHandler)
	mux.HandleFunc("GET /v1/dashboard/equity-coverage", s.EquityCoverageHandler)

	// Background tasks
	mux.HandleFunc("GET /v1/tasks/{id}", s.GetTaskHandler)
	mux.HandleFunc("DELETE /v1/tasks/{id}", s.CancelTaskHandler)

	return mux
}

// Handler is the full middleware chain: request id, rate limit, access log.
func (s *Server) Handler() http.Handler {
	return requestIDMiddleware(rateLimitMiddleware(s.RateRPS, s.RateBurst)(logMiddleware(s.log, s.Mux())))
}
