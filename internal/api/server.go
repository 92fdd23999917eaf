// Package api is the HTTP surface of the dialer daemon: telephony webhooks,
// agent stream signals, campaign control, and the operational endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ringflow/dialer/internal/breaker"
	"github.com/ringflow/dialer/internal/callstore"
	"github.com/ringflow/dialer/internal/lease"
	"github.com/ringflow/dialer/internal/telephony"
	"github.com/ringflow/dialer/internal/waitlist"
)

// maxBodyBytes bounds every request body we decode.
const maxBodyBytes = 1 << 20

// Reconciler consumes call-outcome signals.
type Reconciler interface {
	OnStatusEvent(ctx context.Context, ev telephony.StatusEvent) error
	OnStreamConnected(ctx context.Context, callID string) error
	OnStreamEnded(ctx context.Context, callID string) error
}

// Promoter is woken when campaign control makes new work available.
type Promoter interface {
	Wake(campaignID string)
}

// Server bundles the HTTP handlers and their dependencies.
type Server struct {
	rdb      *redis.Client
	store    *callstore.Store
	leases   *lease.Manager
	wl       *waitlist.Waitlist
	brk      *breaker.Breaker
	rec      Reconciler
	promoter Promoter
	logger   zerolog.Logger
}

// New creates the API server.
func New(rdb *redis.Client, store *callstore.Store, leases *lease.Manager, wl *waitlist.Waitlist, brk *breaker.Breaker, rec Reconciler, promoter Promoter, logger zerolog.Logger) *Server {
	return &Server{
		rdb:      rdb,
		store:    store,
		leases:   leases,
		wl:       wl,
		brk:      brk,
		rec:      rec,
		promoter: promoter,
		logger:   logger,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer(s.logger))
	r.Use(requestID)
	r.Use(accessLog(s.logger))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/webhooks/telephony", func(r chi.Router) {
			// Webhook storms from the provider must not starve the control
			// endpoints.
			r.Use(httprate.Limit(600, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
			r.Post("/status", s.handleStatusWebhook)
			r.Post("/stream/{callID}/connected", s.handleStreamConnected)
			r.Post("/stream/{callID}/ended", s.handleStreamEnded)
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCreateCampaign)
			r.Route("/{campaignID}", func(r chi.Router) {
				r.Get("/", s.handleGetCampaign)
				r.Get("/stats", s.handleStats)
				r.Post("/contacts", s.handleAddContacts)
				r.Post("/start", s.handleStart)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
				r.Post("/cancel", s.handleCancel)
			})
		})
	})

	return r
}

// handleHealthz reports readiness of both stores.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "redis": err.Error()})
		return
	}
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "db": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
