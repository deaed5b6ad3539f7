package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cartloom/cartloom/pkg/billing"
	"github.com/cartloom/cartloom/pkg/connmgr"
	"github.com/cartloom/cartloom/pkg/cron"
	"github.com/cartloom/cartloom/pkg/jobs"
	"github.com/cartloom/cartloom/pkg/log"
	"github.com/cartloom/cartloom/pkg/metrics"
	"github.com/cartloom/cartloom/pkg/provision"
	"github.com/cartloom/cartloom/pkg/registry"
	"github.com/cartloom/cartloom/pkg/resolver"
	"github.com/cartloom/cartloom/pkg/tokens"
)

// Config wires the runtime components into the HTTP surface
type Config struct {
	Registry    *registry.Registry
	Resolver    *resolver.Resolver
	Tenants     *connmgr.Manager
	Provisioner *provision.Provisioner
	Jobs        *jobs.Engine
	Cron        cron.Store
	Tokens      *tokens.Registry
	Billing     *billing.Ledger
}

// Server is the admin and routing HTTP API
type Server struct {
	cfg    Config
	router chi.Router
	http   *http.Server
	logger zerolog.Logger
}

// NewServer creates the HTTP server with all routes mounted
func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		logger: log.WithComponent("httpapi"),
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(observe)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/resolve", s.handleResolve)

		r.Route("/stores", func(r chi.Router) {
			r.Post("/", s.handleCreateStore)
			r.Get("/", s.handleListStores)
			r.Route("/{storeID}", func(r chi.Router) {
				r.Get("/", s.handleGetStore)
				r.Delete("/", s.handleDeleteStore)
				r.Post("/database", s.handleAttachDatabase)
				r.Post("/hostnames", s.handleAddHostname)
				r.Get("/hostnames", s.handleListHostnames)
				r.Get("/health", s.handleTenantHealth)
				r.Post("/reprovision", s.handleReprovision)
				r.Get("/billing", s.handleBilling)
			})
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleEnqueueJob)
			r.Get("/", s.handleListJobs)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Get("/history", s.handleJobHistory)
				r.Post("/cancel", s.handleCancelJob)
			})
		})

		r.Route("/tokens", func(r chi.Router) {
			r.Post("/", s.handleUpsertToken)
			r.Post("/{tokenID}/refreshed", s.handleTokenRefreshed)
			r.Post("/{tokenID}/refresh-failed", s.handleTokenRefreshFailed)
		})

		r.Route("/cron", func(r chi.Router) {
			r.Get("/", s.handleListCronEntries)
			r.Post("/", s.handleCreateCronEntry)
			r.Post("/{entryID}/pause", s.handlePauseCronEntry)
			r.Post("/{entryID}/resume", s.handleResumeCronEntry)
		})
	})

	s.router = r
	return s
}

// Router exposes the handler for tests and embedding
func (s *Server) Router() http.Handler { return s.router }

// Start serves until the listener fails or Stop is called
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("http api listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains in-flight requests and shuts the listener down
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
