package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/application"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/domain"
)

// FaultLister exposes parked gap faults to operators.
type FaultLister interface {
	Faults(ctx context.Context) ([]domain.GapFault, error)
}

type Handler struct {
	logger   *slog.Logger
	registry *domain.Registry
	commands *application.CommandService
	queries  *application.QueryService
	faults   FaultLister
	ready    func(ctx context.Context) error
}

type HandlerDependencies struct {
	Logger   *slog.Logger
	Registry *domain.Registry
	Commands *application.CommandService
	Queries  *application.QueryService
	Faults   FaultLister
	// Ready reports whether the backing stores answer. Nil means always ready.
	Ready func(ctx context.Context) error
}

func NewHandler(deps HandlerDependencies) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		registry: deps.Registry,
		commands: deps.Commands,
		queries:  deps.Queries,
		faults:   deps.Faults,
		ready:    deps.Ready,
	}
}

// NewRouter mounts the command and query routes. limiter may be nil.
func NewRouter(handler *Handler, limiter *RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(handler.logger))
	r.Use(loggingMiddleware(handler.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { writeSuccess(w, http.StatusOK, "ok") })
	r.Get("/readyz", handler.readyz)

	r.Route("/_ops", func(r chi.Router) {
		r.Get("/faults", handler.listFaults)
		r.Get("/schemas/{base}", handler.getSchema)
	})

	r.Route("/{base}", func(r chi.Router) {
		r.Get("/", handler.listEntries)
		r.Get("/{id}", handler.getEntry)
		r.Group(func(r chi.Router) {
			if limiter != nil {
				r.Use(limiter.Middleware)
			}
			r.Post("/", handler.createEntry)
			r.Put("/{id}", handler.updateEntry)
			r.Delete("/{id}", handler.deleteEntry)
		})
	})
	return r
}
