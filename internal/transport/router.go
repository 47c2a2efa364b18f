package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/ledgerly/internal/config"
	"github.com/pitabwire/ledgerly/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Metrics      *observability.Metrics
	Readiness    observability.ReadinessChecks

	Records     RecordService
	History     HistoryService
	Approvals   ApprovalService
	Fields      FieldRegistry
	Entities    EntityCatalog
	Permissions PermissionAdmin
	Events      EventHub
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware. Event streams are exempt from the handler
// timeout.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, cfg.Observability.Metrics.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	records := NewRecordHandler(deps.Records, deps.History)
	approvals := NewApprovalHandler(deps.Approvals)
	fields := NewFieldHandler(deps.Fields, deps.Entities)
	perms := NewPermissionHandler(deps.Permissions)
	events := NewEventHandler(deps.Events, cfg.Realtime.Heartbeat, logger)

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(cfg.Identity.ClaimPaths))
		r.Use(RequestLogging(logger))

		r.Get("/events/monitor", events.HandleMonitor)
		r.Get("/events/{module}/{entity}", events.HandleRoom)

		r.Group(func(r chi.Router) {
			r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))

			r.Get("/entities", fields.HandleEntities)

			r.Route("/records/{module}/{entity}", func(r chi.Router) {
				r.Get("/", records.HandleList)
				r.Post("/", records.HandleCreate)
				r.Get("/{id}", records.HandleGet)
				r.Patch("/{id}", records.HandleUpdate)
				r.Delete("/{id}", records.HandleDelete)
				r.Post("/{id}/restore", records.HandleRestore)
				r.Get("/{id}/history", records.HandleHistory)
				r.Post("/{id}/submit", approvals.HandleSubmit)
				r.Post("/{id}/approve", approvals.HandleApprove)
				r.Post("/{id}/reject", approvals.HandleReject)
			})

			r.Route("/fields/{module}/{entity}", func(r chi.Router) {
				r.Get("/", fields.HandleDefinitions)
				r.Group(func(r chi.Router) {
					r.Use(RequireRole(cfg.Permissions.AdminRoles...))
					r.Put("/", fields.HandleReorder)
					r.Put("/{key}", fields.HandleUpsert)
					r.Delete("/{key}", fields.HandleDisable)
				})
			})

			r.Get("/permissions/{userID}", perms.HandleList)
			r.Get("/permissions/{userID}/{module}/{entity}", perms.HandleGet)
			r.Put("/permissions/{userID}/{module}/{entity}", perms.HandleSet)
		})
	})

	return r
}
